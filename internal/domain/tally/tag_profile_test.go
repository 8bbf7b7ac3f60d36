package tally

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagProfile_Index(t *testing.T) {
	t.Run("rejects unknown value type", func(t *testing.T) {
		p := &TagProfile{Mappings: []TagMapping{{Value: "x", ValueType: "arch", Tags: []string{"X"}}}}
		assert.Error(t, p.Index())
	})

	t.Run("rejects duplicate service type", func(t *testing.T) {
		p := &TagProfile{MetaData: []TagMetaData{{ServiceType: "S"}, {ServiceType: "S"}}}
		assert.Error(t, p.Index())
	})

	t.Run("rejects unknown default provider", func(t *testing.T) {
		p := &TagProfile{MetaData: []TagMetaData{{ServiceType: "S", DefaultProvider: "ACME"}}}
		assert.Error(t, p.Index())
	})
}

func TestTagProfile_Granularities(t *testing.T) {
	p := &TagProfile{MetaData: []TagMetaData{
		{ServiceType: "OpenShift Cluster", Tags: []string{"OpenShift-metrics"}, FinestGranularity: "DAILY"},
	}}
	require.NoError(t, p.Index())

	assert.Equal(t, GranularitiesFrom(GranularityDaily), p.GranularitiesForServiceType("OpenShift Cluster"))
	assert.Equal(t, AllGranularities(), p.GranularitiesForServiceType("unknown"))
	assert.Equal(t, []string{"OpenShift-metrics"}, p.TagsForServiceType("OpenShift Cluster"))
	assert.Nil(t, p.TagsForServiceType("unknown"))
}
