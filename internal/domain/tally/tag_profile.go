package tally

import (
	"fmt"
	"sort"

	"github.com/metering/tally/internal/domain/shared"
)

// Tag mapping value types
const (
	TagValueTypeRole  = "role"
	TagValueTypeEngID = "engId"
)

// TagMapping maps a reported role or engineering product id onto product tags
type TagMapping struct {
	Value     string   `mapstructure:"value"`
	ValueType string   `mapstructure:"value_type"`
	Tags      []string `mapstructure:"tags"`
}

// TagMetaData carries per service type defaults for a set of product tags
type TagMetaData struct {
	Tags              []string `mapstructure:"tags"`
	ServiceType       string   `mapstructure:"service_type"`
	DefaultSLA        string   `mapstructure:"default_sla"`
	DefaultUsage      string   `mapstructure:"default_usage"`
	DefaultProvider   string   `mapstructure:"default_provider"`
	BillingAccountID  string   `mapstructure:"billing_account_id"`
	FinestGranularity string   `mapstructure:"finest_granularity"`
}

// TagProfile is the product metadata used to derive buckets from events
type TagProfile struct {
	Mappings []TagMapping  `mapstructure:"tag_mappings"`
	MetaData []TagMetaData `mapstructure:"tag_meta_data"`

	byRole        map[string][]string
	byEngID       map[string][]string
	byServiceType map[string]*TagMetaData
}

// Index validates the profile and builds its lookup tables. It must be called once after
// the profile is populated.
func (p *TagProfile) Index() error {
	p.byRole = make(map[string][]string)
	p.byEngID = make(map[string][]string)
	p.byServiceType = make(map[string]*TagMetaData)

	for _, m := range p.Mappings {
		switch m.ValueType {
		case TagValueTypeRole:
			p.byRole[m.Value] = append(p.byRole[m.Value], m.Tags...)
		case TagValueTypeEngID:
			p.byEngID[m.Value] = append(p.byEngID[m.Value], m.Tags...)
		default:
			return shared.NewDomainError(shared.CodeInvalidInput,
				fmt.Sprintf("tag mapping %q has unsupported value type %q", m.Value, m.ValueType))
		}
	}

	for i := range p.MetaData {
		md := &p.MetaData[i]
		if md.ServiceType == "" {
			continue
		}
		if _, dup := p.byServiceType[md.ServiceType]; dup {
			return shared.NewDomainError(shared.CodeInvalidInput,
				fmt.Sprintf("service type %q is declared by more than one tag metadata entry", md.ServiceType))
		}
		if md.DefaultProvider != "" {
			if _, err := ParseBillingProvider(md.DefaultProvider); err != nil {
				return err
			}
		}
		if md.FinestGranularity != "" {
			if _, err := ParseGranularity(md.FinestGranularity); err != nil {
				return err
			}
		}
		p.byServiceType[md.ServiceType] = md
	}
	return nil
}

// TagsByRole returns the tags mapped from a role
func (p *TagProfile) TagsByRole(role string) []string {
	if role == "" {
		return nil
	}
	return p.byRole[role]
}

// TagsByEngProduct returns the tags mapped from an engineering product id
func (p *TagProfile) TagsByEngProduct(engID string) []string {
	return p.byEngID[engID]
}

// MetaDataByServiceType returns the defaults declared for a service type
func (p *TagProfile) MetaDataByServiceType(serviceType string) (*TagMetaData, bool) {
	md, ok := p.byServiceType[serviceType]
	return md, ok
}

// TagsForServiceType returns the product tags declared for a service type
func (p *TagProfile) TagsForServiceType(serviceType string) []string {
	md, ok := p.byServiceType[serviceType]
	if !ok {
		return nil
	}
	return md.Tags
}

// GranularitiesForServiceType returns the snapshot granularities produced for a service type,
// from its finest granularity (hourly when undeclared) to yearly.
func (p *TagProfile) GranularitiesForServiceType(serviceType string) []Granularity {
	md, ok := p.byServiceType[serviceType]
	if !ok || md.FinestGranularity == "" {
		return AllGranularities()
	}
	g, err := ParseGranularity(md.FinestGranularity)
	if err != nil {
		return AllGranularities()
	}
	return GranularitiesFrom(g)
}

// ProductIDs resolves an event's product tags: the tags of its role plus the tags of each of its
// engineering product ids. Unmapped ids are dropped.
func (p *TagProfile) ProductIDs(e *Event) []string {
	set := make(map[string]struct{})
	for _, tag := range p.TagsByRole(e.Role) {
		set[tag] = struct{}{}
	}
	for _, engID := range e.ProductIDs {
		for _, tag := range p.TagsByEngProduct(engID) {
			set[tag] = struct{}{}
		}
	}
	ids := make([]string, 0, len(set))
	for tag := range set {
		ids = append(ids, tag)
	}
	sort.Strings(ids)
	return ids
}
