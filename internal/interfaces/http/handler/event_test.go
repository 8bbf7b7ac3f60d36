package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	apptally "github.com/metering/tally/internal/application/tally"
	"github.com/metering/tally/internal/domain/tally"
	"github.com/metering/tally/internal/interfaces/http/dto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIngester struct {
	received []*tally.Event
	result   *apptally.IngestResult
	err      error
}

func (f *fakeIngester) IngestEvents(_ context.Context, events []*tally.Event) (*apptally.IngestResult, error) {
	f.received = events
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &apptally.IngestResult{Accepted: len(events)}, nil
}

func sampleEvents(n int) map[string]any {
	events := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, map[string]any{
			"account_number": "acct-1",
			"service_type":   "RHEL System",
			"instance_id":    "i-" + strings.Repeat("x", i+1),
			"timestamp":      "2024-03-10T14:00:00Z",
			"measurements":   map[string]string{"cores": "4"},
		})
	}
	return map[string]any{"events": events}
}

func TestEventHandler_Ingest(t *testing.T) {
	ingester := &fakeIngester{}
	w := doRequest(newTestEngine(NewEventHandler(ingester, 10)), http.MethodPost, "/api/v1/events", sampleEvents(2))

	assert.Equal(t, http.StatusOK, w.Code)
	resp, data := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.EqualValues(t, 2, data["accepted"])

	require.Len(t, ingester.received, 2)
	e := ingester.received[0]
	assert.Equal(t, "acct-1", e.AccountID)
	assert.Equal(t, "RHEL System", e.ServiceType)
	assert.True(t, e.Timestamp.Equal(time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC)))
	assert.Equal(t, "4", e.Measurements["cores"].String())
}

func TestEventHandler_PartialRejection(t *testing.T) {
	ingester := &fakeIngester{result: &apptally.IngestResult{
		Accepted: 1,
		Rejected: 1,
		Errors:   []apptally.IngestError{{Index: 1, InstanceID: "i-xx", Error: "timestamp is required"}},
	}}
	w := doRequest(newTestEngine(NewEventHandler(ingester, 0)), http.MethodPost, "/api/v1/events", sampleEvents(2))

	assert.Equal(t, http.StatusMultiStatus, w.Code)
	_, data := decodeResponse(t, w)
	assert.EqualValues(t, 1, data["rejected"])
	assert.Len(t, data["errors"], 1)
}

func TestEventHandler_BadRequests(t *testing.T) {
	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"malformed json", `{"events": [`, http.StatusBadRequest, dto.ErrCodeInvalidJSON},
		{"missing events", `{}`, http.StatusBadRequest, dto.ErrCodeValidation},
		{"empty batch", `{"events": []}`, http.StatusBadRequest, dto.ErrCodeBadRequest},
		{"batch too large", sampleEvents(4), http.StatusRequestEntityTooLarge, dto.ErrCodeRequestTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ingester := &fakeIngester{}
			w := doRequest(newTestEngine(NewEventHandler(ingester, 3)), http.MethodPost, "/api/v1/events", tt.body)

			assert.Equal(t, tt.status, w.Code)
			resp, _ := decodeResponse(t, w)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Nil(t, ingester.received, "ingester is not called")
		})
	}
}

func TestEventHandler_StoreFailure(t *testing.T) {
	ingester := &fakeIngester{err: errors.New("failed to store events: deadlock")}
	w := doRequest(newTestEngine(NewEventHandler(ingester, 0)), http.MethodPost, "/api/v1/events", sampleEvents(1))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp, _ := decodeResponse(t, w)
	assert.NotContains(t, resp.Error.Message, "deadlock")
}
