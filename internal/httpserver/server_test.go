package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsportal/obsportal/internal/config"
	"github.com/obsportal/obsportal/internal/lifecycle"
	"github.com/obsportal/obsportal/internal/models"
	"github.com/obsportal/obsportal/internal/store"
	"github.com/obsportal/obsportal/internal/telstates"
	"github.com/obsportal/obsportal/internal/visibility"
)

type staticEventSource struct {
	events []models.RawEvent
}

func (s staticEventSource) FetchRawEvents(ctx context.Context, start, end time.Time) ([]models.RawEvent, error) {
	return s.events, nil
}

type staticSiteVisibility struct {
	spans []telstates.Span
}

func (s staticSiteVisibility) SiteIntervals(ctx context.Context, site string, start, end time.Time) ([]telstates.Span, error) {
	return s.spans, nil
}

func testTopology() *config.Snapshot {
	return &config.Snapshot{Sites: []config.Site{
		{Code: "tst", Enclosures: []config.Enclosure{
			{Code: "doma", Telescopes: []config.Telescope{
				{Code: "1m0a", Class: "1m0"},
			}},
		}},
	}}
}

func newTestServer(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	require.NoError(t, mem.UpsertTimeAllocation(context.Background(), models.TimeAllocation{
		Proposal:         "LCOSchedulerTest",
		Semester:         "2016B",
		TelescopeClass:   "1m0",
		StdAllocation:    100,
		TooAllocation:    10,
		IppLimit:         10,
		IppTimeAvailable: 5,
	}))

	now := time.Now().UTC()
	svc, err := lifecycle.NewService(lifecycle.ServiceConfig{
		Store:    mem,
		Topology: testTopology(),
		Visibility: visibility.Static{Spans: []telstates.Span{
			{Start: now, End: now.Add(240 * time.Hour)},
		}},
		Logger: log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)

	day := now.Truncate(24 * time.Hour)
	aggregator := telstates.NewAggregator(
		staticEventSource{events: []models.RawEvent{
			{Site: "tst", Enclosure: "doma", Telescope: "1m0a", Type: "AVAILABLE", Timestamp: day.Add(2 * time.Hour)},
			{Site: "tst", Enclosure: "doma", Telescope: "1m0a", Type: "SITE_AGENT_UNRESPONSIVE", Timestamp: day.Add(8 * time.Hour)},
		}},
		staticSiteVisibility{spans: []telstates.Span{
			{Start: day, End: day.Add(12 * time.Hour)},
		}},
		nil,
	)

	srv := httptest.NewServer(New(svc, mem, aggregator).Router())
	t.Cleanup(srv.Close)
	return srv, mem
}

func submitBody(operator models.Operator, ipp float64, n int) []byte {
	start := time.Now().UTC().Add(time.Hour)
	in := lifecycle.SubmitGroupInput{
		Name:            "test group",
		Proposal:        "LCOSchedulerTest",
		Semester:        "2016B",
		Submitter:       "tester",
		Operator:        operator,
		ObservationType: models.ObservationNormal,
		IppValue:        ipp,
	}
	for i := 0; i < n; i++ {
		in.Requests = append(in.Requests, lifecycle.SubmitRequestInput{
			Location:      models.Location{Site: "tst", Enclosure: "doma", Telescope: "1m0a"},
			DurationHours: 1,
			Windows: []lifecycle.WindowInput{
				{Start: start, End: start.Add(47 * time.Hour)},
			},
		})
	}
	body, _ := json.Marshal(in)
	return body
}

func postJSON(t *testing.T, url string, body []byte) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var payload map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp, payload
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitAndFetchGroup(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, payload := postJSON(t, srv.URL+"/api/requestgroups", submitBody(models.OperatorSingle, 1.5, 1))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var group models.RequestGroup
	require.NoError(t, json.Unmarshal(payload["requestGroup"], &group))
	assert.Equal(t, models.StatePending, group.State)

	var requests []models.Request
	require.NoError(t, json.Unmarshal(payload["requests"], &requests))
	require.Len(t, requests, 1)
	assert.Equal(t, "1m0", requests[0].Location.TelescopeClass)

	getResp, err := http.Get(fmt.Sprintf("%s/api/requestgroups/%s", srv.URL, group.ID))
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	reqResp, err := http.Get(fmt.Sprintf("%s/api/requests/%s", srv.URL, requests[0].ID))
	require.NoError(t, err)
	defer reqResp.Body.Close()
	assert.Equal(t, http.StatusOK, reqResp.StatusCode)
}

func TestSubmitRejectionsAreBadRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	// SINGLE with two children.
	resp, _ := postJSON(t, srv.URL+"/api/requestgroups", submitBody(models.OperatorSingle, 1.0, 2))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Boost factor outside the accepted range.
	resp, payload := postJSON(t, srv.URL+"/api/requestgroups", submitBody(models.OperatorSingle, 3.0, 1))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(payload["error"]), "out of range")
}

func TestCancelGroup(t *testing.T) {
	srv, mem := newTestServer(t)

	resp, payload := postJSON(t, srv.URL+"/api/requestgroups", submitBody(models.OperatorSingle, 1.0, 1))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var group models.RequestGroup
	require.NoError(t, json.Unmarshal(payload["requestGroup"], &group))

	cancelURL := fmt.Sprintf("%s/api/requestgroups/%s/cancel", srv.URL, group.ID)
	resp, _ = postJSON(t, cancelURL, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := mem.GetGroup(context.Background(), group.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCanceled, stored.State)

	// A second cancel hits a terminal group and is rejected.
	resp, _ = postJSON(t, cancelURL, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelUnknownGroup(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, _ := postJSON(t, fmt.Sprintf("%s/api/requestgroups/%s/cancel", srv.URL, uuid.New()), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetGroupNotFoundAndBadID(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(fmt.Sprintf("%s/api/requestgroups/%s", srv.URL, uuid.New()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/requestgroups/not-a-uuid")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAvailabilityEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	day := time.Now().UTC().Truncate(24 * time.Hour)
	url := fmt.Sprintf("%s/api/telescope_availability?start=%s&end=%s",
		srv.URL,
		day.Format(time.RFC3339),
		day.Add(24*time.Hour).Format(time.RFC3339))

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Availability map[string][]telstates.DayAvailability `json:"availability"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	days, ok := payload.Availability["tst.doma.1m0a"]
	require.True(t, ok)
	require.Len(t, days, 1)
	// Available 2h-8h inside a 0h-12h visible window.
	assert.InDelta(t, 0.5, days[0].Fraction, 1e-9)
}
