package visibility

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSiteIntervals(t *testing.T) {
	start := time.Date(2016, 10, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/visibility/sites/tst", r.URL.Path)
		assert.Equal(t, start.Format(time.RFC3339), r.URL.Query().Get("start"))
		w.Write([]byte(`{"intervals":[{"start":"2016-10-01T18:30:00Z","end":"2016-10-01T21:00:00Z"}]}`))
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	spans, err := client.SiteIntervals(context.Background(), "tst", start, end)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, time.Date(2016, 10, 1, 18, 30, 0, 0, time.UTC), spans[0].Start)
}

func TestSiteIntervalsRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"intervals":[]}`))
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, Retries: 2})
	require.NoError(t, err)

	spans, err := client.SiteIntervals(context.Background(), "tst", time.Now(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, spans)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPClientConfig{})
	assert.Error(t, err)
}
