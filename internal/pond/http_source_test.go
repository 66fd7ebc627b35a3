package pond

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchSince(t *testing.T) {
	requestID := uuid.New()
	groupID := uuid.New()
	since := time.Date(2016, 10, 1, 0, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/blocks/", r.URL.Path)
		assert.Equal(t, since.Format(time.RFC3339), r.URL.Query().Get("modified_after"))
		w.Write([]byte(`{"blocks":[{
			"request_id":"` + requestID.String() + `",
			"group_id":"` + groupID.String() + `",
			"start":"2016-10-01T18:30:00Z",
			"end":"2016-10-01T19:30:00Z",
			"canceled":false,
			"molecules":[{"completed":true,"failed":false},{"completed":true,"failed":false}]
		}]}`))
	}))
	defer srv.Close()

	src, err := NewHTTPSource(HTTPSourceConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	records, err := src.FetchSince(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, requestID, records[0].RequestID)
	assert.Equal(t, groupID, records[0].GroupID)
	assert.True(t, records[0].AllComplete())
	assert.False(t, records[0].AnyFailed())
}

func TestFetchSinceRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"blocks":[]}`))
	}))
	defer srv.Close()

	src, err := NewHTTPSource(HTTPSourceConfig{BaseURL: srv.URL, Retries: 3})
	require.NoError(t, err)

	records, err := src.FetchSince(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestBlockToRecord(t *testing.T) {
	block := Block{
		RequestID: uuid.New(),
		Canceled:  true,
		Molecules: []Molecule{{Completed: true}, {Failed: true}},
	}
	record := block.ToRecord()
	assert.True(t, record.Canceled)
	assert.False(t, record.AllComplete())
	assert.True(t, record.AnyFailed())
}
