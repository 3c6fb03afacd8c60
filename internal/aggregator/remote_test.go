package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteAggregator_GetEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var q wireQuery
		require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		assert.Equal(t, "getLogEvents", q.Operation)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"logs":[],"metadata":{"pageEndsAtTimestamp":100}}}`))
	}))
	defer srv.Close()

	agg := NewRemote(srv.URL, nil)
	page, err := agg.GetEvents(context.Background(), 0, 100, 50, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), page.Metadata.PageEndsAtTimestamp)
}

func TestRemoteAggregator_GetEvents_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":"bad cursor"}`))
	}))
	defer srv.Close()

	agg := NewRemote(srv.URL, nil)
	_, err := agg.GetEvents(context.Background(), 0, 100, 50, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad cursor")
}

func TestRemoteAggregator_Run_AppliesSubscriptionEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, _ := w.(http.Flusher)
		_, _ = w.Write([]byte(`{"type":"onNewHistoricalCheckpoint","network":"mainnet","chainId":1,"timestamp":100}` + "\n"))
		if flusher != nil {
			flusher.Flush()
		}
		_, _ = w.Write([]byte(`{"type":"onReorg","network":"mainnet","chainId":1,"commonAncestorTimestamp":40}` + "\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}))
	defer srv.Close()

	agg := NewRemote(srv.URL, nil)

	var advanced, reorged []uint64
	agg.OnNewCheckpoint(func(t uint64) { advanced = append(advanced, t) })
	agg.OnReorg(func(t uint64) { reorged = append(reorged, t) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := agg.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, []uint64{100}, advanced)
	assert.Equal(t, []uint64{40}, reorged)
	assert.Equal(t, uint64(40), agg.Checkpoint())
}
