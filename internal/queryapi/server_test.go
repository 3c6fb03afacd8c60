package queryapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmindex/indexcore/internal/store"
)

type fakeAgg struct {
	page        store.EventPage
	onCheckpoint []func(uint64)
	onReorg      []func(uint64)
}

func (f *fakeAgg) Checkpoint() uint64          { return 0 }
func (f *fakeAgg) FinalityCheckpoint() uint64  { return 0 }
func (f *fakeAgg) OnNewCheckpoint(fn func(uint64)) { f.onCheckpoint = append(f.onCheckpoint, fn) }
func (f *fakeAgg) OnReorg(fn func(uint64))         { f.onReorg = append(f.onReorg, fn) }
func (f *fakeAgg) GetEvents(ctx context.Context, from, to uint64, pageSize int, cursor *store.Cursor, sel map[string][]string) (store.EventPage, error) {
	return f.page, nil
}

type fakeStore struct{ store.Store }

func (f *fakeStore) GetCheckpoint(ctx context.Context, network string) (store.Checkpoint, error) {
	return store.Checkpoint{Network: network, ChainID: 1, HistoricalCheckpoint: 100}, nil
}

func TestHandleQuery_GetLogEvents(t *testing.T) {
	agg := &fakeAgg{page: store.EventPage{Metadata: store.PageMetadata{PageEndsAtTimestamp: 42}}}
	srv := NewServer(agg, &fakeStore{}, nil)

	rec := httptest.NewRecorder()
	body := `{"operation":"getLogEvents","variables":{"fromTimestamp":0,"toTimestamp":100,"pageSize":10}}`
	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(body))
	srv.handleQuery(rec, req)

	var envelope struct {
		Data struct {
			Metadata struct {
				PageEndsAtTimestamp uint64 `json:"pageEndsAtTimestamp"`
			} `json:"metadata"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&envelope))
	assert.Equal(t, uint64(42), envelope.Data.Metadata.PageEndsAtTimestamp)
}

func TestHandleQuery_GetNetworkHistoricalSync(t *testing.T) {
	agg := &fakeAgg{}
	srv := NewServer(agg, &fakeStore{}, nil)

	rec := httptest.NewRecorder()
	body := `{"operation":"getNetworkHistoricalSync","variables":{"network":"mainnet"}}`
	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(body))
	srv.handleQuery(rec, req)

	var envelope struct {
		Data store.Checkpoint `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&envelope))
	assert.Equal(t, uint64(100), envelope.Data.HistoricalCheckpoint)
}

func TestHandleQuery_UnsupportedOperation(t *testing.T) {
	agg := &fakeAgg{}
	srv := NewServer(agg, &fakeStore{}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"operation":"bogus"}`))
	srv.handleQuery(rec, req)

	var envelope struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&envelope))
	assert.Contains(t, envelope.Error, "unsupported operation")
}

func TestBroadcast_DeliversToSubscribers(t *testing.T) {
	agg := &fakeAgg{}
	srv := NewServer(agg, &fakeStore{}, nil)

	ch := make(chan subscriptionEvent, 1)
	srv.subMu.Lock()
	srv.subs[ch] = struct{}{}
	srv.subMu.Unlock()

	for _, fn := range agg.onCheckpoint {
		fn(55)
	}

	select {
	case ev := <-ch:
		assert.Equal(t, "onNewRealtimeCheckpoint", ev.Type)
		assert.Equal(t, uint64(55), ev.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}
