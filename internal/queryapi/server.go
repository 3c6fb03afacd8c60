// Package queryapi implements the JSON-over-HTTP wire protocol SPEC_FULL.md
// §6 defines for peer indexers and downstream consumers: a POST /query
// envelope carrying named operations, and a GET /subscribe NDJSON push
// stream of checkpoint/reorg notifications. It is the server side of the
// same protocol internal/rpcclient.RemoteIndexerTransport and
// internal/aggregator.RemoteAggregator speak as clients, so the wire shapes
// here are deliberately kept byte-compatible with those two.
package queryapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/evmindex/indexcore/internal/logger"
	"github.com/evmindex/indexcore/internal/store"
)

// CheckpointSource is the subset of aggregator.Aggregator this server
// exposes over the wire: event paging plus checkpoint/reorg notification
// hooks, mirroring internal/pipeline.CheckpointSource so either the direct
// or remote aggregator variant can be fronted by this server unchanged.
type CheckpointSource interface {
	Checkpoint() uint64
	FinalityCheckpoint() uint64
	GetEvents(ctx context.Context, fromTimestamp, toTimestamp uint64, pageSize int, cursor *store.Cursor, includeEventSelectors map[string][]string) (store.EventPage, error)
	OnNewCheckpoint(fn func(uint64))
	OnReorg(fn func(uint64))
}

// Server answers getLogEvents and getNetworkHistoricalSync queries and
// streams checkpoint/reorg notifications to /subscribe clients. Any other
// operation, getEthLogs and getEthBlock included, is answered with an
// unsupported-operation error.
type Server struct {
	agg   CheckpointSource
	store store.Store
	log   *logger.Logger

	subMu sync.Mutex
	subs  map[chan subscriptionEvent]struct{}

	httpServer *http.Server
}

func NewServer(agg CheckpointSource, st store.Store, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNopLogger()
	}
	s := &Server{
		agg:   agg,
		store: st,
		log:   log,
		subs:  make(map[chan subscriptionEvent]struct{}),
	}
	agg.OnNewCheckpoint(func(ts uint64) {
		s.broadcast(subscriptionEvent{Type: "onNewRealtimeCheckpoint", Timestamp: ts})
	})
	agg.OnReorg(func(commonAncestorTimestamp uint64) {
		s.broadcast(subscriptionEvent{Type: "onReorg", CommonAncestorTimestamp: commonAncestorTimestamp})
	})
	return s
}

// ListenAndServe blocks serving the query API until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/query", s.handleQuery)
	mux.HandleFunc("/subscribe", s.handleSubscribe)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.httpServer.Close()
	case err := <-errCh:
		return err
	}
}

type wireQuery struct {
	Operation string          `json:"operation"`
	Variables json.RawMessage `json:"variables"`
}

type wireEnvelope struct {
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, data interface{}, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(wireEnvelope{Error: err.Error()}) //nolint:errcheck
		return
	}
	json.NewEncoder(w).Encode(wireEnvelope{Data: data}) //nolint:errcheck
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var q wireQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeEnvelope(w, nil, fmt.Errorf("decode query: %w", err))
		return
	}

	switch q.Operation {
	case "getLogEvents":
		s.handleGetLogEvents(r.Context(), w, q.Variables)
	case "getNetworkHistoricalSync":
		s.handleGetNetworkHistoricalSync(r.Context(), w, q.Variables)
	default:
		writeEnvelope(w, nil, fmt.Errorf("unsupported operation %q", q.Operation))
	}
}

type getLogEventsVars struct {
	FromTimestamp         uint64              `json:"fromTimestamp"`
	ToTimestamp           uint64              `json:"toTimestamp"`
	PageSize              int                 `json:"pageSize"`
	Cursor                *store.Cursor       `json:"cursor"`
	IncludeEventSelectors map[string][]string `json:"includeEventSelectors"`
}

func (s *Server) handleGetLogEvents(ctx context.Context, w http.ResponseWriter, raw json.RawMessage) {
	var vars getLogEventsVars
	if err := json.Unmarshal(raw, &vars); err != nil {
		writeEnvelope(w, nil, fmt.Errorf("decode getLogEvents variables: %w", err))
		return
	}
	pageSize := vars.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	page, err := s.agg.GetEvents(ctx, vars.FromTimestamp, vars.ToTimestamp, pageSize, vars.Cursor, vars.IncludeEventSelectors)
	if err != nil {
		writeEnvelope(w, nil, err)
		return
	}
	writeEnvelope(w, page, nil)
}

type getNetworkHistoricalSyncVars struct {
	Network string `json:"network"`
}

func (s *Server) handleGetNetworkHistoricalSync(ctx context.Context, w http.ResponseWriter, raw json.RawMessage) {
	var vars getNetworkHistoricalSyncVars
	if err := json.Unmarshal(raw, &vars); err != nil {
		writeEnvelope(w, nil, fmt.Errorf("decode getNetworkHistoricalSync variables: %w", err))
		return
	}
	cp, err := s.store.GetCheckpoint(ctx, vars.Network)
	if err != nil {
		writeEnvelope(w, nil, err)
		return
	}
	writeEnvelope(w, cp, nil)
}

type subscriptionEvent struct {
	Type                    string `json:"type"`
	Network                 string `json:"network,omitempty"`
	ChainID                 uint64 `json:"chainId,omitempty"`
	Timestamp               uint64 `json:"timestamp,omitempty"`
	CommonAncestorTimestamp uint64 `json:"commonAncestorTimestamp,omitempty"`
}

func (s *Server) broadcast(ev subscriptionEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Warnw("dropping subscription event, subscriber channel full", "type", ev.Type)
		}
	}
}

// handleSubscribe streams newline-delimited JSON subscriptionEvent values,
// matching aggregator.RemoteAggregator.Run's bufio.Scanner reader.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan subscriptionEvent, 64)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	defer func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
	}()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	bw := bufio.NewWriter(w)
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			bw.Write(data)  //nolint:errcheck
			bw.WriteByte('\n') //nolint:errcheck
			bw.Flush()      //nolint:errcheck
			flusher.Flush()
		}
	}
}
