// Package rpcclient implements the uniform RPC abstraction described in
// SPEC_FULL.md §4.6: a request(method, params) -> result contract with three
// interchangeable transports (direct HTTP, paid, remote-indexer), grounded
// on the teacher's internal/rpc (batching idiom, retry/backoff, too-many-
// results handling) generalized from ethclient/rpc.Client to a header-aware
// JSON-RPC-over-HTTP transport so the Paid transport can attach a
// per-request payment voucher header.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/evmindex/indexcore/internal/config"
)

// Call is one JSON-RPC method invocation, used both for single calls and as
// an element of a batch.
type Call struct {
	Method string
	Params []interface{}
}

// Transport is the uniform interface every RPC backend implements.
type Transport interface {
	Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
	BatchCall(ctx context.Context, calls []Call) ([]json.RawMessage, error)
	Close()
}

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *jsonRPCError   `json:"error"`
}

// DirectTransport posts JSON-RPC requests straight to a node's HTTP
// endpoint.
type DirectTransport struct {
	url        string
	httpClient *http.Client
	retry      *config.RetryConfig
	idSeq      atomic.Int64
}

// NewDirectTransport builds a DirectTransport against rpcURL.
func NewDirectTransport(rpcURL string, retry *config.RetryConfig) *DirectTransport {
	return &DirectTransport{
		url:        rpcURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      retry,
	}
}

type extraHeadersKey struct{}

// withExtraHeaders attaches per-request HTTP headers (e.g. a payment
// voucher) to ctx without mutating shared transport state, so concurrent
// callers of the same Transport never race on outgoing headers.
func withExtraHeaders(ctx context.Context, headers map[string]string) context.Context {
	return context.WithValue(ctx, extraHeadersKey{}, headers)
}

func extraHeaders(ctx context.Context) map[string]string {
	h, _ := ctx.Value(extraHeadersKey{}).(map[string]string)
	return h
}

func (t *DirectTransport) Close() { t.httpClient.CloseIdleConnections() }

func (t *DirectTransport) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	var result json.RawMessage
	err := retryWithBackoff(ctx, t.retry, method, func() error {
		start := time.Now()
		methodInc(method, "direct")
		res, err := t.doCall(ctx, method, params)
		methodDuration(method, time.Since(start))
		if err != nil {
			methodError(method, classifyError(err))
			return err
		}
		result = res
		return nil
	})
	return result, err
}

func (t *DirectTransport) doCall(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	req := jsonRPCRequest{JSONRPC: "2.0", ID: t.idSeq.Add(1), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range extraHeaders(ctx) {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutError{Method: method}
		}
		return nil, &HttpRequestError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &HttpRequestError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HttpRequestError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", string(respBody))}
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, &HttpRequestError{StatusCode: resp.StatusCode, Err: err}
	}
	if rpcResp.Error != nil {
		return nil, &RpcRequestError{Method: method, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	return rpcResp.Result, nil
}

func (t *DirectTransport) BatchCall(ctx context.Context, calls []Call) ([]json.RawMessage, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	reqs := make([]jsonRPCRequest, len(calls))
	for i, c := range calls {
		params := c.Params
		if params == nil {
			params = []interface{}{}
		}
		reqs[i] = jsonRPCRequest{JSONRPC: "2.0", ID: t.idSeq.Add(1), Method: c.Method, Params: params}
	}
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, err
	}

	var results []json.RawMessage
	err = retryWithBackoff(ctx, t.retry, "batch", func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		for k, v := range extraHeaders(ctx) {
			httpReq.Header.Set(k, v)
		}
		resp, err := t.httpClient.Do(httpReq)
		if err != nil {
			return &HttpRequestError{Err: err}
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		var rpcResps []jsonRPCResponse
		if err := json.Unmarshal(respBody, &rpcResps); err != nil {
			return &HttpRequestError{StatusCode: resp.StatusCode, Err: err}
		}
		byID := make(map[int64]jsonRPCResponse, len(rpcResps))
		for _, r := range rpcResps {
			byID[r.ID] = r
		}
		out := make([]json.RawMessage, len(reqs))
		for i, r := range reqs {
			resp, ok := byID[r.ID]
			if !ok {
				return fmt.Errorf("missing batch response for id %d (%s)", r.ID, r.Method)
			}
			if resp.Error != nil {
				return &RpcRequestError{Method: r.Method, Code: resp.Error.Code, Message: resp.Error.Message}
			}
			out[i] = resp.Result
		}
		results = out
		return nil
	})
	return results, err
}

func classifyError(err error) string {
	switch err.(type) {
	case *HttpRequestError:
		return "http"
	case *RpcRequestError:
		return "rpc"
	case *TimeoutError:
		return "timeout"
	default:
		return "other"
	}
}
