package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/evmindex/indexcore/internal/config"
)

// PaymentsClient obtains a payment voucher for a metered RPC method from an
// external Payments collaborator, per SPEC_FULL.md §4.6.
type PaymentsClient interface {
	Voucher(ctx context.Context, method string) (string, error)
}

// httpPaymentsClient is the default PaymentsClient, calling a configured
// HTTP endpoint that returns {"voucher": "..."}.
type httpPaymentsClient struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPPaymentsClient(cfg config.PaymentsConfig) PaymentsClient {
	return &httpPaymentsClient{
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{Timeout: cfg.Timeout.Duration},
	}
}

func (c *httpPaymentsClient) Voucher(ctx context.Context, method string) (string, error) {
	body, _ := json.Marshal(map[string]string{"method": method})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &HttpRequestError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &HttpRequestError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", string(raw))}
	}

	var out struct {
		Voucher string `json:"voucher"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	return out.Voucher, nil
}

// PaidTransport wraps a DirectTransport and attaches a payment voucher
// header to requests for the configured set of metered methods; every other
// method is forwarded unchanged.
type PaidTransport struct {
	direct      *DirectTransport
	payments    PaymentsClient
	paidMethods map[string]struct{}
}

// NewPaidTransport builds a PaidTransport. cfg.Methods defaults to
// {eth_getLogs, eth_getBlockByNumber, eth_getBlockByHash} per SPEC_FULL.md.
func NewPaidTransport(rpcURL string, retry *config.RetryConfig, payments PaymentsClient, cfg config.PaymentsConfig) *PaidTransport {
	methods := cfg.Methods
	if len(methods) == 0 {
		methods = []string{"eth_getLogs", "eth_getBlockByNumber", "eth_getBlockByHash"}
	}
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[m] = struct{}{}
	}
	return &PaidTransport{
		direct:      NewDirectTransport(rpcURL, retry),
		payments:    payments,
		paidMethods: set,
	}
}

func (t *PaidTransport) Close() { t.direct.Close() }

func (t *PaidTransport) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if _, paid := t.paidMethods[method]; paid {
		voucher, err := t.payments.Voucher(ctx, method)
		if err != nil {
			return nil, &RpcRequestError{Method: method, Message: fmt.Sprintf("obtain payment voucher: %v", err)}
		}
		ctx = withExtraHeaders(ctx, map[string]string{"X-Payment-Voucher": voucher})
	}
	return t.direct.Call(ctx, method, params...)
}

func (t *PaidTransport) BatchCall(ctx context.Context, calls []Call) ([]json.RawMessage, error) {
	for _, c := range calls {
		if _, paid := t.paidMethods[c.Method]; paid {
			voucher, err := t.payments.Voucher(ctx, c.Method)
			if err != nil {
				return nil, &RpcRequestError{Method: c.Method, Message: fmt.Sprintf("obtain payment voucher: %v", err)}
			}
			ctx = withExtraHeaders(ctx, map[string]string{"X-Payment-Voucher": voucher})
			break
		}
	}
	return t.direct.BatchCall(ctx, calls)
}
