package rpcclient

import (
	"errors"
	"fmt"
	"regexp"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/evmindex/indexcore/internal/common"
)

// HttpRequestError is returned when the transport failed before receiving a
// JSON-RPC envelope at all (dial failure, non-2xx with no JSON-RPC body).
type HttpRequestError struct {
	StatusCode int
	Err        error
}

func (e *HttpRequestError) Error() string {
	return fmt.Sprintf("http request failed (status %d): %v", e.StatusCode, e.Err)
}

func (e *HttpRequestError) Unwrap() error { return e.Err }

// RpcRequestError wraps a JSON-RPC error envelope returned by the node.
type RpcRequestError struct {
	Method  string
	Code    int
	Message string
}

func (e *RpcRequestError) Error() string {
	return fmt.Sprintf("rpc error calling %s: code=%d message=%s", e.Method, e.Code, e.Message)
}

// TimeoutError is returned by DirectTransport.Call when the request's
// context deadline elapses before a response arrives.
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc call to %s timed out", e.Method)
}

// IsTooManyResultsError checks whether err is the "query returned more than
// N results" error providers return when a log filter's block range is
// too wide, per SPEC_FULL.md's range-too-large error-handling policy. It
// recognises both a DataError carrying that text in its data and an
// RpcRequestError carrying it in its message.
func IsTooManyResultsError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		errData := fmt.Sprintf("%v", dataErr.ErrorData())
		return regexp.MustCompile(`Query returned more than \d+ results`).MatchString(errData), errData
	}
	var rpcErr *RpcRequestError
	if errors.As(err, &rpcErr) {
		return regexp.MustCompile(`(?i)query returned more than \d+ results`).MatchString(rpcErr.Message), rpcErr.Message
	}
	return false, ""
}

// ParseSuggestedBlockRange extracts a provider-suggested [fromBlock,toBlock]
// hint from a too-many-results error message, when present.
func ParseSuggestedBlockRange(errData string) (fromBlock, toBlock uint64, ok bool) {
	if errData == "" {
		return 0, 0, false
	}
	re := regexp.MustCompile(`\[(0x[0-9a-fA-F]+),\s*(0x[0-9a-fA-F]+)\]`)
	matches := re.FindStringSubmatch(errData)
	const expectedMatches = 3
	if len(matches) != expectedMatches {
		return 0, 0, false
	}
	from, err1 := common.ParseUint64orHex(&matches[1])
	to, err2 := common.ParseUint64orHex(&matches[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return from, to, true
}
