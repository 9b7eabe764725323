package bundler

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrNoEndpoints means the pool was built without a usable endpoint.
	ErrNoEndpoints = errors.New("bundler: no usable endpoints configured")
	// ErrEndpointRejected marks a relay's validation failure for this operation.
	ErrEndpointRejected = errors.New("bundler: endpoint rejected the operation")
	// ErrAllEndpointsFailed means every endpoint was tried once for a call and all failed.
	ErrAllEndpointsFailed = errors.New("bundler: all endpoints failed")
)

// Kind splits endpoint failures into the two classes the pool reports.
type Kind string

const (
	// KindRejected: the relay looked at the operation and refused it.
	KindRejected Kind = "rejected"
	// KindTransient: the relay was unreachable, rate-limited or otherwise unusable.
	KindTransient Kind = "transient"
)

// RPCError is a JSON-RPC error object returned by a bundler.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// HTTPError is a non-2xx response from an endpoint.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Status, safePreview(e.Body, 200))
}

// EndpointError is the failure of one attempt against one endpoint.
type EndpointError struct {
	Endpoint string
	Method   string
	Kind     Kind
	Err      error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Endpoint, e.Method, e.Kind, e.Err)
}

func (e *EndpointError) Unwrap() error { return e.Err }

func (e *EndpointError) Is(target error) bool {
	return target == ErrEndpointRejected && e.Kind == KindRejected
}

// AllEndpointsFailedError is returned once each endpoint has failed for one logical call.
type AllEndpointsFailedError struct {
	Method   string
	Attempts []*EndpointError
}

func (e *AllEndpointsFailedError) Error() string {
	last := e.Last()
	if last == nil {
		return fmt.Sprintf("all bundler endpoints failed for %s", e.Method)
	}
	return fmt.Sprintf("all %d bundler endpoints failed for %s, last error from %s: %v",
		len(e.Attempts), e.Method, last.Endpoint, last.Err)
}

func (e *AllEndpointsFailedError) Is(target error) bool {
	return target == ErrAllEndpointsFailed
}

// Unwrap exposes the last attempt so errors.Is(err, ErrEndpointRejected) and errors.As on
// *RPCError see the final relay reason.
func (e *AllEndpointsFailedError) Unwrap() error {
	if last := e.Last(); last != nil {
		return last
	}
	return nil
}

// Last returns the final attempt, the one reported to operators.
func (e *AllEndpointsFailedError) Last() *EndpointError {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

// AnyRejected reports whether at least one relay rejected rather than failed to answer.
func (e *AllEndpointsFailedError) AnyRejected() bool {
	for _, a := range e.Attempts {
		if a.Kind == KindRejected {
			return true
		}
	}
	return false
}

var (
	// Validation errors from EIP-4337 bundler RPC: -32500 to -32507, plus invalid params.
	rejectedCodes = map[int]bool{
		-32500: true, // transaction rejected by EntryPoint simulateValidation
		-32501: true, // rejected by paymaster validatePaymasterUserOp
		-32502: true, // banned opcode
		-32503: true, // out of time range
		-32504: true, // paymaster or aggregator throttled or banned
		-32505: true, // stake or unstake delay too low
		-32506: true, // unsupported aggregator
		-32507: true, // invalid signature
		-32602: true, // invalid params
	}

	// EntryPoint revert codes look like "AA21 didn't pay prefund".
	aaCodePattern = regexp.MustCompile(`\bAA[1-9][0-9]\b`)

	rejectedPhrases = []string{"signature", "paymaster", "invalid useroperation", "userop", "prefund", "nonce"}

	notFoundPhrases = []string{"not found", "could not find", "no receipt"}
)

// classify decides whether an attempt failure is a rejection or transient.
func classify(err error) Kind {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return KindTransient
	}

	if rejectedCodes[rpcErr.Code] || aaCodePattern.MatchString(rpcErr.Message) {
		return KindRejected
	}

	msg := strings.ToLower(rpcErr.Message)
	if strings.Contains(msg, "rate") || strings.Contains(msg, "limit") || strings.Contains(msg, "method") {
		return KindTransient
	}
	for _, p := range rejectedPhrases {
		if strings.Contains(msg, p) {
			return KindRejected
		}
	}
	return KindTransient
}

// isNotFound matches relays that answer a receipt lookup with an error instead of null.
func isNotFound(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	for _, p := range notFoundPhrases {
		if strings.Contains(msg, p) && !strings.Contains(msg, "method") {
			return true
		}
	}
	return false
}

// safePreview returns a truncated preview of s with ellipsis when longer than n
func safePreview(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
