package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// RPCError is the error object a fake relay answers with.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCHandler answers one JSON-RPC request. Return a non-nil *RPCError to fail it.
type RPCHandler func(method string, params []json.RawMessage) (interface{}, *RPCError)

// RPCRequest is a request recorded by an RPCServer.
type RPCRequest struct {
	ID     json.RawMessage
	Method string
	Params []json.RawMessage
}

// RPCServer is an httptest JSON-RPC server standing in for one bundler endpoint.
type RPCServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []RPCRequest
	status   int
}

// NewRPCServer starts a fake endpoint. It is closed when the test ends.
func NewRPCServer(t *testing.T, handler RPCHandler) *RPCServer {
	t.Helper()

	s := &RPCServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string            `json:"jsonrpc"`
			ID      json.RawMessage   `json:"id"`
			Method  string            `json:"method"`
			Params  []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		s.requests = append(s.requests, RPCRequest{ID: req.ID, Method: req.Method, Params: req.Params})
		status := s.status
		s.mu.Unlock()

		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		result, rpcErr := handler(req.Method, req.Params)
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(s.Close)
	return s
}

// NewFailingServer starts an endpoint that answers every request with status.
func NewFailingServer(t *testing.T, status int) *RPCServer {
	s := NewRPCServer(t, func(string, []json.RawMessage) (interface{}, *RPCError) { return nil, nil })
	s.SetStatus(status)
	return s
}

// SetStatus makes the server answer with a bare HTTP status; 0 restores normal answers.
func (s *RPCServer) SetStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Requests returns a copy of everything received so far.
func (s *RPCServer) Requests() []RPCRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RPCRequest(nil), s.requests...)
}

// Count returns how many requests were received for method, or in total for "".
func (s *RPCServer) Count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if method == "" {
		return len(s.requests)
	}
	n := 0
	for _, r := range s.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}
