package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/revault-labs/vaultd/internal/vault"
	"github.com/revault-labs/vaultd/pkg/logging"
)

func TestRequestMarshalRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"string id", Request{JSONRPC: "2.0", Method: "getinfo", ID: "123"}},
		{"numeric id", Request{JSONRPC: "2.0", Method: "getinfo", ID: 1.0}},
		{"notification (nil id)", Request{JSONRPC: "2.0", Method: "stop"}},
		{"with params", Request{JSONRPC: "2.0", Method: "listvaults", Params: json.RawMessage(`{"statuses":["active"]}`), ID: 2.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.req)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var got Request
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if got.Method != tt.req.Method || got.JSONRPC != tt.req.JSONRPC {
				t.Errorf("round trip mismatch: got %+v, want %+v", got, tt.req)
			}
		})
	}
}

func TestResponseOmitsErrorOnSuccess(t *testing.T) {
	resp := Response{JSONRPC: "2.0", Result: map[string]int{"blockheight": 100}, ID: 1.0}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if bytes.Contains(data, []byte(`"error"`)) {
		t.Errorf("success response should omit error field: %s", data)
	}
	if !bytes.Contains(data, []byte(`"result"`)) {
		t.Errorf("success response should include result field: %s", data)
	}
}

func TestResponseOmitsResultOnError(t *testing.T) {
	resp := Response{JSONRPC: "2.0", Error: &Error{Code: InvalidParams, Message: "unknown outpoint"}, ID: 1.0}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if bytes.Contains(data, []byte(`"result"`)) {
		t.Errorf("error response should omit result field: %s", data)
	}
	var got Response
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Error == nil || got.Error.Code != InvalidParams {
		t.Errorf("got %+v, want error code %d", got, InvalidParams)
	}
}

func testServer() *Server {
	return &Server{
		log:      logging.Default().Component("rpc"),
		handlers: map[string]Handler{},
	}
}

func TestHandleRPCRejectsMalformedJSON(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()

	s.handleRPC(w, req)

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != ParseError {
		t.Errorf("got %+v, want ParseError", resp)
	}
}

func TestHandleRPCRejectsWrongVersion(t *testing.T) {
	s := testServer()
	body, _ := json.Marshal(Request{JSONRPC: "1.0", Method: "getinfo", ID: 1.0})
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.handleRPC(w, req)

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != InvalidRequest {
		t.Errorf("got %+v, want InvalidRequest", resp)
	}
}

func TestHandleRPCRejectsUnknownMethod(t *testing.T) {
	s := testServer()
	body, _ := json.Marshal(Request{JSONRPC: "2.0", Method: "nosuchmethod", ID: 1.0})
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.handleRPC(w, req)

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Errorf("got %+v, want MethodNotFound", resp)
	}
}

func TestHandleRPCClassifiesHandlerErrors(t *testing.T) {
	s := testServer()
	s.handlers["getrevocationtxs"] = func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, vault.ErrUnknownOutpoint
	}
	body, _ := json.Marshal(Request{JSONRPC: "2.0", Method: "getrevocationtxs", ID: 1.0})
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.handleRPC(w, req)

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("got %+v, want InvalidParams", resp)
	}
}

func TestCorsMiddlewarePreflight(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("OPTIONS request should not reach the wrapped handler")
	}))
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://example.test")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://example.test" {
		t.Errorf("Access-Control-Allow-Origin = %q, want echoed origin", got)
	}
}
