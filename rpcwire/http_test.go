package rpcwire

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rns-mesh/reticulum-go/daemon"
)

type stubDaemon struct {
	result map[string]interface{}
	err    *daemon.RPCError
}

func (s stubDaemon) Dispatch(method string, params map[string]interface{}) (map[string]interface{}, *daemon.RPCError) {
	return s.result, s.err
}

func (s stubDaemon) SubscribeEvents() <-chan daemon.Event {
	ch := make(chan daemon.Event)
	close(ch)
	return ch
}

func TestHandlerRejectsNonPost(t *testing.T) {
	h := NewHandler(stubDaemon{}, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandlerReturnsResult(t *testing.T) {
	h := NewHandler(stubDaemon{result: map[string]interface{}{"peer_count": 0.0}}, nil)
	body, _ := json.Marshal(Request{ID: "1", Method: "status"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.Result["peer_count"] != 0.0 {
		t.Errorf("peer_count = %v, want 0", resp.Result["peer_count"])
	}
}

func TestHandlerReturnsRPCError(t *testing.T) {
	h := NewHandler(stubDaemon{err: &daemon.RPCError{Code: "UNKNOWN_METHOD", Message: "no such method"}}, nil)
	body, _ := json.Marshal(Request{ID: "1", Method: "bogus"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != "UNKNOWN_METHOD" {
		t.Errorf("expected UNKNOWN_METHOD error, got %+v", resp.Error)
	}
}
