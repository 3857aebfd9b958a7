package rpcwire

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rns-mesh/reticulum-go/daemon"
)

// Dispatcher is the subset of *daemon.Daemon the HTTP and websocket
// handlers depend on, kept narrow so tests can stub it.
type Dispatcher interface {
	Dispatch(method string, params map[string]interface{}) (map[string]interface{}, *daemon.RPCError)
	SubscribeEvents() <-chan daemon.Event
}

// Handler serves the daemon's RPC surface over plain HTTP/1.1 POST: a
// single "POST /" endpoint accepting a Request body and replying with a
// Response body, one request per connection round trip.
type Handler struct {
	daemon Dispatcher
	logger *slog.Logger
}

func NewHandler(d Dispatcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{daemon: d, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, Response{Error: &ResponseError{Code: "BAD_REQUEST", Message: err.Error()}})
		return
	}

	result, rpcErr := h.daemon.Dispatch(req.Method, req.Params)
	if rpcErr != nil {
		h.writeJSON(w, Response{ID: req.ID, Error: &ResponseError{Code: rpcErr.Code, Message: rpcErr.Message}})
		return
	}
	h.writeJSON(w, Response{ID: req.ID, Result: result})
}

func (h *Handler) writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Error != nil {
		w.WriteHeader(http.StatusOK) // errors are reported in-band, not via HTTP status
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("rpcwire: failed to write response", "error", err)
	}
}
