// Package daemon implements the RPC control plane: a process-lifetime
// state container (stores, peers, propagation, tickets, traces) exposed
// through a flat method-name dispatch table, decoupled from the transport
// by three thin bridge interfaces.
package daemon

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rns-mesh/reticulum-go/store"
)

// deliveryTraceCacheLen bounds the delivery-trace table: at most this many
// distinct message ids keep a trace, oldest-touched evicted first. Using
// the same LRU cache.Add call on every append keeps the message currently
// being delivered the most-recently-used entry, so it is never the one
// evicted mid-delivery.
const deliveryTraceCacheLen = 2048

// rmspServerCacheLen bounds the RMSP server table the same way.
const rmspServerCacheLen = 1024

// OutboundBridge lets the daemon hand an encoded LXMF wire message to the
// transport without depending on it directly.
type OutboundBridge interface {
	// SendMessage delivers wire to destinationHash and reports the delivery
	// method used ("direct", "propagated", ...) or an error describing why
	// it could not be sent (e.g. "no known path").
	SendMessage(destinationHash, sourceHash string, wire []byte) (method string, err error)
}

// AnnounceBridge lets the daemon trigger an out-of-band announce.
type AnnounceBridge interface {
	AnnounceNow() error
}

// ReceiptHandler is notified when the daemon itself needs to record a
// delivery outcome against a stored message (the transport's own
// transport.DeliveryReceipt plumbing is separate and feeds in via
// RecordReceipt).
type ReceiptHandler interface {
	HandleReceipt(messageID string, delivered bool, reason string)
}

// RPCError is a structured error returned by a Daemon method, matching the
// {code, message} shape the RPC surface promises callers.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func newRPCError(code, format string, args ...interface{}) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InterfaceRecord describes one configured interface for list/set_interfaces.
type InterfaceRecord struct {
	Name    string
	Type    string
	Enabled bool
	Host    string
	Port    int
}

// DeliveryPolicy controls outbound delivery preferences.
type DeliveryPolicy struct {
	PreferDirect     bool
	AllowPropagation bool
	RetryBudget      int
}

// StampPolicy is the proof-of-work-like anti-spam knob LXMF stamps tune.
type StampPolicy struct {
	TargetCost  int
	Flexibility int
}

// Daemon is the process-lifetime RPC state container described by the
// control-plane spec: it owns the messages store, event queue, peer and
// propagation tables, and the bridge references that reach the transport.
type Daemon struct {
	logger *slog.Logger

	store         store.MessagesStore
	identityHash  string
	deliveryDestMu sync.Mutex
	deliveryDest  string

	outboundBridge OutboundBridge
	announceBridge AnnounceBridge
	receiptHandler ReceiptHandler

	metrics *Metrics
	events  *eventQueue

	mu                     sync.Mutex
	peers                  map[string]PeerRecord
	interfaces             []InterfaceRecord
	deliveryPolicy         DeliveryPolicy
	propagationPayloads    map[string]string // transient_id -> hex payload
	outboundPropagationNode string
	incomingSizeLimit      int
	knownAnnounceIdentities map[string]string // destination hash -> identity hash
	rmspServers            *lru.Cache[string, RmspServerRecord]
	paperIngestSeen        map[string]struct{}
	stampPolicy            StampPolicy
	tickets                map[string]TicketRecord
	deliveryTraces         *lru.Cache[string, []DeliveryTraceEntry]

	propagation propagationState
}

// Option configures a Daemon at construction time.
type Option func(*Daemon)

// WithLogger overrides the default logger (slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(d *Daemon) { d.logger = logger }
}

// WithOutboundBridge wires the outbound delivery path.
func WithOutboundBridge(b OutboundBridge) Option {
	return func(d *Daemon) { d.outboundBridge = b }
}

// WithAnnounceBridge wires the announce-now path.
func WithAnnounceBridge(b AnnounceBridge) Option {
	return func(d *Daemon) { d.announceBridge = b }
}

// WithReceiptHandler wires an additional receipt sink.
func WithReceiptHandler(h ReceiptHandler) Option {
	return func(d *Daemon) { d.receiptHandler = h }
}

// WithMetrics attaches a Prometheus metrics sink; Dispatch and the peer/
// message tables report into it on every call. Omit to run without
// metrics (all recording calls are nil-safe).
func WithMetrics(m *Metrics) Option {
	return func(d *Daemon) { d.metrics = m }
}

// New builds a Daemon backed by s, identified by identityHash (used as the
// default delivery destination until SetDeliveryDestinationHash is called).
func New(s store.MessagesStore, identityHash string, opts ...Option) *Daemon {
	rmspCache, _ := lru.New[string, RmspServerRecord](rmspServerCacheLen)
	traceCache, _ := lru.New[string, []DeliveryTraceEntry](deliveryTraceCacheLen)
	d := &Daemon{
		logger:                  slog.Default(),
		store:                   s,
		identityHash:            identityHash,
		events:                  newEventQueue(32),
		peers:                   make(map[string]PeerRecord),
		propagationPayloads:     make(map[string]string),
		incomingSizeLimit:       0,
		knownAnnounceIdentities: make(map[string]string),
		rmspServers:             rmspCache,
		paperIngestSeen:         make(map[string]struct{}),
		tickets:                 make(map[string]TicketRecord),
		deliveryTraces:          traceCache,
		stampPolicy:             StampPolicy{TargetCost: 8, Flexibility: 2},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetDeliveryDestinationHash overrides the destination hash used as the
// default message source/delivery target; pass "" to clear the override
// and fall back to identityHash.
func (d *Daemon) SetDeliveryDestinationHash(hash string) {
	d.deliveryDestMu.Lock()
	defer d.deliveryDestMu.Unlock()
	d.deliveryDest = hash
}

func (d *Daemon) localDeliveryHash() string {
	d.deliveryDestMu.Lock()
	defer d.deliveryDestMu.Unlock()
	if d.deliveryDest != "" {
		return d.deliveryDest
	}
	return d.identityHash
}

// responseMeta is attached to every successful response, naming the RPC
// contract version callers are talking to.
func (d *Daemon) responseMeta() map[string]interface{} {
	return map[string]interface{}{
		"contract_version": "v2",
		"profile":          nil,
		"rpc_endpoint":     nil,
	}
}

// Status returns the lightweight health summary used by "status".
func (d *Daemon) Status() map[string]interface{} {
	d.mu.Lock()
	peerCount := len(d.peers)
	ifaceCount := len(d.interfaces)
	d.mu.Unlock()
	return map[string]interface{}{
		"identity_hash":  d.identityHash,
		"delivery_hash":  d.localDeliveryHash(),
		"peer_count":     peerCount,
		"interface_count": ifaceCount,
		"meta":           d.responseMeta(),
	}
}

// DaemonStatusEx is the extended status surface ("daemon_status_ex"),
// additionally reporting propagation and stamp policy state.
func (d *Daemon) DaemonStatusEx() map[string]interface{} {
	status := d.Status()
	d.mu.Lock()
	status["stamp_policy"] = d.stampPolicy
	status["outbound_propagation_node"] = d.outboundPropagationNode
	status["incoming_message_size_limit"] = d.incomingSizeLimit
	d.mu.Unlock()
	status["propagation_state"] = d.PropagationStatus()
	return status
}

func nowSeconds() int64 {
	return time.Now().Unix()
}

var capabilities = []string{
	"status", "daemon_status_ex", "list_messages", "list_announces", "list_peers",
	"send_message", "send_message_v2", "receive_message", "announce_now", "announce_received",
	"list_interfaces", "set_interfaces", "reload_config", "peer_sync", "peer_unpeer",
	"has_path", "request_path", "establish_link", "set_delivery_policy", "get_delivery_policy",
	"propagation_status", "propagation_enable", "propagation_ingest", "propagation_fetch",
	"request_messages_from_propagation_node", "get_propagation_state",
	"get_outbound_propagation_node", "set_outbound_propagation_node",
	"request_alternative_propagation_relay", "list_propagation_nodes",
	"set_incoming_message_size_limit", "get_incoming_message_size_limit",
	"send_location_telemetry", "send_telemetry_request", "send_reaction",
	"store_peer_identity", "restore_all_peer_identities", "bulk_restore_announce_identities",
	"bulk_restore_peer_identities", "recall_identity", "parse_rmsp_announce",
	"get_rmsp_servers", "get_rmsp_servers_for_geohash", "paper_ingest_uri",
	"stamp_policy_get", "stamp_policy_set", "ticket_generate", "record_receipt",
	"message_delivery_trace", "clear_messages", "clear_resources", "clear_peers", "clear_all",
}

// Capabilities lists every RPC method name this daemon answers.
func Capabilities() []string {
	out := make([]string, len(capabilities))
	copy(out, capabilities)
	return out
}
