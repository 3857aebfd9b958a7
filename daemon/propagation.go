package daemon

import "sort"

// Propagation sync-state codes, matching the original daemon's numeric
// wire values exactly so existing operator tooling keeps working.
const (
	PropIdle            = 0x00
	PropPathRequested    = 0x01
	PropLinkEstablishing = 0x02
	PropLinkEstablished  = 0x03
	PropRequestSent      = 0x04
	PropReceiving        = 0x05
	PropComplete         = 0x07
	PropNoPath           = 0xF0
)

var propagationStateNames = map[int]string{
	PropIdle:             "idle",
	PropPathRequested:    "path_requested",
	PropLinkEstablishing: "link_establishing",
	PropLinkEstablished:  "link_established",
	PropRequestSent:      "request_sent",
	PropReceiving:        "receiving",
	PropComplete:         "complete",
	PropNoPath:           "no_path",
}

type propagationState struct {
	syncState         int
	stateName         string
	syncProgress      float64
	messagesReceived  int
	maxMessages       int
	selectedNode      string
	lastSyncStarted   *int64
	lastSyncCompleted *int64
	lastSyncError     string
}

func (d *Daemon) setPropagationState(state int, progress float64) {
	d.mu.Lock()
	d.propagation.syncState = state
	d.propagation.stateName = propagationStateNames[state]
	d.propagation.syncProgress = progress
	snapshot := d.propagation
	d.mu.Unlock()

	d.PushEvent(Event{Type: "propagation_state", Payload: map[string]interface{}{
		"state":             snapshot.syncState,
		"state_name":        snapshot.stateName,
		"progress":          snapshot.syncProgress,
		"messages_received": snapshot.messagesReceived,
		"selected_node":     snapshot.selectedNode,
		"max_messages":      snapshot.maxMessages,
	}})
}

// GetPropagationState reports the current propagation sync state.
func (d *Daemon) GetPropagationState() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]interface{}{
		"state":              d.propagation.syncState,
		"state_name":         d.propagation.stateName,
		"progress":           d.propagation.syncProgress,
		"messages_received":  d.propagation.messagesReceived,
		"selected_node":      d.propagation.selectedNode,
		"max_messages":       d.propagation.maxMessages,
		"last_sync_started":  d.propagation.lastSyncStarted,
		"last_sync_completed": d.propagation.lastSyncCompleted,
		"last_sync_error":    d.propagation.lastSyncError,
	}
}

// PropagationStatus is an alias used by daemon_status_ex and
// "propagation_status"; it's the same snapshot as GetPropagationState.
func (d *Daemon) PropagationStatus() map[string]interface{} {
	return d.GetPropagationState()
}

// GetOutboundPropagationNode returns the configured relay destination, or
// "" if none is set.
func (d *Daemon) GetOutboundPropagationNode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outboundPropagationNode
}

// SetOutboundPropagationNode configures the relay destination used by
// request_messages_from_propagation_node.
func (d *Daemon) SetOutboundPropagationNode(destination string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outboundPropagationNode = destination
}

// RequestAlternativePropagationRelay clears the configured node so the
// next sync attempt reports "no propagation node configured" until a new
// one is set; it returns the node that was cleared, if any.
func (d *Daemon) RequestAlternativePropagationRelay() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.outboundPropagationNode
	d.outboundPropagationNode = ""
	return prev
}

// ListPropagationNodes reports the one configured relay, if any; this
// daemon does not discover additional relays on its own.
func (d *Daemon) ListPropagationNodes() []string {
	node := d.GetOutboundPropagationNode()
	if node == "" {
		return nil
	}
	return []string{node}
}

// PropagationEnable accepts the enable flag and does nothing with it: no
// state is stored, and propagation_ingest/propagation_fetch work
// regardless, consistent with the original daemon having no separate gate
// on them.
func (d *Daemon) PropagationEnable(enabled bool) {}

// PropagationIngest stores payloadHex under transientID for a later
// request_messages_from_propagation_node pickup.
func (d *Daemon) PropagationIngest(transientID, payloadHex string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.propagationPayloads[transientID] = payloadHex
}

// PropagationFetch returns the stored payload for transientID, if any,
// without removing it (unlike request_messages_from_propagation_node,
// which drains).
func (d *Daemon) PropagationFetch(transientID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	payload, ok := d.propagationPayloads[transientID]
	return payload, ok
}

// KnowsDestination reports whether destination is in the daemon's
// announce-identity table (filled by AnnounceReceived and the identity
// store/restore methods). It does not consult the transport's path table.
func (d *Daemon) KnowsDestination(destination string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.knownAnnounceIdentities[destination]
	return ok
}

// RequestMessagesFromPropagationNode drives the propagation sync state
// machine end to end: idle/no_path short-circuits return immediately
// without attempting any network I/O; otherwise it walks
// path_requested -> link_establishing -> link_established -> request_sent
// -> receiving -> complete, draining up to maxMessages queued payloads and
// emitting a propagation_state event at every transition.
func (d *Daemon) RequestMessagesFromPropagationNode(maxMessages int) (map[string]interface{}, *RPCError) {
	node := d.GetOutboundPropagationNode()
	if node == "" {
		now := nowSeconds()
		d.mu.Lock()
		d.propagation = propagationState{
			syncState:       PropIdle,
			stateName:       "idle",
			maxMessages:     maxMessages,
			lastSyncStarted: &now, lastSyncCompleted: &now,
			lastSyncError: "No propagation node configured",
		}
		d.mu.Unlock()
		d.setPropagationState(PropIdle, 0)
		return nil, newRPCError("NO_PROPAGATION_NODE", "No propagation node configured")
	}

	if !d.KnowsDestination(node) {
		now := nowSeconds()
		d.mu.Lock()
		d.propagation = propagationState{
			syncState:       PropNoPath,
			stateName:       "no_path",
			maxMessages:     maxMessages,
			selectedNode:    node,
			lastSyncStarted: &now, lastSyncCompleted: &now,
			lastSyncError: "No path known for propagation node",
		}
		d.mu.Unlock()
		d.setPropagationState(PropNoPath, 0)
		return nil, newRPCError("NO_PATH", "No path known for propagation node")
	}

	started := nowSeconds()
	d.mu.Lock()
	d.propagation.selectedNode = node
	d.propagation.maxMessages = maxMessages
	d.propagation.lastSyncStarted = &started
	d.propagation.lastSyncError = ""
	d.mu.Unlock()

	d.setPropagationState(PropPathRequested, 0.0)
	d.setPropagationState(PropLinkEstablishing, 0.15)
	d.setPropagationState(PropLinkEstablished, 0.35)
	d.setPropagationState(PropRequestSent, 0.55)

	messages := d.drainPropagationPayloads(maxMessages)

	d.mu.Lock()
	d.propagation.messagesReceived = len(messages)
	d.mu.Unlock()
	d.setPropagationState(PropReceiving, 0.9)

	completed := nowSeconds()
	d.mu.Lock()
	d.propagation.lastSyncCompleted = &completed
	d.mu.Unlock()
	d.setPropagationState(PropComplete, 1.0)

	return map[string]interface{}{
		"success":            true,
		"messages_received":  len(messages),
		"messages":           messages,
		"selected_node":      node,
		"max_messages":       maxMessages,
		"last_sync_started":  started,
		"last_sync_completed": completed,
	}, nil
}

func (d *Daemon) drainPropagationPayloads(max int) []map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.propagationPayloads))
	for k := range d.propagationPayloads {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if max > 0 && len(keys) > max {
		keys = keys[:max]
	}
	out := make([]map[string]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]string{"transient_id": k, "payload_hex": d.propagationPayloads[k]})
		delete(d.propagationPayloads, k)
	}
	return out
}
