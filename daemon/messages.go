package daemon

import (
	"strconv"
	"strings"

	"github.com/rns-mesh/reticulum-go/store"
)

// SendMessageParams describes an outbound message request.
type SendMessageParams struct {
	ID          string
	Source      string
	Destination string
	Title       []byte
	Content     []byte
	Timestamp   float64
	Fields      map[string]interface{}
	Wire        []byte // encoded LXMF wire bytes handed to the outbound bridge
}

// SendMessage is the plain "send_message" method: stores the outbound
// record and hands it to the bridge, without the v2 trace/reason-code
// bookkeeping.
func (d *Daemon) SendMessage(p SendMessageParams) (map[string]interface{}, *RPCError) {
	rec := store.MessageRecord{
		ID: p.ID, Source: p.Source, Destination: p.Destination,
		Title: p.Title, Content: p.Content, Timestamp: p.Timestamp,
		Direction: "out", Fields: p.Fields,
	}
	if err := d.store.InsertMessage(rec); err != nil {
		return nil, newRPCError("STORE_ERROR", "%v", err)
	}
	d.refreshMessagesStoredGauge()

	method := "direct"
	var sendErr error
	if d.outboundBridge != nil {
		method, sendErr = d.outboundBridge.SendMessage(p.Destination, p.Source, p.Wire)
	} else {
		sendErr = newRPCError("NO_BRIDGE", "no outbound bridge configured")
	}
	if sendErr != nil {
		status := "failed: " + sendErr.Error()
		_ = d.store.UpdateReceiptStatus(p.ID, status)
		return nil, newRPCError("DELIVERY_FAILED", "%s", sendErr.Error())
	}

	status := "sent: " + method
	_ = d.store.UpdateReceiptStatus(p.ID, status)
	return map[string]interface{}{"id": p.ID, "status": status}, nil
}

// SendMessageV2 additionally appends a delivery trace ("queued" ->
// "sending" -> terminal) and emits an "outbound" event whose reason_code
// is derived from the terminal status on failure.
func (d *Daemon) SendMessageV2(p SendMessageParams) (map[string]interface{}, *RPCError) {
	rec := store.MessageRecord{
		ID: p.ID, Source: p.Source, Destination: p.Destination,
		Title: p.Title, Content: p.Content, Timestamp: p.Timestamp,
		Direction: "out", Fields: p.Fields,
	}
	if err := d.store.InsertMessage(rec); err != nil {
		return nil, newRPCError("STORE_ERROR", "%v", err)
	}
	d.refreshMessagesStoredGauge()
	d.appendDeliveryTrace(p.ID, "queued")
	d.appendDeliveryTrace(p.ID, "sending")

	var method string
	var sendErr error
	if d.outboundBridge != nil {
		method, sendErr = d.outboundBridge.SendMessage(p.Destination, p.Source, p.Wire)
	} else {
		sendErr = newRPCError("NO_BRIDGE", "no outbound bridge configured")
	}

	if sendErr != nil {
		status := "failed: " + sendErr.Error()
		d.appendDeliveryTrace(p.ID, status)
		_ = d.store.UpdateReceiptStatus(p.ID, status)
		d.PushEvent(Event{Type: "outbound", Payload: map[string]interface{}{
			"id": p.ID, "status": status, "reason_code": reasonCodeFor(status),
		}})
		return nil, newRPCError("DELIVERY_FAILED", "%s", sendErr.Error())
	}

	if method == "" {
		method = "direct"
	}
	status := "sent: " + method
	d.appendDeliveryTrace(p.ID, status)
	_ = d.store.UpdateReceiptStatus(p.ID, status)
	d.PushEvent(Event{Type: "outbound", Payload: map[string]interface{}{
		"id": p.ID, "status": status,
	}})
	return map[string]interface{}{"id": p.ID, "status": status}, nil
}

// reasonCodeFor maps a free-form failure status string to the coarse
// reason_code an "outbound" event's subscribers key off of.
func reasonCodeFor(status string) string {
	status = strings.ToLower(status)
	switch {
	case strings.Contains(status, "receipt timeout"):
		return "receipt_timeout"
	case strings.Contains(status, "timeout"):
		return "timeout"
	case strings.Contains(status, "no route"), strings.Contains(status, "no path"), strings.Contains(status, "no known path"):
		return "no_path"
	case strings.Contains(status, "no propagation relay selected"):
		return "relay_unset"
	case strings.Contains(status, "retry budget exhausted"):
		return "retry_budget_exhausted"
	default:
		return ""
	}
}

// ReceiveMessage records an inbound LXMF message.
func (d *Daemon) ReceiveMessage(rec store.MessageRecord) *RPCError {
	rec.Direction = "in"
	if err := d.store.InsertMessage(rec); err != nil {
		return newRPCError("STORE_ERROR", "%v", err)
	}
	d.refreshMessagesStoredGauge()
	return nil
}

// refreshMessagesStoredGauge recomputes the messages-stored gauge. Cheap
// enough at the scale this daemon targets; a high-volume deployment would
// track the count incrementally instead of relisting on every insert.
func (d *Daemon) refreshMessagesStoredGauge() {
	if d.metrics == nil {
		return
	}
	all, err := d.store.ListMessages(0, nil)
	if err != nil {
		return
	}
	d.metrics.setMessagesStored(len(all))
}

// RecordReceipt updates a stored message's receipt status and notifies the
// configured receipt handler, if any.
func (d *Daemon) RecordReceipt(messageID string, delivered bool, reason string) *RPCError {
	status := "delivered"
	if !delivered {
		status = "failed: " + reason
	}
	if err := d.store.UpdateReceiptStatus(messageID, status); err != nil {
		return newRPCError("STORE_ERROR", "%v", err)
	}
	d.appendDeliveryTrace(messageID, status)
	if d.receiptHandler != nil {
		d.receiptHandler.HandleReceipt(messageID, delivered, reason)
	}
	return nil
}

// ListMessages delegates to the store.
func (d *Daemon) ListMessages(limit int, beforeTimestamp *float64) ([]store.MessageRecord, *RPCError) {
	out, err := d.store.ListMessages(limit, beforeTimestamp)
	if err != nil {
		return nil, newRPCError("STORE_ERROR", "%v", err)
	}
	return out, nil
}

// ListAnnounces delegates to the store.
func (d *Daemon) ListAnnounces(limit int, beforeTimestamp *float64, beforeID *string) ([]store.AnnounceRecord, *RPCError) {
	out, err := d.store.ListAnnounces(limit, beforeTimestamp, beforeID)
	if err != nil {
		return nil, newRPCError("STORE_ERROR", "%v", err)
	}
	return out, nil
}

// ClearMessages empties the messages table.
func (d *Daemon) ClearMessages() *RPCError {
	if err := d.store.ClearMessages(); err != nil {
		return newRPCError("STORE_ERROR", "%v", err)
	}
	d.refreshMessagesStoredGauge()
	return nil
}

// ClearResources drops propagation payloads and delivery traces — the
// daemon-local caches that aren't part of the durable messages store.
func (d *Daemon) ClearResources() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.propagationPayloads = make(map[string]string)
	d.deliveryTraces.Purge()
}

// ClearPeers drops the peer table.
func (d *Daemon) ClearPeers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers = make(map[string]PeerRecord)
}

// ClearAll clears messages, announces, peers, and daemon-local resources.
func (d *Daemon) ClearAll() *RPCError {
	if err := d.ClearMessages(); err != nil {
		return err
	}
	if err := d.store.ClearAnnounces(); err != nil {
		return newRPCError("STORE_ERROR", "%v", err)
	}
	d.ClearPeers()
	d.ClearResources()
	return nil
}

// AnnounceReceived records an announce: upserts the peer table, inserts an
// AnnounceRecord, upserts an RmspServerRecord when aspect is "rmsp.maps",
// and emits an "announce_received" event.
func (d *Daemon) AnnounceReceived(peer string, timestamp int64, name, nameSource, aspect string, appData []byte) (PeerRecord, *RPCError) {
	rec := d.upsertPeer(peer, timestamp, name, nameSource)

	d.mu.Lock()
	d.knownAnnounceIdentities[peer] = peer
	d.mu.Unlock()

	announceID := peer + ":" + strconv.FormatInt(timestamp, 10)
	if err := d.store.InsertAnnounce(store.AnnounceRecord{
		ID: announceID, Timestamp: float64(timestamp), Destination: peer, Aspect: aspect, AppData: appData,
	}); err != nil {
		return rec, newRPCError("STORE_ERROR", "%v", err)
	}

	if aspect == "rmsp.maps" {
		d.rmspServers.Add(peer, RmspServerRecord{Destination: peer, AppData: appData, LastSeen: timestamp})
	}

	d.PushEvent(Event{Type: "announce_received", Payload: map[string]interface{}{
		"peer": peer, "timestamp": timestamp, "name": name, "name_source": nameSource,
		"first_seen": rec.FirstSeen, "last_seen": rec.LastSeen, "seen_count": rec.SeenCount,
	}})
	return rec, nil
}
