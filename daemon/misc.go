package daemon

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
)

// TicketGenerate issues a ticket for destination: ticket =
// SHA-256(destination || now_secs_be), with ttlSecs validated so
// now+ttl cannot overflow an int64.
func (d *Daemon) TicketGenerate(destination string, ttlSecs int64) (TicketRecord, *RPCError) {
	if ttlSecs < 0 {
		return TicketRecord{}, newRPCError("INVALID_TTL", "ttl_secs must be non-negative")
	}
	now := nowSeconds()
	if ttlSecs > 0 && now > 0 && ttlSecs > (1<<63-1)-now {
		return TicketRecord{}, newRPCError("INVALID_TTL", "ttl_secs causes timestamp overflow: %d", ttlSecs)
	}
	expiresAt := now + ttlSecs

	var nowBE [8]byte
	binary.BigEndian.PutUint64(nowBE[:], uint64(now))
	h := sha256.New()
	h.Write([]byte(destination))
	h.Write(nowBE[:])
	ticket := hex.EncodeToString(h.Sum(nil))

	rec := TicketRecord{Destination: destination, Ticket: ticket, ExpiresAt: expiresAt}
	d.mu.Lock()
	d.tickets[destination] = rec
	d.mu.Unlock()
	return rec, nil
}

// PaperIngestUri ingests a "lxm://" paper-message URI: rejects anything
// else, hashes the full URI for a transient id, and reports duplicate=true
// (without side effects beyond idempotency tracking) on a repeat ingest of
// the same id.
func (d *Daemon) PaperIngestUri(uri string) (map[string]interface{}, *RPCError) {
	const prefix = "lxm://"
	if !strings.HasPrefix(uri, prefix) {
		return nil, newRPCError("INVALID_URI", "paper URI must start with %s", prefix)
	}

	sum := sha256.Sum256([]byte(uri))
	transientID := hex.EncodeToString(sum[:])

	d.mu.Lock()
	_, duplicate := d.paperIngestSeen[transientID]
	if !duplicate {
		d.paperIngestSeen[transientID] = struct{}{}
	}
	d.mu.Unlock()

	body := strings.TrimPrefix(uri, prefix)
	destination := body
	if len(destination) > 32 {
		destination = destination[:32]
	}

	return map[string]interface{}{
		"destination":  destination,
		"transient_id": transientID,
		"duplicate":    duplicate,
		"bytes_len":    len(uri),
	}, nil
}

// StampPolicyGet returns the current anti-spam stamp policy.
func (d *Daemon) StampPolicyGet() StampPolicy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stampPolicy
}

// StampPolicySet updates whichever of targetCost/flexibility is non-nil.
func (d *Daemon) StampPolicySet(targetCost, flexibility *int) StampPolicy {
	d.mu.Lock()
	defer d.mu.Unlock()
	if targetCost != nil {
		d.stampPolicy.TargetCost = *targetCost
	}
	if flexibility != nil {
		d.stampPolicy.Flexibility = *flexibility
	}
	return d.stampPolicy
}

// GetDeliveryPolicy returns the current outbound delivery policy.
func (d *Daemon) GetDeliveryPolicy() DeliveryPolicy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deliveryPolicy
}

// SetDeliveryPolicy replaces the outbound delivery policy.
func (d *Daemon) SetDeliveryPolicy(p DeliveryPolicy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveryPolicy = p
}

// GetIncomingMessageSizeLimit returns the configured limit in bytes, or 0
// for unlimited.
func (d *Daemon) GetIncomingMessageSizeLimit() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.incomingSizeLimit
}

// SetIncomingMessageSizeLimit configures the inbound size limit in bytes;
// 0 means unlimited.
func (d *Daemon) SetIncomingMessageSizeLimit(limit int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.incomingSizeLimit = limit
}

// ListInterfaces returns the configured interface records.
func (d *Daemon) ListInterfaces() []InterfaceRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]InterfaceRecord, len(d.interfaces))
	copy(out, d.interfaces)
	return out
}

// SetInterfaces replaces the configured interface records wholesale;
// actually applying them to the live transport is the caller's job
// (reload_config/set_interfaces only update the daemon's own record of
// configuration that a subsequent list_interfaces must echo back).
func (d *Daemon) SetInterfaces(records []InterfaceRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interfaces = append([]InterfaceRecord(nil), records...)
}

// ReloadConfig is presently equivalent to SetInterfaces: there is no
// additional daemon-owned configuration to reload beyond the interface
// list, the announce interval, and the delivery policy, all of which have
// their own setters.
func (d *Daemon) ReloadConfig(records []InterfaceRecord) {
	d.SetInterfaces(records)
}

// RecallIdentity looks up the identity hash behind a destination hash,
// first among announced identities, then among stored peer identities.
func (d *Daemon) RecallIdentity(destinationHash string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.knownAnnounceIdentities[destinationHash]; ok {
		return id, true
	}
	if peer, ok := d.peers[destinationHash]; ok {
		return peer.Peer, true
	}
	return "", false
}

// StorePeerIdentity records destinationHash as a known identity without
// waiting for a fresh announce (used to restore previously-seen peers).
func (d *Daemon) StorePeerIdentity(destinationHash, identityHash string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.knownAnnounceIdentities[destinationHash] = identityHash
}

// RestoreAllPeerIdentities re-registers every tracked peer as a known
// announce identity, e.g. after a process restart reloaded the peer table
// from durable storage but the in-memory identity map starts empty.
func (d *Daemon) RestoreAllPeerIdentities() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for peer := range d.peers {
		d.knownAnnounceIdentities[peer] = peer
	}
	return len(d.peers)
}

// BulkRestorePeerIdentities registers each of the given
// (destinationHash, identityHash) pairs.
func (d *Daemon) BulkRestorePeerIdentities(pairs map[string]string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for dest, id := range pairs {
		d.knownAnnounceIdentities[dest] = id
	}
	return len(pairs)
}

// BulkRestoreAnnounceIdentities is an alias kept distinct from
// BulkRestorePeerIdentities because the RPC surface names both methods
// separately, even though this daemon tracks them in the same table.
func (d *Daemon) BulkRestoreAnnounceIdentities(pairs map[string]string) int {
	return d.BulkRestorePeerIdentities(pairs)
}

// ParseRmspAnnounce extracts an RmspServerRecord from a raw announce
// payload: the first 16 bytes (or the whole payload, if shorter) are taken
// as the geohash, and the complete payload, geohash bytes included, is kept
// as opaque app data. AnnounceReceived's "rmsp.maps" path stores app data
// only and sets no geohash.
func (d *Daemon) ParseRmspAnnounce(destination string, payload []byte) (RmspServerRecord, *RPCError) {
	if len(payload) < 1 {
		return RmspServerRecord{}, newRPCError("INVALID_PAYLOAD", "empty rmsp announce payload")
	}
	geohashLen := len(payload)
	if geohashLen > 16 {
		geohashLen = 16
	}
	rec := RmspServerRecord{
		Destination: destination,
		Geohash:     string(payload[:geohashLen]),
		AppData:     append([]byte(nil), payload...),
		LastSeen:    nowSeconds(),
	}
	d.rmspServers.Add(destination, rec)
	return rec, nil
}

// GetRmspServers returns every known RMSP server.
func (d *Daemon) GetRmspServers() []RmspServerRecord {
	out := make([]RmspServerRecord, 0, d.rmspServers.Len())
	for _, k := range d.rmspServers.Keys() {
		if s, ok := d.rmspServers.Peek(k); ok {
			out = append(out, s)
		}
	}
	return out
}

// GetRmspServersForGeohash filters GetRmspServers by a geohash prefix.
func (d *Daemon) GetRmspServersForGeohash(prefix string) []RmspServerRecord {
	all := d.GetRmspServers()
	out := make([]RmspServerRecord, 0, len(all))
	for _, s := range all {
		if strings.HasPrefix(s.Geohash, prefix) {
			out = append(out, s)
		}
	}
	return out
}

// HasPath reports whether destination is known to the daemon's own
// announce-identity table. The daemon has no path table of its own and
// does not consult the transport's, so this answers "have we ever seen an
// announce (or a stored identity) for destination".
func (d *Daemon) HasPath(destination string) bool {
	return d.KnowsDestination(destination)
}

// RequestPath is a thin acknowledgement hook: it rejects an empty
// destination and otherwise returns nil. It emits no path-request packet
// (that is transport.RequestPath's job) and records nothing; has_path only
// turns true once the destination reaches the announce-identity table.
func (d *Daemon) RequestPath(destination string) *RPCError {
	if destination == "" {
		return newRPCError("INVALID_DESTINATION", "destination must not be empty")
	}
	return nil
}

// EstablishLink is a thin acknowledgement hook paralleling RequestPath:
// the actual handshake is transport.Transport.SendViaLink's job once
// wired through the OutboundBridge.
func (d *Daemon) EstablishLink(destination string) *RPCError {
	if !d.HasPath(destination) {
		return newRPCError("NO_PATH", "no known path to %s", destination)
	}
	return nil
}

// SendReaction emits a reaction as a tiny outbound message whose content
// is the reaction glyph and whose fields carry the reacted-to message id.
func (d *Daemon) SendReaction(p SendMessageParams, reactsTo, reaction string) (map[string]interface{}, *RPCError) {
	if p.Fields == nil {
		p.Fields = make(map[string]interface{})
	}
	p.Fields["reacts_to"] = reactsTo
	p.Fields["reaction"] = reaction
	return d.SendMessageV2(p)
}

// SendLocationTelemetry emits a telemetry-field-tagged message carrying a
// location payload in fields["telemetry"].
func (d *Daemon) SendLocationTelemetry(p SendMessageParams, telemetry map[string]interface{}) (map[string]interface{}, *RPCError) {
	if p.Fields == nil {
		p.Fields = make(map[string]interface{})
	}
	p.Fields["telemetry"] = telemetry
	return d.SendMessageV2(p)
}

// SendTelemetryRequest emits a message whose fields mark it as a telemetry
// request (command field set), used to ask a peer to report telemetry.
func (d *Daemon) SendTelemetryRequest(p SendMessageParams) (map[string]interface{}, *RPCError) {
	if p.Fields == nil {
		p.Fields = make(map[string]interface{})
	}
	p.Fields["command"] = "telemetry_request"
	return d.SendMessageV2(p)
}
