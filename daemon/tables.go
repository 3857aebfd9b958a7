package daemon

// PeerRecord tracks one announced peer across repeated announces:
// first_seen is preserved, last_seen replaced, seen_count incremented, and
// name/name_source updated whenever a later announce supplies one.
type PeerRecord struct {
	Peer       string
	FirstSeen  int64
	LastSeen   int64
	SeenCount  int
	Name       string
	NameSource string
}

// TicketRecord is an issued delivery ticket, keyed by destination.
type TicketRecord struct {
	Destination string
	Ticket      string
	ExpiresAt   int64
}

// RmspServerRecord is a reachability-service server learned from an
// "rmsp.maps" aspect announce or a parsed RMSP announce payload.
type RmspServerRecord struct {
	Destination string
	Geohash     string
	AppData     []byte
	LastSeen    int64
}

// DeliveryTraceEntry is one step in a message's delivery trace, e.g.
// "queued", "sending", "sent: direct", "failed: no route".
type DeliveryTraceEntry struct {
	Status    string
	Timestamp int64
}

// maxDeliveryTraceEntries bounds a single message's trace; once full, the
// oldest entry is dropped to make room for the newest.
const maxDeliveryTraceEntries = 32

func (d *Daemon) appendDeliveryTrace(messageID, status string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, _ := d.deliveryTraces.Get(messageID)
	updated := append(existing, DeliveryTraceEntry{
		Status:    status,
		Timestamp: nowSeconds(),
	})
	if len(updated) > maxDeliveryTraceEntries {
		updated = updated[len(updated)-maxDeliveryTraceEntries:]
	}
	d.deliveryTraces.Add(messageID, updated)
}

// MessageDeliveryTrace returns the recorded trace entries for messageID,
// oldest first. Reading does not evict it.
func (d *Daemon) MessageDeliveryTrace(messageID string) []DeliveryTraceEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	trace, _ := d.deliveryTraces.Get(messageID)
	out := make([]DeliveryTraceEntry, len(trace))
	copy(out, trace)
	return out
}

// upsertPeer implements the accept_announce_with_metadata peer-table
// semantics: first_seen preserved, last_seen replaced, seen_count
// incremented, name/name_source updated only when a new one is supplied.
func (d *Daemon) upsertPeer(peer string, timestamp int64, name, nameSource string) PeerRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.peers[peer]
	if !ok {
		rec := PeerRecord{
			Peer:       peer,
			FirstSeen:  timestamp,
			LastSeen:   timestamp,
			SeenCount:  1,
			Name:       name,
			NameSource: nameSource,
		}
		d.peers[peer] = rec
		d.metrics.setPeerCount(len(d.peers))
		return rec
	}

	existing.LastSeen = timestamp
	existing.SeenCount++
	if name != "" {
		existing.Name = name
		existing.NameSource = nameSource
	}
	d.peers[peer] = existing
	return existing
}

// ListPeers returns every tracked peer, in no particular order (callers
// needing a stable order should sort by whichever field they care about).
func (d *Daemon) ListPeers() []PeerRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PeerRecord, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	return out
}

// PeerUnpeer forgets a tracked peer. Unknown peers are a no-op.
func (d *Daemon) PeerUnpeer(peer string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, peer)
	d.metrics.setPeerCount(len(d.peers))
}

// PeerSync is a no-op placeholder acknowledging a peer-sync request: this
// daemon keeps no separate offline sync queue, so syncing just confirms
// the peer is tracked.
func (d *Daemon) PeerSync(peer string) (PeerRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.peers[peer]
	return rec, ok
}
