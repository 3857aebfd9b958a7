package daemon

import (
	"testing"

	"github.com/rns-mesh/reticulum-go/store"
)

func newTestDaemon() *Daemon {
	return New(store.NewMemoryStore(), "deadbeef", WithMetrics(NewMetrics()))
}

func TestUpsertPeerTracksFirstSeenLastSeenAndSeenCount(t *testing.T) {
	d := newTestDaemon()

	if _, err := d.AnnounceReceived("peer-a", 123, "Alice", "pn_meta", "lxmf.delivery", nil); err != nil {
		t.Fatalf("first announce: %v", err)
	}
	if _, err := d.AnnounceReceived("peer-a", 200, "", "", "lxmf.delivery", nil); err != nil {
		t.Fatalf("second announce: %v", err)
	}

	peers := d.ListPeers()
	if len(peers) != 1 {
		t.Fatalf("expected exactly one peer record, got %d", len(peers))
	}
	p := peers[0]
	if p.FirstSeen != 123 {
		t.Errorf("first_seen = %d, want 123", p.FirstSeen)
	}
	if p.LastSeen != 200 {
		t.Errorf("last_seen = %d, want 200", p.LastSeen)
	}
	if p.SeenCount != 2 {
		t.Errorf("seen_count = %d, want 2", p.SeenCount)
	}
	if p.Name != "Alice" {
		t.Errorf("name = %q, want Alice (preserved since second announce supplied none)", p.Name)
	}
}

func TestUpsertPeerUpdatesNameOnlyWhenSupplied(t *testing.T) {
	d := newTestDaemon()
	d.AnnounceReceived("peer-b", 1, "Bob", "pn_meta", "lxmf.delivery", nil)
	d.AnnounceReceived("peer-b", 2, "Bobby", "manual", "lxmf.delivery", nil)

	rec, ok := d.PeerSync("peer-b")
	if !ok {
		t.Fatal("expected peer-b to be known")
	}
	if rec.Name != "Bobby" || rec.NameSource != "manual" {
		t.Errorf("got name=%q source=%q, want Bobby/manual", rec.Name, rec.NameSource)
	}
}

func TestPeerUnpeerRemovesRecord(t *testing.T) {
	d := newTestDaemon()
	d.AnnounceReceived("peer-c", 1, "", "", "lxmf.delivery", nil)
	d.PeerUnpeer("peer-c")
	if _, ok := d.PeerSync("peer-c"); ok {
		t.Error("expected peer-c to be forgotten after unpeer")
	}
}

func TestSendMessageV2NoBridgeRecordsFailureTrace(t *testing.T) {
	d := newTestDaemon()
	_, rpcErr := d.SendMessageV2(SendMessageParams{
		ID: "msg-1", Source: "src", Destination: "dst", Timestamp: 1,
	})
	if rpcErr == nil {
		t.Fatal("expected delivery failure with no outbound bridge configured")
	}
	trace := d.MessageDeliveryTrace("msg-1")
	if len(trace) != 3 {
		t.Fatalf("expected queued/sending/failed trace, got %d entries", len(trace))
	}
	if trace[0].Status != "queued" || trace[1].Status != "sending" {
		t.Errorf("unexpected trace prefix: %+v", trace[:2])
	}
}

func TestReasonCodeForMapsKnownStatuses(t *testing.T) {
	cases := map[string]string{
		"failed: receipt timeout":                "receipt_timeout",
		"failed: timeout":                         "timeout",
		"failed: no known path":                   "no_path",
		"failed: no propagation relay selected":   "relay_unset",
		"failed: retry budget exhausted":          "retry_budget_exhausted",
		"failed: something else entirely":         "",
	}
	for status, want := range cases {
		if got := reasonCodeFor(status); got != want {
			t.Errorf("reasonCodeFor(%q) = %q, want %q", status, got, want)
		}
	}
}

type stubOutboundBridge struct {
	method string
	err    error
}

func (b stubOutboundBridge) SendMessage(destinationHash, sourceHash string, wire []byte) (string, error) {
	return b.method, b.err
}

func TestSendMessageV2SuccessTrace(t *testing.T) {
	d := New(store.NewMemoryStore(), "deadbeef", WithOutboundBridge(stubOutboundBridge{method: "direct"}))
	result, rpcErr := d.SendMessageV2(SendMessageParams{ID: "msg-2", Source: "a", Destination: "b", Timestamp: 1})
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}
	if result["status"] != "sent: direct" {
		t.Errorf("status = %v, want 'sent: direct'", result["status"])
	}
	trace := d.MessageDeliveryTrace("msg-2")
	if len(trace) != 3 || trace[2].Status != "sent: direct" {
		t.Fatalf("unexpected trace: %+v", trace)
	}
}

func TestMessageDeliveryTraceCapsAtThirtyTwoEntries(t *testing.T) {
	d := newTestDaemon()
	for i := 0; i < maxDeliveryTraceEntries+10; i++ {
		d.appendDeliveryTrace("msg-3", "step")
	}
	trace := d.MessageDeliveryTrace("msg-3")
	if len(trace) != maxDeliveryTraceEntries {
		t.Fatalf("trace len = %d, want %d", len(trace), maxDeliveryTraceEntries)
	}
}

func TestPropagationRequestIdleWithoutConfiguredNode(t *testing.T) {
	d := newTestDaemon()
	_, rpcErr := d.RequestMessagesFromPropagationNode(10)
	if rpcErr == nil || rpcErr.Code != "NO_PROPAGATION_NODE" {
		t.Fatalf("expected NO_PROPAGATION_NODE, got %v", rpcErr)
	}
	state := d.GetPropagationState()
	if state["state"] != PropIdle {
		t.Errorf("state = %v, want PropIdle", state["state"])
	}
}

func TestPropagationRequestNoPathWhenNodeUnseen(t *testing.T) {
	d := newTestDaemon()
	d.SetOutboundPropagationNode("unseen-node")
	_, rpcErr := d.RequestMessagesFromPropagationNode(10)
	if rpcErr == nil || rpcErr.Code != "NO_PATH" {
		t.Fatalf("expected NO_PATH, got %v", rpcErr)
	}
	state := d.GetPropagationState()
	if state["state"] != PropNoPath {
		t.Errorf("state = %v, want PropNoPath", state["state"])
	}
}

func TestPropagationRequestFullWalkWithPayloads(t *testing.T) {
	d := newTestDaemon()
	d.AnnounceReceived("relay-1", 1, "", "", "lxmf.propagation", nil)
	d.SetOutboundPropagationNode("relay-1")
	d.PropagationIngest("t1", "aa")
	d.PropagationIngest("t2", "bb")

	result, rpcErr := d.RequestMessagesFromPropagationNode(10)
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}
	if result["messages_received"] != 2 {
		t.Errorf("messages_received = %v, want 2", result["messages_received"])
	}
	state := d.GetPropagationState()
	if state["state"] != PropComplete {
		t.Errorf("final state = %v, want PropComplete", state["state"])
	}
	if state["progress"] != 1.0 {
		t.Errorf("final progress = %v, want 1.0", state["progress"])
	}
}

func TestTicketGenerateRejectsOverflow(t *testing.T) {
	d := newTestDaemon()
	_, rpcErr := d.TicketGenerate("dest", 1<<63-1)
	if rpcErr == nil || rpcErr.Code != "INVALID_TTL" {
		t.Fatalf("expected INVALID_TTL for an overflow-inducing ttl, got %v", rpcErr)
	}
}

func TestTicketGenerateRejectsNegativeTTL(t *testing.T) {
	d := newTestDaemon()
	_, rpcErr := d.TicketGenerate("dest", -1)
	if rpcErr == nil || rpcErr.Code != "INVALID_TTL" {
		t.Fatalf("expected INVALID_TTL for negative ttl, got %v", rpcErr)
	}
}

func TestPaperIngestUriRejectsBadPrefix(t *testing.T) {
	d := newTestDaemon()
	_, rpcErr := d.PaperIngestUri("https://example.com")
	if rpcErr == nil || rpcErr.Code != "INVALID_URI" {
		t.Fatalf("expected INVALID_URI, got %v", rpcErr)
	}
}

func TestPaperIngestUriDetectsDuplicatesAndTruncates(t *testing.T) {
	d := newTestDaemon()
	uri := "lxm://" + "0123456789abcdef0123456789abcdef0123456789" // body > 32 chars

	first, rpcErr := d.PaperIngestUri(uri)
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}
	if first["duplicate"] != false {
		t.Errorf("first ingest should not be a duplicate")
	}
	if len(first["destination"].(string)) != 32 {
		t.Errorf("destination should be truncated to 32 chars, got %d", len(first["destination"].(string)))
	}

	second, rpcErr := d.PaperIngestUri(uri)
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}
	if second["duplicate"] != true {
		t.Error("second ingest of the same URI should be flagged duplicate")
	}
}

func TestEventQueueDropsOldestPastCapacity(t *testing.T) {
	d := newTestDaemon()
	for i := 0; i < 40; i++ {
		d.PushEvent(Event{Type: "announce_sent"})
	}
	count := 0
	for {
		_, ok := d.TakeEvent()
		if !ok {
			break
		}
		count++
	}
	if count != 32 {
		t.Errorf("expected 32 surviving events after 40 pushes against a 32-capacity queue, got %d", count)
	}
}

func TestAnnounceSchedulerDisabledAtZeroInterval(t *testing.T) {
	d := newTestDaemon()
	stop := d.StartAnnounceScheduler(0)
	defer stop()
	if _, ok := d.TakeEvent(); ok {
		t.Error("expected no announce_sent event when the scheduler is disabled")
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	d := newTestDaemon()
	_, rpcErr := d.Dispatch("not_a_real_method", nil)
	if rpcErr == nil || rpcErr.Code != "UNKNOWN_METHOD" {
		t.Fatalf("expected UNKNOWN_METHOD, got %v", rpcErr)
	}
}

func TestDispatchStatusIncludesMeta(t *testing.T) {
	d := newTestDaemon()
	result, rpcErr := d.Dispatch("status", nil)
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}
	if _, ok := result["meta"]; !ok {
		t.Error("expected dispatch result to carry a meta field")
	}
}
