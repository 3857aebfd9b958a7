package iface

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// TraceOutcome names the top-level result of one SendPacketTrace attempt.
type TraceOutcome int

const (
	TraceDirect TraceOutcome = iota
	TraceBroadcast
	TraceNoRoute
)

func (o TraceOutcome) String() string {
	switch o {
	case TraceDirect:
		return "direct"
	case TraceBroadcast:
		return "broadcast"
	case TraceNoRoute:
		return "no_route"
	default:
		return "unknown"
	}
}

// DispatchTrace records, for a broadcast attempt, which interfaces were
// considered, which actually accepted the send, and which failed.
type DispatchTrace struct {
	MatchedIfaces []string
	SentIfaces    []string
	FailedIfaces  []string
}

// SendPacketTrace captures per-attempt outcome for observability, per the
// interface layer's diagnostics contract.
type SendPacketTrace struct {
	TraceID      uuid.UUID
	Outcome      TraceOutcome
	DirectIface  string // set iff Outcome == TraceDirect
	Broadcast    bool
	Dispatch     DispatchTrace
}

// InterfaceManager owns a set of interfaces, each running as a background
// goroutine once spawned, and routes outbound packet bytes to them. It
// generalizes the teacher's single Handshake-produced *Link into a registry
// of many link-agnostic Interfaces.
type InterfaceManager struct {
	mu     sync.RWMutex
	ifaces map[string]Interface

	inbound chan InboundFrame
}

// InboundFrame pairs a received frame with the interface it arrived on, for
// the transport layer's dispatch loop to consume.
type InboundFrame struct {
	IfaceID string
	Data    []byte
}

// NewInterfaceManager builds an empty manager. inboundBuffer sizes the
// shared channel every spawned interface's reader forwards onto.
func NewInterfaceManager(inboundBuffer int) *InterfaceManager {
	if inboundBuffer <= 0 {
		inboundBuffer = 256
	}
	return &InterfaceManager{
		ifaces:  make(map[string]Interface),
		inbound: make(chan InboundFrame, inboundBuffer),
	}
}

// Inbound returns the channel onto which every registered interface's
// received frames are forwarded, tagged with their source interface id.
func (m *InterfaceManager) Inbound() <-chan InboundFrame { return m.inbound }

// spawn starts iface's background I/O (if it hasn't already started, as is
// the case for server-accepted sub-connections) and launches a goroutine
// that forwards its Receive channel onto the manager's shared inbound
// channel, registering it under its ID for broadcast/dispatch_direct.
func (m *InterfaceManager) spawn(ctx context.Context, fc Interface, alreadyStarted bool) error {
	if !alreadyStarted {
		if err := fc.Start(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.ifaces[fc.ID()] = fc
	m.mu.Unlock()

	go func() {
		for frame := range fc.Receive() {
			select {
			case m.inbound <- InboundFrame{IfaceID: fc.ID(), Data: frame}:
			case <-ctx.Done():
				return
			}
		}
		m.mu.Lock()
		delete(m.ifaces, fc.ID())
		m.mu.Unlock()
	}()
	return nil
}

// Spawn registers and starts a not-yet-started interface (a configured
// TCPClientInterface or TCPServerInterface), per the spec's
// spawn(iface, spawn_fn) contract: spawn_fn here is simply "run Start in the
// background and fan its inbound frames into Inbound()".
func (m *InterfaceManager) Spawn(ctx context.Context, fc Interface) error {
	return m.spawn(ctx, fc, false)
}

// Register adds an already-running interface (e.g. a TCPServerInterface's
// accepted connection) without calling Start again.
func (m *InterfaceManager) Register(ctx context.Context, fc Interface) error {
	return m.spawn(ctx, fc, true)
}

// Unregister removes and closes the named interface.
func (m *InterfaceManager) Unregister(ifaceID string) {
	m.mu.Lock()
	fc, ok := m.ifaces[ifaceID]
	delete(m.ifaces, ifaceID)
	m.mu.Unlock()
	if ok {
		fc.Close()
	}
}

// Interfaces returns a snapshot of currently-registered interface ids.
func (m *InterfaceManager) Interfaces() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.ifaces))
	for id := range m.ifaces {
		out = append(out, id)
	}
	return out
}

// Broadcast sends packetBytes to every registered interface except
// exceptIface (pass "" to except none), returning a DispatchTrace.
func (m *InterfaceManager) Broadcast(packetBytes []byte, exceptIface string) DispatchTrace {
	m.mu.RLock()
	targets := make([]Interface, 0, len(m.ifaces))
	for id, fc := range m.ifaces {
		if id == exceptIface {
			continue
		}
		targets = append(targets, fc)
	}
	m.mu.RUnlock()

	var trace DispatchTrace
	for _, fc := range targets {
		trace.MatchedIfaces = append(trace.MatchedIfaces, fc.ID())
		if fc.Send(packetBytes) == SendOK {
			trace.SentIfaces = append(trace.SentIfaces, fc.ID())
		} else {
			trace.FailedIfaces = append(trace.FailedIfaces, fc.ID())
		}
	}
	return trace
}

// DispatchDirect sends packetBytes to exactly the named interface.
func (m *InterfaceManager) DispatchDirect(packetBytes []byte, ifaceID string) SendResult {
	m.mu.RLock()
	fc, ok := m.ifaces[ifaceID]
	m.mu.RUnlock()
	if !ok {
		return SendNotConnected
	}
	return fc.Send(packetBytes)
}

// SendPacket attempts a direct send when directIface is non-empty, and
// broadcasts to every registered interface (directIface included) when
// directIface is empty or the direct send did not return SendOK. It returns
// a SendPacketTrace with a fresh TraceID for correlation with the transport
// layer's receipt/event logging; a failed direct attempt is not recorded in
// the trace.
func (m *InterfaceManager) SendPacket(packetBytes []byte, directIface string) SendPacketTrace {
	trace := SendPacketTrace{TraceID: uuid.New()}

	if directIface != "" {
		result := m.DispatchDirect(packetBytes, directIface)
		if result == SendOK {
			trace.Outcome = TraceDirect
			trace.DirectIface = directIface
			return trace
		}
		// Unknown or failed direct target: fall through to broadcast as a
		// best-effort recovery.
	}

	trace.Broadcast = true
	trace.Dispatch = m.Broadcast(packetBytes, "")
	if len(trace.Dispatch.SentIfaces) > 0 {
		trace.Outcome = TraceBroadcast
	} else {
		trace.Outcome = TraceNoRoute
	}
	return trace
}

// CloseAll shuts down every registered interface.
func (m *InterfaceManager) CloseAll() {
	m.mu.Lock()
	ifaces := make([]Interface, 0, len(m.ifaces))
	for _, fc := range m.ifaces {
		ifaces = append(ifaces, fc)
	}
	m.ifaces = make(map[string]Interface)
	m.mu.Unlock()

	for _, fc := range ifaces {
		fc.Close()
	}
}
