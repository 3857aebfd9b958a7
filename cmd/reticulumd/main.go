package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rns-mesh/reticulum-go/config"
	"github.com/rns-mesh/reticulum-go/daemon"
	"github.com/rns-mesh/reticulum-go/destination"
	"github.com/rns-mesh/reticulum-go/identity"
	"github.com/rns-mesh/reticulum-go/iface"
	"github.com/rns-mesh/reticulum-go/packet"
	"github.com/rns-mesh/reticulum-go/rpcwire"
	"github.com/rns-mesh/reticulum-go/store"
	"github.com/rns-mesh/reticulum-go/transport"
)

// Version is set at build time via ldflags.
var Version = "dev"

const appName = "reticulum-go"

func main() {
	rpcAddr := flag.String("rpc", "127.0.0.1:7822", "address to serve the RPC control plane on")
	dbPath := flag.String("db", "", "path to a messages database (unset: in-memory store only)")
	configPath := flag.String("config", "", "path to an interfaces TOML file")
	identityPath := flag.String("identity", "identity.key", "path to this node's private identity file")
	announceInterval := flag.Int("announce-interval-secs", 300, "seconds between automatic announces (0 disables)")
	transportName := flag.String("transport", "", "named interface to bring up in addition to --config (tcp_client:host:port)")
	flag.Parse()

	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== Reticulum Daemon %s ===\n", Version)
	fmt.Println()

	priv, err := loadOrCreateIdentity(*identityPath)
	if err != nil {
		logger.Error("failed to load identity", "error", err)
		os.Exit(1)
	}

	mgr := iface.NewInterfaceManager(256)
	trans := transport.NewTransport(mgr, transport.WithLogger(logger))

	desc := destination.NewDesc(priv.AsIdentity(), destination.NewDestinationName(appName, "delivery"))
	trans.RegisterDestination(priv, desc, nil)

	if err := bringUpInterfaces(context.Background(), mgr, *configPath, *transportName, logger); err != nil {
		logger.Error("failed to bring up interfaces", "error", err)
		os.Exit(1)
	}

	if *dbPath != "" {
		logger.Warn("persistent message storage is not yet implemented, falling back to in-memory store", "db", *dbPath)
	}
	s := store.NewMemoryStore()
	metrics := daemon.NewMetrics()
	d := daemon.New(s, desc.AddressHash.String(),
		daemon.WithLogger(logger),
		daemon.WithMetrics(metrics),
		daemon.WithOutboundBridge(&transportOutboundBridge{transport: trans}),
		daemon.WithAnnounceBridge(&transportAnnounceBridge{transport: trans, priv: priv, desc: desc}),
	)

	stopAnnounce := d.StartAnnounceScheduler(*announceInterval)
	defer stopAnnounce()

	mux := http.NewServeMux()
	mux.Handle("/", rpcwire.NewHandler(d, logger))
	mux.Handle("/events", rpcwire.NewEventsUpgrader(d, logger))
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: *rpcAddr, Handler: mux}
	go func() {
		logger.Info("rpc listening", "addr", *rpcAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("rpc server failed", "error", err)
			os.Exit(1)
		}
	}()

	waitForShutdown(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	mgr.CloseAll()
}

func waitForShutdown(logger *slog.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	sig := <-ch
	logger.Info("shutting down", "signal", sig.String())
}

func loadOrCreateIdentity(path string) (*identity.PrivateIdentity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return identity.FromPrivateKeyBytes(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	priv, err := identity.NewFromRand(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := os.WriteFile(path, priv.Bytes(), 0600); err != nil {
		return nil, fmt.Errorf("write identity file: %w", err)
	}
	return priv, nil
}

func bringUpInterfaces(ctx context.Context, mgr *iface.InterfaceManager, configPath, transportFlag string, logger *slog.Logger) error {
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		for _, rec := range cfg.Interfaces {
			if !rec.Enabled {
				continue
			}
			if err := spawnInterface(ctx, mgr, rec.Type, rec.Name, fmt.Sprintf("%s:%d", rec.Host, rec.Port), logger); err != nil {
				return err
			}
		}
	}
	if transportFlag != "" {
		typ, addr, ok := splitTransportFlag(transportFlag)
		if !ok {
			return fmt.Errorf("invalid --transport value %q, want type:host:port", transportFlag)
		}
		if err := spawnInterface(ctx, mgr, typ, "cli", addr, logger); err != nil {
			return err
		}
	}
	return nil
}

func splitTransportFlag(v string) (typ, addr string, ok bool) {
	for i := 0; i < len(v); i++ {
		if v[i] == ':' {
			return v[:i], v[i+1:], true
		}
	}
	return "", "", false
}

func spawnInterface(ctx context.Context, mgr *iface.InterfaceManager, typ, name, addr string, logger *slog.Logger) error {
	switch typ {
	case "tcp_client":
		return mgr.Spawn(ctx, iface.NewTCPClientInterface(name, addr, logger))
	case "tcp_server":
		return mgr.Spawn(ctx, iface.NewTCPServerInterface(name, addr, logger, nil))
	default:
		return fmt.Errorf("unsupported interface type %q", typ)
	}
}

// transportOutboundBridge satisfies daemon.OutboundBridge by handing LXMF
// wire bytes to the transport as a single Data packet addressed to the
// destination hash. Messages that don't fit a single packet's MDU need the
// resource layer's chunking instead; this bridge covers the common case of
// small LXMF messages sent directly.
type transportOutboundBridge struct {
	transport *transport.Transport
}

func (b *transportOutboundBridge) SendMessage(destinationHash, sourceHash string, wire []byte) (string, error) {
	dest, err := parseAddressHash(destinationHash)
	if err != nil {
		return "", err
	}
	p := buildDataPacket(dest, wire)
	outcome, _, err := b.transport.SendPacket(p, "", false)
	if err != nil {
		return "", err
	}
	if !outcome.Success() {
		return "", fmt.Errorf("send failed: %s", outcome.String())
	}
	return outcome.String(), nil
}

// transportAnnounceBridge satisfies daemon.AnnounceBridge by broadcasting a
// fresh signed announce for this node's delivery destination.
type transportAnnounceBridge struct {
	transport *transport.Transport
	priv      *identity.PrivateIdentity
	desc      destination.DestinationDesc
}

func (b *transportAnnounceBridge) AnnounceNow() error {
	p, err := destination.BuildAnnounce(rand.Reader, b.priv, b.desc, nil, nil)
	if err != nil {
		return err
	}
	_, _, err = b.transport.SendPacket(p, "", false)
	return err
}

func buildDataPacket(dest identity.AddressHash, data []byte) packet.Packet {
	return packet.Packet{
		Header: packet.Header{
			Type:            packet.HeaderType1,
			Propagation:     packet.PropagationBroadcast,
			DestinationType: packet.DestinationSingle,
			PacketType:      packet.PacketData,
		},
		Destination: dest,
		Data:        data,
	}
}

func parseAddressHash(hexStr string) (identity.AddressHash, error) {
	var out identity.AddressHash
	if len(hexStr) != len(out)*2 {
		return out, fmt.Errorf("destination hash must be %d hex chars, got %d", len(out)*2, len(hexStr))
	}
	for i := range out {
		b, err := hexByte(hexStr[i*2], hexStr[i*2+1])
		if err != nil {
			return out, err
		}
		out[i] = b
	}
	return out, nil
}

func hexByte(hi, lo byte) (byte, error) {
	h, err := hexNibble(hi)
	if err != nil {
		return 0, err
	}
	l, err := hexNibble(lo)
	if err != nil {
		return 0, err
	}
	return h<<4 | l, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex character %q", c)
	}
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("reticulumd.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
