// Package relay assembles the storage-and-payments relay: the balance
// ledger, the settlement bridge, the deal engine, shared links, auth and
// the HTTP surface, wired onto one relay keypair and one graph store.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	shell "github.com/ipfs/go-ipfs-api"

	"github.com/scobru/shogun-relay-sub014/authgate"
	"github.com/scobru/shogun-relay-sub014/bridge"
	"github.com/scobru/shogun-relay-sub014/chainrpc"
	"github.com/scobru/shogun-relay-sub014/deal"
	"github.com/scobru/shogun-relay-sub014/frozen"
	"github.com/scobru/shogun-relay-sub014/graph"
	"github.com/scobru/shogun-relay-sub014/httpapi"
	"github.com/scobru/shogun-relay-sub014/ledger"
	"github.com/scobru/shogun-relay-sub014/lock"
	"github.com/scobru/shogun-relay-sub014/reputation"
	"github.com/scobru/shogun-relay-sub014/sharelink"
)

// Config aggregates every component's settings. TOML-decodable.
type Config struct {
	Host       string
	ListenAddr string
	RelayKey   string // hex secp256k1 private key
	AdminToken string
	DataDir    string // shared-file root for the disk resolver

	RPCURL         string
	BridgeContract string
	DealRegistry   string
	USDCToken      string

	IPFSAPI     string // e.g. localhost:5001
	IPFSGateway string

	BatchInterval time.Duration
	PulseInterval time.Duration
}

// DefaultConfig leaves the chain and key fields empty on purpose: those
// are fatal to omit.
var DefaultConfig = Config{
	Host:          "relay",
	ListenAddr:    ":8765",
	IPFSAPI:       "localhost:5001",
	IPFSGateway:   "https://ipfs.io/ipfs",
	BatchInterval: 5 * time.Minute,
	PulseInterval: time.Minute,
}

var (
	ErrNoRelayKey = errors.New("relay: relay key is required")
	ErrNoRPCURL   = errors.New("relay: rpc url is required")
)

// Relay owns the component graph and its background loops.
type Relay struct {
	cfg Config

	store  *frozen.Adapter
	locks  *lock.Manager
	ledger *ledger.Ledger
	chain  *chainrpc.Client
	bridge *bridge.Bridge
	deals  *deal.Engine
	links  *sharelink.Service
	gate   *authgate.Gate
	rep    *reputation.Tracker
	api    *httpapi.Server

	httpSrv *http.Server
	cancel  context.CancelFunc
	started time.Time

	log log.Logger
}

// New validates the config and wires the components. The graph store is the
// in-process one; peer replication attaches behind the same interface.
func New(ctx context.Context, cfg Config) (*Relay, error) {
	if cfg.RelayKey == "" {
		return nil, ErrNoRelayKey
	}
	if cfg.RPCURL == "" {
		return nil, ErrNoRPCURL
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.RelayKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("relay: parse relay key: %w", err)
	}

	logger := log.New("component", "relay")
	adapter := frozen.NewAdapter(graph.NewMemStore(), key, frozen.Config{})
	locks := lock.NewManager()
	led := ledger.New(locks, adapter)

	chain, err := chainrpc.Dial(ctx, chainrpc.Config{
		RPCURL:         cfg.RPCURL,
		BridgeContract: common.HexToAddress(cfg.BridgeContract),
		DealRegistry:   common.HexToAddress(cfg.DealRegistry),
		USDCToken:      common.HexToAddress(cfg.USDCToken),
	}, key)
	if err != nil {
		return nil, err
	}

	rep := reputation.NewTracker(reputation.Config{}, adapter)
	br := bridge.New(bridge.Config{
		Host:          cfg.Host,
		BatchInterval: cfg.BatchInterval,
	}, led, adapter, chain, rep, locks)

	ipfs := shell.NewShell(cfg.IPFSAPI)
	deals := deal.New(deal.Config{Host: cfg.Host}, adapter, chain, ipfs, rep, locks)

	resolver := sharelink.Chain{sharelink.DiskResolver{Root: cfg.DataDir}}
	links := sharelink.New(sharelink.Config{GatewayURL: cfg.IPFSGateway}, adapter, locks, resolver, deals)

	gate := authgate.New(authgate.Config{AdminToken: cfg.AdminToken}, adapter)
	dup := authgate.NewDupGuard(0, 0)

	r := &Relay{
		cfg:    cfg,
		store:  adapter,
		locks:  locks,
		ledger: led,
		chain:  chain,
		bridge: br,
		deals:  deals,
		links:  links,
		gate:   gate,
		rep:    rep,
		log:    logger,
	}
	r.api = httpapi.New(httpapi.Config{Host: cfg.Host}, led, br, deals, links, gate, dup, rep)
	return r, nil
}

// Start rebuilds state from the graph and brings up the loops and the HTTP
// listener. Cache rebuild failures are fatal: serving with silently empty
// state would hand out wrong balances.
func (r *Relay) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	r.started = time.Now()

	if err := r.ledger.Load(ctx); err != nil {
		return fmt.Errorf("relay: rebuild ledger: %w", err)
	}
	if err := r.bridge.Load(ctx); err != nil {
		return fmt.Errorf("relay: rebuild bridge state: %w", err)
	}
	if err := r.links.Load(ctx); err != nil {
		return fmt.Errorf("relay: rebuild shared links: %w", err)
	}
	if err := r.gate.Load(ctx); err != nil {
		return fmt.Errorf("relay: rebuild api keys: %w", err)
	}
	if err := r.rep.Load(ctx); err != nil {
		return fmt.Errorf("relay: rebuild reputation: %w", err)
	}

	r.bridge.Start(ctx)
	r.links.Start(ctx)
	go r.pulseLoop(ctx)

	r.httpSrv = &http.Server{
		Addr:              r.cfg.ListenAddr,
		Handler:           r.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		r.log.Info("HTTP surface up", "addr", r.cfg.ListenAddr)
		if err := r.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("HTTP server stopped", "err", err)
		}
	}()
	r.log.Info("Relay started", "host", r.cfg.Host, "signer", r.store.Signer())
	return nil
}

// pulseLoop publishes this relay's heartbeat with the counters it actually
// has.
func (r *Relay) pulseLoop(ctx context.Context) {
	interval := r.cfg.PulseInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.rep.Heartbeat(ctx, reputation.Pulse{
				Host:      r.cfg.Host,
				UptimeSec: int64(time.Since(r.started).Seconds()),
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}
}

// Stop shuts the loops and the listener down.
func (r *Relay) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	var err error
	if r.httpSrv != nil {
		err = r.httpSrv.Shutdown(ctx)
	}
	r.chain.Close()
	r.log.Info("Relay stopped")
	return err
}
