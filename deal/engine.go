// Package deal runs the USDC storage-deal engine: quoting, the
// pending/active lifecycle against the on-chain registry, IPFS pinning with
// optional erasure coding, replication requests to peer relays, and
// challenge-based storage proofs.
package deal

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	shell "github.com/ipfs/go-ipfs-api"

	"github.com/scobru/shogun-relay-sub014/chainrpc"
	"github.com/scobru/shogun-relay-sub014/frozen"
	"github.com/scobru/shogun-relay-sub014/lock"
)

var (
	ErrNotFound              = errors.New("deal: not found")
	ErrNotPending            = errors.New("deal: not in pending state")
	ErrNotActive             = errors.New("deal: not active")
	ErrInvalidDeal           = errors.New("deal: invalid deal request")
	ErrInsufficientAllowance = errors.New("deal: client has not approved enough USDC")
)

var (
	dealsCreated    = metrics.NewRegisteredCounter("deal/created", nil)
	dealsActivated  = metrics.NewRegisteredCounter("deal/activated", nil)
	dealsRenewed    = metrics.NewRegisteredCounter("deal/renewed", nil)
	dealsTerminated = metrics.NewRegisteredCounter("deal/terminated", nil)
	pinsIssued      = metrics.NewRegisteredCounter("deal/pins/issued", nil)
	pinsFailed      = metrics.NewRegisteredCounter("deal/pins/failed", nil)
)

// Status is the deal lifecycle state. No back-transitions.
type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusExpired    Status = "expired"
	StatusTerminated Status = "terminated"
)

// Deal is the persisted record of a storage agreement.
type Deal struct {
	ID                   string           `json:"id"`
	CID                  string           `json:"cid"`
	Client               common.Address   `json:"client"`
	RelayPub             common.Address   `json:"relayPub"`
	Tier                 Tier             `json:"tier"`
	SizeMB               uint64           `json:"sizeMB"`
	DurationDays         uint64           `json:"durationDays"`
	PriceUSDC            *hexutil.Big     `json:"priceUSDC"`
	CreatedAt            int64            `json:"createdAt"`
	ActivatedAt          int64            `json:"activatedAt,omitempty"`
	ExpiresAt            int64            `json:"expiresAt,omitempty"`
	Status               Status           `json:"status"`
	PaymentTx            common.Hash      `json:"paymentTx,omitempty"`
	OnChainDealID        uint64           `json:"onChainDealId,omitempty"`
	Erasure              *ErasureMetadata `json:"erasureMetadata,omitempty"`
	ReplicationFactor    int              `json:"replicationFactor"`
	ReplicationRequestID string           `json:"replicationRequestId,omitempty"`
	Warnings             []string         `json:"warnings,omitempty"`
	FromOnChainOnly      bool             `json:"fromOnChainOnly,omitempty"`
}

// hash is the deal's 32-byte identity on-chain and in the graph path.
func (d *Deal) hash() common.Hash {
	return crypto.Keccak256Hash([]byte(d.ID))
}

// pinRequest asks peer relays to replicate a CID.
type pinRequest struct {
	ID                string         `json:"id"`
	CID               string         `json:"cid"`
	Requester         common.Address `json:"requester"`
	ReplicationFactor int            `json:"replicationFactor"`
	Priority          string         `json:"priority"`
	Timestamp         int64          `json:"timestamp"`
	Status            string         `json:"status"`
	DealID            string         `json:"dealId"`
}

// IPFS is the node surface the engine uses. *shell.Shell implements it.
type IPFS interface {
	Cat(path string) (io.ReadCloser, error)
	Add(r io.Reader, options ...shell.AddOpts) (string, error)
	Pin(path string) error
	Unpin(path string) error
	BlockStat(path string) (string, int, error)
	Pins() (map[string]shell.PinInfo, error)
}

// ChainClient is the registry surface the engine needs.
type ChainClient interface {
	AllowanceOf(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	RegisterDeal(ctx context.Context, dealID common.Hash, client common.Address, cid string, sizeMB uint64, priceUSDC *big.Int, durationDays uint64, clientStake *big.Int) (uint64, error)
	GetClientDeals(ctx context.Context, client common.Address) ([]chainrpc.OnChainDeal, error)
	DealRegistry() common.Address
}

// Reputation receives deal lifecycle and pin events.
type Reputation interface {
	RecordProofSuccess(host string, elapsed time.Duration)
	RecordProofFailure(host string)
	RecordPinFulfilment(host string, delivered bool)
	RecordDealActivated(host string)
	RecordDealExpired(host string)
	RecordDealTerminated(host string)
}

// Config tunes the engine. Zero fields take the defaults.
type Config struct {
	Host              string
	PendingTTL        time.Duration // pending cache lifetime
	PendingCacheSize  int
	AllowanceAttempts int
	AllowanceBackoff  time.Duration
	CatTimeout        time.Duration
	ProofWindow       time.Duration
	DataShards        int
	ParityShards      int
	ShardSize         int
	AutoReplicate     bool
}

var DefaultConfig = Config{
	PendingTTL:        10 * time.Minute,
	PendingCacheSize:  1024,
	AllowanceAttempts: 3,
	AllowanceBackoff:  2 * time.Second,
	CatTimeout:        10 * time.Second,
	ProofWindow:       5 * time.Minute,
	DataShards:        10,
	ParityShards:      4,
	ShardSize:         256 * 1024,
	AutoReplicate:     true,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	d.Host = c.Host
	if c.PendingTTL > 0 {
		d.PendingTTL = c.PendingTTL
	}
	if c.PendingCacheSize > 0 {
		d.PendingCacheSize = c.PendingCacheSize
	}
	if c.AllowanceAttempts > 0 {
		d.AllowanceAttempts = c.AllowanceAttempts
	}
	if c.AllowanceBackoff > 0 {
		d.AllowanceBackoff = c.AllowanceBackoff
	}
	if c.CatTimeout > 0 {
		d.CatTimeout = c.CatTimeout
	}
	if c.ProofWindow > 0 {
		d.ProofWindow = c.ProofWindow
	}
	if c.DataShards > 0 {
		d.DataShards = c.DataShards
	}
	if c.ParityShards > 0 {
		d.ParityShards = c.ParityShards
	}
	if c.ShardSize > 0 {
		d.ShardSize = c.ShardSize
	}
	d.AutoReplicate = c.AutoReplicate
	return d
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg   Config
	store *frozen.Adapter
	chain ChainClient
	ipfs  IPFS
	rep   Reputation
	locks *lock.Manager

	// pending rides out graph replication lag: a deal created on this relay
	// is answerable immediately even before the store acknowledges peers.
	pending *expirable.LRU[string, *Deal]

	log log.Logger
}

func New(cfg Config, store *frozen.Adapter, chain ChainClient, ipfs IPFS, rep Reputation, locks *lock.Manager) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:     cfg,
		store:   store,
		chain:   chain,
		ipfs:    ipfs,
		rep:     rep,
		locks:   locks,
		pending: expirable.NewLRU[string, *Deal](cfg.PendingCacheSize, nil, cfg.PendingTTL),
		log:     log.New("component", "deal"),
	}
}

func dealPath(id string) string {
	return frozen.PathDeals + "/" + crypto.Keccak256Hash([]byte(id)).Hex()
}

func lockKey(id string) string { return "deal/" + id }

func newDealID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return "deal-" + hexutil.Encode(buf[:])[2:], nil
}

// CreateRequest carries the client-supplied deal parameters.
type CreateRequest struct {
	CID          string         `json:"cid"`
	Client       common.Address `json:"clientAddress"`
	SizeMB       uint64         `json:"sizeMB"`
	DurationDays uint64         `json:"durationDays"`
	Tier         Tier           `json:"tier,omitempty"`
}

func (r *CreateRequest) validate() error {
	if strings.TrimSpace(r.CID) == "" {
		return fmt.Errorf("%w: cid is required", ErrInvalidDeal)
	}
	if r.Client == (common.Address{}) {
		return fmt.Errorf("%w: clientAddress is required", ErrInvalidDeal)
	}
	if r.SizeMB == 0 {
		return fmt.Errorf("%w: sizeMB must be positive", ErrInvalidDeal)
	}
	if r.DurationDays == 0 {
		return fmt.Errorf("%w: durationDays must be positive", ErrInvalidDeal)
	}
	return nil
}

// Create quotes and persists a pending deal.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Deal, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	quote, err := Price(req.SizeMB, req.DurationDays, req.Tier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDeal, err)
	}
	id, err := newDealID()
	if err != nil {
		return nil, fmt.Errorf("deal: generate id: %w", err)
	}
	d := &Deal{
		ID:                id,
		CID:               req.CID,
		Client:            req.Client,
		RelayPub:          e.store.Signer(),
		Tier:              quote.Tier,
		SizeMB:            req.SizeMB,
		DurationDays:      req.DurationDays,
		PriceUSDC:         (*hexutil.Big)(quote.PriceUSDC),
		CreatedAt:         time.Now().UnixMilli(),
		Status:            StatusPending,
		ReplicationFactor: quote.ReplicationFactor,
	}
	if err := e.store.PutSigned(ctx, dealPath(id), frozen.KindDeal, d); err != nil {
		return nil, fmt.Errorf("deal: persist: %w", err)
	}
	e.pending.Add(id, d)
	dealsCreated.Inc(1)
	e.log.Info("Deal created", "deal", id, "cid", req.CID, "client", req.Client,
		"tier", quote.Tier, "priceUSDC", quote.PriceUSDC)
	return d, nil
}

// Get returns a deal by id, marking it expired lazily when its term has run
// out.
func (e *Engine) Get(ctx context.Context, id string) (*Deal, error) {
	d, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusActive && d.ExpiresAt > 0 && time.Now().UnixMilli() > d.ExpiresAt {
		err := e.locks.WithLock(ctx, lockKey(id), func() error {
			d.Status = StatusExpired
			return e.store.PutSigned(ctx, dealPath(id), frozen.KindDeal, d)
		})
		if err != nil {
			e.log.Warn("Expiry mark not persisted", "deal", id, "err", err)
		}
		e.rep.RecordDealExpired(e.cfg.Host)
	}
	return d, nil
}

// load checks the pending cache first: a freshly created deal may not have
// replicated through the graph yet.
func (e *Engine) load(ctx context.Context, id string) (*Deal, error) {
	if d, ok := e.pending.Get(id); ok {
		return d, nil
	}
	var d Deal
	err := e.store.GetVerified(ctx, dealPath(id), frozen.KindDeal, e.store.Signer(), &d)
	switch {
	case errors.Is(err, frozen.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, err
	}
	return &d, nil
}

// checkAllowance verifies the client pre-approved at least price to the
// registry, retrying to absorb RPC lag behind a fresh approve tx.
func (e *Engine) checkAllowance(ctx context.Context, client common.Address, price *big.Int) error {
	spender := e.chain.DealRegistry()
	var (
		allowance *big.Int
		err       error
	)
	for attempt := 0; attempt < e.cfg.AllowanceAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.AllowanceBackoff):
			}
		}
		allowance, err = e.chain.AllowanceOf(ctx, client, spender)
		if err != nil {
			e.log.Warn("Allowance check failed", "client", client, "attempt", attempt+1, "err", err)
			continue
		}
		if allowance.Cmp(price) >= 0 {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("deal: allowance check: %w", err)
	}
	return fmt.Errorf("%w: approved %s, need %s", ErrInsufficientAllowance, allowance, price)
}

// Activate registers a pending deal on-chain and starts the pin work. Pin
// and replication failures after on-chain success never roll the deal back;
// they are appended to the deal's warnings.
func (e *Engine) Activate(ctx context.Context, id string) (*Deal, error) {
	d, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusPending {
		return nil, fmt.Errorf("%w: status %s", ErrNotPending, d.Status)
	}
	if err := e.checkAllowance(ctx, d.Client, (*big.Int)(d.PriceUSDC)); err != nil {
		return nil, err
	}

	onChainID, err := e.chain.RegisterDeal(ctx, d.hash(), d.Client, d.CID,
		d.SizeMB, (*big.Int)(d.PriceUSDC), d.DurationDays, big.NewInt(0))
	if err != nil {
		return nil, fmt.Errorf("deal: register on-chain: %w", err)
	}

	err = e.locks.WithLock(ctx, lockKey(id), func() error {
		now := time.Now().UnixMilli()
		d.Status = StatusActive
		d.ActivatedAt = now
		d.ExpiresAt = now + int64(d.DurationDays)*24*int64(time.Hour/time.Millisecond)
		d.OnChainDealID = onChainID
		return e.store.PutSigned(ctx, dealPath(id), frozen.KindDeal, d)
	})
	if err != nil {
		// Registered on-chain but the record write failed; the next byClient
		// enrichment will surface it as on-chain-only until a rewrite lands.
		e.log.Error("Deal registered on-chain but record write failed", "deal", id, "err", err)
		return nil, fmt.Errorf("deal: persist activation: %w", err)
	}
	e.pending.Remove(id)
	dealsActivated.Inc(1)
	e.rep.RecordDealActivated(e.cfg.Host)
	e.log.Info("Deal activated", "deal", id, "onChainId", onChainID, "cid", d.CID)

	go e.pinTask(d)
	return d, nil
}

// pinTask pins the deal's content locally and, per tier, erasure-codes it
// and publishes a replication request. Runs detached from the activation
// request.
func (e *Engine) pinTask(d *Deal) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var warnings []string
	if err := e.ipfs.Pin(d.CID); err != nil {
		pinsFailed.Inc(1)
		e.rep.RecordPinFulfilment(e.cfg.Host, false)
		warnings = append(warnings, fmt.Sprintf("local pin failed: %v", err))
		e.log.Warn("Local pin failed", "deal", d.ID, "cid", d.CID, "err", err)
	} else {
		pinsIssued.Inc(1)
		e.rep.RecordPinFulfilment(e.cfg.Host, true)
	}

	quote, _ := Price(d.SizeMB, d.DurationDays, d.Tier)
	if quote.ErasureCoding {
		meta, err := e.Encode(ctx, d.CID)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("erasure coding failed: %v", err))
			e.log.Warn("Erasure coding failed", "deal", d.ID, "cid", d.CID, "err", err)
		} else {
			d.Erasure = meta
		}
	}
	var replicationID string
	if d.ReplicationFactor > 1 && e.cfg.AutoReplicate {
		reqID, err := e.publishPinRequest(ctx, d)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("replication request failed: %v", err))
			e.log.Warn("Replication request failed", "deal", d.ID, "err", err)
		} else {
			replicationID = reqID
		}
	}

	// Merge into the freshest record: the deal may have been renewed or
	// terminated while the pin work ran.
	err := e.locks.WithLock(ctx, lockKey(d.ID), func() error {
		cur, err := e.load(ctx, d.ID)
		if err != nil {
			cur = d
		}
		if d.Erasure != nil {
			cur.Erasure = d.Erasure
		}
		if replicationID != "" {
			cur.ReplicationRequestID = replicationID
		}
		cur.Warnings = append(cur.Warnings, warnings...)
		return e.store.PutSigned(ctx, dealPath(d.ID), frozen.KindDeal, cur)
	})
	if err != nil {
		e.log.Warn("Pin result not persisted", "deal", d.ID, "err", err)
	}
}

// publishPinRequest writes a pending pin-request record that peer relays
// race to fulfil.
func (e *Engine) publishPinRequest(ctx context.Context, d *Deal) (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	req := pinRequest{
		ID:                "pin-" + hexutil.Encode(buf[:])[2:],
		CID:               d.CID,
		Requester:         e.store.Signer(),
		ReplicationFactor: d.ReplicationFactor,
		Priority:          priorityFor(d.Tier),
		Timestamp:         time.Now().UnixMilli(),
		Status:            "pending",
		DealID:            d.ID,
	}
	path := frozen.PathPinRequests + "/" + req.ID
	if err := e.store.PutSigned(ctx, path, frozen.KindPinRequest, req); err != nil {
		return "", err
	}
	return req.ID, nil
}

func priorityFor(tier Tier) string {
	if tier == TierEnterprise {
		return "high"
	}
	return "normal"
}

// Renew extends an active deal, charging the incremental price the same way
// activation does.
func (e *Engine) Renew(ctx context.Context, id string, additionalDays uint64) (*Deal, error) {
	if additionalDays == 0 {
		return nil, fmt.Errorf("%w: additionalDays must be positive", ErrInvalidDeal)
	}
	d, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusActive {
		return nil, fmt.Errorf("%w: status %s", ErrNotActive, d.Status)
	}
	quote, err := Price(d.SizeMB, additionalDays, d.Tier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDeal, err)
	}
	if err := e.checkAllowance(ctx, d.Client, quote.PriceUSDC); err != nil {
		return nil, err
	}
	err = e.locks.WithLock(ctx, lockKey(id), func() error {
		d.ExpiresAt += int64(additionalDays) * 24 * int64(time.Hour/time.Millisecond)
		d.DurationDays += additionalDays
		total := new(big.Int).Add((*big.Int)(d.PriceUSDC), quote.PriceUSDC)
		d.PriceUSDC = (*hexutil.Big)(total)
		return e.store.PutSigned(ctx, dealPath(id), frozen.KindDeal, d)
	})
	if err != nil {
		return nil, fmt.Errorf("deal: persist renewal: %w", err)
	}
	dealsRenewed.Inc(1)
	e.log.Info("Deal renewed", "deal", id, "additionalDays", additionalDays, "expiresAt", d.ExpiresAt)
	return d, nil
}

// Terminate ends a deal immediately. Content anchored to it must no longer
// be served through shared links.
func (e *Engine) Terminate(ctx context.Context, id string) (*Deal, error) {
	d, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusTerminated {
		return d, nil
	}
	err = e.locks.WithLock(ctx, lockKey(id), func() error {
		d.Status = StatusTerminated
		return e.store.PutSigned(ctx, dealPath(id), frozen.KindDeal, d)
	})
	if err != nil {
		return nil, fmt.Errorf("deal: persist termination: %w", err)
	}
	e.pending.Remove(id)
	if err := e.ipfs.Unpin(d.CID); err != nil {
		e.log.Warn("Unpin failed on termination", "deal", id, "cid", d.CID, "err", err)
	}
	dealsTerminated.Inc(1)
	e.rep.RecordDealTerminated(e.cfg.Host)
	e.log.Info("Deal terminated", "deal", id, "cid", d.CID)
	return d, nil
}

// Serveable reports whether content anchored to the deal may still be
// served. Shared links consult it before streaming.
func (e *Engine) Serveable(ctx context.Context, id string) bool {
	d, err := e.Get(ctx, id)
	if err != nil {
		return false
	}
	return d.Status == StatusActive
}

// localDeals enumerates this relay's deal records plus the pending cache.
func (e *Engine) localDeals(ctx context.Context) []*Deal {
	var out []*Deal
	seen := make(map[string]bool)
	records, err := e.store.MapOnce(ctx, frozen.PathDeals, 5*time.Second)
	if err != nil {
		e.log.Warn("Deal enumeration failed", "err", err)
	}
	for key, env := range records {
		var d Deal
		if err := env.Decode(frozen.KindDeal, e.store.Signer(), &d); err != nil {
			e.log.Warn("Skipping unverifiable deal record", "key", key, "err", err)
			continue
		}
		out = append(out, &d)
		seen[d.ID] = true
	}
	for _, d := range e.pending.Values() {
		if !seen[d.ID] {
			out = append(out, d)
		}
	}
	return out
}

// ByClient lists a client's deals with the on-chain registry as the source
// of truth, enriched from local records. On-chain deals with no local match
// come back as stubs flagged fromOnChainOnly.
func (e *Engine) ByClient(ctx context.Context, client common.Address) ([]*Deal, error) {
	onchain, err := e.chain.GetClientDeals(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("deal: client deals: %w", err)
	}
	local := e.localDeals(ctx)

	match := func(ocd chainrpc.OnChainDeal) *Deal {
		for _, d := range local {
			if d.OnChainDealID != 0 && d.OnChainDealID == ocd.OnChainID {
				return d
			}
		}
		for _, d := range local {
			if d.hash() == ocd.ID {
				return d
			}
		}
		for _, d := range local {
			if d.CID == ocd.CID && d.Client == ocd.Client {
				return d
			}
		}
		return nil
	}

	out := make([]*Deal, 0, len(onchain))
	for _, ocd := range onchain {
		if d := match(ocd); d != nil {
			out = append(out, d)
			continue
		}
		status := StatusActive
		if !ocd.Active {
			status = StatusTerminated
		}
		out = append(out, &Deal{
			ID:              ocd.ID.Hex(),
			CID:             ocd.CID,
			Client:          ocd.Client,
			SizeMB:          ocd.SizeMB,
			DurationDays:    ocd.DurationDays,
			PriceUSDC:       (*hexutil.Big)(ocd.PriceUSDC),
			Status:          status,
			OnChainDealID:   ocd.OnChainID,
			FromOnChainOnly: true,
		})
	}
	return out, nil
}

// ByCID lists local deals anchored to a CID.
func (e *Engine) ByCID(ctx context.Context, cid string) []*Deal {
	var out []*Deal
	for _, d := range e.localDeals(ctx) {
		if d.CID == cid {
			out = append(out, d)
		}
	}
	return out
}
