// Package bridge orchestrates the off-chain side of the L2 settlement
// bridge: it replays on-chain deposits into the ledger, accepts and queues
// user withdrawals, folds the queue into Merkle-rooted batches submitted to
// the settlement contract, and serves client-verifiable inclusion proofs.
package bridge

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/scobru/shogun-relay-sub014/chainrpc"
	"github.com/scobru/shogun-relay-sub014/frozen"
	"github.com/scobru/shogun-relay-sub014/ledger"
	"github.com/scobru/shogun-relay-sub014/lock"
	"github.com/scobru/shogun-relay-sub014/merkle"
)

var (
	ErrReplay          = errors.New("bridge: withdrawal already processed on-chain")
	ErrInvalidRequest  = errors.New("bridge: invalid withdrawal request")
	ErrAmountCap       = errors.New("bridge: amount exceeds withdrawal cap")
	ErrQueueAfterDebit = errors.New("bridge: balance debited but queueing failed")
	ErrBatchEmpty      = errors.New("bridge: no pending withdrawals")
	ErrBatchInFlight   = errors.New("bridge: a batch submission is already in flight")
)

var (
	depositsCredited  = metrics.NewRegisteredCounter("bridge/deposits/credited", nil)
	depositsSkipped   = metrics.NewRegisteredCounter("bridge/deposits/skipped", nil)
	withdrawalsQueued = metrics.NewRegisteredCounter("bridge/withdrawals/queued", nil)
	batchesSubmitted  = metrics.NewRegisteredCounter("bridge/batches/submitted", nil)
	batchesFailed     = metrics.NewRegisteredCounter("bridge/batches/failed", nil)
	proofsServed      = metrics.NewRegisteredCounter("bridge/proofs/served", nil)
	proofTimer        = metrics.NewRegisteredTimer("bridge/proofs/duration", nil)
)

// ChainClient is the narrow settlement-contract surface the bridge needs.
// *chainrpc.Client implements it; tests substitute a stub.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID() *big.Int
	GetCurrentStateRoot(ctx context.Context) (common.Hash, error)
	GetCurrentBatchID(ctx context.Context) (uint64, error)
	GetBatchInfo(ctx context.Context, id uint64) (chainrpc.BatchInfo, error)
	Sequencer(ctx context.Context) (common.Address, error)
	ContractBalance(ctx context.Context) (*big.Int, error)
	IsWithdrawalProcessed(ctx context.Context, user common.Address, amount *big.Int, nonce uint64) (bool, error)
	QueryDeposits(ctx context.Context, fromBlock, toBlock uint64, user *common.Address) ([]chainrpc.DepositEvent, error)
	QueryWithdrawals(ctx context.Context, fromBlock, toBlock uint64, user *common.Address) ([]chainrpc.WithdrawalEvent, error)
	SubmitBatch(ctx context.Context, root common.Hash, withdrawals []chainrpc.BatchWithdrawal, signatures [][]byte) (chainrpc.SubmitResult, error)
}

// Reputation receives the bridge's service-quality events.
type Reputation interface {
	RecordBatchSuccess(host string, withdrawalCount int)
	RecordBatchFailure(host string)
	RecordProofSuccess(host string, elapsed time.Duration)
	RecordProofFailure(host string)
}

// Config tunes the orchestrator.
type Config struct {
	Host                  string        // this relay's identity for reputation events
	BatchInterval         time.Duration // periodic builder cadence
	WithdrawalCap         *big.Int      // hard per-withdrawal cap in wei
	CreditConfirmAttempts int
	CreditConfirmBackoff  time.Duration
	RPCTimeout            time.Duration
}

var DefaultConfig = Config{
	BatchInterval:         5 * time.Minute,
	WithdrawalCap:         new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)),
	CreditConfirmAttempts: 5,
	CreditConfirmBackoff:  200 * time.Millisecond,
	RPCTimeout:            15 * time.Second,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.Host != "" {
		d.Host = c.Host
	}
	if c.BatchInterval > 0 {
		d.BatchInterval = c.BatchInterval
	}
	if c.WithdrawalCap != nil {
		d.WithdrawalCap = c.WithdrawalCap
	}
	if c.CreditConfirmAttempts > 0 {
		d.CreditConfirmAttempts = c.CreditConfirmAttempts
	}
	if c.CreditConfirmBackoff > 0 {
		d.CreditConfirmBackoff = c.CreditConfirmBackoff
	}
	if c.RPCTimeout > 0 {
		d.RPCTimeout = c.RPCTimeout
	}
	return d
}

// Withdrawal is a debited, not-yet-settled withdrawal. Immutable once
// queued; it leaves the pending set exactly once, when a batch containing
// it finalizes.
type Withdrawal struct {
	User      common.Address `json:"user"`
	Amount    *hexutil.Big   `json:"amount"`
	Nonce     uint64         `json:"nonce"`
	Timestamp int64          `json:"timestamp"`
	Receipt   common.Hash    `json:"receipt"`
}

// Leaf returns the withdrawal's Merkle leaf.
func (w *Withdrawal) Leaf() common.Hash {
	return merkle.Leaf(w.User, (*big.Int)(w.Amount), w.Nonce)
}

// Batch is an immutable, on-chain-committed withdrawal set.
type Batch struct {
	ID          uint64       `json:"batchId"`
	Root        common.Hash  `json:"root"`
	Withdrawals []Withdrawal `json:"withdrawals"`
	Timestamp   int64        `json:"timestamp"`
	TxHash      common.Hash  `json:"submitTxHash"`
	BlockNumber uint64       `json:"blockNumber"`
}

// depositRecord is the graph form of a processed deposit.
type depositRecord struct {
	TxHash      common.Hash    `json:"txHash"`
	User        common.Address `json:"user"`
	Amount      *hexutil.Big   `json:"amount"`
	BlockNumber uint64         `json:"blockNumber"`
	Timestamp   int64          `json:"timestamp"`
}

// Bridge is safe for concurrent use.
type Bridge struct {
	cfg    Config
	ledger *ledger.Ledger
	store  *frozen.Adapter
	chain  ChainClient
	rep    Reputation
	locks  *lock.Manager

	processed mapset.Set[string] // txHash:user:amount idempotency keys

	pendMu  sync.Mutex
	pending map[common.Hash]Withdrawal // receipt -> withdrawal

	batchMu sync.Mutex // single-flight guard for the builder

	log log.Logger
}

func New(cfg Config, led *ledger.Ledger, store *frozen.Adapter, chain ChainClient, rep Reputation, locks *lock.Manager) *Bridge {
	b := &Bridge{
		cfg:       cfg.withDefaults(),
		ledger:    led,
		store:     store,
		chain:     chain,
		rep:       rep,
		locks:     locks,
		processed: mapset.NewSet[string](),
		pending:   make(map[common.Hash]Withdrawal),
		log:       log.New("component", "bridge"),
	}
	led.SetPendingNonceSource(b)
	return b
}

// PendingNonce reports the highest queued withdrawal nonce for user, so the
// ledger never hands out a colliding next nonce.
func (b *Bridge) PendingNonce(user common.Address) uint64 {
	b.pendMu.Lock()
	defer b.pendMu.Unlock()
	var max uint64
	for _, w := range b.pending {
		if w.User == user && w.Nonce > max {
			max = w.Nonce
		}
	}
	return max
}

// PendingWithdrawals returns the queue in canonical batch order.
func (b *Bridge) PendingWithdrawals() []Withdrawal {
	b.pendMu.Lock()
	out := make([]Withdrawal, 0, len(b.pending))
	for _, w := range b.pending {
		out = append(out, w)
	}
	b.pendMu.Unlock()
	sortWithdrawals(out)
	return out
}

// sortWithdrawals applies the canonical (lowercase user, nonce) order that
// both the builder and the contract use.
func sortWithdrawals(ws []Withdrawal) {
	sort.Slice(ws, func(i, j int) bool {
		ui := strings.ToLower(ws[i].User.Hex())
		uj := strings.ToLower(ws[j].User.Hex())
		if ui != uj {
			return ui < uj
		}
		return ws[i].Nonce < ws[j].Nonce
	})
}

func pendingPath(receipt common.Hash) string {
	return frozen.PathPendingWithdrawals + "/" + receipt.Hex()
}

func depositKey(txHash common.Hash, user common.Address, amount *big.Int) string {
	return txHash.Hex() + ":" + strings.ToLower(user.Hex()) + ":" + amount.String()
}

// Load rebuilds the pending queue and the processed-deposit set from the
// graph. Runs once at startup; an empty first read is retried because the
// store may still be replicating.
func (b *Bridge) Load(ctx context.Context) error {
	pend, err := b.store.MapOnceRetry(ctx, frozen.PathPendingWithdrawals, 5*time.Second, 3, 2*time.Second)
	if err != nil {
		return err
	}
	restored := 0
	b.pendMu.Lock()
	for key, env := range pend {
		var w Withdrawal
		if err := env.Decode(frozen.KindWithdrawal, b.store.Signer(), &w); err != nil {
			b.log.Warn("Skipping unverifiable pending withdrawal", "key", key, "err", err)
			continue
		}
		b.pending[w.Receipt] = w
		restored++
	}
	b.pendMu.Unlock()

	deps, err := b.store.MapOnceRetry(ctx, frozen.PathProcessedDeposits, 5*time.Second, 3, 2*time.Second)
	if err != nil {
		return err
	}
	for key, env := range deps {
		var rec depositRecord
		if err := env.Decode(frozen.KindDeposit, b.store.Signer(), &rec); err != nil {
			b.log.Warn("Skipping unverifiable deposit record", "key", key, "err", err)
			continue
		}
		b.processed.Add(depositKey(rec.TxHash, rec.User, (*big.Int)(rec.Amount)))
	}
	b.log.Info("Bridge state rebuilt from graph", "pendingWithdrawals", restored, "processedDeposits", b.processed.Cardinality())
	return nil
}

// Start runs the periodic batch builder until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.BatchInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := b.SubmitPendingBatch(ctx); err != nil &&
					!errors.Is(err, ErrBatchEmpty) && !errors.Is(err, ErrBatchInFlight) {
					b.log.Warn("Periodic batch submission failed", "err", err)
				}
			}
		}
	}()
}
