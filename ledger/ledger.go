// Package ledger owns the bridge's per-user balances and withdrawal nonces.
// Every mutation runs inside a per-user critical section from the lock
// manager; reads are lock-free against the last committed value. Durability
// goes through the signed graph store, but the in-memory map is the value
// the rest of the relay trusts.
package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/scobru/shogun-relay-sub014/frozen"
	"github.com/scobru/shogun-relay-sub014/lock"
)

var (
	ErrInvalidAmount       = errors.New("ledger: amount must be non-negative")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrNonceTooLow         = errors.New("ledger: nonce too low")
	ErrSelfTransfer        = errors.New("ledger: transfer to self")
	ErrPersist             = errors.New("ledger: balance persisted in memory but graph write failed")
)

var (
	creditCounter   = metrics.NewRegisteredCounter("ledger/credits", nil)
	debitCounter    = metrics.NewRegisteredCounter("ledger/debits", nil)
	transferCounter = metrics.NewRegisteredCounter("ledger/transfers", nil)
)

// PendingNonceSource lets the ledger see nonces of withdrawals that are
// queued but not yet batched, so Nonce never hands out a colliding value.
// The bridge orchestrator implements this.
type PendingNonceSource interface {
	PendingNonce(user common.Address) uint64
}

// balanceRecord is the signed graph form of one user's ledger row.
type balanceRecord struct {
	User      common.Address `json:"user"`
	Balance   *hexutil.Big   `json:"balance"`
	Nonce     uint64         `json:"nonce"`
	Version   uint64         `json:"version"`
	UpdatedAt int64          `json:"updatedAt"`
	Reason    string         `json:"reason,omitempty"`
}

// TransferAuth carries the dual signatures a user-authored transfer needs.
type TransferAuth struct {
	Message   string
	WalletSig hexutil.Bytes
	GraphSig  hexutil.Bytes
	GraphPub  hexutil.Bytes
}

// TransferResult reports both post-transfer balances and the operation
// commitment.
type TransferResult struct {
	FromBalance *big.Int
	ToBalance   *big.Int
	Receipt     common.Hash
}

// Ledger is safe for concurrent use.
type Ledger struct {
	locks *lock.Manager
	store *frozen.Adapter

	mu       sync.RWMutex
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	versions map[common.Address]uint64

	pending PendingNonceSource
	log     log.Logger
}

func New(locks *lock.Manager, store *frozen.Adapter) *Ledger {
	return &Ledger{
		locks:    locks,
		store:    store,
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		versions: make(map[common.Address]uint64),
		log:      log.New("component", "ledger"),
	}
}

// SetPendingNonceSource wires the bridge's queued-withdrawal view in after
// construction; the bridge depends on the ledger, not the other way around.
func (l *Ledger) SetPendingNonceSource(src PendingNonceSource) {
	l.mu.Lock()
	l.pending = src
	l.mu.Unlock()
}

// LockKey is the lock-manager key for a user. Lowercase so that the same
// address always serializes on the same key.
func LockKey(user common.Address) string {
	return "ledger/" + strings.ToLower(user.Hex())
}

func balancePath(user common.Address) string {
	return frozen.PathBalances + "/" + strings.ToLower(user.Hex())
}

// Balance returns the last committed balance. Never nil.
func (l *Ledger) Balance(user common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.balances[user]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// LastNonce returns the highest accepted debit nonce for user.
func (l *Ledger) LastNonce(user common.Address) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nonces[user]
}

// Nonce returns the effective last nonce: the maximum of the committed
// nonce map and any pending withdrawal nonce, so a client asking for "next"
// never collides with a queued-but-unbatched withdrawal.
func (l *Ledger) Nonce(user common.Address) uint64 {
	l.mu.RLock()
	last := l.nonces[user]
	pending := l.pending
	l.mu.RUnlock()
	if pending != nil {
		if p := pending.PendingNonce(user); p > last {
			last = p
		}
	}
	return last
}

// Credit adds amount to the user's balance and persists the new row.
// amount zero is a successful no-op. If the graph write fails the memory
// commit stands and the returned error wraps ErrPersist, which deposit
// ingestion treats as "durability unconfirmed".
func (l *Ledger) Credit(ctx context.Context, user common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	var newBalance *big.Int
	var persistErr error
	err := l.locks.WithLock(ctx, LockKey(user), func() error {
		l.mu.Lock()
		cur, ok := l.balances[user]
		if !ok {
			cur = new(big.Int)
		}
		newBalance = new(big.Int).Add(cur, amount)
		l.balances[user] = newBalance
		l.versions[user]++
		rec := l.recordLocked(user, "credit")
		l.mu.Unlock()

		if amount.Sign() == 0 {
			return nil
		}
		creditCounter.Inc(1)
		persistErr = l.persist(ctx, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if persistErr != nil {
		l.log.Warn("Credit not durable in graph", "user", user, "amount", amount, "err", persistErr)
		return new(big.Int).Set(newBalance), fmt.Errorf("%w: %v", ErrPersist, persistErr)
	}
	return new(big.Int).Set(newBalance), nil
}

// Debit subtracts amount under the user's lock, enforcing balance
// sufficiency and strict nonce progression, and returns the operation
// receipt. Ledger refusals are never retried here; they surface verbatim.
func (l *Ledger) Debit(ctx context.Context, user common.Address, amount *big.Int, nonce uint64) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, ErrInvalidAmount
	}
	var receipt common.Hash
	err := l.locks.WithLock(ctx, LockKey(user), func() error {
		l.mu.Lock()
		cur, ok := l.balances[user]
		if !ok {
			cur = new(big.Int)
		}
		if cur.Cmp(amount) < 0 {
			l.mu.Unlock()
			return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, cur, amount)
		}
		last := l.nonces[user]
		if nonce <= last {
			l.mu.Unlock()
			return fmt.Errorf("%w: got %d, expected > %d", ErrNonceTooLow, nonce, last)
		}
		newBalance := new(big.Int).Sub(cur, amount)
		receipt = debitReceipt(user, amount, nonce, newBalance)
		l.balances[user] = newBalance
		l.nonces[user] = nonce
		l.versions[user]++
		rec := l.recordLocked(user, "debit")
		l.mu.Unlock()

		debitCounter.Inc(1)
		if perr := l.persist(ctx, rec); perr != nil {
			// The nonce has advanced; rolling back would re-open replay.
			// Reconciliation repairs the graph from memory.
			l.log.Warn("Debit not durable in graph", "user", user, "nonce", nonce, "err", perr)
		}
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return receipt, nil
}

// Transfer moves amount between two users atomically with respect to every
// other ledger operation. Both locks are taken in canonical order; graph
// persistence happens after the memory commit, outside the critical
// section.
func (l *Ledger) Transfer(ctx context.Context, from, to common.Address, amount *big.Int, auth TransferAuth) (TransferResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return TransferResult{}, ErrInvalidAmount
	}
	if from == to {
		return TransferResult{}, ErrSelfTransfer
	}
	if err := frozen.VerifyDualSignature(auth.Message, auth.WalletSig, auth.GraphSig, auth.GraphPub, from); err != nil {
		return TransferResult{}, err
	}

	var (
		res     TransferResult
		fromRec balanceRecord
		toRec   balanceRecord
	)
	err := l.locks.WithLocks(ctx, []string{LockKey(from), LockKey(to)}, func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		curFrom, ok := l.balances[from]
		if !ok {
			curFrom = new(big.Int)
		}
		if curFrom.Cmp(amount) < 0 {
			return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, curFrom, amount)
		}
		curTo, ok := l.balances[to]
		if !ok {
			curTo = new(big.Int)
		}
		newFrom := new(big.Int).Sub(curFrom, amount)
		newTo := new(big.Int).Add(curTo, amount)
		l.balances[from] = newFrom
		l.balances[to] = newTo
		l.versions[from]++
		l.versions[to]++
		fromRec = l.recordLocked(from, "transfer-out")
		toRec = l.recordLocked(to, "transfer-in")
		res = TransferResult{
			FromBalance: new(big.Int).Set(newFrom),
			ToBalance:   new(big.Int).Set(newTo),
			Receipt:     transferReceipt(from, to, amount, fromRec.Version),
		}
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	transferCounter.Inc(1)

	for _, rec := range []balanceRecord{fromRec, toRec} {
		if perr := l.persist(ctx, rec); perr != nil {
			l.log.Warn("Transfer leg not durable in graph", "user", rec.User, "err", perr)
		}
	}
	pointer := map[string]string{
		"from":    strings.ToLower(from.Hex()),
		"to":      strings.ToLower(to.Hex()),
		"amount":  amount.String(),
		"receipt": res.Receipt.Hex(),
	}
	path := frozen.PathTransfers + "/" + res.Receipt.Hex()
	if perr := l.store.PutSigned(ctx, path, frozen.KindTransfer, pointer); perr != nil {
		l.log.Warn("Transfer index not durable in graph", "receipt", res.Receipt, "err", perr)
	}
	return res, nil
}

// ForceBalance overwrites a user's balance outside the normal credit/debit
// flow. Only reconciliation and the admin resync call this; reason is
// recorded on the audit row.
func (l *Ledger) ForceBalance(ctx context.Context, user common.Address, balance *big.Int, reason string) error {
	if balance == nil || balance.Sign() < 0 {
		return ErrInvalidAmount
	}
	return l.locks.WithLock(ctx, LockKey(user), func() error {
		l.mu.Lock()
		l.balances[user] = new(big.Int).Set(balance)
		l.versions[user]++
		rec := l.recordLocked(user, reason)
		l.mu.Unlock()
		if perr := l.persist(ctx, rec); perr != nil {
			return fmt.Errorf("%w: %v", ErrPersist, perr)
		}
		return nil
	})
}

// Load rebuilds the balance and nonce maps from the graph store. Called once
// at startup before the relay serves traffic; existing state is only
// replaced when a row decodes and verifies.
func (l *Ledger) Load(ctx context.Context) error {
	children, err := l.store.MapOnceRetry(ctx, frozen.PathBalances, 5*time.Second, 3, 2*time.Second)
	if err != nil {
		return fmt.Errorf("ledger: load balances: %w", err)
	}
	loaded := 0
	for key, env := range children {
		var rec balanceRecord
		if err := env.Decode(frozen.KindBalance, l.store.Signer(), &rec); err != nil {
			l.log.Warn("Skipping unverifiable balance row", "key", key, "err", err)
			continue
		}
		l.mu.Lock()
		l.balances[rec.User] = (*big.Int)(rec.Balance)
		l.nonces[rec.User] = rec.Nonce
		l.versions[rec.User] = rec.Version
		l.mu.Unlock()
		loaded++
	}
	l.log.Info("Ledger state rebuilt from graph", "rows", loaded)
	return nil
}

// recordLocked snapshots the current row for persistence. Caller holds l.mu.
func (l *Ledger) recordLocked(user common.Address, reason string) balanceRecord {
	bal := l.balances[user]
	if bal == nil {
		bal = new(big.Int)
	}
	return balanceRecord{
		User:      user,
		Balance:   (*hexutil.Big)(new(big.Int).Set(bal)),
		Nonce:     l.nonces[user],
		Version:   l.versions[user],
		UpdatedAt: time.Now().UnixMilli(),
		Reason:    reason,
	}
}

func (l *Ledger) persist(ctx context.Context, rec balanceRecord) error {
	return l.store.PutSigned(ctx, balancePath(rec.User), frozen.KindBalance, rec)
}

// debitReceipt is the content-addressed commitment of a debit.
func debitReceipt(user common.Address, amount *big.Int, nonce uint64, newBalance *big.Int) common.Hash {
	var nb [16]byte
	binary.BigEndian.PutUint64(nb[:8], nonce)
	binary.BigEndian.PutUint64(nb[8:], uint64(time.Now().UnixMilli()))
	var amt, bal [32]byte
	amount.FillBytes(amt[:])
	newBalance.FillBytes(bal[:])
	return crypto.Keccak256Hash(user.Bytes(), amt[:], nb[:8], bal[:], nb[8:])
}

func transferReceipt(from, to common.Address, amount *big.Int, version uint64) common.Hash {
	var amt [32]byte
	amount.FillBytes(amt[:])
	var ver [8]byte
	binary.BigEndian.PutUint64(ver[:], version)
	return crypto.Keccak256Hash(from.Bytes(), to.Bytes(), amt[:], ver[:])
}
