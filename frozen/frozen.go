// Package frozen reads and writes the relay's authored graph records.
// A frozen record is immutable by convention: an envelope carrying a tagged
// payload, the author address and an EIP-191 signature over the payload.
// Peers accept a record only when the signature matches the expected author,
// which is what lets relays share one eventually-consistent graph without
// trusting each other's writes.
package frozen

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/scobru/shogun-relay-sub014/graph"
)

// Record kinds. Every persisted payload carries exactly one of these; a
// reader that finds the wrong kind at a path treats the record as corrupt.
type Kind string

const (
	KindBalance    Kind = "balance"
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
	KindBatch      Kind = "batch"
	KindDeal       Kind = "deal"
	KindSharedLink Kind = "shared-link"
	KindReputation Kind = "reputation"
	KindPulse      Kind = "pulse"
	KindTransfer   Kind = "transfer"
	KindAudit      Kind = "audit"
	KindPinRequest Kind = "pin-request"
	KindAPIKey     Kind = "api-key"
)

// Well-known graph paths.
const (
	PathBalances           = "bridge/balances-index"
	PathProcessedDeposits  = "bridge/processed-deposits"
	PathPendingWithdrawals = "bridge/pending-withdrawals"
	PathBatches            = "bridge/batches"
	PathSharedLinks        = "shared-links"
	PathDeals              = "frozen-storage-deals"
	PathTransfers          = "shogun-index/bridge-transfers"
	PathRelays             = "relays"
	PathPinRequests        = "pin-requests"
	PathAPIKeys            = "auth/api-keys"
)

var (
	ErrNotFound     = errors.New("frozen: record not found")
	ErrBadSignature = errors.New("frozen: signature verification failed")
	ErrKindMismatch = errors.New("frozen: unexpected record kind")
)

// Envelope is the wire form of a frozen record.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Signer    common.Address  `json:"signer"`
	Signature hexutil.Bytes   `json:"signature"`
	Timestamp int64           `json:"timestamp"`
}

// digest binds kind, timestamp and payload bytes together before EIP-191
// wrapping.
func (e *Envelope) digest() []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.Timestamp))
	return crypto.Keccak256([]byte(e.Kind), ts[:], e.Payload)
}

// Verify checks the envelope signature against the expected author.
func (e *Envelope) Verify(expected common.Address) error {
	if e.Signer != expected {
		return fmt.Errorf("%w: record signer %s, want %s", ErrBadSignature, e.Signer.Hex(), expected.Hex())
	}
	recovered, err := RecoverSigner(e.digest(), e.Signature)
	if err != nil || recovered != expected {
		return ErrBadSignature
	}
	return nil
}

// Decode verifies the envelope and unmarshals its payload.
func (e *Envelope) Decode(kind Kind, expected common.Address, out any) error {
	if e.Kind != kind {
		return fmt.Errorf("%w: got %q, want %q", ErrKindMismatch, e.Kind, kind)
	}
	if err := e.Verify(expected); err != nil {
		return err
	}
	return json.Unmarshal(e.Payload, out)
}

// Config tunes the adapter's retry and timeout behavior. Zero fields take
// the defaults from DefaultConfig.
type Config struct {
	PutRetries  int
	PutBackoff  time.Duration
	PutTimeout  time.Duration
	ReadTimeout time.Duration
}

var DefaultConfig = Config{
	PutRetries:  3,
	PutBackoff:  500 * time.Millisecond,
	PutTimeout:  10 * time.Second,
	ReadTimeout: 5 * time.Second,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.PutRetries > 0 {
		d.PutRetries = c.PutRetries
	}
	if c.PutBackoff > 0 {
		d.PutBackoff = c.PutBackoff
	}
	if c.PutTimeout > 0 {
		d.PutTimeout = c.PutTimeout
	}
	if c.ReadTimeout > 0 {
		d.ReadTimeout = c.ReadTimeout
	}
	return d
}

// Adapter signs records with the relay key and pushes them into the graph
// store with bounded retries.
type Adapter struct {
	store graph.Store
	key   *ecdsa.PrivateKey
	addr  common.Address
	cfg   Config
	log   log.Logger
}

func NewAdapter(store graph.Store, key *ecdsa.PrivateKey, cfg Config) *Adapter {
	return &Adapter{
		store: store,
		key:   key,
		addr:  crypto.PubkeyToAddress(key.PublicKey),
		cfg:   cfg.withDefaults(),
		log:   log.New("component", "frozen"),
	}
}

// Signer returns the relay's author address.
func (a *Adapter) Signer() common.Address { return a.addr }

// Sign produces an EIP-191 signature by the relay key over data. The bridge
// uses it to co-sign batch roots for submission.
func (a *Adapter) Sign(data []byte) ([]byte, error) {
	return crypto.Sign(accounts.TextHash(data), a.key)
}

// PutSigned marshals payload, signs it and writes it under path. The write
// is retried on store errors; success means the store acknowledged.
func (a *Adapter) PutSigned(ctx context.Context, path string, kind Kind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("frozen: marshal %q: %w", path, err)
	}
	env := &Envelope{
		Kind:      kind,
		Payload:   raw,
		Signer:    a.addr,
		Timestamp: time.Now().UnixMilli(),
	}
	sig, err := crypto.Sign(accounts.TextHash(env.digest()), a.key)
	if err != nil {
		return fmt.Errorf("frozen: sign %q: %w", path, err)
	}
	env.Signature = sig
	blob, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("frozen: marshal envelope %q: %w", path, err)
	}

	var lastErr error
	for attempt := 0; attempt < a.cfg.PutRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.PutBackoff * time.Duration(attempt)):
			}
		}
		putCtx, cancel := context.WithTimeout(ctx, a.cfg.PutTimeout)
		lastErr = a.store.Put(putCtx, path, blob)
		cancel()
		if lastErr == nil {
			return nil
		}
		a.log.Warn("Graph write not acknowledged", "path", path, "attempt", attempt+1, "err", lastErr)
	}
	return fmt.Errorf("frozen: put %q exhausted %d attempts: %w", path, a.cfg.PutRetries, lastErr)
}

// GetVerified reads path, checks that the record is of the given kind and
// authored by expected, and decodes the payload into out. A read timeout is
// reported as ErrNotFound: an eventually-consistent store cannot distinguish
// "absent" from "not replicated yet".
func (a *Adapter) GetVerified(ctx context.Context, path string, kind Kind, expected common.Address, out any) error {
	readCtx, cancel := context.WithTimeout(ctx, a.cfg.ReadTimeout)
	defer cancel()
	blob, err := a.store.Get(readCtx, path)
	switch {
	case errors.Is(err, graph.ErrNotFound), errors.Is(err, context.DeadlineExceeded):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("frozen: get %q: %w", path, err)
	}
	var env Envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return fmt.Errorf("frozen: corrupt envelope at %q: %w", path, err)
	}
	return env.Decode(kind, expected, out)
}

// MapOnce enumerates the direct children of parent, decoding each into an
// Envelope. Children that fail to decode are skipped with a warning;
// signature checks are left to the caller, which knows the expected author
// per record.
func (a *Adapter) MapOnce(ctx context.Context, parent string, timeout time.Duration) (map[string]*Envelope, error) {
	mapCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	raw, err := a.store.Map(mapCtx, parent)
	if err != nil {
		return nil, fmt.Errorf("frozen: map %q: %w", parent, err)
	}
	out := make(map[string]*Envelope, len(raw))
	for key, blob := range raw {
		var env Envelope
		if err := json.Unmarshal(blob, &env); err != nil {
			a.log.Warn("Skipping corrupt graph record", "parent", parent, "key", key, "err", err)
			continue
		}
		out[key] = &env
	}
	return out, nil
}

// MapOnceRetry wraps MapOnce for startup cache rebuilds: an empty first pass
// is retried a bounded number of times because the store may not have
// replicated yet.
func (a *Adapter) MapOnceRetry(ctx context.Context, parent string, timeout time.Duration, attempts int, backoff time.Duration) (map[string]*Envelope, error) {
	var (
		out     map[string]*Envelope
		lastErr error
	)
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		out, lastErr = a.MapOnce(ctx, parent, timeout)
		if lastErr == nil && len(out) > 0 {
			return out, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return out, nil // genuinely empty
}

// Delete removes a record. Used for pending-withdrawal clearing and link
// revocation; failures are the caller's to log.
func (a *Adapter) Delete(ctx context.Context, path string) error {
	return a.store.Delete(ctx, path)
}
