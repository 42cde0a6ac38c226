// Package authgate guards the HTTP surface: a hashed admin token, durable
// user API keys, a per-IP failure window and a duplicate-request guard for
// mutating endpoints.
package authgate

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/scobru/shogun-relay-sub014/frozen"
)

const apiKeyPrefix = "shogun-api-"

var (
	ErrUnauthorized = errors.New("authgate: invalid credentials")
	ErrRateLimited  = errors.New("authgate: too many failed attempts")
	ErrKeyExpired   = errors.New("authgate: api key expired")
)

var (
	authFailures = metrics.NewRegisteredCounter("authgate/failures", nil)
	authBlocked  = metrics.NewRegisteredCounter("authgate/blocked", nil)
	keysIssued   = metrics.NewRegisteredCounter("authgate/keys/issued", nil)
)

// Config tunes the gate.
type Config struct {
	AdminToken    string
	FailureLimit  int
	FailureWindow time.Duration
	DefaultKeyTTL time.Duration // zero means keys never expire
}

var DefaultConfig = Config{
	FailureLimit:  5,
	FailureWindow: 60 * time.Second,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	d.AdminToken = c.AdminToken
	d.DefaultKeyTTL = c.DefaultKeyTTL
	if c.FailureLimit > 0 {
		d.FailureLimit = c.FailureLimit
	}
	if c.FailureWindow > 0 {
		d.FailureWindow = c.FailureWindow
	}
	return d
}

// apiKeyRecord is the durable form of an issued key. Only the SHA-256 of
// the raw key is ever stored.
type apiKeyRecord struct {
	Hash      string `json:"hash"`
	Owner     string `json:"owner"`
	Label     string `json:"label,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// Gate is safe for concurrent use.
type Gate struct {
	cfg       Config
	store     *frozen.Adapter
	adminHash []byte // sha256 of the configured admin token, fixed at startup

	keyMu sync.RWMutex
	keys  map[string]*apiKeyRecord // sha256 hex -> record

	failMu   sync.Mutex
	failures map[string][]time.Time // ip -> recent failure times

	log log.Logger
}

// New hashes the admin token once; the raw secret is not retained.
func New(cfg Config, store *frozen.Adapter) *Gate {
	cfg = cfg.withDefaults()
	g := &Gate{
		cfg:      cfg,
		store:    store,
		keys:     make(map[string]*apiKeyRecord),
		failures: make(map[string][]time.Time),
		log:      log.New("component", "authgate"),
	}
	if cfg.AdminToken != "" {
		sum := sha256.Sum256([]byte(cfg.AdminToken))
		g.adminHash = sum[:]
	}
	return g
}

func hashToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// HashedAdminToken returns the hex form of the admin token hash, for the
// health surface.
func (g *Gate) HashedAdminToken() string {
	return hex.EncodeToString(g.adminHash)
}

// IsAPIKey reports whether a credential has the user API key shape.
func IsAPIKey(token string) bool { return strings.HasPrefix(token, apiKeyPrefix) }

// ExtractToken picks the credential out of the request headers. A Bearer
// authorization always wins over the custom token header.
func ExtractToken(authorization, tokenHeader string) string {
	if after, ok := strings.CutPrefix(authorization, "Bearer "); ok && after != "" {
		return after
	}
	return tokenHeader
}

// recordFailure appends a failed attempt and reports whether the IP is now
// over the limit.
func (g *Gate) recordFailure(ip string, now time.Time) {
	g.failMu.Lock()
	defer g.failMu.Unlock()
	g.failures[ip] = append(g.pruneLocked(ip, now), now)
	authFailures.Inc(1)
}

func (g *Gate) pruneLocked(ip string, now time.Time) []time.Time {
	cutoff := now.Add(-g.cfg.FailureWindow)
	recent := g.failures[ip][:0]
	for _, ts := range g.failures[ip] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	if len(recent) == 0 {
		delete(g.failures, ip)
		return nil
	}
	g.failures[ip] = recent
	return recent
}

// blocked reports whether the IP has exhausted its failure budget.
func (g *Gate) blocked(ip string, now time.Time) bool {
	g.failMu.Lock()
	defer g.failMu.Unlock()
	return len(g.pruneLocked(ip, now)) >= g.cfg.FailureLimit
}

// VerifyAdmin checks an admin token from the given IP. While the IP is
// inside the failure window every attempt fails immediately, valid or not.
func (g *Gate) VerifyAdmin(token, ip string) error {
	now := time.Now()
	if g.blocked(ip, now) {
		authBlocked.Inc(1)
		return ErrRateLimited
	}
	if len(g.adminHash) == 0 || token == "" {
		g.recordFailure(ip, now)
		return ErrUnauthorized
	}
	given := hashToken(token)
	// Hashes are equal length, so the comparison is constant-time over the
	// full digest.
	if subtle.ConstantTimeCompare(given, g.adminHash) != 1 {
		g.recordFailure(ip, now)
		return ErrUnauthorized
	}
	return nil
}

// IssueKey mints a new API key for owner. The raw key is returned exactly
// once; only its hash survives.
func (g *Gate) IssueKey(ctx context.Context, owner, label string, ttl time.Duration) (string, error) {
	var buf [24]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("authgate: entropy: %w", err)
	}
	raw := apiKeyPrefix + hex.EncodeToString(buf[:])
	if ttl == 0 {
		ttl = g.cfg.DefaultKeyTTL
	}
	rec := &apiKeyRecord{
		Hash:      hex.EncodeToString(hashToken(raw)),
		Owner:     strings.ToLower(owner),
		Label:     label,
		CreatedAt: time.Now().UnixMilli(),
	}
	if ttl > 0 {
		rec.ExpiresAt = time.Now().Add(ttl).UnixMilli()
	}
	if g.store != nil {
		path := frozen.PathAPIKeys + "/" + rec.Hash
		if err := g.store.PutSigned(ctx, path, frozen.KindAPIKey, rec); err != nil {
			return "", fmt.Errorf("authgate: persist key: %w", err)
		}
	}
	g.keyMu.Lock()
	g.keys[rec.Hash] = rec
	g.keyMu.Unlock()
	keysIssued.Inc(1)
	g.log.Info("API key issued", "owner", rec.Owner, "label", label, "expires", rec.ExpiresAt)
	return raw, nil
}

// VerifyKey checks a raw API key from the given IP and returns its owner.
// Lookup enumerates the stored hashes with a constant-time compare each.
func (g *Gate) VerifyKey(raw, ip string) (string, error) {
	now := time.Now()
	if g.blocked(ip, now) {
		authBlocked.Inc(1)
		return "", ErrRateLimited
	}
	if !strings.HasPrefix(raw, apiKeyPrefix) {
		g.recordFailure(ip, now)
		return "", ErrUnauthorized
	}
	given := []byte(hex.EncodeToString(hashToken(raw)))

	g.keyMu.RLock()
	var match *apiKeyRecord
	for hash, rec := range g.keys {
		if subtle.ConstantTimeCompare(given, []byte(hash)) == 1 {
			match = rec
		}
	}
	g.keyMu.RUnlock()

	if match == nil {
		g.recordFailure(ip, now)
		return "", ErrUnauthorized
	}
	if match.ExpiresAt > 0 && now.UnixMilli() > match.ExpiresAt {
		g.recordFailure(ip, now)
		return "", ErrKeyExpired
	}
	return match.Owner, nil
}

// RevokeKey forgets a key by its raw form or its stored hash.
func (g *Gate) RevokeKey(ctx context.Context, rawOrHash string) error {
	hash := rawOrHash
	if strings.HasPrefix(rawOrHash, apiKeyPrefix) {
		hash = hex.EncodeToString(hashToken(rawOrHash))
	}
	g.keyMu.Lock()
	_, ok := g.keys[hash]
	delete(g.keys, hash)
	g.keyMu.Unlock()
	if !ok {
		return ErrUnauthorized
	}
	if g.store != nil {
		if err := g.store.Delete(ctx, frozen.PathAPIKeys+"/"+hash); err != nil {
			g.log.Warn("Key record not deleted", "err", err)
		}
	}
	return nil
}

// Load restores issued keys from the graph at startup.
func (g *Gate) Load(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	records, err := g.store.MapOnceRetry(ctx, frozen.PathAPIKeys, 5*time.Second, 3, 2*time.Second)
	if err != nil {
		return err
	}
	restored := 0
	g.keyMu.Lock()
	for key, env := range records {
		var rec apiKeyRecord
		if err := env.Decode(frozen.KindAPIKey, g.store.Signer(), &rec); err != nil {
			g.log.Warn("Skipping unverifiable key record", "key", key, "err", err)
			continue
		}
		g.keys[rec.Hash] = &rec
		restored++
	}
	g.keyMu.Unlock()
	g.log.Info("API keys restored", "count", restored)
	return nil
}
