// Package sharelink issues and serves tokenized download links for stored
// files: password gating, expiry, bounded download counts and revocation,
// with the link records replicated through the graph store.
package sharelink

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/crypto/pbkdf2"

	"github.com/scobru/shogun-relay-sub014/frozen"
	"github.com/scobru/shogun-relay-sub014/lock"
)

var (
	ErrUnknownToken     = errors.New("sharelink: unknown token")
	ErrExpired          = errors.New("sharelink: link expired")
	ErrExhausted        = errors.New("sharelink: download limit reached")
	ErrPasswordRequired = errors.New("sharelink: password required")
	ErrWrongPassword    = errors.New("sharelink: wrong password")
	ErrForbidden        = errors.New("sharelink: not the link owner")
	ErrNoContent        = errors.New("sharelink: no content source available")
	ErrUnresolved       = errors.New("sharelink: file not found")
	ErrDealClosed       = errors.New("sharelink: backing deal no longer serves content")
)

var (
	linksCreated  = metrics.NewRegisteredCounter("sharelink/created", nil)
	linksAccessed = metrics.NewRegisteredCounter("sharelink/accessed", nil)
	linksRevoked  = metrics.NewRegisteredCounter("sharelink/revoked", nil)
	linksExpired  = metrics.NewRegisteredCounter("sharelink/expired", nil)
)

// Fixed KDF salt, kept for record compatibility across relays. Equal
// passwords therefore produce equal hashes; link passwords are a soft gate,
// not a vault.
var kdfSalt = []byte("shogun-sharelink-kdf-v1")

const kdfIterations = 10000

func hashPassword(password string) string {
	return hex.EncodeToString(pbkdf2.Key([]byte(password), kdfSalt, kdfIterations, 32, sha256.New))
}

// FileInfo is what a resolver knows about a shareable file.
type FileInfo struct {
	ID        string
	Name      string
	Mime      string
	Size      int64
	LocalPath string
	CID       string
	DealID    string
}

// Resolver locates a file by id. Resolvers are tried in order until one
// answers; ErrUnresolved means try the next.
type Resolver interface {
	Resolve(ctx context.Context, fileID string) (FileInfo, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, fileID string) (FileInfo, error)

func (f ResolverFunc) Resolve(ctx context.Context, fileID string) (FileInfo, error) {
	return f(ctx, fileID)
}

// Chain tries each resolver in order.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, fileID string) (FileInfo, error) {
	for _, r := range c {
		info, err := r.Resolve(ctx, fileID)
		if errors.Is(err, ErrUnresolved) {
			continue
		}
		return info, err
	}
	return FileInfo{}, ErrUnresolved
}

// DiskResolver serves files straight off a directory, the last-resort
// fallback when no manager record exists.
type DiskResolver struct {
	Root string
}

func (d DiskResolver) Resolve(ctx context.Context, fileID string) (FileInfo, error) {
	clean := filepath.Clean(fileID)
	if strings.Contains(clean, "..") || filepath.IsAbs(clean) {
		return FileInfo{}, ErrUnresolved
	}
	path := filepath.Join(d.Root, clean)
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return FileInfo{}, ErrUnresolved
	}
	return FileInfo{
		ID:        fileID,
		Name:      filepath.Base(path),
		Size:      st.Size(),
		LocalPath: path,
	}, nil
}

// DealGate answers whether a deal's content may still be served. The deal
// engine implements it; a nil gate serves everything.
type DealGate interface {
	Serveable(ctx context.Context, dealID string) bool
}

// Link is the persisted shared-link record.
type Link struct {
	Token         string `json:"token"`
	FileID        string `json:"fileId"`
	FileName      string `json:"fileName"`
	FileSize      int64  `json:"fileSize"`
	FileMime      string `json:"fileMime,omitempty"`
	LocalPath     string `json:"localPath,omitempty"`
	CID           string `json:"cid,omitempty"`
	DealID        string `json:"dealId,omitempty"`
	PasswordHash  string `json:"passwordHash,omitempty"`
	Description   string `json:"description,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	ExpiresAt     int64  `json:"expiresAt,omitempty"`
	MaxDownloads  int    `json:"maxDownloads,omitempty"`
	DownloadCount int    `json:"downloadCount"`
	Exhausted     bool   `json:"exhausted,omitempty"`
	CreatedBy     string `json:"createdBy,omitempty"`
}

func (l *Link) expired(now int64) bool {
	return l.ExpiresAt > 0 && now > l.ExpiresAt
}

// Status is the lifecycle label reported on the info surface.
func (l *Link) Status() string {
	switch {
	case l.Exhausted:
		return "exhausted"
	case l.expired(time.Now().UnixMilli()):
		return "expired"
	default:
		return "active"
	}
}

// Info is the public view of a link: no password hash, no file id.
type Info struct {
	Token         string `json:"token"`
	FileName      string `json:"fileName"`
	FileSize      int64  `json:"fileSize"`
	FileMime      string `json:"fileMime,omitempty"`
	Description   string `json:"description,omitempty"`
	Protected     bool   `json:"protected"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"createdAt"`
	ExpiresAt     int64  `json:"expiresAt,omitempty"`
	MaxDownloads  int    `json:"maxDownloads,omitempty"`
	DownloadCount int    `json:"downloadCount"`
}

// Source tells the HTTP layer how to deliver the bytes.
type Source int

const (
	SourceLocal    Source = iota // stream LocalPath off disk
	SourceGateway                // 302 to RedirectURL
)

// AccessResult is a granted download.
type AccessResult struct {
	Source      Source
	LocalPath   string
	RedirectURL string
	FileName    string
	FileMime    string
	FileSize    int64
}

// Config tunes the service.
type Config struct {
	GatewayURL      string // IPFS gateway base, e.g. https://ipfs.io/ipfs
	CleanupInterval time.Duration
	CleanupMinGap   time.Duration
}

var DefaultConfig = Config{
	GatewayURL:      "https://ipfs.io/ipfs",
	CleanupInterval: 5 * time.Minute,
	CleanupMinGap:   60 * time.Second,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.GatewayURL != "" {
		d.GatewayURL = c.GatewayURL
	}
	if c.CleanupInterval > 0 {
		d.CleanupInterval = c.CleanupInterval
	}
	if c.CleanupMinGap > 0 {
		d.CleanupMinGap = c.CleanupMinGap
	}
	return d
}

// Service owns the live token map. Safe for concurrent use.
type Service struct {
	cfg      Config
	store    *frozen.Adapter
	locks    *lock.Manager
	resolver Resolver
	gate     DealGate

	mu    sync.Mutex
	links map[string]*Link

	cleanupMu   sync.Mutex
	lastCleanup time.Time

	log log.Logger
}

func New(cfg Config, store *frozen.Adapter, locks *lock.Manager, resolver Resolver, gate DealGate) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		locks:    locks,
		resolver: resolver,
		gate:     gate,
		links:    make(map[string]*Link),
		log:      log.New("component", "sharelink"),
	}
}

func linkPath(token string) string { return frozen.PathSharedLinks + "/" + token }
func lockKey(token string) string  { return "sharelink/" + token }

func newToken() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// CreateRequest carries the user-supplied link parameters.
type CreateRequest struct {
	FileID       string `json:"fileId"`
	Password     string `json:"password,omitempty"`
	ExpiresInSec int64  `json:"expiresInSec,omitempty"`
	MaxDownloads int    `json:"maxDownloads,omitempty"`
	Description  string `json:"description,omitempty"`
	CreatedBy    string `json:"createdBy,omitempty"`
}

// Create resolves the file, mints a token and persists the link so it
// survives restarts.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Link, error) {
	if strings.TrimSpace(req.FileID) == "" {
		return nil, fmt.Errorf("%w: empty file id", ErrUnresolved)
	}
	info, err := s.resolver.Resolve(ctx, req.FileID)
	if err != nil {
		return nil, err
	}
	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("sharelink: token: %w", err)
	}
	now := time.Now().UnixMilli()
	l := &Link{
		Token:        token,
		FileID:       info.ID,
		FileName:     info.Name,
		FileSize:     info.Size,
		FileMime:     info.Mime,
		LocalPath:    info.LocalPath,
		CID:          info.CID,
		DealID:       info.DealID,
		Description:  req.Description,
		CreatedAt:    now,
		MaxDownloads: req.MaxDownloads,
		CreatedBy:    strings.ToLower(req.CreatedBy),
	}
	if req.Password != "" {
		l.PasswordHash = hashPassword(req.Password)
	}
	if req.ExpiresInSec > 0 {
		l.ExpiresAt = now + req.ExpiresInSec*1000
	}
	if err := s.store.PutSigned(ctx, linkPath(token), frozen.KindSharedLink, l); err != nil {
		return nil, fmt.Errorf("sharelink: persist: %w", err)
	}
	s.mu.Lock()
	s.links[token] = l
	s.mu.Unlock()
	linksCreated.Inc(1)
	s.log.Info("Share link created", "file", info.Name, "protected", l.PasswordHash != "",
		"maxDownloads", req.MaxDownloads)
	return l, nil
}

func (s *Service) get(token string) (*Link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[token]
	return l, ok
}

// Access grants one download under the token's lock: the counter increment
// and the exhaustion flip are atomic with respect to concurrent accesses.
// The counter write to the graph happens asynchronously; the stream never
// waits on it.
func (s *Service) Access(ctx context.Context, token, password string) (*AccessResult, error) {
	l, ok := s.get(token)
	if !ok {
		return nil, ErrUnknownToken
	}

	var snapshot Link
	err := s.locks.WithLock(ctx, lockKey(token), func() error {
		if l.Exhausted {
			return ErrExhausted
		}
		if l.expired(time.Now().UnixMilli()) {
			return ErrExpired
		}
		if l.PasswordHash != "" {
			if password == "" {
				return ErrPasswordRequired
			}
			given := hashPassword(password)
			if subtle.ConstantTimeCompare([]byte(given), []byte(l.PasswordHash)) != 1 {
				return ErrWrongPassword
			}
		}
		if l.DealID != "" && s.gate != nil && !s.gate.Serveable(ctx, l.DealID) {
			return ErrDealClosed
		}
		l.DownloadCount++
		if l.MaxDownloads > 0 && l.DownloadCount >= l.MaxDownloads {
			l.Exhausted = true
		}
		snapshot = *l
		return nil
	})
	if err != nil {
		return nil, err
	}

	go func() {
		pctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.store.PutSigned(pctx, linkPath(token), frozen.KindSharedLink, &snapshot); err != nil {
			s.log.Warn("Download counter not persisted", "token", token[:8], "err", err)
		}
	}()

	linksAccessed.Inc(1)
	res := &AccessResult{FileName: snapshot.FileName, FileMime: snapshot.FileMime, FileSize: snapshot.FileSize}
	if snapshot.LocalPath != "" {
		if _, err := os.Stat(snapshot.LocalPath); err == nil {
			res.Source = SourceLocal
			res.LocalPath = snapshot.LocalPath
			return res, nil
		}
	}
	if snapshot.CID != "" {
		res.Source = SourceGateway
		res.RedirectURL = strings.TrimRight(s.cfg.GatewayURL, "/") + "/" + snapshot.CID
		return res, nil
	}
	return nil, ErrNoContent
}

// Info returns the non-sensitive view of a link.
func (s *Service) Info(token string) (*Info, error) {
	l, ok := s.get(token)
	if !ok {
		return nil, ErrUnknownToken
	}
	return &Info{
		Token:         l.Token,
		FileName:      l.FileName,
		FileSize:      l.FileSize,
		FileMime:      l.FileMime,
		Description:   l.Description,
		Protected:     l.PasswordHash != "",
		Status:        l.Status(),
		CreatedAt:     l.CreatedAt,
		ExpiresAt:     l.ExpiresAt,
		MaxDownloads:  l.MaxDownloads,
		DownloadCount: l.DownloadCount,
	}, nil
}

// Revoke removes a link. Only the creator may revoke; admin revokes
// unconditionally.
func (s *Service) Revoke(ctx context.Context, token, caller string, admin bool) error {
	l, ok := s.get(token)
	if !ok {
		return ErrUnknownToken
	}
	if !admin && l.CreatedBy != "" && l.CreatedBy != strings.ToLower(caller) {
		return ErrForbidden
	}
	s.mu.Lock()
	delete(s.links, token)
	s.mu.Unlock()
	if err := s.store.Delete(ctx, linkPath(token)); err != nil {
		s.log.Warn("Link record not deleted", "token", token[:8], "err", err)
	}
	linksRevoked.Inc(1)
	s.log.Info("Share link revoked", "token", token[:8])
	return nil
}

// Cleanup drops expired links from memory and the store. Exhausted links
// are kept for history. Throttled so overlapping triggers do a single pass.
func (s *Service) Cleanup(ctx context.Context) int {
	s.cleanupMu.Lock()
	if time.Since(s.lastCleanup) < s.cfg.CleanupMinGap {
		s.cleanupMu.Unlock()
		return 0
	}
	s.lastCleanup = time.Now()
	s.cleanupMu.Unlock()

	now := time.Now().UnixMilli()
	var stale []string
	s.mu.Lock()
	for token, l := range s.links {
		if l.expired(now) && !l.Exhausted {
			stale = append(stale, token)
		}
	}
	for _, token := range stale {
		delete(s.links, token)
	}
	s.mu.Unlock()

	for _, token := range stale {
		if err := s.store.Delete(ctx, linkPath(token)); err != nil {
			s.log.Warn("Expired link record not deleted", "token", token[:8], "err", err)
		}
	}
	if len(stale) > 0 {
		linksExpired.Inc(int64(len(stale)))
		s.log.Info("Expired links cleaned", "count", len(stale))
	}
	return len(stale)
}

// Start runs the periodic cleanup until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Cleanup(ctx)
			}
		}
	}()
}

// Load rebuilds the token map from the graph at startup, tolerating an
// empty first read while the store replicates.
func (s *Service) Load(ctx context.Context) error {
	records, err := s.store.MapOnceRetry(ctx, frozen.PathSharedLinks, 5*time.Second, 3, 2*time.Second)
	if err != nil {
		return err
	}
	restored := 0
	s.mu.Lock()
	for key, env := range records {
		var l Link
		if err := env.Decode(frozen.KindSharedLink, s.store.Signer(), &l); err != nil {
			s.log.Warn("Skipping unverifiable link record", "key", key, "err", err)
			continue
		}
		s.links[l.Token] = &l
		restored++
	}
	s.mu.Unlock()
	s.log.Info("Share links restored", "count", restored)
	return nil
}

// Count reports the live link total, for the health surface.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}
