package authgate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

var ErrDuplicate = errors.New("authgate: duplicate request")

var duplicatesRefused = metrics.NewRegisteredCounter("authgate/duplicates", nil)

// DupGuard refuses a repeat of the same mutating request inside a short
// window, keyed by method, path, client IP and the targeted resource. The
// expirable cache both enforces the window and garbage-collects old keys.
type DupGuard struct {
	mu     sync.Mutex
	window time.Duration
	seen   *expirable.LRU[string, int64]
}

// NewDupGuard builds a guard with the given window; zero means 5 seconds.
func NewDupGuard(window time.Duration, capacity int) *DupGuard {
	if window <= 0 {
		window = 5 * time.Second
	}
	if capacity <= 0 {
		capacity = 4096
	}
	return &DupGuard{
		window: window,
		seen:   expirable.NewLRU[string, int64](capacity, nil, window),
	}
}

func dupKey(method, path, ip, resource string) string {
	return fmt.Sprintf("%s|%s|%s|%s", method, path, ip, resource)
}

// Check admits the first request for a key and refuses repeats until the
// window elapses. Admission and registration are atomic.
func (g *DupGuard) Check(method, path, ip, resource string) error {
	key := dupKey(method, path, ip, resource)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen.Get(key); ok {
		duplicatesRefused.Inc(1)
		return ErrDuplicate
	}
	g.seen.Add(key, time.Now().UnixMilli())
	return nil
}
