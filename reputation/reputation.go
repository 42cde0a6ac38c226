// Package reputation aggregates per-relay service metrics into the tiered
// score clients use when choosing a relay. Events arrive from the bridge
// (batch submissions, proof requests), the deal engine (lifecycle and pin
// fulfilment) and the pulse telemetry other relays publish into the graph.
package reputation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/scobru/shogun-relay-sub014/frozen"
)

// Tier labels, highest first.
const (
	TierExcellent  = "excellent"
	TierGood       = "good"
	TierAverage    = "average"
	TierPoor       = "poor"
	TierUnreliable = "unreliable"
)

const maxResponseSamples = 128

var proofTimer = metrics.NewRegisteredTimer("reputation/proof/duration", nil)

// Weights for the five sub-scores. They must sum to 1.
type Weights struct {
	Uptime       float64 `json:"uptime"`
	ProofSuccess float64 `json:"proofSuccess"`
	ResponseTime float64 `json:"responseTime"`
	PinDelivery  float64 `json:"pinDelivery"`
	Longevity    float64 `json:"longevity"`
}

var DefaultWeights = Weights{
	Uptime:       0.25,
	ProofSuccess: 0.30,
	ResponseTime: 0.15,
	PinDelivery:  0.20,
	Longevity:    0.10,
}

// Config for the tracker.
type Config struct {
	Weights    Weights
	MinSamples int     // events required before a score is trusted
	MaxRTTMs   float64 // response time mapping ceiling
}

var DefaultConfig = Config{
	Weights:    DefaultWeights,
	MinSamples: 10,
	MaxRTTMs:   2000,
}

// Record holds the raw per-relay counters. It is the payload persisted under
// relays/<host>; only counters the relay actually maintains are present.
type Record struct {
	Host string `json:"host"`

	ProofsTotal   int64 `json:"proofsTotal"`
	ProofsSuccess int64 `json:"proofsSuccess"`
	ProofsFailed  int64 `json:"proofsFailed"`

	BatchesTotal   int64 `json:"batchesTotal"`
	BatchesSuccess int64 `json:"batchesSuccess"`
	BatchesFailed  int64 `json:"batchesFailed"`
	WithdrawalsIn  int64 `json:"withdrawalsInBatches"`

	PulsesExpected int64 `json:"pulsesExpected"`
	PulsesReceived int64 `json:"pulsesReceived"`

	PinRequests  int64 `json:"pinRequests"`
	PinDelivered int64 `json:"pinDelivered"`

	DealsActivated  int64 `json:"dealsActivated"`
	DealsExpired    int64 `json:"dealsExpired"`
	DealsTerminated int64 `json:"dealsTerminated"`

	ResponseMs []float64 `json:"responseMs"`

	StorageUsedMB float64 `json:"storageUsedMB"`
	IPFSPins      int64   `json:"ipfsPins"`

	FirstSeen int64 `json:"firstSeen"`
	LastSeen  int64 `json:"lastSeen"`
}

func (r *Record) events() int64 {
	return r.ProofsTotal + r.BatchesTotal + r.PulsesReceived + r.PinRequests
}

// Pulse is a relay heartbeat.
type Pulse struct {
	Host          string  `json:"host"`
	StorageUsedMB float64 `json:"storageUsedMB"`
	IPFSPins      int64   `json:"ipfsPins"`
	UptimeSec     int64   `json:"uptimeSec"`
	Timestamp     int64   `json:"timestamp"`
}

// Score is the derived rating.
type Score struct {
	Value         float64            `json:"score"`
	Tier          string             `json:"tier"`
	Breakdown     map[string]float64 `json:"breakdown"`
	HasEnoughData bool               `json:"hasEnoughData"`
}

// Tracker is safe for concurrent use. Updates lock per call; the map is
// small (one entry per known relay).
type Tracker struct {
	cfg   Config
	store *frozen.Adapter

	mu      sync.Mutex
	records map[string]*Record

	log log.Logger
}

func NewTracker(cfg Config, store *frozen.Adapter) *Tracker {
	if cfg.MinSamples == 0 {
		cfg.MinSamples = DefaultConfig.MinSamples
	}
	if cfg.MaxRTTMs == 0 {
		cfg.MaxRTTMs = DefaultConfig.MaxRTTMs
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights
	}
	return &Tracker{
		cfg:     cfg,
		store:   store,
		records: make(map[string]*Record),
		log:     log.New("component", "reputation"),
	}
}

func (t *Tracker) get(host string) *Record {
	r := t.records[host]
	if r == nil {
		now := time.Now().UnixMilli()
		r = &Record{Host: host, FirstSeen: now, LastSeen: now}
		t.records[host] = r
	}
	r.LastSeen = time.Now().UnixMilli()
	return r
}

func (t *Tracker) RecordProofSuccess(host string, elapsed time.Duration) {
	proofTimer.Update(elapsed)
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.get(host)
	r.ProofsTotal++
	r.ProofsSuccess++
	r.ResponseMs = append(r.ResponseMs, float64(elapsed.Milliseconds()))
	if len(r.ResponseMs) > maxResponseSamples {
		r.ResponseMs = r.ResponseMs[len(r.ResponseMs)-maxResponseSamples:]
	}
}

func (t *Tracker) RecordProofFailure(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.get(host)
	r.ProofsTotal++
	r.ProofsFailed++
}

func (t *Tracker) RecordBatchSuccess(host string, withdrawalCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.get(host)
	r.BatchesTotal++
	r.BatchesSuccess++
	r.WithdrawalsIn += int64(withdrawalCount)
}

func (t *Tracker) RecordBatchFailure(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.get(host)
	r.BatchesTotal++
	r.BatchesFailed++
}

func (t *Tracker) RecordPinFulfilment(host string, delivered bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.get(host)
	r.PinRequests++
	if delivered {
		r.PinDelivered++
	}
}

func (t *Tracker) RecordDealActivated(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(host).DealsActivated++
}

func (t *Tracker) RecordDealExpired(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(host).DealsExpired++
}

func (t *Tracker) RecordDealTerminated(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(host).DealsTerminated++
}

// ExpectPulse bumps the expected-heartbeat counter; the pulse loop calls it
// once per interval per known relay.
func (t *Tracker) ExpectPulse(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(host).PulsesExpected++
}

// Heartbeat ingests a pulse and persists the relay's record.
func (t *Tracker) Heartbeat(ctx context.Context, p Pulse) {
	t.mu.Lock()
	r := t.get(p.Host)
	r.PulsesReceived++
	if r.PulsesExpected < r.PulsesReceived {
		r.PulsesExpected = r.PulsesReceived
	}
	r.StorageUsedMB = p.StorageUsedMB
	r.IPFSPins = p.IPFSPins
	snapshot := *r
	snapshot.ResponseMs = append([]float64(nil), r.ResponseMs...)
	t.mu.Unlock()

	if t.store != nil {
		path := frozen.PathRelays + "/" + p.Host
		if err := t.store.PutSigned(ctx, path, frozen.KindReputation, snapshot); err != nil {
			t.log.Warn("Reputation record not durable", "host", p.Host, "err", err)
		}
	}
}

// Snapshot returns a copy of a relay's raw record.
func (t *Tracker) Snapshot(host string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[host]
	if !ok {
		return Record{}, false
	}
	cp := *r
	cp.ResponseMs = append([]float64(nil), r.ResponseMs...)
	return cp, true
}

// Score derives the weighted rating for a relay.
func (t *Tracker) Score(host string) Score {
	t.mu.Lock()
	r, ok := t.records[host]
	var cp Record
	if ok {
		cp = *r
		cp.ResponseMs = append([]float64(nil), r.ResponseMs...)
	}
	t.mu.Unlock()
	if !ok {
		return Score{Tier: TierUnreliable, Breakdown: map[string]float64{}}
	}
	return t.score(&cp)
}

func (t *Tracker) score(r *Record) Score {
	w := t.cfg.Weights
	breakdown := map[string]float64{
		"uptime":       ratio(r.PulsesReceived, r.PulsesExpected),
		"proofSuccess": ratio(r.ProofsSuccess, r.ProofsTotal),
		"responseTime": t.responseScore(r.ResponseMs),
		"pinDelivery":  ratio(r.PinDelivered, r.PinRequests),
		"longevity":    longevity(r.FirstSeen),
	}
	value := 100 * (w.Uptime*breakdown["uptime"] +
		w.ProofSuccess*breakdown["proofSuccess"] +
		w.ResponseTime*breakdown["responseTime"] +
		w.PinDelivery*breakdown["pinDelivery"] +
		w.Longevity*breakdown["longevity"])
	value = math.Round(value*100) / 100

	return Score{
		Value:         value,
		Tier:          TierFor(value),
		Breakdown:     breakdown,
		HasEnoughData: r.events() >= int64(t.cfg.MinSamples),
	}
}

// responseScore maps the p95 response time onto [0,1]; anything at or above
// the ceiling scores zero. No samples scores a neutral 0.5.
func (t *Tracker) responseScore(samples []float64) float64 {
	if len(samples) == 0 {
		return 0.5
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	p95 := sorted[(len(sorted)*95)/100]
	if p95 >= t.cfg.MaxRTTMs {
		return 0
	}
	return 1 - p95/t.cfg.MaxRTTMs
}

// TierFor maps a score value onto its tier label.
func TierFor(value float64) string {
	switch {
	case value >= 85:
		return TierExcellent
	case value >= 70:
		return TierGood
	case value >= 50:
		return TierAverage
	case value >= 30:
		return TierPoor
	default:
		return TierUnreliable
	}
}

func ratio(num, den int64) float64 {
	if den <= 0 {
		// No observations: neutral, not punitive.
		return 0.5
	}
	return float64(num) / float64(den)
}

// longevity saturates at 90 days of continuous presence.
func longevity(firstSeen int64) float64 {
	age := time.Since(time.UnixMilli(firstSeen))
	days := age.Hours() / 24
	if days >= 90 {
		return 1
	}
	if days < 0 {
		return 0
	}
	return days / 90
}

// Load restores persisted relay records from the graph.
func (t *Tracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	children, err := t.store.MapOnceRetry(ctx, frozen.PathRelays, 5*time.Second, 3, 2*time.Second)
	if err != nil {
		return fmt.Errorf("reputation: load: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for host, env := range children {
		var rec Record
		if err := env.Decode(frozen.KindReputation, t.store.Signer(), &rec); err != nil {
			t.log.Warn("Skipping unverifiable reputation record", "host", host, "err", err)
			continue
		}
		t.records[host] = &rec
	}
	return nil
}
