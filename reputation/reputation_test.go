package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/scobru/shogun-relay-sub014/frozen"
	"github.com/scobru/shogun-relay-sub014/graph"
)

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NewTracker(Config{}, frozen.NewAdapter(graph.NewMemStore(), key, frozen.Config{}))
}

func TestTierThresholds(t *testing.T) {
	cases := map[float64]string{
		100:  TierExcellent,
		85:   TierExcellent,
		84.9: TierGood,
		70:   TierGood,
		69:   TierAverage,
		50:   TierAverage,
		49:   TierPoor,
		30:   TierPoor,
		29.9: TierUnreliable,
		0:    TierUnreliable,
	}
	for value, tier := range cases {
		require.Equal(t, tier, TierFor(value), "value=%v", value)
	}
}

func TestHasEnoughDataGate(t *testing.T) {
	tr := newTracker(t)
	tr.RecordProofSuccess("relay-a", 100*time.Millisecond)
	require.False(t, tr.Score("relay-a").HasEnoughData)

	for i := 0; i < 12; i++ {
		tr.RecordProofSuccess("relay-a", 100*time.Millisecond)
	}
	require.True(t, tr.Score("relay-a").HasEnoughData)
}

func TestScoreRewardsGoodService(t *testing.T) {
	tr := newTracker(t)
	for i := 0; i < 20; i++ {
		tr.RecordProofSuccess("good", 50*time.Millisecond)
		tr.RecordPinFulfilment("good", true)
		tr.ExpectPulse("good")
		tr.Heartbeat(context.Background(), Pulse{Host: "good"})

		tr.RecordProofFailure("bad")
		tr.RecordPinFulfilment("bad", false)
		tr.ExpectPulse("bad")
	}
	good, bad := tr.Score("good"), tr.Score("bad")
	require.Greater(t, good.Value, bad.Value)
	require.True(t, good.HasEnoughData)
	require.InDelta(t, 1.0, good.Breakdown["proofSuccess"], 1e-9)
	require.Zero(t, bad.Breakdown["proofSuccess"])
	require.Zero(t, bad.Breakdown["pinDelivery"])
}

func TestScoreBoundedAndWeighted(t *testing.T) {
	tr := NewTracker(Config{Weights: Weights{Uptime: 1}}, nil)
	for i := 0; i < 10; i++ {
		tr.ExpectPulse("r")
		tr.Heartbeat(context.Background(), Pulse{Host: "r"})
	}
	s := tr.Score("r")
	require.GreaterOrEqual(t, s.Value, 0.0)
	require.LessOrEqual(t, s.Value, 100.0)
	require.InDelta(t, 100.0, s.Value, 1e-6, "full uptime under a pure uptime weighting")
}

func TestUnknownRelay(t *testing.T) {
	tr := newTracker(t)
	s := tr.Score("nobody")
	require.Equal(t, TierUnreliable, s.Tier)
	require.False(t, s.HasEnoughData)
}

func TestBatchCounters(t *testing.T) {
	tr := newTracker(t)
	tr.RecordBatchSuccess("r", 3)
	tr.RecordBatchFailure("r")
	rec, ok := tr.Snapshot("r")
	require.True(t, ok)
	require.Equal(t, int64(2), rec.BatchesTotal)
	require.Equal(t, int64(1), rec.BatchesSuccess)
	require.Equal(t, int64(1), rec.BatchesFailed)
	require.Equal(t, int64(3), rec.WithdrawalsIn)
}

func TestHeartbeatPersistsAndReloads(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	adapter := frozen.NewAdapter(graph.NewMemStore(), key, frozen.Config{})

	tr := NewTracker(Config{}, adapter)
	tr.RecordProofSuccess("r1", 80*time.Millisecond)
	tr.Heartbeat(context.Background(), Pulse{Host: "r1", StorageUsedMB: 12, IPFSPins: 4})

	tr2 := NewTracker(Config{}, adapter)
	require.NoError(t, tr2.Load(context.Background()))
	rec, ok := tr2.Snapshot("r1")
	require.True(t, ok)
	require.Equal(t, int64(1), rec.ProofsSuccess)
	require.Equal(t, int64(4), rec.IPFSPins)
}
