package deal

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	shell "github.com/ipfs/go-ipfs-api"
	"github.com/stretchr/testify/require"

	"github.com/scobru/shogun-relay-sub014/chainrpc"
	"github.com/scobru/shogun-relay-sub014/frozen"
	"github.com/scobru/shogun-relay-sub014/graph"
	"github.com/scobru/shogun-relay-sub014/lock"
)

// stubIPFS is an in-memory IPFS node.
type stubIPFS struct {
	mu      sync.Mutex
	objects map[string][]byte
	pins    map[string]bool
	nextCID int
}

func newStubIPFS() *stubIPFS {
	return &stubIPFS{objects: make(map[string][]byte), pins: make(map[string]bool)}
}

func (s *stubIPFS) put(cid string, data []byte) {
	s.mu.Lock()
	s.objects[cid] = data
	s.mu.Unlock()
}

func (s *stubIPFS) drop(cid string) {
	s.mu.Lock()
	delete(s.objects, cid)
	s.mu.Unlock()
}

func (s *stubIPFS) Cat(path string) (io.ReadCloser, error) {
	s.mu.Lock()
	data, ok := s.objects[path]
	s.mu.Unlock()
	if !ok {
		return nil, errors.New("merkledag: not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *stubIPFS) Add(r io.Reader, options ...shell.AddOpts) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCID++
	cid := fmt.Sprintf("QmStub%06d", s.nextCID)
	s.objects[cid] = data
	return cid, nil
}

func (s *stubIPFS) Pin(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[path]; !ok {
		return errors.New("merkledag: not found")
	}
	s.pins[path] = true
	return nil
}

func (s *stubIPFS) Unpin(path string) error {
	s.mu.Lock()
	delete(s.pins, path)
	s.mu.Unlock()
	return nil
}

func (s *stubIPFS) BlockStat(path string) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	if !ok {
		return "", 0, errors.New("merkledag: not found")
	}
	return path, len(data), nil
}

func (s *stubIPFS) Pins() (map[string]shell.PinInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]shell.PinInfo, len(s.pins))
	for cid := range s.pins {
		out[cid] = shell.PinInfo{Type: "recursive"}
	}
	return out, nil
}

func (s *stubIPFS) pinned(cid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[cid]
}

// stubRegistry is an in-memory deal registry contract.
type stubRegistry struct {
	mu         sync.Mutex
	allowances map[common.Address]*big.Int
	registered []chainrpc.OnChainDeal
	nextID     uint64
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{allowances: make(map[common.Address]*big.Int), nextID: 1}
}

func (s *stubRegistry) approve(client common.Address, amount *big.Int) {
	s.mu.Lock()
	s.allowances[client] = new(big.Int).Set(amount)
	s.mu.Unlock()
}

func (s *stubRegistry) AllowanceOf(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.allowances[owner]; ok {
		return new(big.Int).Set(a), nil
	}
	return big.NewInt(0), nil
}

func (s *stubRegistry) RegisterDeal(ctx context.Context, dealID common.Hash, client common.Address, cid string, sizeMB uint64, priceUSDC *big.Int, durationDays uint64, clientStake *big.Int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.registered = append(s.registered, chainrpc.OnChainDeal{
		ID: dealID, OnChainID: id, Client: client, CID: cid,
		SizeMB: sizeMB, PriceUSDC: new(big.Int).Set(priceUSDC), DurationDays: durationDays, Active: true,
	})
	return id, nil
}

func (s *stubRegistry) GetClientDeals(ctx context.Context, client common.Address) ([]chainrpc.OnChainDeal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chainrpc.OnChainDeal
	for _, d := range s.registered {
		if d.Client == client {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *stubRegistry) DealRegistry() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000bb")
}

type repCounter struct {
	mu                             sync.Mutex
	activated, expired, terminated int
	pinOK, pinFail                 int
	proofOK, proofFail             int
}

func (r *repCounter) RecordProofSuccess(string, time.Duration) { r.mu.Lock(); r.proofOK++; r.mu.Unlock() }
func (r *repCounter) RecordProofFailure(string)                { r.mu.Lock(); r.proofFail++; r.mu.Unlock() }
func (r *repCounter) RecordPinFulfilment(_ string, delivered bool) {
	r.mu.Lock()
	if delivered {
		r.pinOK++
	} else {
		r.pinFail++
	}
	r.mu.Unlock()
}
func (r *repCounter) RecordDealActivated(string)  { r.mu.Lock(); r.activated++; r.mu.Unlock() }
func (r *repCounter) RecordDealExpired(string)    { r.mu.Lock(); r.expired++; r.mu.Unlock() }
func (r *repCounter) RecordDealTerminated(string) { r.mu.Lock(); r.terminated++; r.mu.Unlock() }

type dealRig struct {
	engine *Engine
	ipfs   *stubIPFS
	chain  *stubRegistry
	rep    *repCounter
}

func newDealRig(t *testing.T) *dealRig {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	store := frozen.NewAdapter(graph.NewMemStore(), key, frozen.Config{})
	ipfs := newStubIPFS()
	registry := newStubRegistry()
	rep := &repCounter{}
	cfg := Config{
		Host:              "relay-test",
		AllowanceAttempts: 1,
		AllowanceBackoff:  time.Millisecond,
		CatTimeout:        time.Second,
	}
	return &dealRig{
		engine: New(cfg, store, registry, ipfs, rep, lock.NewManager()),
		ipfs:   ipfs,
		chain:  registry,
		rep:    rep,
	}
}

func usdc(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000)) }

func TestPriceDeterministic(t *testing.T) {
	a, err := Price(1024, 30, TierStandard)
	require.NoError(t, err)
	b, err := Price(1024, 30, TierStandard)
	require.NoError(t, err)
	require.Zero(t, a.PriceUSDC.Cmp(b.PriceUSDC))
	require.Equal(t, 2, a.ReplicationFactor)
	require.False(t, a.ErasureCoding)

	// Enterprise never quotes below its floor.
	q, err := Price(1, 1, TierEnterprise)
	require.NoError(t, err)
	require.Zero(t, q.PriceUSDC.Cmp(usdc(10)))
	require.True(t, q.ErasureCoding)

	_, err = Price(10, 30, Tier("gold"))
	require.ErrorIs(t, err, ErrUnknownTier)

	// Empty tier means basic.
	q, err = Price(10, 30, "")
	require.NoError(t, err)
	require.Equal(t, TierBasic, q.Tier)
}

func TestCreateValidates(t *testing.T) {
	rig := newDealRig(t)
	ctx := context.Background()
	client := common.HexToAddress("0x1111111111111111111111111111111111111111")

	_, err := rig.engine.Create(ctx, CreateRequest{Client: client, SizeMB: 10, DurationDays: 30})
	require.ErrorIs(t, err, ErrInvalidDeal)
	_, err = rig.engine.Create(ctx, CreateRequest{CID: "QmX", SizeMB: 10, DurationDays: 30})
	require.ErrorIs(t, err, ErrInvalidDeal)
	_, err = rig.engine.Create(ctx, CreateRequest{CID: "QmX", Client: client, DurationDays: 30})
	require.ErrorIs(t, err, ErrInvalidDeal)
	_, err = rig.engine.Create(ctx, CreateRequest{CID: "QmX", Client: client, SizeMB: 10, DurationDays: 30, Tier: "gold"})
	require.ErrorIs(t, err, ErrInvalidDeal)

	d, err := rig.engine.Create(ctx, CreateRequest{CID: "QmX", Client: client, SizeMB: 10, DurationDays: 30})
	require.NoError(t, err)
	require.Equal(t, StatusPending, d.Status)
	require.NotEmpty(t, d.ID)

	got, err := rig.engine.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, d.CID, got.CID)
}

// A deal priced above the client's approval must stay pending.
func TestActivateWithoutAllowance(t *testing.T) {
	rig := newDealRig(t)
	ctx := context.Background()
	client := common.HexToAddress("0x1111111111111111111111111111111111111111")

	// Enterprise floor is 10 USDC; approve only 5.
	d, err := rig.engine.Create(ctx, CreateRequest{
		CID: "QmX", Client: client, SizeMB: 1, DurationDays: 1, Tier: TierEnterprise,
	})
	require.NoError(t, err)
	require.Zero(t, (*big.Int)(d.PriceUSDC).Cmp(usdc(10)))
	rig.chain.approve(client, usdc(5))

	_, err = rig.engine.Activate(ctx, d.ID)
	require.ErrorIs(t, err, ErrInsufficientAllowance)
	require.Contains(t, err.Error(), "client has not approved enough USDC")

	got, err := rig.engine.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}

func TestActivateRegistersAndPins(t *testing.T) {
	rig := newDealRig(t)
	ctx := context.Background()
	client := common.HexToAddress("0x2222222222222222222222222222222222222222")
	content := make([]byte, 64*1024)
	_, err := rand.Read(content)
	require.NoError(t, err)
	rig.ipfs.put("QmContent", content)

	d, err := rig.engine.Create(ctx, CreateRequest{
		CID: "QmContent", Client: client, SizeMB: 1, DurationDays: 30, Tier: TierPremium,
	})
	require.NoError(t, err)
	rig.chain.approve(client, usdc(100))

	activated, err := rig.engine.Activate(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, activated.Status)
	require.Equal(t, uint64(1), activated.OnChainDealID)
	require.NotZero(t, activated.ExpiresAt)

	// Pin, erasure coding and the replication request run detached.
	require.Eventually(t, func() bool {
		got, err := rig.engine.Get(ctx, d.ID)
		return err == nil && got.Erasure != nil && got.ReplicationRequestID != ""
	}, 5*time.Second, 20*time.Millisecond)
	require.True(t, rig.ipfs.pinned("QmContent"))

	got, err := rig.engine.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Empty(t, got.Warnings)
	require.Equal(t, 10, got.Erasure.DataShards)
	require.Len(t, got.Erasure.Shards, 14)

	// Activating twice is refused.
	_, err = rig.engine.Activate(ctx, d.ID)
	require.ErrorIs(t, err, ErrNotPending)
}

func TestRenewExtends(t *testing.T) {
	rig := newDealRig(t)
	ctx := context.Background()
	client := common.HexToAddress("0x3333333333333333333333333333333333333333")
	rig.ipfs.put("QmY", []byte("payload"))
	rig.chain.approve(client, usdc(1000))

	d, err := rig.engine.Create(ctx, CreateRequest{CID: "QmY", Client: client, SizeMB: 10, DurationDays: 30})
	require.NoError(t, err)

	// Renew requires an active deal.
	_, err = rig.engine.Renew(ctx, d.ID, 30)
	require.ErrorIs(t, err, ErrNotActive)

	_, err = rig.engine.Activate(ctx, d.ID)
	require.NoError(t, err)
	before, err := rig.engine.Get(ctx, d.ID)
	require.NoError(t, err)

	renewed, err := rig.engine.Renew(ctx, d.ID, 30)
	require.NoError(t, err)
	require.Equal(t, before.ExpiresAt+30*24*int64(time.Hour/time.Millisecond), renewed.ExpiresAt)
	require.Equal(t, uint64(60), renewed.DurationDays)
	require.Equal(t, 1, (*big.Int)(renewed.PriceUSDC).Cmp((*big.Int)(before.PriceUSDC)))
}

func TestTerminateStopsServing(t *testing.T) {
	rig := newDealRig(t)
	ctx := context.Background()
	client := common.HexToAddress("0x4444444444444444444444444444444444444444")
	rig.ipfs.put("QmZ", []byte("payload"))
	rig.chain.approve(client, usdc(1000))

	d, err := rig.engine.Create(ctx, CreateRequest{CID: "QmZ", Client: client, SizeMB: 10, DurationDays: 30})
	require.NoError(t, err)
	_, err = rig.engine.Activate(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, rig.engine.Serveable(ctx, d.ID))

	got, err := rig.engine.Terminate(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, StatusTerminated, got.Status)
	require.False(t, rig.engine.Serveable(ctx, d.ID))
	require.False(t, rig.ipfs.pinned("QmZ"))
	require.Equal(t, 1, rig.rep.terminated)
}

func TestByClientEnrichment(t *testing.T) {
	rig := newDealRig(t)
	ctx := context.Background()
	client := common.HexToAddress("0x5555555555555555555555555555555555555555")
	rig.ipfs.put("QmLocal", []byte("payload"))
	rig.chain.approve(client, usdc(1000))

	d, err := rig.engine.Create(ctx, CreateRequest{CID: "QmLocal", Client: client, SizeMB: 10, DurationDays: 30})
	require.NoError(t, err)
	_, err = rig.engine.Activate(ctx, d.ID)
	require.NoError(t, err)

	// A deal registered by another relay: known on-chain, absent locally.
	_, err = rig.chain.RegisterDeal(ctx, common.HexToHash("0xf00d"), client, "QmForeign", 5, usdc(1), 30, big.NewInt(0))
	require.NoError(t, err)

	deals, err := rig.engine.ByClient(ctx, client)
	require.NoError(t, err)
	require.Len(t, deals, 2)

	byCID := make(map[string]*Deal)
	for _, got := range deals {
		byCID[got.CID] = got
	}
	require.False(t, byCID["QmLocal"].FromOnChainOnly)
	require.Equal(t, d.ID, byCID["QmLocal"].ID)
	require.True(t, byCID["QmForeign"].FromOnChainOnly)

	require.Len(t, rig.engine.ByCID(ctx, "QmLocal"), 1)
	require.Empty(t, rig.engine.ByCID(ctx, "QmNope"))
}

func TestErasureRoundTrip(t *testing.T) {
	rig := newDealRig(t)
	ctx := context.Background()
	content := make([]byte, 300*1024+17) // deliberately not shard-aligned
	_, err := rand.Read(content)
	require.NoError(t, err)
	rig.ipfs.put("QmBig", content)

	meta, err := rig.engine.Encode(ctx, "QmBig")
	require.NoError(t, err)
	require.Len(t, meta.Shards, 14)
	require.Equal(t, int64(len(content)), meta.OriginalSize)

	// Any 10 of 14 shards must suffice: drop all parity plus none, then
	// drop 4 arbitrary shards.
	for _, s := range meta.Shards[:4] {
		rig.ipfs.drop(s.CID)
	}
	restored, err := rig.engine.Reconstruct(ctx, meta)
	require.NoError(t, err)
	require.Equal(t, content, restored)

	// Dropping a fifth shard crosses the recovery threshold.
	rig.ipfs.drop(meta.Shards[4].CID)
	_, err = rig.engine.Reconstruct(ctx, meta)
	require.Error(t, err)
}

func TestStorageProof(t *testing.T) {
	rig := newDealRig(t)
	ctx := context.Background()
	client := common.HexToAddress("0x6666666666666666666666666666666666666666")
	rig.ipfs.put("QmProof", bytes.Repeat([]byte("x"), 1024))
	rig.chain.approve(client, usdc(1000))

	d, err := rig.engine.Create(ctx, CreateRequest{CID: "QmProof", Client: client, SizeMB: 1, DurationDays: 30})
	require.NoError(t, err)
	_, err = rig.engine.Activate(ctx, d.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rig.ipfs.pinned("QmProof") }, time.Second, 10*time.Millisecond)

	proof, err := rig.engine.Prove(ctx, d.ID, "challenge-1")
	require.NoError(t, err)
	require.True(t, proof.Pinned)
	require.Equal(t, 1024, proof.SizeBytes)
	require.NotZero(t, proof.ProofHash)
	require.Greater(t, proof.ValidUntil, proof.Timestamp)

	// Unknown deal feeds a reputation failure.
	_, err = rig.engine.Prove(ctx, "deal-unknown", "challenge-2")
	require.ErrorIs(t, err, ErrNotFound)
	require.GreaterOrEqual(t, rig.rep.proofFail, 1)

	verify, err := rig.engine.Verify(ctx, d.ID)
	require.NoError(t, err)
	require.True(t, verify.Present)
	require.True(t, verify.Pinned)
	require.True(t, verify.OnChain)
}
