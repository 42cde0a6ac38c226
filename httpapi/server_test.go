package httpapi

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	shell "github.com/ipfs/go-ipfs-api"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/scobru/shogun-relay-sub014/authgate"
	"github.com/scobru/shogun-relay-sub014/bridge"
	"github.com/scobru/shogun-relay-sub014/chainrpc"
	"github.com/scobru/shogun-relay-sub014/deal"
	"github.com/scobru/shogun-relay-sub014/frozen"
	"github.com/scobru/shogun-relay-sub014/graph"
	"github.com/scobru/shogun-relay-sub014/ledger"
	"github.com/scobru/shogun-relay-sub014/lock"
	"github.com/scobru/shogun-relay-sub014/reputation"
	"github.com/scobru/shogun-relay-sub014/sharelink"
)

// fakeChain satisfies both the bridge's and the deal engine's chain views.
type fakeChain struct {
	processed map[string]bool
	batches   map[uint64]chainrpc.BatchInfo
	nextID    uint64
	allowance *big.Int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		processed: make(map[string]bool),
		batches:   make(map[uint64]chainrpc.BatchInfo),
		nextID:    1,
		allowance: big.NewInt(0),
	}
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return 100, nil }
func (f *fakeChain) ChainID() *big.Int                           { return big.NewInt(1337) }
func (f *fakeChain) GetCurrentStateRoot(context.Context) (common.Hash, error) {
	return common.HexToHash("0x01"), nil
}
func (f *fakeChain) GetCurrentBatchID(context.Context) (uint64, error) { return f.nextID - 1, nil }
func (f *fakeChain) GetBatchInfo(_ context.Context, id uint64) (chainrpc.BatchInfo, error) {
	info, ok := f.batches[id]
	if !ok {
		return chainrpc.BatchInfo{}, errors.New("unknown batch")
	}
	return info, nil
}
func (f *fakeChain) Sequencer(context.Context) (common.Address, error) {
	return common.Address{}, nil
}
func (f *fakeChain) ContractBalance(context.Context) (*big.Int, error) {
	return big.NewInt(1e18), nil
}
func (f *fakeChain) IsWithdrawalProcessed(_ context.Context, user common.Address, amount *big.Int, nonce uint64) (bool, error) {
	return f.processed[user.Hex()+":"+amount.String()+":"+strconv.FormatUint(nonce, 10)], nil
}
func (f *fakeChain) QueryDeposits(context.Context, uint64, uint64, *common.Address) ([]chainrpc.DepositEvent, error) {
	return nil, nil
}
func (f *fakeChain) QueryWithdrawals(context.Context, uint64, uint64, *common.Address) ([]chainrpc.WithdrawalEvent, error) {
	return nil, nil
}
func (f *fakeChain) SubmitBatch(_ context.Context, root common.Hash, ws []chainrpc.BatchWithdrawal, _ [][]byte) (chainrpc.SubmitResult, error) {
	id := f.nextID
	f.nextID++
	f.batches[id] = chainrpc.BatchInfo{ID: id, Root: root, WithdrawalCount: uint64(len(ws)), Finalized: true}
	return chainrpc.SubmitResult{BatchID: id, TxHash: common.HexToHash("0xbeef"), BlockNumber: 101}, nil
}
func (f *fakeChain) AllowanceOf(context.Context, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int).Set(f.allowance), nil
}
func (f *fakeChain) RegisterDeal(context.Context, common.Hash, common.Address, string, uint64, *big.Int, uint64, *big.Int) (uint64, error) {
	id := f.nextID
	f.nextID++
	return id, nil
}
func (f *fakeChain) GetClientDeals(context.Context, common.Address) ([]chainrpc.OnChainDeal, error) {
	return nil, nil
}
func (f *fakeChain) DealRegistry() common.Address { return common.Address{} }

type fakeIPFS struct{}

func (fakeIPFS) Cat(string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader([]byte("data"))), nil
}
func (fakeIPFS) Add(io.Reader, ...shell.AddOpts) (string, error) { return "QmAdded", nil }
func (fakeIPFS) Pin(string) error                                { return nil }
func (fakeIPFS) Unpin(string) error                              { return nil }
func (fakeIPFS) BlockStat(string) (string, int, error)           { return "", 4, nil }
func (fakeIPFS) Pins() (map[string]shell.PinInfo, error)         { return map[string]shell.PinInfo{}, nil }

type apiRig struct {
	server *Server
	ledger *ledger.Ledger
	bridge *bridge.Bridge
	gate   *authgate.Gate
	chain  *fakeChain
	dir    string
}

func newAPIRig(t *testing.T, cfg Config) *apiRig {
	// A tiny guard window so unrelated requests in the same test do not
	// collide as duplicates.
	return newAPIRigWindow(t, cfg, time.Millisecond)
}

func newAPIRigWindow(t *testing.T, cfg Config, dupWindow time.Duration) *apiRig {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	store := frozen.NewAdapter(graph.NewMemStore(), key, frozen.Config{})
	locks := lock.NewManager()
	led := ledger.New(locks, store)
	chain := newFakeChain()
	rep := reputation.NewTracker(reputation.Config{}, store)
	br := bridge.New(bridge.Config{Host: "relay-test", CreditConfirmBackoff: time.Millisecond},
		led, store, chain, rep, locks)
	deals := deal.New(deal.Config{Host: "relay-test", AllowanceAttempts: 1, AllowanceBackoff: time.Millisecond},
		store, chain, fakeIPFS{}, rep, locks)
	dir := t.TempDir()
	links := sharelink.New(sharelink.Config{}, store, locks, sharelink.DiskResolver{Root: dir}, deals)
	gate := authgate.New(authgate.Config{AdminToken: "admin-secret"}, store)
	dup := authgate.NewDupGuard(dupWindow, 64)

	return &apiRig{
		server: New(cfg, led, br, deals, links, gate, dup, rep),
		ledger: led,
		bridge: br,
		gate:   gate,
		chain:  chain,
		dir:    dir,
	}
}

func (r *apiRig) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func signedWithdrawBody(t *testing.T, key *ecdsa.PrivateKey, amount *big.Int, nonce uint64) map[string]any {
	t.Helper()
	user := crypto.PubkeyToAddress(key.PublicKey)
	msg := "withdraw:" + amount.String()
	hash := accounts.TextHash([]byte(msg))
	ethSig, err := crypto.Sign(hash, key)
	require.NoError(t, err)
	graphSig, err := crypto.Sign(hash, key)
	require.NoError(t, err)
	return map[string]any{
		"user":           user.Hex(),
		"amount":         amount.String(),
		"nonce":          nonce,
		"message":        msg,
		"ethSignature":   hexutil.Encode(ethSig),
		"graphSignature": hexutil.Encode(graphSig),
		"graphPubKey":    hexutil.Encode(crypto.CompressPubkey(&key.PublicKey)),
	}
}

func TestBalanceAndNonceEndpoints(t *testing.T) {
	rig := newAPIRig(t, Config{})
	user := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	_, err := rig.ledger.Credit(context.Background(), user, big.NewInt(1e18))
	require.NoError(t, err)

	w := rig.do(t, "GET", "/api/v1/bridge/balance/"+user.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	require.Equal(t, "1.000000", out["balanceEth"])

	w = rig.do(t, "GET", "/api/v1/bridge/balance/not-an-address", nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalidInput", decode(t, w)["error"])

	w = rig.do(t, "GET", "/api/v1/bridge/nonce/"+user.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out = decode(t, w)
	require.Equal(t, float64(0), out["lastNonce"])
	require.Equal(t, float64(1), out["nextNonce"])
}

func TestWithdrawBatchProofFlow(t *testing.T) {
	rig := newAPIRig(t, Config{})
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	user := crypto.PubkeyToAddress(key.PublicKey)
	_, err = rig.ledger.Credit(context.Background(), user, big.NewInt(1e18))
	require.NoError(t, err)

	amount := big.NewInt(4e17)
	w := rig.do(t, "POST", "/api/v1/bridge/withdraw", signedWithdrawBody(t, key, amount, 1), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Queued but not batched: the proof endpoint answers 202.
	proofPath := "/api/v1/bridge/proof/" + user.Hex() + "/" + amount.String() + "/1"
	w = rig.do(t, "GET", proofPath, nil, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = rig.do(t, "POST", "/api/v1/bridge/submit-batch", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	batch := decode(t, w)["batch"].(map[string]any)
	require.Equal(t, float64(1), batch["withdrawalCount"])

	w = rig.do(t, "GET", proofPath, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	require.Equal(t, "ok", out["status"])
	require.NotEmpty(t, out["root"])

	// Unknown tuple: 404.
	w = rig.do(t, "GET", "/api/v1/bridge/proof/"+user.Hex()+"/"+amount.String()+"/9", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	// Replaying the settled nonce surfaces the nonceTooLow kind.
	time.Sleep(5 * time.Millisecond) // clear of the duplicate-request window
	w = rig.do(t, "POST", "/api/v1/bridge/withdraw", signedWithdrawBody(t, key, amount, 1), nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "nonceTooLow", decode(t, w)["error"])
}

func TestWithdrawInsufficientBalanceIs402(t *testing.T) {
	rig := newAPIRig(t, Config{})
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	w := rig.do(t, "POST", "/api/v1/bridge/withdraw", signedWithdrawBody(t, key, big.NewInt(1e18), 1), nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	require.Equal(t, "insufficientBalance", decode(t, w)["error"])
}

func TestDuplicateWithdrawRefused(t *testing.T) {
	rig := newAPIRigWindow(t, Config{}, time.Minute)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	user := crypto.PubkeyToAddress(key.PublicKey)
	_, err = rig.ledger.Credit(context.Background(), user, big.NewInt(1e18))
	require.NoError(t, err)

	body := signedWithdrawBody(t, key, big.NewInt(1e17), 1)
	w := rig.do(t, "POST", "/api/v1/bridge/withdraw", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Same user, same route, same IP, inside the guard window.
	w = rig.do(t, "POST", "/api/v1/bridge/withdraw", signedWithdrawBody(t, key, big.NewInt(1e17), 2), nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "conflict", decode(t, w)["error"])
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	rig := newAPIRig(t, Config{})
	body := map[string]any{"fromBlock": 0, "toBlock": 10}

	w := rig.do(t, "POST", "/api/v1/bridge/sync-deposits", body, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = rig.do(t, "POST", "/api/v1/bridge/sync-deposits", body,
		map[string]string{"Authorization": "Bearer admin-secret"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The custom token header works too, but Bearer wins when both exist.
	w = rig.do(t, "POST", "/api/v1/bridge/sync-deposits", body,
		map[string]string{"token": "admin-secret"})
	require.Equal(t, http.StatusOK, w.Code)
	w = rig.do(t, "POST", "/api/v1/bridge/sync-deposits", body,
		map[string]string{"Authorization": "Bearer wrong", "token": "admin-secret"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDealEndpoints(t *testing.T) {
	rig := newAPIRig(t, Config{})

	w := rig.do(t, "GET", "/api/v1/deals/pricing", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode(t, w)["tiers"], 4)

	create := map[string]any{
		"cid": "QmX", "clientAddress": "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		"sizeMB": 1, "durationDays": 1, "tier": "enterprise",
	}
	w = rig.do(t, "POST", "/api/v1/deals/create", create, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	dealID := decode(t, w)["deal"].(map[string]any)["id"].(string)

	w = rig.do(t, "GET", "/api/v1/deals/"+dealID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Allowance is zero: activation refuses with invalidInput.
	w = rig.do(t, "POST", "/api/v1/deals/"+dealID+"/activate", nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	out := decode(t, w)
	require.Equal(t, "invalidInput", out["error"])
	require.Contains(t, out["message"], "client has not approved enough USDC")

	w = rig.do(t, "GET", "/api/v1/deals/unknown-id", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestShareLinkEndpoints(t *testing.T) {
	rig := newAPIRig(t, Config{})
	require.NoError(t, os.WriteFile(filepath.Join(rig.dir, "doc.txt"), []byte("hello world"), 0o644))

	// Creating requires credentials.
	body := map[string]any{"fileId": "doc.txt", "maxDownloads": 2}
	w := rig.do(t, "POST", "/api/files/create-share-link", body, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	apiKey, err := rig.gate.IssueKey(context.Background(), "0xAbCd", "test", 0)
	require.NoError(t, err)
	w = rig.do(t, "POST", "/api/files/create-share-link", body,
		map[string]string{"Authorization": "Bearer " + apiKey})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	token := decode(t, w)["token"].(string)

	w = rig.do(t, "GET", "/api/files/share/"+token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "hello world", w.Body.String())

	w = rig.do(t, "GET", "/api/files/share/"+token+"/info", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decode(t, w)
	require.Equal(t, float64(1), info["downloadCount"])
	require.Equal(t, "active", info["status"])

	// Second download exhausts the link; the third is 410.
	w = rig.do(t, "GET", "/api/files/share/"+token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = rig.do(t, "GET", "/api/files/share/"+token, nil, nil)
	require.Equal(t, http.StatusGone, w.Code)

	// Only the creator or the admin can revoke.
	otherKey, err := rig.gate.IssueKey(context.Background(), "0xOther", "other", 0)
	require.NoError(t, err)
	w = rig.do(t, "DELETE", "/api/files/share/"+token, nil,
		map[string]string{"Authorization": "Bearer " + otherKey})
	require.Equal(t, http.StatusForbidden, w.Code)
	w = rig.do(t, "DELETE", "/api/files/share/"+token, nil,
		map[string]string{"Authorization": "Bearer admin-secret"})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit(t *testing.T) {
	rig := newAPIRig(t, Config{RateLimit: rate.Every(time.Hour), RateBurst: 2})
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	var limited bool
	for i := 0; i < 4; i++ {
		w := rig.do(t, "POST", "/api/v1/bridge/withdraw",
			signedWithdrawBody(t, key, big.NewInt(1), uint64(i+1)), nil)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	require.True(t, limited, "burst exhausted requests should be 429")
}

func TestHealthEndpoint(t *testing.T) {
	rig := newAPIRig(t, Config{Host: "relay-test"})
	w := rig.do(t, "GET", "/api/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	require.Equal(t, "ok", out["status"])
	require.Equal(t, "relay-test", out["host"])
}
