package bridge

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/scobru/shogun-relay-sub014/frozen"
	"github.com/scobru/shogun-relay-sub014/merkle"
)

// Proof request outcomes.
type ProofStatus string

const (
	ProofOK               ProofStatus = "ok"
	ProofPending          ProofStatus = "pending"
	ProofAlreadyProcessed ProofStatus = "already-processed"
	ProofNotFound         ProofStatus = "not-found"
)

// ProofResult carries the inclusion proof for a batched withdrawal, or the
// reason there is none yet.
type ProofResult struct {
	Status        ProofStatus   `json:"status"`
	Proof         []common.Hash `json:"proof,omitempty"`
	BatchID       uint64        `json:"batchId,omitempty"`
	Root          common.Hash   `json:"root,omitempty"`
	Withdrawal    *Withdrawal   `json:"withdrawal,omitempty"`
	EstimatedWait time.Duration `json:"-"`
}

// Proof locates the batch containing (user, amount, nonce) and returns a
// Merkle inclusion proof over the batch's canonical withdrawal order.
func (b *Bridge) Proof(ctx context.Context, user common.Address, amount *big.Int, nonce uint64) (ProofResult, error) {
	start := time.Now()

	// Still queued: no proof exists yet.
	b.pendMu.Lock()
	for _, w := range b.pending {
		if w.User == user && w.Nonce == nonce && (*big.Int)(w.Amount).Cmp(amount) == 0 {
			b.pendMu.Unlock()
			return ProofResult{Status: ProofPending, EstimatedWait: b.cfg.BatchInterval}, nil
		}
	}
	b.pendMu.Unlock()

	batches, err := b.store.MapOnce(ctx, frozen.PathBatches, 5*time.Second)
	if err != nil {
		b.rep.RecordProofFailure(b.cfg.Host)
		return ProofResult{}, fmt.Errorf("bridge: enumerate batches: %w", err)
	}
	for key, env := range batches {
		var batch Batch
		if err := env.Decode(frozen.KindBatch, b.store.Signer(), &batch); err != nil {
			b.log.Warn("Skipping unverifiable batch record", "key", key, "err", err)
			continue
		}
		idx := -1
		leaves := make([]common.Hash, len(batch.Withdrawals))
		for i, w := range batch.Withdrawals {
			leaves[i] = w.Leaf()
			if w.User == user && w.Nonce == nonce && (*big.Int)(w.Amount).Cmp(amount) == 0 {
				idx = i
			}
		}
		if idx < 0 {
			continue
		}
		tree := merkle.New(leaves)
		proof, err := tree.ProveIndex(idx)
		if err != nil {
			b.rep.RecordProofFailure(b.cfg.Host)
			return ProofResult{}, fmt.Errorf("bridge: prove batch %d: %w", batch.ID, err)
		}
		w := batch.Withdrawals[idx]
		elapsed := time.Since(start)
		proofsServed.Inc(1)
		proofTimer.Update(elapsed)
		b.rep.RecordProofSuccess(b.cfg.Host, elapsed)
		return ProofResult{
			Status:     ProofOK,
			Proof:      proof,
			BatchID:    batch.ID,
			Root:       batch.Root,
			Withdrawal: &w,
		}, nil
	}

	// No local batch holds it; the chain may have settled it long ago.
	rpcCtx, cancel := context.WithTimeout(ctx, b.cfg.RPCTimeout)
	settled, err := b.chain.IsWithdrawalProcessed(rpcCtx, user, amount, nonce)
	cancel()
	if err != nil {
		b.rep.RecordProofFailure(b.cfg.Host)
		return ProofResult{}, fmt.Errorf("bridge: processed check: %w", err)
	}
	if settled {
		return ProofResult{Status: ProofAlreadyProcessed}, nil
	}
	b.rep.RecordProofFailure(b.cfg.Host)
	return ProofResult{Status: ProofNotFound}, nil
}

// State is the live settlement view served on the public surface.
type State struct {
	ChainID            *hexutil.Big   `json:"chainId"`
	CurrentStateRoot   common.Hash    `json:"currentStateRoot"`
	CurrentBatchID     uint64         `json:"currentBatchId"`
	Sequencer          common.Address `json:"sequencer"`
	ContractBalance    *hexutil.Big   `json:"contractBalance"`
	PendingWithdrawals int            `json:"pendingWithdrawals"`
}

// State gathers the contract's live view plus the local queue depth.
func (b *Bridge) State(ctx context.Context) (State, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, b.cfg.RPCTimeout)
	defer cancel()

	root, err := b.chain.GetCurrentStateRoot(rpcCtx)
	if err != nil {
		return State{}, fmt.Errorf("bridge: state root: %w", err)
	}
	batchID, err := b.chain.GetCurrentBatchID(rpcCtx)
	if err != nil {
		return State{}, fmt.Errorf("bridge: batch id: %w", err)
	}
	sequencer, err := b.chain.Sequencer(rpcCtx)
	if err != nil {
		return State{}, fmt.Errorf("bridge: sequencer: %w", err)
	}
	balance, err := b.chain.ContractBalance(rpcCtx)
	if err != nil {
		return State{}, fmt.Errorf("bridge: contract balance: %w", err)
	}
	b.pendMu.Lock()
	pending := len(b.pending)
	b.pendMu.Unlock()
	return State{
		ChainID:            (*hexutil.Big)(b.chain.ChainID()),
		CurrentStateRoot:   root,
		CurrentBatchID:     batchID,
		Sequencer:          sequencer,
		ContractBalance:    (*hexutil.Big)(balance),
		PendingWithdrawals: pending,
	}, nil
}

// BalanceInfo enriches a user's balance with their most recent Merkle
// inclusion and its on-chain finality.
type BalanceInfo struct {
	User          common.Address `json:"user"`
	Balance       *hexutil.Big   `json:"balance"`
	LastBatchID   uint64         `json:"lastBatchId,omitempty"`
	LastRoot      common.Hash    `json:"lastRoot,omitempty"`
	LastNonce     uint64         `json:"lastIncludedNonce,omitempty"`
	Finalized     bool           `json:"finalized"`
	HasInclusion  bool           `json:"hasInclusion"`
}

// BalanceInfo scans local batch records for the user's newest inclusion.
func (b *Bridge) BalanceInfo(ctx context.Context, user common.Address) (BalanceInfo, error) {
	info := BalanceInfo{
		User:    user,
		Balance: (*hexutil.Big)(b.ledger.Balance(user)),
	}
	batches, err := b.store.MapOnce(ctx, frozen.PathBatches, 5*time.Second)
	if err != nil {
		return info, fmt.Errorf("bridge: enumerate batches: %w", err)
	}
	for _, env := range batches {
		var batch Batch
		if err := env.Decode(frozen.KindBatch, b.store.Signer(), &batch); err != nil {
			continue
		}
		for _, w := range batch.Withdrawals {
			if w.User != user {
				continue
			}
			if !info.HasInclusion || batch.ID > info.LastBatchID || w.Nonce > info.LastNonce {
				info.HasInclusion = true
				info.LastBatchID = batch.ID
				info.LastRoot = batch.Root
				info.LastNonce = w.Nonce
			}
		}
	}
	if info.HasInclusion {
		rpcCtx, cancel := context.WithTimeout(ctx, b.cfg.RPCTimeout)
		onchain, err := b.chain.GetBatchInfo(rpcCtx, info.LastBatchID)
		cancel()
		if err == nil {
			info.Finalized = onchain.Finalized && onchain.Root == info.LastRoot
		}
	}
	return info, nil
}

// BatchRecord fetches a stored batch by id.
func (b *Bridge) BatchRecord(ctx context.Context, id uint64) (Batch, error) {
	var batch Batch
	path := frozen.PathBatches + "/" + strconv.FormatUint(id, 10)
	if err := b.store.GetVerified(ctx, path, frozen.KindBatch, b.store.Signer(), &batch); err != nil {
		return Batch{}, err
	}
	return batch, nil
}
