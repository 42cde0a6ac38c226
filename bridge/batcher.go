package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/scobru/shogun-relay-sub014/chainrpc"
	"github.com/scobru/shogun-relay-sub014/frozen"
	"github.com/scobru/shogun-relay-sub014/merkle"
)

// SubmitPendingBatch drains the withdrawal queue into a Merkle-rooted batch
// and submits it. At most one submission is in flight; on any failure the
// queue is left intact for the next pass. A root the contract has already
// finalized counts as success once the on-chain info confirms it.
func (b *Bridge) SubmitPendingBatch(ctx context.Context) (Batch, error) {
	if !b.batchMu.TryLock() {
		return Batch{}, ErrBatchInFlight
	}
	defer b.batchMu.Unlock()

	withdrawals := b.PendingWithdrawals() // canonical (user, nonce) order
	if len(withdrawals) == 0 {
		return Batch{}, ErrBatchEmpty
	}

	leaves := make([]common.Hash, len(withdrawals))
	for i := range withdrawals {
		leaves[i] = withdrawals[i].Leaf()
	}
	tree := merkle.New(leaves)
	root := tree.Root()

	tuple := make([]chainrpc.BatchWithdrawal, len(withdrawals))
	for i, w := range withdrawals {
		tuple[i] = chainrpc.BatchWithdrawal{
			User:   w.User,
			Amount: (*big.Int)(w.Amount),
			Nonce:  new(big.Int).SetUint64(w.Nonce),
		}
	}
	rootSig, err := b.store.Sign(root.Bytes())
	if err != nil {
		return Batch{}, fmt.Errorf("bridge: sign root: %w", err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, b.cfg.RPCTimeout)
	result, err := b.chain.SubmitBatch(rpcCtx, root, tuple, [][]byte{rootSig})
	cancel()
	if err != nil {
		if errors.Is(err, chainrpc.ErrAlreadyFinalized) {
			result, err = b.recoverFinalized(ctx, root)
		}
		if err != nil {
			batchesFailed.Inc(1)
			b.rep.RecordBatchFailure(b.cfg.Host)
			b.log.Warn("Batch submission failed, queue kept for retry",
				"withdrawals", len(withdrawals), "root", root, "err", err)
			return Batch{}, fmt.Errorf("bridge: submit batch: %w", err)
		}
	}

	batch := Batch{
		ID:          result.BatchID,
		Root:        root,
		Withdrawals: withdrawals,
		Timestamp:   time.Now().UnixMilli(),
		TxHash:      result.TxHash,
		BlockNumber: result.BlockNumber,
	}
	path := frozen.PathBatches + "/" + strconv.FormatUint(batch.ID, 10)
	if err := b.store.PutSigned(ctx, path, frozen.KindBatch, batch); err != nil {
		// The contract accepted the batch; losing the local record only
		// degrades proof serving until the next relay sync.
		b.log.Error("Batch committed on-chain but record write failed", "batch", batch.ID, "err", err)
	}

	b.pendMu.Lock()
	for _, w := range withdrawals {
		delete(b.pending, w.Receipt)
	}
	b.pendMu.Unlock()
	for _, w := range withdrawals {
		if err := b.store.Delete(ctx, pendingPath(w.Receipt)); err != nil {
			b.log.Warn("Pending record not cleared", "receipt", w.Receipt, "err", err)
		}
	}

	batchesSubmitted.Inc(1)
	b.rep.RecordBatchSuccess(b.cfg.Host, len(withdrawals))
	b.log.Info("Submitted withdrawal batch", "batch", batch.ID, "root", root,
		"withdrawals", len(withdrawals), "tx", batch.TxHash)
	return batch, nil
}

// recoverFinalized maps an AlreadyFinalized revert onto the batch id the
// contract committed for this root.
func (b *Bridge) recoverFinalized(ctx context.Context, root common.Hash) (chainrpc.SubmitResult, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, b.cfg.RPCTimeout)
	defer cancel()
	current, err := b.chain.GetCurrentBatchID(rpcCtx)
	if err != nil {
		return chainrpc.SubmitResult{}, err
	}
	// The matching batch is almost always the newest; scan back a little in
	// case another relay has submitted since.
	for id := current; id > 0 && current-id < 16; id-- {
		info, err := b.chain.GetBatchInfo(rpcCtx, id)
		if err != nil {
			return chainrpc.SubmitResult{}, err
		}
		if info.Root == root && info.Finalized {
			b.log.Info("Batch root already finalized on-chain, adopting", "batch", id, "root", root)
			return chainrpc.SubmitResult{BatchID: id}, nil
		}
	}
	return chainrpc.SubmitResult{}, fmt.Errorf("bridge: root %s reported finalized but not found on-chain", root.Hex())
}
