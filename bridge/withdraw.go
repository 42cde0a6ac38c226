package bridge

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/scobru/shogun-relay-sub014/frozen"
	"github.com/scobru/shogun-relay-sub014/ledger"
)

// WithdrawRequest is a user-authored withdrawal. Amount is in wei. A zero
// Nonce asks the bridge to assign lastNonce+1; a non-zero Nonce is honored
// only if it moves the user's nonce forward.
type WithdrawRequest struct {
	User           common.Address
	Amount         *big.Int
	Nonce          uint64
	Message        string
	EthSignature   string // 0x-prefixed 65-byte hex
	GraphSignature string // co-signature by the user's graph-store key
	GraphPubKey    string // compressed secp256k1 pubkey, hex
}

func (r *WithdrawRequest) validate(cap *big.Int) error {
	if r.User == (common.Address{}) {
		return fmt.Errorf("%w: missing user address", ErrInvalidRequest)
	}
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if cap != nil && r.Amount.Cmp(cap) > 0 {
		return fmt.Errorf("%w: amount %s above cap %s", ErrAmountCap, r.Amount, cap)
	}
	if r.Message == "" || r.EthSignature == "" || r.GraphSignature == "" || r.GraphPubKey == "" {
		return fmt.Errorf("%w: message, both signatures and the graph public key are required", ErrInvalidRequest)
	}
	if !frozen.ValidSignatureFormat(r.EthSignature) || !frozen.ValidSignatureFormat(r.GraphSignature) {
		return fmt.Errorf("%w: malformed signature", ErrInvalidRequest)
	}
	return nil
}

// RequestWithdrawal validates, replay-checks, debits and queues a
// withdrawal. If queueing fails after the debit succeeded, the nonce has
// already advanced and is NOT rolled back: the caller receives
// ErrQueueAfterDebit and must escalate to operations.
func (b *Bridge) RequestWithdrawal(ctx context.Context, req WithdrawRequest) (Withdrawal, error) {
	if err := req.validate(b.cfg.WithdrawalCap); err != nil {
		return Withdrawal{}, err
	}

	ethSig, err := hexutil.Decode(req.EthSignature)
	if err != nil {
		return Withdrawal{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	graphSig, err := hexutil.Decode(req.GraphSignature)
	if err != nil {
		return Withdrawal{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	graphPub, err := hexutil.Decode(req.GraphPubKey)
	if err != nil {
		return Withdrawal{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := frozen.VerifyDualSignature(req.Message, ethSig, graphSig, graphPub, req.User); err != nil {
		return Withdrawal{}, err
	}

	nonce := req.Nonce
	last := b.ledger.Nonce(req.User)
	if nonce == 0 {
		nonce = last + 1
	} else if nonce <= last {
		return Withdrawal{}, fmt.Errorf("%w: got %d, expected > %d", ledger.ErrNonceTooLow, nonce, last)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, b.cfg.RPCTimeout)
	settled, err := b.chain.IsWithdrawalProcessed(rpcCtx, req.User, req.Amount, nonce)
	cancel()
	if err != nil {
		return Withdrawal{}, fmt.Errorf("bridge: replay check: %w", err)
	}
	if settled {
		return Withdrawal{}, ErrReplay
	}

	receipt, err := b.ledger.Debit(ctx, req.User, req.Amount, nonce)
	if err != nil {
		return Withdrawal{}, err
	}

	w := Withdrawal{
		User:      req.User,
		Amount:    (*hexutil.Big)(new(big.Int).Set(req.Amount)),
		Nonce:     nonce,
		Timestamp: time.Now().UnixMilli(),
		Receipt:   receipt,
	}
	if err := b.store.PutSigned(ctx, pendingPath(receipt), frozen.KindWithdrawal, w); err != nil {
		// Deliberately no rollback: the debit advanced the nonce.
		b.log.Error("Balance debited but withdrawal queueing failed",
			"user", req.User, "amount", req.Amount, "nonce", nonce, "receipt", receipt, "err", err)
		return Withdrawal{}, fmt.Errorf("%w (receipt %s): %v", ErrQueueAfterDebit, receipt.Hex(), err)
	}

	b.pendMu.Lock()
	b.pending[receipt] = w
	b.pendMu.Unlock()
	withdrawalsQueued.Inc(1)
	b.log.Info("Withdrawal queued", "user", req.User, "amount", req.Amount, "nonce", nonce)
	return w, nil
}
