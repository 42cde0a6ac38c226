package bridge

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/scobru/shogun-relay-sub014/chainrpc"
	"github.com/scobru/shogun-relay-sub014/frozen"
)

const auditPath = "bridge/audit"

// SyncReport summarizes one deposit replay pass.
type SyncReport struct {
	Seen      int `json:"seen"`
	Credited  int `json:"credited"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Corrected int `json:"corrected"`
}

// SyncDeposits replays on-chain Deposit events in [fromBlock, toBlock] into
// the ledger, then reconciles every touched user against the chain. Credits
// are idempotent on (txHash, user, amount).
func (b *Bridge) SyncDeposits(ctx context.Context, fromBlock, toBlock uint64, user *common.Address) (SyncReport, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, b.cfg.RPCTimeout)
	events, err := b.chain.QueryDeposits(rpcCtx, fromBlock, toBlock, user)
	cancel()
	if err != nil {
		return SyncReport{}, fmt.Errorf("bridge: query deposits: %w", err)
	}

	var report SyncReport
	touched := make(map[common.Address]bool)
	for _, ev := range events {
		report.Seen++
		switch err := b.processDeposit(ctx, ev); {
		case err == nil:
			report.Credited++
			touched[ev.User] = true
		case isSkip(err):
			report.Skipped++
		default:
			report.Failed++
			b.log.Warn("Deposit credit failed", "tx", ev.TxHash, "user", ev.User, "err", err)
		}
	}

	corrected, err := b.reconcile(ctx, touched, fromBlock, toBlock)
	if err != nil {
		b.log.Warn("Reconciliation pass failed", "err", err)
	}
	report.Corrected = corrected
	b.log.Info("Deposit sync complete", "from", fromBlock, "to", toBlock,
		"seen", report.Seen, "credited", report.Credited, "skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

// errSkip marks an event that was intentionally not re-credited.
type errSkip struct{}

func (errSkip) Error() string       { return "bridge: deposit already processed" }
func isSkip(err error) bool { _, ok := err.(errSkip); return ok }

// processDeposit credits a single event. The credit is only marked processed
// after the ledger confirms the new balance covers the deposit, so a
// non-durable credit is retried on the next pass.
func (b *Bridge) processDeposit(ctx context.Context, ev chainrpc.DepositEvent) error {
	key := depositKey(ev.TxHash, ev.User, ev.Amount)
	if b.processed.Contains(key) && b.ledger.Balance(ev.User).Sign() > 0 {
		depositsSkipped.Inc(1)
		return errSkip{}
	}

	if _, err := b.ledger.Credit(ctx, ev.User, ev.Amount); err != nil {
		return err
	}

	// Poll until the committed balance covers the deposit before recording
	// the idempotency key.
	confirmed := false
	for attempt := 0; attempt < b.cfg.CreditConfirmAttempts; attempt++ {
		if b.ledger.Balance(ev.User).Cmp(ev.Amount) >= 0 {
			confirmed = true
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.CreditConfirmBackoff * time.Duration(attempt+1)):
		}
	}
	if !confirmed {
		return fmt.Errorf("bridge: credit durability unconfirmed for %s", ev.User)
	}

	rec := depositRecord{
		TxHash:      ev.TxHash,
		User:        ev.User,
		Amount:      (*hexutil.Big)(ev.Amount),
		BlockNumber: ev.BlockNumber,
		Timestamp:   time.Now().UnixMilli(),
	}
	path := frozen.PathProcessedDeposits + "/" + key
	if err := b.store.PutSigned(ctx, path, frozen.KindDeposit, rec); err != nil {
		return fmt.Errorf("bridge: record deposit: %w", err)
	}
	b.processed.Add(key)
	depositsCredited.Inc(1)
	return nil
}

// ProcessDepositTx is the admin path: replay one transaction's deposit. The
// block range bounds the event scan.
func (b *Bridge) ProcessDepositTx(ctx context.Context, txHash common.Hash, fromBlock, toBlock uint64) error {
	if toBlock == 0 {
		head, err := b.chain.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("bridge: head block: %w", err)
		}
		toBlock = head
		if head > 10_000 {
			fromBlock = head - 10_000
		}
	}
	rpcCtx, cancel := context.WithTimeout(ctx, b.cfg.RPCTimeout)
	events, err := b.chain.QueryDeposits(rpcCtx, fromBlock, toBlock, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("bridge: query deposits: %w", err)
	}
	for _, ev := range events {
		if ev.TxHash == txHash {
			if err := b.processDeposit(ctx, ev); err != nil && !isSkip(err) {
				return err
			}
			return nil
		}
	}
	return fmt.Errorf("bridge: no deposit event in tx %s within blocks %d-%d", txHash.Hex(), fromBlock, toBlock)
}

// reconcile recomputes expected balances for the touched users from chain
// history and writes an audited correction where the ledger disagrees.
func (b *Bridge) reconcile(ctx context.Context, touched map[common.Address]bool, fromBlock, toBlock uint64) (int, error) {
	corrected := 0
	for user := range touched {
		user := user
		rpcCtx, cancel := context.WithTimeout(ctx, b.cfg.RPCTimeout)
		deposits, err := b.chain.QueryDeposits(rpcCtx, fromBlock, toBlock, &user)
		cancel()
		if err != nil {
			return corrected, err
		}
		rpcCtx, cancel = context.WithTimeout(ctx, b.cfg.RPCTimeout)
		withdrawals, err := b.chain.QueryWithdrawals(rpcCtx, fromBlock, toBlock, &user)
		cancel()
		if err != nil {
			return corrected, err
		}

		expected := new(big.Int)
		for _, d := range deposits {
			expected.Add(expected, d.Amount)
		}
		for _, w := range withdrawals {
			expected.Sub(expected, w.Amount)
		}
		if expected.Sign() < 0 {
			expected.SetInt64(0)
		}

		actual := b.ledger.Balance(user)
		if actual.Cmp(expected) == 0 {
			continue
		}
		b.log.Warn("Balance mismatch during reconciliation",
			"user", user, "ledger", actual, "expected", expected)
		if err := b.ledger.ForceBalance(ctx, user, expected, "reconciliation"); err != nil {
			return corrected, err
		}
		audit := map[string]string{
			"user":     strings.ToLower(user.Hex()),
			"previous": actual.String(),
			"expected": expected.String(),
			"window":   fmt.Sprintf("%d-%d", fromBlock, toBlock),
		}
		auditKey := fmt.Sprintf("%s/%s-%d", auditPath, strings.ToLower(user.Hex()), time.Now().UnixMilli())
		if err := b.store.PutSigned(ctx, auditKey, frozen.KindAudit, audit); err != nil {
			b.log.Warn("Audit record not durable", "user", user, "err", err)
		}
		corrected++
	}
	return corrected, nil
}
