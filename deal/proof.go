package deal

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const sampleSize = 256

// StorageProof attests that this relay holds a deal's content right now.
// The hash commits to the CID, the caller's challenge, the block size and a
// content sample, so it cannot be precomputed.
type StorageProof struct {
	DealID     string      `json:"dealId"`
	CID        string      `json:"cid"`
	Challenge  string      `json:"challenge"`
	ProofHash  common.Hash `json:"proofHash"`
	SizeBytes  int         `json:"sizeBytes"`
	Pinned     bool        `json:"pinned"`
	Timestamp  int64       `json:"timestamp"`
	ValidUntil int64       `json:"validUntil"`
}

// Prove produces a storage proof for the deal against a challenge nonce.
// Success and failure both feed the relay's reputation.
func (e *Engine) Prove(ctx context.Context, id, challenge string) (*StorageProof, error) {
	start := time.Now()
	d, err := e.Get(ctx, id)
	if err != nil {
		e.rep.RecordProofFailure(e.cfg.Host)
		return nil, err
	}

	_, size, err := e.ipfs.BlockStat(d.CID)
	if err != nil {
		e.rep.RecordProofFailure(e.cfg.Host)
		return nil, fmt.Errorf("deal: block stat %s: %w", d.CID, err)
	}
	pinned, err := e.isPinned(d.CID)
	if err != nil {
		e.rep.RecordProofFailure(e.cfg.Host)
		return nil, fmt.Errorf("deal: pin check %s: %w", d.CID, err)
	}
	sample, err := e.readSample(ctx, d.CID)
	if err != nil {
		e.rep.RecordProofFailure(e.cfg.Host)
		return nil, fmt.Errorf("deal: sample %s: %w", d.CID, err)
	}

	now := time.Now().UnixMilli()
	hash := crypto.Keccak256Hash(
		[]byte(d.CID),
		[]byte(challenge),
		[]byte(strconv.FormatInt(now, 10)),
		[]byte(strconv.Itoa(size)),
		[]byte(base64.StdEncoding.EncodeToString(sample)),
	)
	e.rep.RecordProofSuccess(e.cfg.Host, time.Since(start))
	return &StorageProof{
		DealID:     id,
		CID:        d.CID,
		Challenge:  challenge,
		ProofHash:  hash,
		SizeBytes:  size,
		Pinned:     pinned,
		Timestamp:  now,
		ValidUntil: now + e.cfg.ProofWindow.Milliseconds(),
	}, nil
}

func (e *Engine) isPinned(cid string) (bool, error) {
	pins, err := e.ipfs.Pins()
	if err != nil {
		return false, err
	}
	_, ok := pins[cid]
	return ok, nil
}

func (e *Engine) readSample(ctx context.Context, cid string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		rc, err := e.ipfs.Cat(cid)
		if err != nil {
			done <- result{nil, err}
			return
		}
		defer rc.Close()
		buf := make([]byte, sampleSize)
		n, err := io.ReadFull(rc, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		done <- result{buf[:n], err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(e.cfg.CatTimeout):
		return nil, fmt.Errorf("deal: sample read timed out")
	case res := <-done:
		return res.data, res.err
	}
}

// VerifyResult cross-checks a deal's local storage state against the chain.
type VerifyResult struct {
	DealID    string `json:"dealId"`
	CID       string `json:"cid"`
	Status    Status `json:"status"`
	Present   bool   `json:"present"`
	Pinned    bool   `json:"pinned"`
	SizeBytes int    `json:"sizeBytes,omitempty"`
	OnChain   bool   `json:"onChain"`
}

// Verify reports whether the deal's content is present and pinned locally
// and whether the registry knows the deal.
func (e *Engine) Verify(ctx context.Context, id string) (*VerifyResult, error) {
	d, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &VerifyResult{DealID: id, CID: d.CID, Status: d.Status}

	if _, size, err := e.ipfs.BlockStat(d.CID); err == nil {
		out.Present = true
		out.SizeBytes = size
	}
	if pinned, err := e.isPinned(d.CID); err == nil {
		out.Pinned = pinned
	}
	if d.OnChainDealID != 0 {
		deals, err := e.chain.GetClientDeals(ctx, d.Client)
		if err == nil {
			for _, ocd := range deals {
				if ocd.OnChainID == d.OnChainDealID || ocd.ID == d.hash() {
					out.OnChain = true
					break
				}
			}
		}
	}
	return out, nil
}
