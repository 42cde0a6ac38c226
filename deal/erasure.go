package deal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/sync/errgroup"
)

// ErasureShard is one uploaded chunk of an erasure-coded object.
type ErasureShard struct {
	Index int    `json:"index"`
	CID   string `json:"cid"`
	Role  string `json:"role"` // data | parity
}

// ErasureMetadata records how to reconstruct the original bytes: any
// DataShards of the listed shards suffice.
type ErasureMetadata struct {
	DataShards   int            `json:"dataShards"`
	ParityShards int            `json:"parityShards"`
	ShardSize    int            `json:"shardSize"`
	OriginalSize int64          `json:"originalSize"`
	Shards       []ErasureShard `json:"shards"`
	EncodedAt    int64          `json:"encodedAt"`
}

// Encode fetches the CID's bytes, splits them into K data shards, computes
// P parity shards and uploads all K+P back to IPFS. Shards are uploaded in
// parallel; a single failed upload fails the whole encoding since a partial
// shard set is worthless.
func (e *Engine) Encode(ctx context.Context, cid string) (*ErasureMetadata, error) {
	data, err := e.catAll(ctx, cid)
	if err != nil {
		return nil, fmt.Errorf("deal: fetch %s: %w", cid, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("deal: cid %s is empty", cid)
	}

	k, p := e.cfg.DataShards, e.cfg.ParityShards
	enc, err := reedsolomon.New(k, p)
	if err != nil {
		return nil, fmt.Errorf("deal: erasure codec: %w", err)
	}
	shards, err := enc.Split(data)
	if err != nil {
		return nil, fmt.Errorf("deal: split: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("deal: encode parity: %w", err)
	}

	meta := &ErasureMetadata{
		DataShards:   k,
		ParityShards: p,
		ShardSize:    len(shards[0]),
		OriginalSize: int64(len(data)),
		Shards:       make([]ErasureShard, len(shards)),
		EncodedAt:    time.Now().UnixMilli(),
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range shards {
		i := i
		g.Go(func() error {
			shardCID, err := e.ipfs.Add(bytes.NewReader(shards[i]))
			if err != nil {
				return fmt.Errorf("deal: upload shard %d: %w", i, err)
			}
			role := "data"
			if i >= k {
				role = "parity"
			}
			meta.Shards[i] = ErasureShard{Index: i, CID: shardCID, Role: role}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.log.Info("Erasure coded", "cid", cid, "bytes", len(data), "data", k, "parity", p)
	return meta, nil
}

// Reconstruct rebuilds the original bytes from any recoverable subset of
// the recorded shards. Missing or unfetchable shards are left nil for the
// decoder to regenerate.
func (e *Engine) Reconstruct(ctx context.Context, meta *ErasureMetadata) ([]byte, error) {
	enc, err := reedsolomon.New(meta.DataShards, meta.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("deal: erasure codec: %w", err)
	}
	shards := make([][]byte, meta.DataShards+meta.ParityShards)
	available := 0
	for _, s := range meta.Shards {
		blob, err := e.catAll(ctx, s.CID)
		if err != nil {
			e.log.Warn("Shard unavailable", "index", s.Index, "cid", s.CID, "err", err)
			continue
		}
		shards[s.Index] = blob
		available++
	}
	if available < meta.DataShards {
		return nil, fmt.Errorf("deal: only %d of %d required shards available", available, meta.DataShards)
	}
	if err := enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("deal: reconstruct: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(int(meta.OriginalSize))
	if err := enc.Join(&buf, shards, int(meta.OriginalSize)); err != nil {
		return nil, fmt.Errorf("deal: join: %w", err)
	}
	return buf.Bytes(), nil
}

// catAll streams a CID fully into memory, bounded by the cat timeout.
func (e *Engine) catAll(ctx context.Context, cid string) ([]byte, error) {
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
		data, err := io.ReadAll(rc)
		done <- result{data, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(e.cfg.CatTimeout):
		return nil, fmt.Errorf("deal: cat %s timed out after %s", cid, e.cfg.CatTimeout)
	case res := <-done:
		return res.data, res.err
	}
}
