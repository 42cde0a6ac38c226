package relay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequiresKeyAndRPC(t *testing.T) {
	ctx := context.Background()

	cfg := DefaultConfig
	cfg.RPCURL = "http://localhost:8545"
	_, err := New(ctx, cfg)
	require.ErrorIs(t, err, ErrNoRelayKey)

	cfg = DefaultConfig
	cfg.RelayKey = "289c2857d4598e37fb9647507e47a309d6133539bf21a8b9cb6df88fd5232032"
	_, err = New(ctx, cfg)
	require.ErrorIs(t, err, ErrNoRPCURL)
}

func TestNewRejectsMalformedKey(t *testing.T) {
	cfg := DefaultConfig
	cfg.RPCURL = "http://localhost:8545"
	cfg.RelayKey = "0xnothex"
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse relay key")
}
