package chainrpc

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestABIsParse(t *testing.T) {
	for name, src := range map[string]string{
		"bridge": bridgeABIJSON,
		"deals":  dealRegistryABIJSON,
		"erc20":  erc20ABIJSON,
	} {
		_, err := abi.JSON(strings.NewReader(src))
		require.NoError(t, err, name)
	}
}

func TestSubmitBatchPacking(t *testing.T) {
	bridgeABI, err := abi.JSON(strings.NewReader(bridgeABIJSON))
	require.NoError(t, err)

	withdrawals := []BatchWithdrawal{
		{User: common.HexToAddress("0x01"), Amount: big.NewInt(1e18), Nonce: big.NewInt(1)},
		{User: common.HexToAddress("0x02"), Amount: big.NewInt(2e18), Nonce: big.NewInt(1)},
	}
	root := common.HexToHash("0xdeadbeef")
	sigs := [][]byte{{0x01}, {0x02}}

	input, err := bridgeABI.Pack("submitBatch", [32]byte(root), withdrawals, sigs)
	require.NoError(t, err)
	require.Equal(t, bridgeABI.Methods["submitBatch"].ID, input[:4])
}

func TestEventIDsDeclared(t *testing.T) {
	bridgeABI, err := abi.JSON(strings.NewReader(bridgeABIJSON))
	require.NoError(t, err)
	for _, ev := range []string{"Deposit", "WithdrawalProcessed", "BatchSubmitted"} {
		_, ok := bridgeABI.Events[ev]
		require.True(t, ok, ev)
	}
	dealABI, err := abi.JSON(strings.NewReader(dealRegistryABIJSON))
	require.NoError(t, err)
	_, ok := dealABI.Events["DealRegistered"]
	require.True(t, ok)
}

func TestIsAlreadyFinalized(t *testing.T) {
	require.True(t, isAlreadyFinalized(errSubmit("execution reverted: Batch Already Finalized")))
	require.False(t, isAlreadyFinalized(errSubmit("execution reverted: bad root")))
	require.False(t, isAlreadyFinalized(nil))
}

type errSubmit string

func (e errSubmit) Error() string { return string(e) }
