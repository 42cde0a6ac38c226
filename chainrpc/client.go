// Package chainrpc wraps the settlement contract and the USDC deal registry
// behind typed calls. The client holds no chain state beyond the parsed ABIs
// and the chain id captured at dial time; callers own freshness and
// timeouts.
package chainrpc

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
)

// ErrAlreadyFinalized is returned by SubmitBatch when the contract reports
// the root as already committed. The batch builder treats it as success
// after confirming the on-chain batch info.
var ErrAlreadyFinalized = errors.New("chainrpc: batch already finalized")

// DepositEvent is a decoded on-chain deposit.
type DepositEvent struct {
	TxHash      common.Hash
	User        common.Address
	Amount      *big.Int
	BlockNumber uint64
}

// WithdrawalEvent is a decoded on-chain processed withdrawal.
type WithdrawalEvent struct {
	TxHash      common.Hash
	User        common.Address
	Amount      *big.Int
	Nonce       uint64
	BlockNumber uint64
}

// BatchInfo mirrors the contract's batch bookkeeping.
type BatchInfo struct {
	ID              uint64
	Root            common.Hash
	WithdrawalCount uint64
	Timestamp       uint64
	Finalized       bool
}

// SubmitResult reports a mined batch submission.
type SubmitResult struct {
	BatchID     uint64
	TxHash      common.Hash
	BlockNumber uint64
}

// BatchWithdrawal is the (user, amount, nonce) tuple the contract hashes
// into leaves. Field order matches the solidity struct.
type BatchWithdrawal struct {
	User   common.Address
	Amount *big.Int
	Nonce  *big.Int
}

// RelayInfo is the registry's view of a relay.
type RelayInfo struct {
	Owner    common.Address
	Endpoint string
	Stake    *big.Int
	Active   bool
}

// OnChainDeal is the registry's view of a storage deal.
type OnChainDeal struct {
	ID           common.Hash
	OnChainID    uint64
	Client       common.Address
	CID          string
	SizeMB       uint64
	PriceUSDC    *big.Int
	DurationDays uint64
	Active       bool
}

// Config identifies the endpoint and the two contracts.
type Config struct {
	RPCURL          string
	BridgeContract  common.Address
	DealRegistry    common.Address
	USDCToken       common.Address
	GasLimit        uint64 // 0 means estimate
}

// Client is safe for concurrent use.
type Client struct {
	eth       *ethclient.Client
	cfg       Config
	chainID   *big.Int
	key       *ecdsa.PrivateKey
	from      common.Address
	bridgeABI abi.ABI
	dealABI   abi.ABI
	erc20ABI  abi.ABI
	log       log.Logger
}

// Dial connects, captures the chain id and parses the ABIs. key signs batch
// submissions and deal registrations.
func Dial(ctx context.Context, cfg Config, key *ecdsa.PrivateKey) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: dial %s: %w", cfg.RPCURL, err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chainrpc: chain id: %w", err)
	}
	return NewClient(eth, chainID, cfg, key)
}

// NewClient wraps an existing connection. Split out of Dial for tests.
func NewClient(eth *ethclient.Client, chainID *big.Int, cfg Config, key *ecdsa.PrivateKey) (*Client, error) {
	bridgeABI, err := abi.JSON(strings.NewReader(bridgeABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chainrpc: bridge abi: %w", err)
	}
	dealABI, err := abi.JSON(strings.NewReader(dealRegistryABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chainrpc: deal registry abi: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chainrpc: erc20 abi: %w", err)
	}
	return &Client{
		eth:       eth,
		cfg:       cfg,
		chainID:   chainID,
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		bridgeABI: bridgeABI,
		dealABI:   dealABI,
		erc20ABI:  erc20ABI,
		log:       log.New("component", "chainrpc"),
	}, nil
}

func (c *Client) Close()               { c.eth.Close() }
func (c *Client) ChainID() *big.Int    { return new(big.Int).Set(c.chainID) }
func (c *Client) From() common.Address { return c.from }

// DealRegistry returns the registry contract address, the allowance spender
// for storage deals.
func (c *Client) DealRegistry() common.Address { return c.cfg.DealRegistry }

// BlockNumber returns the current head block.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// call performs a read-only contract call and unpacks the outputs.
func (c *Client) call(ctx context.Context, contract common.Address, cabi abi.ABI, method string, args ...any) ([]any, error) {
	input, err := cabi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: pack %s: %w", method, err)
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: call %s: %w", method, err)
	}
	res, err := cabi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: unpack %s: %w", method, err)
	}
	return res, nil
}

// transact signs, sends and waits for a state-changing call.
func (c *Client) transact(ctx context.Context, contract common.Address, cabi abi.ABI, method string, args ...any) (*types.Receipt, error) {
	input, err := cabi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: pack %s: %w", method, err)
	}
	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: pending nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: gas price: %w", err)
	}
	gasLimit := c.cfg.GasLimit
	if gasLimit == 0 {
		gasLimit, err = c.eth.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &contract, Data: input})
		if err != nil {
			return nil, fmt.Errorf("chainrpc: estimate gas for %s: %w", method, err)
		}
	}
	tx := types.NewTransaction(nonce, contract, new(big.Int), gasLimit, gasPrice, input)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: sign tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("chainrpc: send %s: %w", method, err)
	}
	receipt, err := bind.WaitMined(ctx, c.eth, signed)
	if err != nil {
		return nil, fmt.Errorf("chainrpc: wait mined %s: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("chainrpc: %s reverted in tx %s", method, signed.Hash().Hex())
	}
	return receipt, nil
}

// GetCurrentStateRoot reads the contract's committed state root.
func (c *Client) GetCurrentStateRoot(ctx context.Context) (common.Hash, error) {
	out, err := c.call(ctx, c.cfg.BridgeContract, c.bridgeABI, "currentStateRoot")
	if err != nil {
		return common.Hash{}, err
	}
	return out[0].([32]byte), nil
}

// GetCurrentBatchID reads the latest committed batch id.
func (c *Client) GetCurrentBatchID(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, c.cfg.BridgeContract, c.bridgeABI, "currentBatchId")
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

// Sequencer reads the contract's authorized sequencer address.
func (c *Client) Sequencer(ctx context.Context) (common.Address, error) {
	out, err := c.call(ctx, c.cfg.BridgeContract, c.bridgeABI, "sequencer")
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

// ContractBalance reads the bridge contract's ether balance.
func (c *Client) ContractBalance(ctx context.Context) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, c.cfg.BridgeContract, nil)
}

// GetBatchInfo reads the stored info for a batch id.
func (c *Client) GetBatchInfo(ctx context.Context, id uint64) (BatchInfo, error) {
	out, err := c.call(ctx, c.cfg.BridgeContract, c.bridgeABI, "getBatchInfo", new(big.Int).SetUint64(id))
	if err != nil {
		return BatchInfo{}, err
	}
	return BatchInfo{
		ID:              id,
		Root:            out[0].([32]byte),
		WithdrawalCount: out[1].(*big.Int).Uint64(),
		Timestamp:       out[2].(*big.Int).Uint64(),
		Finalized:       out[3].(bool),
	}, nil
}

// IsWithdrawalProcessed asks the contract whether the exact tuple has been
// settled on L1 already.
func (c *Client) IsWithdrawalProcessed(ctx context.Context, user common.Address, amount *big.Int, nonce uint64) (bool, error) {
	out, err := c.call(ctx, c.cfg.BridgeContract, c.bridgeABI, "isWithdrawalProcessed",
		user, amount, new(big.Int).SetUint64(nonce))
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// QueryDeposits scans Deposit events in [fromBlock, toBlock], optionally
// filtered to one user.
func (c *Client) QueryDeposits(ctx context.Context, fromBlock, toBlock uint64, user *common.Address) ([]DepositEvent, error) {
	logs, err := c.queryLogs(ctx, "Deposit", fromBlock, toBlock, user)
	if err != nil {
		return nil, err
	}
	events := make([]DepositEvent, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 2 {
			continue
		}
		vals, err := c.bridgeABI.Unpack("Deposit", lg.Data)
		if err != nil {
			c.log.Warn("Undecodable Deposit event", "tx", lg.TxHash, "err", err)
			continue
		}
		events = append(events, DepositEvent{
			TxHash:      lg.TxHash,
			User:        common.BytesToAddress(lg.Topics[1].Bytes()),
			Amount:      vals[0].(*big.Int),
			BlockNumber: lg.BlockNumber,
		})
	}
	return events, nil
}

// QueryWithdrawals scans WithdrawalProcessed events in [fromBlock, toBlock].
func (c *Client) QueryWithdrawals(ctx context.Context, fromBlock, toBlock uint64, user *common.Address) ([]WithdrawalEvent, error) {
	logs, err := c.queryLogs(ctx, "WithdrawalProcessed", fromBlock, toBlock, user)
	if err != nil {
		return nil, err
	}
	events := make([]WithdrawalEvent, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 2 {
			continue
		}
		vals, err := c.bridgeABI.Unpack("WithdrawalProcessed", lg.Data)
		if err != nil {
			c.log.Warn("Undecodable WithdrawalProcessed event", "tx", lg.TxHash, "err", err)
			continue
		}
		events = append(events, WithdrawalEvent{
			TxHash:      lg.TxHash,
			User:        common.BytesToAddress(lg.Topics[1].Bytes()),
			Amount:      vals[0].(*big.Int),
			Nonce:       vals[1].(*big.Int).Uint64(),
			BlockNumber: lg.BlockNumber,
		})
	}
	return events, nil
}

func (c *Client) queryLogs(ctx context.Context, event string, fromBlock, toBlock uint64, user *common.Address) ([]types.Log, error) {
	topics := [][]common.Hash{{c.bridgeABI.Events[event].ID}}
	if user != nil {
		topics = append(topics, []common.Hash{common.BytesToHash(user.Bytes())})
	}
	return c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.cfg.BridgeContract},
		Topics:    topics,
	})
}

// SubmitBatch submits a Merkle-rooted withdrawal batch and returns the
// batch id emitted by the contract. A root the contract has already
// finalized surfaces as ErrAlreadyFinalized.
func (c *Client) SubmitBatch(ctx context.Context, root common.Hash, withdrawals []BatchWithdrawal, signatures [][]byte) (SubmitResult, error) {
	sigs := make([][]byte, len(signatures))
	copy(sigs, signatures)
	receipt, err := c.transact(ctx, c.cfg.BridgeContract, c.bridgeABI, "submitBatch", [32]byte(root), withdrawals, sigs)
	if err != nil {
		if isAlreadyFinalized(err) {
			return SubmitResult{}, ErrAlreadyFinalized
		}
		return SubmitResult{}, err
	}
	res := SubmitResult{TxHash: receipt.TxHash, BlockNumber: receipt.BlockNumber.Uint64()}
	eventID := c.bridgeABI.Events["BatchSubmitted"].ID
	for _, lg := range receipt.Logs {
		if len(lg.Topics) >= 2 && lg.Topics[0] == eventID {
			res.BatchID = new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64()
			return res, nil
		}
	}
	return res, errors.New("chainrpc: BatchSubmitted event missing from receipt")
}

func isAlreadyFinalized(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already finalized")
}

// AllowanceOf reads the USDC allowance owner has granted to spender.
func (c *Client) AllowanceOf(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.cfg.USDCToken, c.erc20ABI, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// RegisterDeal registers a paid pin on the registry, which pulls the USDC
// payment, and returns the on-chain deal id.
func (c *Client) RegisterDeal(ctx context.Context, dealID common.Hash, client common.Address, cid string, sizeMB uint64, priceUSDC *big.Int, durationDays uint64, clientStake *big.Int) (uint64, error) {
	receipt, err := c.transact(ctx, c.cfg.DealRegistry, c.dealABI, "registerDeal",
		[32]byte(dealID), client, cid,
		new(big.Int).SetUint64(sizeMB), priceUSDC,
		new(big.Int).SetUint64(durationDays), clientStake)
	if err != nil {
		return 0, err
	}
	eventID := c.dealABI.Events["DealRegistered"].ID
	for _, lg := range receipt.Logs {
		if len(lg.Topics) >= 2 && lg.Topics[0] == eventID {
			vals, err := c.dealABI.Unpack("DealRegistered", lg.Data)
			if err != nil {
				return 0, fmt.Errorf("chainrpc: unpack DealRegistered: %w", err)
			}
			_ = lg.Topics[1] // dealId, already known
			return vals[0].(*big.Int).Uint64(), nil
		}
	}
	return 0, errors.New("chainrpc: DealRegistered event missing from receipt")
}

// Grief reports a failed storage challenge for a deal, slashing stake.
func (c *Client) Grief(ctx context.Context, dealID common.Hash) (common.Hash, error) {
	receipt, err := c.transact(ctx, c.cfg.DealRegistry, c.dealABI, "grief", [32]byte(dealID))
	if err != nil {
		return common.Hash{}, err
	}
	return receipt.TxHash, nil
}

// GetRelayInfo reads the registry's record for a relay address.
func (c *Client) GetRelayInfo(ctx context.Context, relay common.Address) (RelayInfo, error) {
	out, err := c.call(ctx, c.cfg.DealRegistry, c.dealABI, "getRelayInfo", relay)
	if err != nil {
		return RelayInfo{}, err
	}
	return RelayInfo{
		Owner:    out[0].(common.Address),
		Endpoint: out[1].(string),
		Stake:    out[2].(*big.Int),
		Active:   out[3].(bool),
	}, nil
}

// GetClientDeals lists a client's deals straight from the registry. The
// registry is the source of truth; the deal engine enriches the result from
// its local cache.
func (c *Client) GetClientDeals(ctx context.Context, client common.Address) ([]OnChainDeal, error) {
	out, err := c.call(ctx, c.cfg.DealRegistry, c.dealABI, "getClientDeals", client)
	if err != nil {
		return nil, err
	}
	ids := out[0].([][32]byte)
	deals := make([]OnChainDeal, 0, len(ids))
	for _, id := range ids {
		d, err := c.getDeal(ctx, id)
		if err != nil {
			c.log.Warn("Skipping unreadable on-chain deal", "deal", common.Hash(id), "err", err)
			continue
		}
		deals = append(deals, d)
	}
	return deals, nil
}

func (c *Client) getDeal(ctx context.Context, id [32]byte) (OnChainDeal, error) {
	out, err := c.call(ctx, c.cfg.DealRegistry, c.dealABI, "getDeal", id)
	if err != nil {
		return OnChainDeal{}, err
	}
	return OnChainDeal{
		ID:           common.Hash(id),
		OnChainID:    out[0].(*big.Int).Uint64(),
		Client:       out[1].(common.Address),
		CID:          out[2].(string),
		SizeMB:       out[3].(*big.Int).Uint64(),
		PriceUSDC:    out[4].(*big.Int),
		DurationDays: out[5].(*big.Int).Uint64(),
		Active:       out[6].(bool),
	}, nil
}
