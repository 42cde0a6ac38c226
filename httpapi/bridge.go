package httpapi

import (
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"
	"github.com/gin-gonic/gin"

	"github.com/scobru/shogun-relay-sub014/bridge"
	"github.com/scobru/shogun-relay-sub014/ledger"
)

func parseAddress(c *gin.Context, param string) (common.Address, bool) {
	raw := c.Param(param)
	if !common.IsHexAddress(raw) {
		badRequest(c, "malformed address "+raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseAmount(raw string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() < 0 {
		return nil, false
	}
	return amount, true
}

// weiToEth renders a wei amount as a decimal ether string.
func weiToEth(wei *big.Int) string {
	return new(big.Rat).SetFrac(wei, big.NewInt(params.Ether)).FloatString(6)
}

func (s *Server) handleBalance(c *gin.Context) {
	user, ok := parseAddress(c, "user")
	if !ok {
		return
	}
	balance := s.ledger.Balance(user)
	c.JSON(http.StatusOK, gin.H{
		"balance":    (*hexutil.Big)(balance),
		"balanceEth": weiToEth(balance),
	})
}

func (s *Server) handleBalanceInfo(c *gin.Context) {
	user, ok := parseAddress(c, "user")
	if !ok {
		return
	}
	info, err := s.bridge.BalanceInfo(c.Request.Context(), user)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleNonce(c *gin.Context) {
	user, ok := parseAddress(c, "user")
	if !ok {
		return
	}
	last := s.ledger.Nonce(user)
	c.JSON(http.StatusOK, gin.H{
		"lastNonce": last,
		"nextNonce": last + 1,
	})
}

func (s *Server) handlePendingWithdrawals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pendingWithdrawals": s.bridge.PendingWithdrawals(),
	})
}

type withdrawBody struct {
	User           string `json:"user"`
	Amount         string `json:"amount"` // decimal wei
	Nonce          uint64 `json:"nonce"`
	Message        string `json:"message"`
	EthSignature   string `json:"ethSignature"`
	GraphSignature string `json:"graphSignature"`
	GraphPubKey    string `json:"graphPubKey"`
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var body withdrawBody
	if err := bindJSON(c, &body); err != nil {
		badRequest(c, "malformed body: "+err.Error())
		return
	}
	if !common.IsHexAddress(body.User) {
		badRequest(c, "malformed user address")
		return
	}
	amount, ok := parseAmount(body.Amount)
	if !ok {
		badRequest(c, "malformed amount")
		return
	}
	w, err := s.bridge.RequestWithdrawal(c.Request.Context(), bridge.WithdrawRequest{
		User:           common.HexToAddress(body.User),
		Amount:         amount,
		Nonce:          body.Nonce,
		Message:        body.Message,
		EthSignature:   body.EthSignature,
		GraphSignature: body.GraphSignature,
		GraphPubKey:    body.GraphPubKey,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "withdrawal": w})
}

type transferBody struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Amount         string `json:"amount"`
	Message        string `json:"message"`
	EthSignature   string `json:"ethSignature"`
	GraphSignature string `json:"graphSignature"`
	GraphPubKey    string `json:"graphPubKey"`
}

func (s *Server) handleTransfer(c *gin.Context) {
	var body transferBody
	if err := bindJSON(c, &body); err != nil {
		badRequest(c, "malformed body: "+err.Error())
		return
	}
	if !common.IsHexAddress(body.From) || !common.IsHexAddress(body.To) {
		badRequest(c, "malformed address")
		return
	}
	amount, ok := parseAmount(body.Amount)
	if !ok {
		badRequest(c, "malformed amount")
		return
	}
	walletSig, err1 := hexutil.Decode(body.EthSignature)
	graphSig, err2 := hexutil.Decode(body.GraphSignature)
	graphPub, err3 := hexutil.Decode(body.GraphPubKey)
	if err1 != nil || err2 != nil || err3 != nil {
		badRequest(c, "malformed signature material")
		return
	}
	res, err := s.ledger.Transfer(c.Request.Context(),
		common.HexToAddress(body.From), common.HexToAddress(body.To), amount,
		ledger.TransferAuth{
			Message:   body.Message,
			WalletSig: walletSig,
			GraphSig:  graphSig,
			GraphPub:  graphPub,
		})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"fromBalance": (*hexutil.Big)(res.FromBalance),
		"toBalance":   (*hexutil.Big)(res.ToBalance),
		"receipt":     res.Receipt,
	})
}

func (s *Server) handleSubmitBatch(c *gin.Context) {
	batch, err := s.bridge.SubmitPendingBatch(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"batch": gin.H{
			"batchId":         batch.ID,
			"root":            batch.Root,
			"withdrawalCount": len(batch.Withdrawals),
			"txHash":          batch.TxHash,
			"blockNumber":     batch.BlockNumber,
		},
	})
}

func (s *Server) handleProof(c *gin.Context) {
	user, ok := parseAddress(c, "user")
	if !ok {
		return
	}
	amount, ok := parseAmount(c.Param("amount"))
	if !ok {
		badRequest(c, "malformed amount")
		return
	}
	nonce, ok := parseAmount(c.Param("nonce"))
	if !ok {
		badRequest(c, "malformed nonce")
		return
	}
	res, err := s.bridge.Proof(c.Request.Context(), user, amount, nonce.Uint64())
	if err != nil {
		writeError(c, err)
		return
	}
	switch res.Status {
	case bridge.ProofOK:
		c.JSON(http.StatusOK, gin.H{
			"status":     res.Status,
			"proof":      res.Proof,
			"batchId":    res.BatchID,
			"root":       res.Root,
			"withdrawal": res.Withdrawal,
		})
	case bridge.ProofPending:
		c.JSON(http.StatusAccepted, gin.H{
			"status":  res.Status,
			"message": "withdrawal queued, batch not yet submitted",
		})
	case bridge.ProofAlreadyProcessed:
		c.JSON(http.StatusOK, gin.H{"status": res.Status})
	default:
		c.JSON(http.StatusNotFound, gin.H{
			"status":  res.Status,
			"error":   "notFound",
			"message": "no batched withdrawal matches",
		})
	}
}

func (s *Server) handleState(c *gin.Context) {
	state, err := s.bridge.State(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

type syncDepositsBody struct {
	FromBlock uint64 `json:"fromBlock"`
	ToBlock   uint64 `json:"toBlock"`
	User      string `json:"user,omitempty"`
}

func (s *Server) handleSyncDeposits(c *gin.Context) {
	var body syncDepositsBody
	if err := bindJSON(c, &body); err != nil {
		badRequest(c, "malformed body: "+err.Error())
		return
	}
	if body.ToBlock < body.FromBlock {
		badRequest(c, "toBlock before fromBlock")
		return
	}
	var user *common.Address
	if body.User != "" {
		if !common.IsHexAddress(body.User) {
			badRequest(c, "malformed user address")
			return
		}
		addr := common.HexToAddress(body.User)
		user = &addr
	}
	report, err := s.bridge.SyncDeposits(c.Request.Context(), body.FromBlock, body.ToBlock, user)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

type processDepositBody struct {
	TxHash    string `json:"txHash"`
	FromBlock uint64 `json:"fromBlock,omitempty"`
	ToBlock   uint64 `json:"toBlock,omitempty"`
}

func (s *Server) handleProcessDeposit(c *gin.Context) {
	var body processDepositBody
	if err := bindJSON(c, &body); err != nil {
		badRequest(c, "malformed body: "+err.Error())
		return
	}
	if len(body.TxHash) != 66 {
		badRequest(c, "malformed txHash")
		return
	}
	err := s.bridge.ProcessDepositTx(c.Request.Context(), common.HexToHash(body.TxHash), body.FromBlock, body.ToBlock)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
