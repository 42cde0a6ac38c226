package httpapi

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/scobru/shogun-relay-sub014/deal"
)

func (s *Server) handlePricing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tiers": deal.PricingTable()})
}

type dealCreateBody struct {
	CID          string `json:"cid"`
	Client       string `json:"clientAddress"`
	SizeMB       uint64 `json:"sizeMB"`
	DurationDays uint64 `json:"durationDays"`
	Tier         string `json:"tier,omitempty"`
}

func (s *Server) handleDealCreate(c *gin.Context) {
	var body dealCreateBody
	if err := bindJSON(c, &body); err != nil {
		badRequest(c, "malformed body: "+err.Error())
		return
	}
	if !common.IsHexAddress(body.Client) {
		badRequest(c, "malformed clientAddress")
		return
	}
	d, err := s.deals.Create(c.Request.Context(), deal.CreateRequest{
		CID:          body.CID,
		Client:       common.HexToAddress(body.Client),
		SizeMB:       body.SizeMB,
		DurationDays: body.DurationDays,
		Tier:         deal.Tier(body.Tier),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deal": d})
}

func (s *Server) handleDealGet(c *gin.Context) {
	d, err := s.deals.Get(c.Request.Context(), c.Param("dealId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

func (s *Server) handleDealActivate(c *gin.Context) {
	d, err := s.deals.Activate(c.Request.Context(), c.Param("dealId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deal": d})
}

type dealRenewBody struct {
	AdditionalDays uint64 `json:"additionalDays"`
}

func (s *Server) handleDealRenew(c *gin.Context) {
	var body dealRenewBody
	if err := bindJSON(c, &body); err != nil {
		badRequest(c, "malformed body: "+err.Error())
		return
	}
	d, err := s.deals.Renew(c.Request.Context(), c.Param("dealId"), body.AdditionalDays)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deal": d})
}

func (s *Server) handleDealCancel(c *gin.Context) {
	d, err := s.deals.Terminate(c.Request.Context(), c.Param("dealId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deal": d})
}

func (s *Server) handleDealVerify(c *gin.Context) {
	res, err := s.deals.Verify(c.Request.Context(), c.Param("dealId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleDealProof(c *gin.Context) {
	challenge := c.Query("challenge")
	if challenge == "" {
		badRequest(c, "challenge query parameter is required")
		return
	}
	proof, err := s.deals.Prove(c.Request.Context(), c.Param("dealId"), challenge)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "proof": proof})
}

func (s *Server) handleDealsByClient(c *gin.Context) {
	addr, ok := parseAddress(c, "address")
	if !ok {
		return
	}
	deals, err := s.deals.ByClient(c.Request.Context(), addr)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deals": deals})
}

func (s *Server) handleDealsByCID(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"deals": s.deals.ByCID(c.Request.Context(), c.Param("cid"))})
}
