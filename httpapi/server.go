// Package httpapi serves the relay's public and administrative HTTP
// surface.
package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/scobru/shogun-relay-sub014/authgate"
	"github.com/scobru/shogun-relay-sub014/bridge"
	"github.com/scobru/shogun-relay-sub014/deal"
	"github.com/scobru/shogun-relay-sub014/ledger"
	"github.com/scobru/shogun-relay-sub014/reputation"
	"github.com/scobru/shogun-relay-sub014/sharelink"
)

var (
	requestsServed  = metrics.NewRegisteredCounter("httpapi/requests", nil)
	requestsLimited = metrics.NewRegisteredCounter("httpapi/ratelimited", nil)
)

// Config tunes the HTTP layer.
type Config struct {
	Host      string     // relay identity echoed on the health surface
	RateLimit rate.Limit // per-IP budget for value-moving endpoints
	RateBurst int
}

var DefaultConfig = Config{
	RateLimit: rate.Every(time.Second), // 1 rps sustained
	RateBurst: 5,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	d.Host = c.Host
	if c.RateLimit > 0 {
		d.RateLimit = c.RateLimit
	}
	if c.RateBurst > 0 {
		d.RateBurst = c.RateBurst
	}
	return d
}

// Server wires the relay components onto their routes.
type Server struct {
	cfg    Config
	ledger *ledger.Ledger
	bridge *bridge.Bridge
	deals  *deal.Engine
	links  *sharelink.Service
	gate   *authgate.Gate
	dup    *authgate.DupGuard
	rep    *reputation.Tracker

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	engine *gin.Engine
	log    log.Logger
}

func New(cfg Config, led *ledger.Ledger, br *bridge.Bridge, deals *deal.Engine,
	links *sharelink.Service, gate *authgate.Gate, dup *authgate.DupGuard, rep *reputation.Tracker) *Server {

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:      cfg.withDefaults(),
		ledger:   led,
		bridge:   br,
		deals:    deals,
		links:    links,
		gate:     gate,
		dup:      dup,
		rep:      rep,
		limiters: make(map[string]*rate.Limiter),
		engine:   gin.New(),
		log:      log.New("component", "httpapi"),
	}
	s.engine.Use(gin.Recovery(), s.countRequests())
	s.routes()
	return s
}

// Handler exposes the router for an http.Server or tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	v1 := s.engine.Group("/api/v1")

	br := v1.Group("/bridge")
	{
		br.GET("/balance/:user", s.handleBalance)
		br.GET("/balance-info/:user", s.handleBalanceInfo)
		br.GET("/nonce/:user", s.handleNonce)
		br.GET("/pending-withdrawals", s.handlePendingWithdrawals)
		br.GET("/proof/:user/:amount/:nonce", s.handleProof)
		br.GET("/state", s.handleState)
		br.POST("/withdraw", s.rateLimited(), s.dupGuarded("user"), s.handleWithdraw)
		br.POST("/transfer", s.rateLimited(), s.dupGuarded("from"), s.handleTransfer)
		br.POST("/submit-batch", s.handleSubmitBatch)
		br.POST("/sync-deposits", s.adminOnly(), s.handleSyncDeposits)
		br.POST("/process-deposit", s.adminOnly(), s.handleProcessDeposit)
	}

	deals := v1.Group("/deals")
	{
		deals.GET("/pricing", s.handlePricing)
		deals.POST("/create", s.handleDealCreate)
		deals.GET("/by-client/:address", s.handleDealsByClient)
		deals.GET("/by-cid/:cid", s.handleDealsByCID)
		deals.GET("/:dealId", s.handleDealGet)
		deals.POST("/:dealId/activate", s.handleDealActivate)
		deals.POST("/:dealId/renew", s.handleDealRenew)
		deals.POST("/:dealId/cancel", s.handleDealCancel)
		deals.GET("/:dealId/verify", s.handleDealVerify)
		deals.GET("/:dealId/verify-proof", s.handleDealProof)
	}

	files := s.engine.Group("/api/files")
	{
		files.POST("/create-share-link", s.userOnly(), s.handleLinkCreate)
		files.GET("/share/:token", s.handleLinkAccess)
		files.GET("/share/:token/info", s.handleLinkInfo)
		files.DELETE("/share/:token", s.handleLinkRevoke)
	}

	v1.GET("/health", s.handleHealth)
	v1.GET("/relay/status", s.handleRelayStatus)
}

func (s *Server) countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestsServed.Inc(1)
		c.Next()
	}
}

// limiter returns the per-IP token bucket, creating it on first sight.
func (s *Server) limiter(ip string) *rate.Limiter {
	s.limMu.Lock()
	defer s.limMu.Unlock()
	lim, ok := s.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(s.cfg.RateLimit, s.cfg.RateBurst)
		s.limiters[ip] = lim
	}
	return lim
}

func (s *Server) rateLimited() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter(c.ClientIP()).Allow() {
			requestsLimited.Inc(1)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "rateLimited",
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}

// dupGuarded refuses a repeat of the same mutating request within the guard
// window, keyed on the named body field when present.
func (s *Server) dupGuarded(resourceField string) gin.HandlerFunc {
	return func(c *gin.Context) {
		resource := c.Query(resourceField)
		if resource == "" {
			// Peek the body without consuming it for the handler.
			var body map[string]any
			if raw, err := c.GetRawData(); err == nil {
				c.Request.Body = http.NoBody
				c.Set(rawBodyKey, raw)
				if err := jsonUnmarshal(raw, &body); err == nil {
					if v, ok := body[resourceField].(string); ok {
						resource = v
					}
				}
			}
		}
		if err := s.dup.Check(c.Request.Method, c.FullPath(), c.ClientIP(), resource); err != nil {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"success": false,
				"error":   "conflict",
				"message": "duplicate request",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) adminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := authgate.ExtractToken(c.GetHeader("Authorization"), c.GetHeader("token"))
		if err := s.gate.VerifyAdmin(token, c.ClientIP()); err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

const ownerKey = "authgate.owner"

// userOnly admits API keys and, as a superset, the admin token.
func (s *Server) userOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := authgate.ExtractToken(c.GetHeader("Authorization"), c.GetHeader("token"))
		if authgate.IsAPIKey(token) {
			owner, err := s.gate.VerifyKey(token, c.ClientIP())
			if err != nil {
				writeError(c, err)
				c.Abort()
				return
			}
			c.Set(ownerKey, owner)
		} else if err := s.gate.VerifyAdmin(token, c.ClientIP()); err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"host":        s.cfg.Host,
		"sharedLinks": s.links.Count(),
		"timestamp":   time.Now().UnixMilli(),
	})
}

func (s *Server) handleRelayStatus(c *gin.Context) {
	host := s.cfg.Host
	if q := c.Query("host"); q != "" {
		host = q
	}
	score := s.rep.Score(host)
	out := gin.H{
		"host":  host,
		"score": score,
	}
	if rec, ok := s.rep.Snapshot(host); ok {
		out["record"] = rec
	}
	c.JSON(http.StatusOK, out)
}
