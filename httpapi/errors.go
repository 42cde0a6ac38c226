package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/scobru/shogun-relay-sub014/authgate"
	"github.com/scobru/shogun-relay-sub014/bridge"
	"github.com/scobru/shogun-relay-sub014/deal"
	"github.com/scobru/shogun-relay-sub014/frozen"
	"github.com/scobru/shogun-relay-sub014/ledger"
	"github.com/scobru/shogun-relay-sub014/sharelink"
)

// kindOf maps component errors onto the surface's error taxonomy.
func kindOf(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficientBalance"
	case errors.Is(err, ledger.ErrNonceTooLow):
		return http.StatusConflict, "nonceTooLow"
	case errors.Is(err, bridge.ErrReplay):
		return http.StatusConflict, "replay"
	case errors.Is(err, authgate.ErrDuplicate):
		return http.StatusConflict, "conflict"
	case errors.Is(err, authgate.ErrUnauthorized),
		errors.Is(err, authgate.ErrKeyExpired),
		errors.Is(err, authgate.ErrRateLimited),
		errors.Is(err, sharelink.ErrPasswordRequired),
		errors.Is(err, sharelink.ErrWrongPassword):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, frozen.ErrInvalidSignatures):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, sharelink.ErrForbidden):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, bridge.ErrInvalidRequest),
		errors.Is(err, bridge.ErrAmountCap),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrSelfTransfer),
		errors.Is(err, deal.ErrInvalidDeal),
		errors.Is(err, deal.ErrUnknownTier),
		errors.Is(err, deal.ErrInsufficientAllowance),
		errors.Is(err, deal.ErrNotPending),
		errors.Is(err, deal.ErrNotActive):
		return http.StatusBadRequest, "invalidInput"
	case errors.Is(err, deal.ErrNotFound),
		errors.Is(err, bridge.ErrBatchEmpty),
		errors.Is(err, sharelink.ErrUnknownToken),
		errors.Is(err, frozen.ErrNotFound):
		return http.StatusNotFound, "notFound"
	case errors.Is(err, sharelink.ErrExpired),
		errors.Is(err, sharelink.ErrExhausted),
		errors.Is(err, sharelink.ErrDealClosed):
		return http.StatusGone, "expired"
	case errors.Is(err, sharelink.ErrNoContent):
		return http.StatusNotFound, "notFound"
	case errors.Is(err, bridge.ErrQueueAfterDebit):
		// The operator must see this verbatim: funds were debited.
		return http.StatusInternalServerError, "queueAfterDebit"
	case errors.Is(err, bridge.ErrBatchInFlight):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ledger.ErrPersist):
		return http.StatusBadGateway, "upstream"
	default:
		return http.StatusBadGateway, "upstream"
	}
}

func writeError(c *gin.Context, err error) {
	status, kind := kindOf(err)
	c.JSON(status, gin.H{
		"success": false,
		"error":   kind,
		"message": err.Error(),
	})
}

const rawBodyKey = "httpapi.rawBody"

func jsonUnmarshal(data []byte, out any) error { return json.Unmarshal(data, out) }

// bindJSON decodes the request body, falling back to the copy cached by the
// duplicate-request middleware when it already drained the reader.
func bindJSON(c *gin.Context, out any) error {
	if raw, ok := c.Get(rawBodyKey); ok {
		return json.Unmarshal(raw.([]byte), out)
	}
	return c.ShouldBindJSON(out)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   "invalidInput",
		"message": msg,
	})
}
