package helpers

import (
	"net/http"

	"bidding-tracker/internal/biddingerrors"
	"bidding-tracker/utils"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
)

// CtxBidderKey is the gin context key holding the authenticated bidder id
const CtxBidderKey = "auth_bidder_id"

// CtxAdminKey holds the subject of an authenticated operator token
const CtxAdminKey = "auth_admin_id"

// HandleBindError sends a standardized JSON error for binding failures
func HandleBindError(c *gin.Context, handlerName string, err error) {
	wrappedErr := errors.Wrap(err, "invalid request payload")
	utils.JSONError(c, http.StatusBadRequest, wrappedErr, "invalid request payload", string(biddingerrors.CodeValidation))
	utils.Warn(handlerName+": binding error", map[string]any{"error": err.Error()})
}

// MapErrorToHTTP maps domain/service errors to HTTP status code and message
func MapErrorToHTTP(err error) (int, string) {
	switch biddingerrors.CodeOf(err) {
	case biddingerrors.CodeValidation:
		return http.StatusBadRequest, validationMessage(err)
	case biddingerrors.CodeNotFound:
		return http.StatusNotFound, "auction not found"
	case biddingerrors.CodeOutbidByConcurrent:
		return http.StatusConflict, "outbid by a concurrent bid"
	case biddingerrors.CodeConflict:
		return http.StatusConflict, "auction was modified concurrently"
	case biddingerrors.CodeLockContended:
		return http.StatusTooManyRequests, "auction is busy, retry shortly"
	case biddingerrors.CodeRateLimited:
		return http.StatusTooManyRequests, "too many bid submissions"
	case biddingerrors.CodeUnauthorized:
		return http.StatusUnauthorized, "authentication required"
	case biddingerrors.CodeForbidden:
		return http.StatusForbidden, "bidder does not match token"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, biddingerrors.ErrBidTooLow):
		return "bid amount too low"
	case errors.Is(err, biddingerrors.ErrAuctionNotActive):
		return "auction is not active"
	case errors.Is(err, biddingerrors.ErrOutsideBiddingWindow):
		return "auction is not open for bidding"
	case errors.Is(err, biddingerrors.ErrSelfBid):
		return "seller cannot bid on own auction"
	case errors.Is(err, biddingerrors.ErrDuplicateBid):
		return "bidder already holds the highest bid"
	case errors.Is(err, biddingerrors.ErrAuctionExists):
		return "auction already exists"
	case errors.Is(err, biddingerrors.ErrInvalidAuction):
		return "invalid auction details"
	default:
		return "invalid bid details"
	}
}

// RespondError writes err as a JSON error envelope with its status and code
func RespondError(c *gin.Context, err error) {
	status, message := MapErrorToHTTP(err)
	utils.JSONError(c, status, errors.Wrap(err, message), message, string(biddingerrors.CodeOf(err)))
}

// LogSuccess is a small helper to standardize logging of successful operations
func LogSuccess(handlerName, message string, ctx map[string]any) {
	utils.Info(handlerName+": "+message, ctx)
}
