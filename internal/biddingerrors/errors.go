package biddingerrors

import "github.com/cockroachdb/errors"

// Code is the caller-facing failure class of a rejected operation
type Code string

const (
	CodeValidation         Code = "VALIDATION"
	CodeNotFound           Code = "NOT_FOUND"
	CodeOutbidByConcurrent Code = "OUTBID_BY_CONCURRENT"
	CodeLockContended      Code = "LOCK_CONTENDED"
	CodeConflict           Code = "CONFLICT"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeInternal           Code = "INTERNAL"
)

// Category markers. Concrete errors below are marked with one of these so
// callers can test the class with errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrLockContended = errors.New("lock contended")
	ErrConflict      = errors.New("conflict")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
)

// Repository-level errors
var (
	ErrAuctionNotFound = errors.Mark(errors.New("auction not found"), ErrNotFound)
	// ErrVersionMismatch is returned by a conditional write whose expected
	// version no longer matches the stored row.
	ErrVersionMismatch = errors.Mark(errors.New("auction version mismatch"), ErrConflict)
	ErrAuctionExists   = errors.Mark(errors.New("auction already exists"), ErrValidation)
	ErrInvalidAuction  = errors.Mark(errors.New("invalid auction"), ErrValidation)
)

// business logic errors
var (
	ErrInvalidBid           = errors.Mark(errors.New("invalid bid"), ErrValidation)
	ErrAuctionNotActive     = errors.Mark(errors.New("auction is not active"), ErrValidation)
	ErrOutsideBiddingWindow = errors.Mark(errors.New("auction is not open for bidding"), ErrValidation)
	ErrSelfBid              = errors.Mark(errors.New("seller cannot bid on own auction"), ErrValidation)
	ErrBidTooLow            = errors.Mark(errors.New("bid amount too low"), ErrValidation)
	ErrDuplicateBid         = errors.Mark(errors.New("bidder already holds the highest bid"), ErrValidation)
	ErrOutbidByConcurrent   = errors.Mark(errors.New("outbid by concurrent bid"), ErrConflict)
)

// admission errors
var (
	ErrLockTimeout       = errors.Mark(errors.New("timed out waiting for auction lock"), ErrLockContended)
	ErrRateLimitExceeded = errors.Mark(errors.New("too many bid submissions"), ErrRateLimited)
	ErrMissingToken      = errors.Mark(errors.New("missing bearer token"), ErrUnauthorized)
	ErrInvalidToken      = errors.Mark(errors.New("invalid bearer token"), ErrUnauthorized)
	ErrBidderMismatch    = errors.Mark(errors.New("token subject does not match bidder"), ErrForbidden)
	ErrNotAdmin          = errors.Mark(errors.New("token lacks admin rights"), ErrForbidden)
)

// CodeOf resolves the taxonomy code carried by err. Unmarked errors are INTERNAL.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOutbidByConcurrent):
		return CodeOutbidByConcurrent
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrLockContended):
		return CodeLockContended
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	default:
		return CodeInternal
	}
}
