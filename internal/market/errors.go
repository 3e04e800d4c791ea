package market

import (
	"errors"
	"fmt"
)

var (
	// ErrMarketReadOnly is returned by every mutating operation on a
	// market that has been rotated into the past.
	ErrMarketReadOnly = errors.New("market: market is read-only")

	// ErrOfferNotFound is returned when an offer id is no longer in the
	// book (already traded or deleted).
	ErrOfferNotFound = errors.New("market: offer not found")

	// ErrBidNotFound is returned when a bid id is no longer in the book.
	ErrBidNotFound = errors.New("market: bid not found")

	// ErrInvalidOffer is returned for malformed offers (non-positive energy).
	ErrInvalidOffer = errors.New("market: invalid offer")

	// ErrInvalidBid is returned for malformed bids (non-positive energy).
	ErrInvalidBid = errors.New("market: invalid bid")

	// ErrInvalidTrade is returned when a partial accept requests zero,
	// negative or more than the remaining energy.
	ErrInvalidTrade = errors.New("market: invalid trade")

	// ErrInvalidBalancingTrade is returned when a balancing accept would
	// flip the sign of a balancing offer. It wraps ErrInvalidTrade.
	ErrInvalidBalancingTrade = fmt.Errorf("%w: balancing energy sign mismatch", ErrInvalidTrade)

	// ErrDeviceNotInRegistry is returned for balancing offers from sellers
	// missing from the device registry.
	ErrDeviceNotInRegistry = errors.New("market: device not in registry")

	// ErrBidsNotSupported is returned by bid operations on one-sided markets.
	ErrBidsNotSupported = errors.New("market: bids not supported by this market kind")
)
