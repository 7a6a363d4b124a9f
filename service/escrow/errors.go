package escrow

import (
	"errors"

	"github.com/brojonat/solescrow/service/payment"
)

var (
	// ErrNotAuthorized means the caller may not perform the operation.
	ErrNotAuthorized = payment.ErrNotAuthorized

	// ErrInvalidState means the purchase is not in the status the operation needs,
	// or a concurrent writer changed it first.
	ErrInvalidState = payment.ErrInvalidState

	// ErrNotFound is returned for unknown purchases, items and settings.
	ErrNotFound = errors.New("not found")

	// ErrSoldOut means every unit of the item has been sold.
	ErrSoldOut = errors.New("item sold out")

	// ErrOwnItem means the buyer is the item's seller.
	ErrOwnItem = errors.New("cannot buy your own item")

	// ErrInvalidSettings is returned when settings fail validation.
	ErrInvalidSettings = errors.New("invalid settings")
)
