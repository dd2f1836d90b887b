package sales

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrEmptyCart is returned when a checkout finds no cart lines.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInvalidQuantity is returned for a cart line with quantity <= 0 or a
	// quantity too large to move as one unit.
	ErrInvalidQuantity = errors.New("invalid quantity")
	// ErrInvalidPrice is returned for a cart line with a negative unit price.
	ErrInvalidPrice = errors.New("invalid unit price")

	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDuplicateInvoice  = errors.New("sale already has an invoice")

	ErrInvalidState = errors.New("invalid state transition")

	ErrSaleNotFound    = errors.New("sale not found")
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrProductNotFound = errors.New("product not found")

	// ErrForbidden is returned when the requester neither owns the sale nor
	// holds the override capability.
	ErrForbidden = errors.New("requester may not act on this sale")

	// ErrTransient marks infrastructure failures that are safe to retry.
	ErrTransient = errors.New("transient store failure")
)

// Kind groups engine errors by how a caller should react to them.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindState
	KindNotFound
	KindForbidden
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindState:
		return "state"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// KindOf classifies err. Errors the engine did not produce are KindUnknown.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrEmptyCart), errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidPrice):
		return KindValidation
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrDuplicateInvoice):
		return KindConflict
	case errors.Is(err, ErrInvalidState):
		return KindState
	case errors.Is(err, ErrSaleNotFound), errors.Is(err, ErrInvoiceNotFound), errors.Is(err, ErrProductNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrTransient):
		return KindInfrastructure
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether running the same operation again may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Shortfall is one product a checkout could not be served from.
type Shortfall struct {
	ProductID uint64 `json:"product_id"`
	Available int    `json:"available"`
	Requested int    `json:"requested"`
}

// InsufficientStockError lists every short product, ordered by product id.
type InsufficientStockError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("product %d (available %d, requested %d)", s.ProductID, s.Available, s.Requested))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// InvalidStateError names the status that blocked a transition.
type InvalidStateError struct {
	Entity  string
	ID      uint64
	Current string
	Target  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %d is %s and cannot become %s", e.Entity, e.ID, e.Current, e.Target)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// TransientError wraps a store failure that aborted the unit of work but may
// succeed on a later attempt.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrTransient, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}
