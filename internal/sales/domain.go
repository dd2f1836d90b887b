package sales

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// moneyScale is the number of decimal places every stored amount keeps.
const moneyScale = 2

// SaleStatus is the lifecycle state of a Sale.
type SaleStatus string

const (
	SaleCompleted SaleStatus = "COMPLETED"
	SaleCancelled SaleStatus = "CANCELLED"
)

var saleTransitions = map[SaleStatus][]SaleStatus{
	SaleCompleted: {SaleCancelled},
}

// Valid reports whether s is a known sale status.
func (s SaleStatus) Valid() bool {
	return s == SaleCompleted || s == SaleCancelled
}

// CanTransitionTo reports whether the transition table allows s -> target.
func (s SaleStatus) CanTransitionTo(target SaleStatus) bool {
	return allowed(saleTransitions, s, target)
}

// InvoiceStatus is the lifecycle state of an Invoice.
type InvoiceStatus string

const (
	InvoiceIssued InvoiceStatus = "ISSUED"
	InvoicePaid   InvoiceStatus = "PAID"
	InvoiceVoid   InvoiceStatus = "VOID"
)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceIssued: {InvoicePaid, InvoiceVoid},
	InvoicePaid:   {InvoiceVoid},
}

func (s InvoiceStatus) Valid() bool {
	return s == InvoiceIssued || s == InvoicePaid || s == InvoiceVoid
}

func (s InvoiceStatus) CanTransitionTo(target InvoiceStatus) bool {
	return allowed(invoiceTransitions, s, target)
}

// Availability is the sellable state of a product, kept consistent with its
// quantity by the StockLedger.
type Availability string

const (
	Available    Availability = "AVAILABLE"
	OutOfStock   Availability = "OUT_OF_STOCK"
	Discontinued Availability = "DISCONTINUED"
)

func (a Availability) Valid() bool {
	return a == Available || a == OutOfStock || a == Discontinued
}

func allowed[S ~string](table map[S][]S, from, to S) bool {
	for _, t := range table[from] {
		if t == to {
			return true
		}
	}
	return false
}

// sourcesOf lists every status the table allows to move into target. Status
// updates use it as their compare-and-set guard.
func sourcesOf[S ~string](table map[S][]S, target S) []string {
	var out []string
	for from, targets := range table {
		for _, t := range targets {
			if t == target {
				out = append(out, string(from))
			}
		}
	}
	return out
}

// CartLine is one pending cart entry as handed over by the cart collaborator.
type CartLine struct {
	ProductID uint64          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Sale is the immutable record of a completed checkout.
type Sale struct {
	ID          uint64          `json:"id"`
	UserID      string          `json:"user_id"`
	Total       decimal.Decimal `json:"total"`
	Status      SaleStatus      `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty"`
	Lines       []SaleLine      `json:"lines"`
}

// Units is the number of items sold across all lines.
func (s *Sale) Units() int {
	n := 0
	for _, l := range s.Lines {
		n += l.Quantity
	}
	return n
}

type SaleLine struct {
	SaleID    uint64          `json:"sale_id"`
	ProductID uint64          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

// StockRecord is the stock projection of a product.
type StockRecord struct {
	ProductID    uint64       `json:"product_id"`
	Quantity     int          `json:"quantity"`
	Availability Availability `json:"availability"`
}

// Invoice is the billing document bound 1:1 to a Sale.
type Invoice struct {
	ID         uint64          `json:"id"`
	SaleID     uint64          `json:"sale_id"`
	UserID     string          `json:"user_id"`
	Number     string          `json:"number"`
	IssuedAt   time.Time       `json:"issued_at"`
	Amount     decimal.Decimal `json:"amount"`
	TaxRate    decimal.Decimal `json:"tax_rate"`
	TaxAmount  decimal.Decimal `json:"tax_amount"`
	Status     InvoiceStatus   `json:"status"`
	PaidAt     *time.Time      `json:"paid_at,omitempty"`
	VoidedAt   *time.Time      `json:"voided_at,omitempty"`
	VoidReason string          `json:"void_reason,omitempty"`
}

// CheckoutResult is what a successful checkout produced. Invoice is nil when
// automatic issuing is disabled.
type CheckoutResult struct {
	Sale    *Sale    `json:"sale"`
	Invoice *Invoice `json:"invoice,omitempty"`
}

// SalesMetadata summarizes a page of sales.
type SalesMetadata struct {
	Quantity    int             `json:"quantity"`
	Completed   int             `json:"completed"`
	Cancelled   int             `json:"cancelled"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// Summarize builds the metadata of a result page. Cancelled sales do not
// count towards the total amount.
func Summarize(sales []Sale) SalesMetadata {
	md := SalesMetadata{TotalAmount: decimal.Zero}
	for _, s := range sales {
		md.Quantity++
		switch s.Status {
		case SaleCompleted:
			md.Completed++
			md.TotalAmount = md.TotalAmount.Add(s.Total)
		case SaleCancelled:
			md.Cancelled++
		}
	}
	return md
}

// Period is the (year, month) scope invoice numbers are sequenced in.
type Period struct {
	Year  int
	Month time.Month
}

// PeriodOf returns the period t falls in when observed in loc.
func PeriodOf(t time.Time, loc *time.Location) Period {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return Period{Year: local.Year(), Month: local.Month()}
}

// String renders the period as YYYYMM, the prefix of its invoice numbers.
func (p Period) String() string {
	return fmt.Sprintf("%04d%02d", p.Year, int(p.Month))
}

// FormatInvoiceNumber renders {year}{month:2}{sequence:4}. Sequences past 9999
// widen the number rather than wrap.
func FormatInvoiceNumber(p Period, seq int) string {
	return fmt.Sprintf("%s%04d", p.String(), seq)
}

func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(moneyScale)
}

// lineSubtotal is quantity × unit price at money scale.
func lineSubtotal(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return roundMoney(roundMoney(unitPrice).Mul(decimal.NewFromInt(int64(quantity))))
}

// includedTax is the tax portion already contained in a gross amount at rate.
func includedTax(amount, rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() {
		return decimal.Zero
	}
	return roundMoney(amount.Mul(rate).Div(decimal.NewFromInt(1).Add(rate)))
}
