package sales

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"sales_engine/internal/outbox"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// TestNewService verifica la inicialización del servicio.
func TestNewService(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db, zaptest.NewLogger(t), Options{})

	require.NotNil(t, svc)
	assert.NotNil(t, svc.db)
	assert.NotNil(t, svc.logger)
	assert.NotNil(t, svc.cart)
	assert.NotNil(t, svc.authz)
	assert.NotNil(t, svc.metrics)
	assert.NotNil(t, svc.tracer)
	assert.False(t, svc.autoIssue)
}

// The worked example: A buys 3 of 5, B cannot buy 3 of the remaining 2, and
// voiding A's invoice brings the product back to 5.
func TestCheckout_ExampleScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{AutoIssueInvoice: true})
	p := seedProduct(t, f.db, 5, "10.00")

	f.addToCart(t, "user-a", p, 3, "10.00")
	res, err := f.svc.Checkout(ctx, "user-a")
	require.NoError(t, err)
	require.NotNil(t, res.Invoice)
	assert.Equal(t, 2, stockOf(t, f.db, p).Quantity)
	assert.Equal(t, "2024110001", res.Invoice.Number)
	assert.True(t, decimal.RequireFromString("30").Equal(res.Sale.Total))
	assert.True(t, res.Invoice.Amount.Equal(res.Sale.Total))

	f.addToCart(t, "user-b", p, 3, "10.00")
	_, err = f.svc.Checkout(ctx, "user-b")
	var shortage *InsufficientStockError
	require.True(t, errors.As(err, &shortage), "got %v", err)
	assert.Equal(t, []Shortfall{{ProductID: p, Available: 2, Requested: 3}}, shortage.Shortfalls)
	assert.Equal(t, 2, stockOf(t, f.db, p).Quantity)
	assert.EqualValues(t, 1, countRows(t, f.db, &SaleModel{}))

	voided, err := f.svc.VoidInvoice(ctx, res.Invoice.ID, "customer changed their mind")
	require.NoError(t, err)
	assert.Equal(t, InvoiceVoid, voided.Status)

	assert.Equal(t, StockRecord{ProductID: p, Quantity: 5, Availability: Available}, stockOf(t, f.db, p))
	sale, err := f.svc.GetSale(ctx, res.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, SaleCancelled, sale.Status)
	assert.NotNil(t, sale.CancelledAt)
}

func TestCheckout_ClearsCartAndWritesEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{AutoIssueInvoice: true})
	p := seedProduct(t, f.db, 4, "2.50")
	f.addToCart(t, "ana", p, 4, "2.50")

	res, err := f.svc.Checkout(ctx, "ana")
	require.NoError(t, err)

	assert.Zero(t, countRows(t, f.db, &CartItemModel{}))
	assert.Equal(t, StockRecord{ProductID: p, Quantity: 0, Availability: OutOfStock}, stockOf(t, f.db, p))

	events, err := outbox.FetchPending(ctx, f.db, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, TopicSaleCompleted, events[0].Topic)
	assert.Equal(t, TopicInvoiceIssued, events[1].Topic)
	assert.Equal(t, fmt.Sprint(res.Sale.ID), events[0].Key)
	assert.True(t, events[0].CreatedAt.After(november), "events are stamped with the engine clock")
	assert.True(t, events[0].CreatedAt.Before(november.Add(time.Minute)))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("checkout", "ok")))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.StockUnits.WithLabelValues("sold")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Invoices.WithLabelValues("ISSUED")))
}

func TestCheckout_ValidationHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{AutoIssueInvoice: true})
	p := seedProduct(t, f.db, 4, "1.00")

	_, err := f.svc.Checkout(ctx, "nobody")
	assert.ErrorIs(t, err, ErrEmptyCart)
	assert.Equal(t, KindValidation, KindOf(err))

	f.addToCart(t, "ana", p, 0, "1.00")
	_, err = f.svc.Checkout(ctx, "ana")
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	assert.Zero(t, countRows(t, f.db, &SaleModel{}))
	assert.Zero(t, countRows(t, f.db, &outbox.Record{}))
	assert.EqualValues(t, 1, countRows(t, f.db, &CartItemModel{}))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("checkout", "validation")))
}

func TestCheckout_HugeQuantitiesNeverRaiseStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{AutoIssueInvoice: true})
	p := seedProduct(t, f.db, 5, "0.00")
	f.addToCart(t, "ana", p, math.MaxInt64, "0.00")
	f.addToCart(t, "ana", p, math.MaxInt64, "0.00")

	var (
		res *CheckoutResult
		err error
	)
	require.NotPanics(t, func() {
		res, err = f.svc.Checkout(ctx, "ana")
	})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	assert.Equal(t, KindValidation, KindOf(err))

	assert.Equal(t, StockRecord{ProductID: p, Quantity: 5, Availability: Available}, stockOf(t, f.db, p))
	assert.Zero(t, countRows(t, f.db, &SaleModel{}))
	assert.Zero(t, testutil.ToFloat64(f.metrics.StockUnits.WithLabelValues("sold")))
}

// failingCart reads like the real cart but cannot be cleared.
type failingCart struct {
	*GormCart
}

func (failingCart) ClearCart(context.Context, *gorm.DB, string) error {
	return errors.New("cart service unavailable")
}

func TestCheckout_RollsBackWhenCartCannotBeCleared(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{AutoIssueInvoice: true, Cart: failingCart{NewGormCart()}})
	p := seedProduct(t, f.db, 5, "3.00")
	f.addToCart(t, "ana", p, 2, "3.00")

	_, err := f.svc.Checkout(ctx, "ana")
	require.Error(t, err)
	assert.Equal(t, KindUnknown, KindOf(err))
	assert.False(t, IsRetryable(err))

	assert.Equal(t, 5, stockOf(t, f.db, p).Quantity)
	assert.Zero(t, countRows(t, f.db, &SaleModel{}))
	assert.Zero(t, countRows(t, f.db, &SaleLineModel{}))
	assert.Zero(t, countRows(t, f.db, &InvoiceModel{}))
	assert.Zero(t, countRows(t, f.db, &InvoiceSequenceModel{}))
	assert.Zero(t, countRows(t, f.db, &outbox.Record{}))
	assert.EqualValues(t, 1, countRows(t, f.db, &CartItemModel{}))
}

func TestCheckout_ExpiredContextIsRetryable(t *testing.T) {
	f := newFixture(t, Options{})
	p := seedProduct(t, f.db, 5, "3.00")
	f.addToCart(t, "ana", p, 2, "3.00")

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := f.svc.Checkout(ctx, "ana")
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "got %v", err)
	assert.Equal(t, KindInfrastructure, KindOf(err))
	assert.Equal(t, 5, stockOf(t, f.db, p).Quantity)
}

func TestCheckout_ConcurrentDemandNeverOversells(t *testing.T) {
	const (
		stock   = 10
		demand  = 3
		buyers  = 8
		winners = stock / demand
	)
	f := newFixture(t, Options{AutoIssueInvoice: true})
	p := seedProduct(t, f.db, stock, "7.25")
	for i := 0; i < buyers; i++ {
		f.addToCart(t, fmt.Sprintf("buyer-%d", i), p, demand, "7.25")
	}

	var (
		mu      sync.Mutex
		ok      int
		short   int
		numbers = map[string]bool{}
	)
	g, gctx := errgroup.WithContext(context.Background())
	for i := 0; i < buyers; i++ {
		userID := fmt.Sprintf("buyer-%d", i)
		g.Go(func() error {
			res, err := f.svc.Checkout(gctx, userID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
				numbers[res.Invoice.Number] = true
			case errors.Is(err, ErrInsufficientStock):
				short++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, winners, ok)
	assert.Equal(t, buyers-winners, short)
	assert.Len(t, numbers, winners)
	assert.Equal(t, stock-winners*demand, stockOf(t, f.db, p).Quantity)
	assert.EqualValues(t, buyers-winners, countRows(t, f.db, &CartItemModel{}))
}

func TestService_InvoiceNumbersIncreaseWithinPeriod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{AutoIssueInvoice: false})
	p := seedProduct(t, f.db, 100, "1.00")

	checkout := func(user string) uint64 {
		f.addToCart(t, user, p, 1, "1.00")
		res, err := f.svc.Checkout(ctx, user)
		require.NoError(t, err)
		assert.Nil(t, res.Invoice)
		return res.Sale.ID
	}

	var numbers []string
	for i := 0; i < 3; i++ {
		inv, err := f.svc.IssueInvoice(ctx, checkout(fmt.Sprintf("u%d", i)))
		require.NoError(t, err)
		numbers = append(numbers, inv.Number)
	}
	assert.Equal(t, []string{"2024110001", "2024110002", "2024110003"}, numbers)

	f.clock.Set(time.Date(2024, time.December, 2, 9, 0, 0, 0, time.UTC))
	dec, err := f.svc.IssueInvoice(ctx, checkout("u-dec"))
	require.NoError(t, err)
	assert.Equal(t, "2024120001", dec.Number)

	_, err = f.svc.IssueInvoice(ctx, dec.SaleID)
	assert.ErrorIs(t, err, ErrDuplicateInvoice)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestService_TerminalTransitionsAreIdempotentSafe(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{AutoIssueInvoice: true})
	p := seedProduct(t, f.db, 5, "1.00")
	f.addToCart(t, "ana", p, 2, "1.00")

	res, err := f.svc.Checkout(ctx, "ana")
	require.NoError(t, err)

	_, err = f.svc.VoidInvoice(ctx, res.Invoice.ID, "")
	require.NoError(t, err)
	require.Equal(t, 5, stockOf(t, f.db, p).Quantity)
	eventsBefore := countRows(t, f.db, &outbox.Record{})

	_, err = f.svc.VoidInvoice(ctx, res.Invoice.ID, "again")
	var stateErr *InvalidStateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, "VOID", stateErr.Current)

	_, err = f.svc.CancelSale(ctx, res.Sale.ID, "ana")
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, "CANCELLED", stateErr.Current)

	_, err = f.svc.MarkInvoicePaid(ctx, res.Invoice.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.Equal(t, 5, stockOf(t, f.db, p).Quantity)
	assert.Equal(t, eventsBefore, countRows(t, f.db, &outbox.Record{}))
}

func TestService_CancelSaleRestoresStockAndVoidsInvoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{AutoIssueInvoice: true, Authorizer: NewStaticAuthorizer([]string{"admin"})})
	a := seedProduct(t, f.db, 3, "4.00")
	b := seedProduct(t, f.db, 9, "1.50")
	f.addToCart(t, "ana", a, 3, "4.00")
	f.addToCart(t, "ana", b, 2, "1.50")
	f.addToCart(t, "ana", b, 1, "1.50")

	res, err := f.svc.Checkout(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, StockRecord{ProductID: a, Quantity: 0, Availability: OutOfStock}, stockOf(t, f.db, a))
	assert.Equal(t, 6, stockOf(t, f.db, b).Quantity)

	_, err = f.svc.MarkInvoicePaid(ctx, res.Invoice.ID)
	require.NoError(t, err)

	_, err = f.svc.CancelSale(ctx, res.Sale.ID, "mallory")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 6, stockOf(t, f.db, b).Quantity)

	cancelled, err := f.svc.CancelSale(ctx, res.Sale.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, SaleCancelled, cancelled.Status)

	assert.Equal(t, StockRecord{ProductID: a, Quantity: 3, Availability: Available}, stockOf(t, f.db, a))
	assert.Equal(t, 9, stockOf(t, f.db, b).Quantity)

	inv, err := f.svc.GetInvoice(ctx, res.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoiceVoid, inv.Status)
	assert.Equal(t, "sale cancelled", inv.VoidReason)
	assert.Equal(t, 6.0, testutil.ToFloat64(f.metrics.StockUnits.WithLabelValues("restored")))
}

func TestService_CancelSaleWithoutInvoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	p := seedProduct(t, f.db, 2, "1.00")
	f.addToCart(t, "ana", p, 2, "1.00")

	res, err := f.svc.Checkout(ctx, "ana")
	require.NoError(t, err)

	_, err = f.svc.CancelSale(ctx, res.Sale.ID, "ana")
	require.NoError(t, err)
	assert.Equal(t, StockRecord{ProductID: p, Quantity: 2, Availability: Available}, stockOf(t, f.db, p))

	_, err = f.svc.IssueInvoice(ctx, res.Sale.ID)
	assert.ErrorIs(t, err, ErrSaleNotFound)

	_, err = f.svc.CancelSale(ctx, res.Sale.ID+10, "ana")
	assert.ErrorIs(t, err, ErrSaleNotFound)
}

func TestService_TotalsReconcile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{AutoIssueInvoice: true})
	prices := []string{"0.10", "0.20", "19.99", "3.33"}
	for i, price := range prices {
		id := seedProduct(t, f.db, 50, price)
		f.addToCart(t, "ana", id, i+1, price)
	}

	res, err := f.svc.Checkout(ctx, "ana")
	require.NoError(t, err)

	sale, err := f.svc.GetSale(ctx, res.Sale.ID)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, l := range sale.Lines {
		assert.True(t, l.Subtotal.Equal(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))))
		sum = sum.Add(l.Subtotal)
	}
	assert.True(t, sale.Total.Equal(sum))
	assert.True(t, decimal.RequireFromString("73.79").Equal(sale.Total), sale.Total.String())

	inv, err := f.svc.GetInvoice(ctx, res.Invoice.ID)
	require.NoError(t, err)
	assert.True(t, inv.Amount.Equal(sale.Total))
}

func TestService_ListsByUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{AutoIssueInvoice: true})
	p := seedProduct(t, f.db, 10, "2.00")

	var saleIDs []uint64
	for i := 0; i < 3; i++ {
		f.addToCart(t, "ana", p, 1, "2.00")
		res, err := f.svc.Checkout(ctx, "ana")
		require.NoError(t, err)
		saleIDs = append(saleIDs, res.Sale.ID)
	}
	_, err := f.svc.CancelSale(ctx, saleIDs[0], "ana")
	require.NoError(t, err)

	sales, md, err := f.svc.ListSalesByUser(ctx, "ana", 0, 0)
	require.NoError(t, err)
	require.Len(t, sales, 3)
	assert.Equal(t, saleIDs[2], sales[0].ID)
	assert.Equal(t, 3, md.Quantity)
	assert.Equal(t, 1, md.Cancelled)
	assert.True(t, decimal.RequireFromString("4").Equal(md.TotalAmount))

	invoices, err := f.svc.ListInvoicesByUser(ctx, "ana", 2, 0)
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.Equal(t, "2024110003", invoices[0].Number)

	none, _, err := f.svc.ListSalesByUser(ctx, "bob", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	rec, err := f.svc.Stock(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 8, rec.Quantity)
}
