package sales

import (
	"context"
	"time"

	"sales_engine/internal/metrics"
	"sales_engine/internal/store"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const tracerName = "sales_engine/internal/sales"

// Options tunes a Service. Zero values fall back to sane defaults.
type Options struct {
	AutoIssueInvoice bool
	TaxRate          decimal.Decimal
	Location         *time.Location
	Clock            func() time.Time
	Cart             CartProvider
	Authorizer       Authorizer
	Metrics          *metrics.Engine
	Tracer           trace.Tracer
}

// Service is the transaction coordinator. Each public operation opens exactly
// one transaction and hands it to the components; nothing below commits on
// its own, and any failure rolls the whole unit back.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger

	autoIssue   bool
	clock       func() time.Time
	stock       *StockLedger
	sales       *SaleRecorder
	invoices    *InvoiceIssuer
	compensator *SaleCompensator
	cart        CartProvider
	authz       Authorizer
	metrics     *metrics.Engine
	tracer      trace.Tracer
}

// NewService creates a new Service on db. The handle stays owned by the
// caller.
func NewService(db *gorm.DB, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger, _ = zap.NewProduction()
		defer logger.Sync() // flushes buffer, if any
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Cart == nil {
		opts.Cart = NewGormCart()
	}
	if opts.Authorizer == nil {
		opts.Authorizer = NewStaticAuthorizer(nil)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewEngine(prometheus.NewRegistry())
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}

	stock := NewStockLedger(opts.Clock)
	recorder := NewSaleRecorder(opts.Clock)
	numbers := NewInvoiceNumberGenerator(opts.Clock)

	return &Service{
		db:          db,
		logger:      logger,
		autoIssue:   opts.AutoIssueInvoice,
		clock:       opts.Clock,
		stock:       stock,
		sales:       recorder,
		invoices:    NewInvoiceIssuer(numbers, opts.TaxRate, opts.Location, opts.Clock),
		compensator: NewSaleCompensator(stock, recorder),
		cart:        opts.Cart,
		authz:       opts.Authorizer,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
	}
}

// Checkout turns the user's cart into a sale, takes the stock and, when
// automatic issuing is on, issues the invoice. The cart is validated before
// any transaction opens and again under lock inside it.
func (s *Service) Checkout(ctx context.Context, userID string) (*CheckoutResult, error) {
	var result *CheckoutResult
	err := s.instrument(ctx, "checkout", func(ctx context.Context) error {
		pending, err := s.cart.ReadCart(ctx, s.db.WithContext(ctx), userID)
		if err != nil {
			return err
		}
		if err := ValidateCart(pending); err != nil {
			return err
		}

		return s.inTx(ctx, func(tx *gorm.DB) error {
			lines, err := s.cart.ReadCart(ctx, tx, userID)
			if err != nil {
				return err
			}
			if err := ValidateCart(lines); err != nil {
				return err
			}

			stockLines := stockLinesOfCart(lines)
			if err := s.stock.CheckAvailability(ctx, tx, stockLines); err != nil {
				return err
			}
			sale, err := s.sales.Create(ctx, tx, userID, lines)
			if err != nil {
				return err
			}
			if err := s.stock.Decrement(ctx, tx, stockLines); err != nil {
				return err
			}
			if err := s.cart.ClearCart(ctx, tx, userID); err != nil {
				return err
			}

			res := &CheckoutResult{Sale: sale}
			if s.autoIssue {
				inv, err := s.invoices.Issue(ctx, tx, sale.ID)
				if err != nil {
					return err
				}
				res.Invoice = inv
			}

			now := s.clock().UTC()
			if err := publishSale(ctx, tx, TopicSaleCompleted, sale, now); err != nil {
				return err
			}
			if res.Invoice != nil {
				if err := publishInvoice(ctx, tx, TopicInvoiceIssued, res.Invoice, now); err != nil {
					return err
				}
			}
			result = res
			return nil
		})
	})
	if err != nil {
		s.logFailure("checkout failed", err, zap.String("user_id", userID))
		return nil, err
	}

	s.metrics.StockMoved("sold", result.Sale.Units())
	if result.Invoice != nil {
		s.metrics.InvoiceTransition(string(InvoiceIssued))
	}
	fields := []zap.Field{
		zap.Uint64("sale_id", result.Sale.ID),
		zap.String("user_id", userID),
		zap.String("total", result.Sale.Total.StringFixed(moneyScale)),
	}
	if result.Invoice != nil {
		fields = append(fields, zap.String("invoice_number", result.Invoice.Number))
	}
	s.logger.Info("checkout completed", fields...)
	return result, nil
}

// CancelSale cancels a completed sale on behalf of requesterID, who must own
// it or hold the override capability. A live invoice of the sale is voided in
// the same unit.
func (s *Service) CancelSale(ctx context.Context, saleID uint64, requesterID string) (*Sale, error) {
	var (
		cancelled *Sale
		voided    *Invoice
	)
	err := s.instrument(ctx, "cancel_sale", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *gorm.DB) error {
			header, err := s.sales.lock(ctx, tx, saleID)
			if err != nil {
				return err
			}
			if header.UserID != requesterID && !s.authz.CanOverride(ctx, requesterID) {
				return errors.Wrapf(ErrForbidden, "user %s on sale %d", requesterID, saleID)
			}
			if !header.Status.CanTransitionTo(SaleCancelled) {
				return &InvalidStateError{Entity: "sale", ID: saleID, Current: string(header.Status), Target: string(SaleCancelled)}
			}

			inv, err := s.invoices.GetBySale(ctx, tx, saleID)
			switch {
			case errors.Is(err, ErrInvoiceNotFound):
			case err != nil:
				return err
			case inv.Status != InvoiceVoid:
				if voided, err = s.invoices.MarkVoid(ctx, tx, inv.ID, "sale cancelled"); err != nil {
					return err
				}
			}

			if cancelled, err = s.compensator.ReverseSale(ctx, tx, saleID); err != nil {
				return err
			}

			now := s.clock().UTC()
			if voided != nil {
				if err := publishInvoice(ctx, tx, TopicInvoiceVoided, voided, now); err != nil {
					return err
				}
			}
			return publishSale(ctx, tx, TopicSaleCancelled, cancelled, now)
		})
	})
	if err != nil {
		s.logFailure("cancel sale failed", err, zap.Uint64("sale_id", saleID), zap.String("requester_id", requesterID))
		return nil, err
	}

	s.metrics.StockMoved("restored", cancelled.Units())
	if voided != nil {
		s.metrics.InvoiceTransition(string(InvoiceVoid))
	}
	s.logger.Info("sale cancelled",
		zap.Uint64("sale_id", saleID),
		zap.String("requester_id", requesterID),
		zap.Bool("invoice_voided", voided != nil),
	)
	return cancelled, nil
}

// IssueInvoice issues the invoice of a sale checked out without one.
func (s *Service) IssueInvoice(ctx context.Context, saleID uint64) (*Invoice, error) {
	var inv *Invoice
	err := s.instrument(ctx, "issue_invoice", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *gorm.DB) error {
			var err error
			if inv, err = s.invoices.Issue(ctx, tx, saleID); err != nil {
				return err
			}
			return publishInvoice(ctx, tx, TopicInvoiceIssued, inv, s.clock().UTC())
		})
	})
	if err != nil {
		s.logFailure("issue invoice failed", err, zap.Uint64("sale_id", saleID))
		return nil, err
	}

	s.metrics.InvoiceTransition(string(InvoiceIssued))
	s.logger.Info("invoice issued", zap.Uint64("sale_id", saleID), zap.String("invoice_number", inv.Number))
	return inv, nil
}

// MarkInvoicePaid records the payment of an ISSUED invoice.
func (s *Service) MarkInvoicePaid(ctx context.Context, invoiceID uint64) (*Invoice, error) {
	var inv *Invoice
	err := s.instrument(ctx, "mark_invoice_paid", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *gorm.DB) error {
			var err error
			if inv, err = s.invoices.MarkPaid(ctx, tx, invoiceID); err != nil {
				return err
			}
			return publishInvoice(ctx, tx, TopicInvoicePaid, inv, s.clock().UTC())
		})
	})
	if err != nil {
		s.logFailure("mark invoice paid failed", err, zap.Uint64("invoice_id", invoiceID))
		return nil, err
	}

	s.metrics.InvoiceTransition(string(InvoicePaid))
	s.logger.Info("invoice paid", zap.Uint64("invoice_id", invoiceID), zap.String("invoice_number", inv.Number))
	return inv, nil
}

// VoidInvoice voids an invoice and, if its sale is still COMPLETED, reverses
// the sale in the same unit.
func (s *Service) VoidInvoice(ctx context.Context, invoiceID uint64, reason string) (*Invoice, error) {
	var (
		inv      *Invoice
		reversed *Sale
	)
	err := s.instrument(ctx, "void_invoice", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *gorm.DB) error {
			current, err := s.invoices.Get(ctx, tx, invoiceID)
			if err != nil {
				return err
			}
			// Sale first, as CancelSale does, so both paths lock in one order.
			header, err := s.sales.lock(ctx, tx, current.SaleID)
			if err != nil {
				return err
			}
			if inv, err = s.invoices.MarkVoid(ctx, tx, invoiceID, reason); err != nil {
				return err
			}
			if header.Status == SaleCompleted {
				if reversed, err = s.compensator.ReverseSale(ctx, tx, inv.SaleID); err != nil {
					return err
				}
			}

			now := s.clock().UTC()
			if err := publishInvoice(ctx, tx, TopicInvoiceVoided, inv, now); err != nil {
				return err
			}
			if reversed != nil {
				return publishSale(ctx, tx, TopicSaleCancelled, reversed, now)
			}
			return nil
		})
	})
	if err != nil {
		s.logFailure("void invoice failed", err, zap.Uint64("invoice_id", invoiceID))
		return nil, err
	}

	s.metrics.InvoiceTransition(string(InvoiceVoid))
	if reversed != nil {
		s.metrics.StockMoved("restored", reversed.Units())
	}
	s.logger.Info("invoice voided",
		zap.Uint64("invoice_id", invoiceID),
		zap.Uint64("sale_id", inv.SaleID),
		zap.Bool("sale_reversed", reversed != nil),
	)
	return inv, nil
}

func (s *Service) GetSale(ctx context.Context, saleID uint64) (*Sale, error) {
	var sale *Sale
	err := s.instrument(ctx, "get_sale", func(ctx context.Context) error {
		var err error
		sale, err = s.sales.GetByID(ctx, s.db, saleID)
		return err
	})
	return sale, err
}

// ListSalesByUser returns a page of the user's sales, newest first, with the
// metadata of the page.
func (s *Service) ListSalesByUser(ctx context.Context, userID string, limit, offset int) ([]Sale, SalesMetadata, error) {
	var out []Sale
	err := s.instrument(ctx, "list_sales", func(ctx context.Context) error {
		var err error
		out, err = s.sales.ListByUser(ctx, s.db, userID, limit, offset)
		return err
	})
	if err != nil {
		return nil, SalesMetadata{}, err
	}
	return out, Summarize(out), nil
}

func (s *Service) GetInvoice(ctx context.Context, invoiceID uint64) (*Invoice, error) {
	var inv *Invoice
	err := s.instrument(ctx, "get_invoice", func(ctx context.Context) error {
		var err error
		inv, err = s.invoices.Get(ctx, s.db, invoiceID)
		return err
	})
	return inv, err
}

func (s *Service) ListInvoicesByUser(ctx context.Context, userID string, limit, offset int) ([]Invoice, error) {
	var out []Invoice
	err := s.instrument(ctx, "list_invoices", func(ctx context.Context) error {
		var err error
		out, err = s.invoices.ListByUser(ctx, s.db, userID, limit, offset)
		return err
	})
	return out, err
}

// Stock reads the current stock record of a product.
func (s *Service) Stock(ctx context.Context, productID uint64) (*StockRecord, error) {
	var rec *StockRecord
	err := s.instrument(ctx, "get_stock", func(ctx context.Context) error {
		var err error
		rec, err = s.stock.Get(ctx, s.db, productID)
		return err
	})
	return rec, err
}

func (s *Service) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// instrument runs fn inside a span, counts the outcome and classifies the
// returned error.
func (s *Service) instrument(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "sales."+op)
	defer span.End()
	started := time.Now()

	err := classify(op, fn(ctx))

	result := "ok"
	if err != nil {
		result = KindOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("sales.error_kind", result))
	}
	s.metrics.Observe(op, result, started)
	return err
}

// classify keeps engine errors as they are and sorts everything else into
// retryable TransientErrors or terminal failures.
func classify(op string, err error) error {
	if err == nil || KindOf(err) != KindUnknown {
		return err
	}
	if store.IsRetryable(err) {
		return &TransientError{Op: op, Err: err}
	}
	return errors.Wrap(err, op)
}

func (s *Service) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err), zap.Stringer("kind", KindOf(err)))
	if KindOf(err) == KindUnknown || KindOf(err) == KindInfrastructure {
		s.logger.Error(msg, fields...)
		return
	}
	s.logger.Warn(msg, fields...)
}
