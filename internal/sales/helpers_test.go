package sales

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"sales_engine/internal/config"
	"sales_engine/internal/metrics"
	"sales_engine/internal/store"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

var november = time.Date(2024, time.November, 15, 10, 30, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// newTestDB opens a private in-memory database with the engine schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := store.Open(config.Database{Driver: config.DriverSQLite, DSN: dsn}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(db) })
	require.NoError(t, Migrate(db))
	return db
}

type fixture struct {
	db      *gorm.DB
	svc     *Service
	cart    *GormCart
	clock   *testClock
	metrics *metrics.Engine
	reg     *prometheus.Registry
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db := newTestDB(t)
	clock := newTestClock(november)
	reg := prometheus.NewRegistry()
	m := metrics.NewEngine(reg)

	cart := NewGormCart()
	if opts.Cart == nil {
		opts.Cart = cart
	}
	if opts.Clock == nil {
		opts.Clock = clock.Now
	}
	opts.Metrics = m

	return &fixture{
		db:      db,
		svc:     NewService(db, zaptest.NewLogger(t), opts),
		cart:    cart,
		clock:   clock,
		metrics: m,
		reg:     reg,
	}
}

func seedProduct(t *testing.T, db *gorm.DB, quantity int, price string) uint64 {
	t.Helper()
	availability := Available
	if quantity <= 0 {
		availability = OutOfStock
	}
	return seedProductWith(t, db, quantity, price, availability)
}

func seedProductWith(t *testing.T, db *gorm.DB, quantity int, price string, availability Availability) uint64 {
	t.Helper()
	p := ProductModel{
		Name:         "product-" + uuid.NewString()[:8],
		Price:        decimal.RequireFromString(price),
		Quantity:     quantity,
		Availability: availability,
	}
	require.NoError(t, db.Create(&p).Error)
	return p.ID
}

func (f *fixture) addToCart(t *testing.T, userID string, productID uint64, quantity int, price string) {
	t.Helper()
	require.NoError(t, f.cart.Add(context.Background(), f.db, userID, CartLine{
		ProductID: productID,
		Quantity:  quantity,
		UnitPrice: decimal.RequireFromString(price),
	}))
}

func stockOf(t *testing.T, db *gorm.DB, productID uint64) StockRecord {
	t.Helper()
	rec, err := NewStockLedger(nil).Get(context.Background(), db, productID)
	require.NoError(t, err)
	return *rec
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

// inTx runs fn in a transaction that is always rolled back unless fn
// returns nil.
func inTx(t *testing.T, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	t.Helper()
	return db.Transaction(fn)
}
