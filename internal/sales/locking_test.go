package sales

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// statementLog keeps the SQL gorm builds, so dry-run sessions can be
// inspected without a live server.
type statementLog struct {
	mu   sync.Mutex
	stmt []string
}

func (l *statementLog) LogMode(gormlogger.LogLevel) gormlogger.Interface { return l }

func (l *statementLog) Info(context.Context, string, ...interface{})  {}
func (l *statementLog) Warn(context.Context, string, ...interface{})  {}
func (l *statementLog) Error(context.Context, string, ...interface{}) {}

func (l *statementLog) Trace(_ context.Context, _ time.Time, fc func() (string, int64), _ error) {
	sql, _ := fc()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stmt = append(l.stmt, sql)
}

func (l *statementLog) last() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.stmt) == 0 {
		return ""
	}
	return l.stmt[len(l.stmt)-1]
}

func dryRunDB(t *testing.T, dialector gorm.Dialector) (*gorm.DB, *statementLog) {
	t.Helper()
	log := &statementLog{}
	db, err := gorm.Open(dialector, &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               log,
	})
	require.NoError(t, err)
	return db, log
}

func TestRowLocks_EmittedOnServerBackends(t *testing.T) {
	dialectors := map[string]gorm.Dialector{
		"mysql": mysql.New(mysql.Config{
			DSN:                       "sales:sales@tcp(127.0.0.1:3306)/sales?parseTime=true",
			SkipInitializeWithVersion: true,
		}),
		"postgres": postgres.New(postgres.Config{
			DSN: "host=127.0.0.1 user=sales password=sales dbname=sales sslmode=disable",
		}),
	}

	for name, dialector := range dialectors {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			db, log := dryRunDB(t, dialector)

			_ = NewStockLedger(nil).CheckAvailability(ctx, db, []StockLine{{ProductID: 2, Quantity: 1}, {ProductID: 1, Quantity: 1}})
			assert.Contains(t, log.last(), "products")
			assert.Contains(t, log.last(), "FOR UPDATE")

			_, _ = NewSaleRecorder(nil).lock(ctx, db, 7)
			assert.Contains(t, log.last(), "sales")
			assert.Contains(t, log.last(), "FOR UPDATE")

			_, _ = NewGormCart().ReadCart(ctx, db, "ana")
			assert.Contains(t, log.last(), "cart_items")
			assert.Contains(t, log.last(), "FOR UPDATE")
		})
	}
}

func TestRowLocks_SkippedOnSQLite(t *testing.T) {
	db := newTestDB(t)
	log := &statementLog{}
	dry := db.Session(&gorm.Session{DryRun: true, Logger: log})

	_, _ = NewGormCart().ReadCart(context.Background(), dry, "ana")
	assert.Contains(t, log.last(), "cart_items")
	assert.NotContains(t, log.last(), "FOR UPDATE")
}
