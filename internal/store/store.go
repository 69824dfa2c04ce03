// Package store is the transactional substrate shared by the credit ledger and
// the marketplace. Every mutating operation runs inside Atomic, which gives it
// serialized, all-or-nothing semantics over a gorm connection.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"carbon-scribe/credit-exchange/internal/errs"
	"carbon-scribe/credit-exchange/internal/events"
)

// ErrNoTransaction is returned by operations that must run inside Atomic.
var ErrNoTransaction = errors.New("store: no transaction in context")

// Sequence is a named monotonic counter.
type Sequence struct {
	Name string `gorm:"primaryKey;size:64"`
	Next uint64 `gorm:"not null"`
}

func (Sequence) TableName() string {
	return "sequences"
}

// DB wraps a gorm handle with serialized transactions and an event outbox.
type DB struct {
	gorm   *gorm.DB
	sink   events.Sink
	logger *zap.Logger
	mu     sync.Mutex

	callouts atomic.Int32
}

type txKey struct{}

type txState struct {
	tx     *gorm.DB
	outbox []events.Event
}

// New wraps db. Events emitted inside a transaction reach sink only after the
// outermost commit.
func New(db *gorm.DB, sink events.Sink, logger *zap.Logger) *DB {
	if sink == nil {
		sink = events.Fanout(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{gorm: db, sink: sink, logger: logger}
}

// Gorm exposes the underlying handle.
func (d *DB) Gorm() *gorm.DB {
	return d.gorm
}

// Migrate creates the sequence table along with the given models.
func (d *DB) Migrate(models ...any) error {
	return d.gorm.AutoMigrate(append([]any{&Sequence{}}, models...)...)
}

// Atomic runs fn inside a transaction. Top-level calls are serialized. A call
// whose context already carries a transaction joins it through a savepoint,
// so a failing nested call only undoes its own writes.
func (d *DB) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if parent, ok := ctx.Value(txKey{}).(*txState); ok {
		child := &txState{}
		err := parent.tx.Transaction(func(tx *gorm.DB) error {
			child.tx = tx
			return fn(context.WithValue(ctx, txKey{}, child))
		})
		if err != nil {
			return err
		}
		parent.outbox = append(parent.outbox, child.outbox...)
		return nil
	}

	if !d.mu.TryLock() {
		// The holder is running foreign code; if this call came from there,
		// waiting would never end.
		if d.callouts.Load() > 0 {
			return errs.ErrReentrantCall
		}
		d.mu.Lock()
	}
	defer d.mu.Unlock()

	state := &txState{}
	err := d.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state.tx = tx
		return fn(context.WithValue(ctx, txKey{}, state))
	})
	if err != nil {
		d.logger.Debug("Transaction rolled back", zap.Error(err))
		return err
	}

	for _, e := range state.outbox {
		d.sink.Publish(ctx, e)
	}
	return nil
}

// Callout runs fn, code the caller does not control such as a payment
// recipient, with the current transaction left open. While any callout runs, a
// top-level Atomic that cannot take the lock fails with errs.ErrReentrantCall
// instead of blocking, whatever context it was given.
func (d *DB) Callout(fn func() error) error {
	d.callouts.Add(1)
	defer d.callouts.Add(-1)
	return fn()
}

// InTx reports whether ctx carries a transaction.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*txState)
	return ok
}

// Conn returns the transaction bound to ctx, or the base handle.
func (d *DB) Conn(ctx context.Context) *gorm.DB {
	if state, ok := ctx.Value(txKey{}).(*txState); ok {
		return state.tx
	}
	return d.gorm.WithContext(ctx)
}

// Emit queues e for delivery after commit. Outside a transaction it is
// delivered immediately.
func (d *DB) Emit(ctx context.Context, e events.Event) {
	if state, ok := ctx.Value(txKey{}).(*txState); ok {
		state.outbox = append(state.outbox, e)
		return
	}
	d.sink.Publish(ctx, e)
}

// NextSequence returns the next value of the named counter, starting at zero,
// and advances it. It must run inside Atomic so a rollback also rewinds it.
func (d *DB) NextSequence(ctx context.Context, name string) (uint64, error) {
	if !InTx(ctx) {
		return 0, ErrNoTransaction
	}
	conn := d.Conn(ctx)

	var seq Sequence
	err := conn.Where("name = ?", name).First(&seq).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		seq = Sequence{Name: name}
		if err := conn.Create(&seq).Error; err != nil {
			return 0, fmt.Errorf("failed to create sequence %s: %w", name, err)
		}
	case err != nil:
		return 0, fmt.Errorf("failed to read sequence %s: %w", name, err)
	}

	id := seq.Next
	if err := conn.Model(&Sequence{}).Where("name = ?", name).Update("next", id+1).Error; err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", name, err)
	}
	return id, nil
}

// PeekSequence returns the value NextSequence would hand out next.
func (d *DB) PeekSequence(ctx context.Context, name string) (uint64, error) {
	var seq Sequence
	err := d.Conn(ctx).Where("name = ?", name).First(&seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence %s: %w", name, err)
	}
	return seq.Next, nil
}

// OpenSQLite opens a SQLite database. An empty dsn opens a private in-memory
// database; the pool is pinned to one connection so it survives between calls.
func OpenSQLite(dsn string, level gormlogger.LogLevel) (*gorm.DB, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	return db, nil
}

// PoolConfig sizes the postgres connection pool.
type PoolConfig struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
}

// OpenPostgres opens a postgres database through the pgx-backed gorm driver.
func OpenPostgres(dsn string, pool PoolConfig, level gormlogger.LogLevel) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if pool.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.MaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.MaxLifetime)
	}
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
