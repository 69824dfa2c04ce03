package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"

	"carbon-scribe/credit-exchange/internal/events"
	"carbon-scribe/credit-exchange/internal/marketplace"
	"carbon-scribe/credit-exchange/internal/store"
)

type mockSource struct {
	mock.Mock
}

func (m *mockSource) Stats(ctx context.Context) (*marketplace.Stats, error) {
	args := m.Called(ctx)
	st, _ := args.Get(0).(*marketplace.Stats)
	return st, args.Error(1)
}

func newTestDB(t *testing.T) (*store.DB, *events.Recorder) {
	t.Helper()
	gdb, err := store.OpenSQLite("", gormlogger.Silent)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(gdb) })
	rec := events.NewRecorder()
	return store.New(gdb, rec, nil), rec
}

func TestRunOncePublishesSnapshot(t *testing.T) {
	db, rec := newTestDB(t)
	source := &mockSource{}
	source.On("Stats", mock.Anything).Return(&marketplace.Stats{
		TotalListings:  3,
		ActiveListings: 1,
		Purchases:      4,
		TotalVolume:    decimal.RequireFromString("500000000000000000"),
		FeeBps:         25,
	}, nil).Once()

	w := NewStatsWorker(source, db, "@every 1m", nil)
	st, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.TotalListings)

	ev, ok := rec.Last(events.KindMarketSnapshot)
	require.True(t, ok)
	assert.Equal(t, "500000000000000000", ev.Fields["total_volume"])
	assert.Equal(t, int64(4), ev.Fields["purchases"])
	source.AssertExpectations(t)
}

func TestRunOnceFailure(t *testing.T) {
	db, rec := newTestDB(t)
	source := &mockSource{}
	source.On("Stats", mock.Anything).Return(nil, errors.New("db down")).Once()

	_, err := NewStatsWorker(source, db, "@every 1m", nil).RunOnce(context.Background())
	assert.Error(t, err)
	assert.Empty(t, rec.Events())
}

func TestStartSchedulesJob(t *testing.T) {
	db, rec := newTestDB(t)
	source := &mockSource{}
	source.On("Stats", mock.Anything).Return(&marketplace.Stats{TotalVolume: decimal.Zero}, nil)

	w := NewStatsWorker(source, db, "@every 1s", nil)
	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()), "already running")

	require.Eventually(t, func() bool {
		_, ok := rec.Last(events.KindMarketSnapshot)
		return ok
	}, 3*time.Second, 50*time.Millisecond)
	w.Stop()
}

func TestStartRejectsBadSchedule(t *testing.T) {
	db, _ := newTestDB(t)
	w := NewStatsWorker(&mockSource{}, db, "not a schedule", nil)
	assert.Error(t, w.Start(context.Background()))
}

func TestRestartSchedulesJobOnce(t *testing.T) {
	db, _ := newTestDB(t)
	source := &mockSource{}
	source.On("Stats", mock.Anything).Return(&marketplace.Stats{TotalVolume: decimal.Zero}, nil)

	w := NewStatsWorker(source, db, "@every 1h", nil)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Len(t, w.cron.Entries(), 1)
}
