package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/smallbiznis/billable/internal/config"
	consumptiondomain "github.com/smallbiznis/billable/internal/consumption/domain"
	"github.com/smallbiznis/billable/internal/events"
	obsmetrics "github.com/smallbiznis/billable/internal/observability/metrics"
	"github.com/smallbiznis/billable/internal/testutil"
	"github.com/smallbiznis/billable/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type consumptionMock struct {
	consumptiondomain.Service
	mock.Mock
}

func (m *consumptionMock) ExpireBatches(ctx context.Context, limit int) (int64, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).(int64), args.Error(1)
}

type sinkMock struct {
	mock.Mock
}

func (m *sinkMock) Deliver(ctx context.Context, record events.Record) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

type schedulerHarness struct {
	fx          *testutil.Fixture
	consumption *consumptionMock
	sink        *sinkMock
	outbox      *events.Outbox
}

func newSchedulerHarness(t *testing.T) *schedulerHarness {
	f := testutil.NewFixture(t)
	return &schedulerHarness{
		fx:          f,
		consumption: &consumptionMock{},
		sink:        &sinkMock{},
		outbox:      events.NewOutbox(f.GenID, f.Clock),
	}
}

func (h *schedulerHarness) scheduler(t *testing.T, cfg Config, engine *config.EngineConfigHolder) *Scheduler {
	t.Helper()
	s, err := New(Params{
		Log:         zap.NewNop(),
		GenID:       h.fx.GenID,
		Clock:       h.fx.Clock,
		Consumption: h.consumption,
		Dispatcher: events.NewDispatcher(events.DispatcherParams{
			DB:    h.fx.DB,
			Log:   zap.NewNop(),
			Sink:  h.sink,
			Clock: h.fx.Clock,
		}),
		Engine: engine,
		Config: cfg,
	})
	require.NoError(t, err)
	return s
}

func (h *schedulerHarness) publish(t *testing.T, key string) {
	t.Helper()
	account := h.fx.Account()
	require.NoError(t, h.fx.DB.Transaction(func(tx *gorm.DB) error {
		return h.outbox.PublishTx(context.Background(), tx, events.Event{
			AccountID: account.ID,
			Type:      events.EventGranted,
			DedupeKey: key,
		})
	}))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestExpireBatchesJobLoopsUntilShortBatch(t *testing.T) {
	h := newSchedulerHarness(t)
	h.consumption.On("ExpireBatches", mock.Anything, 2).Return(int64(2), nil).Twice()
	h.consumption.On("ExpireBatches", mock.Anything, 2).Return(int64(1), nil).Once()
	s := h.scheduler(t, Config{ExpiryBatchSize: 2}, nil)

	require.NoError(t, s.ExpireBatchesJob(context.Background()))
	h.consumption.AssertExpectations(t)
	h.consumption.AssertNumberOfCalls(t, "ExpireBatches", 3)
}

func TestRunOnceRunsDueJobs(t *testing.T) {
	h := newSchedulerHarness(t)
	h.consumption.On("ExpireBatches", mock.Anything, mock.Anything).Return(int64(0), nil)
	h.sink.On("Deliver", mock.Anything, mock.MatchedBy(func(r events.Record) bool {
		return r.Type == events.EventGranted
	})).Return(nil)
	h.publish(t, "granted:1")
	s := h.scheduler(t, Config{ExpiryInterval: time.Minute, DispatchInterval: 10 * time.Second}, nil)

	require.NoError(t, s.RunOnce(context.Background()))
	h.consumption.AssertNumberOfCalls(t, "ExpireBatches", 1)
	h.sink.AssertNumberOfCalls(t, "Deliver", 1)

	h.publish(t, "granted:2")
	require.NoError(t, s.RunOnce(context.Background()))
	h.consumption.AssertNumberOfCalls(t, "ExpireBatches", 1)
	h.sink.AssertNumberOfCalls(t, "Deliver", 1)

	h.fx.Clock.Advance(10 * time.Second)
	require.NoError(t, s.RunOnce(context.Background()))
	h.consumption.AssertNumberOfCalls(t, "ExpireBatches", 1)
	h.sink.AssertNumberOfCalls(t, "Deliver", 2)

	h.fx.Clock.Advance(time.Minute)
	require.NoError(t, s.RunOnce(context.Background()))
	h.consumption.AssertNumberOfCalls(t, "ExpireBatches", 2)
}

func TestRunOnceHonoursEnabledJobs(t *testing.T) {
	h := newSchedulerHarness(t)
	h.sink.On("Deliver", mock.Anything, mock.Anything).Return(nil).Once()
	h.publish(t, "granted:1")
	s := h.scheduler(t, Config{EnabledJobs: []string{obsmetrics.JobDispatchEvents}}, nil)

	require.NoError(t, s.RunOnce(context.Background()))
	h.consumption.AssertNotCalled(t, "ExpireBatches", mock.Anything, mock.Anything)
	h.sink.AssertExpectations(t)
}

func TestRunOnceReportsJobErrors(t *testing.T) {
	h := newSchedulerHarness(t)
	dbErr := errors.New("database unavailable")
	h.consumption.On("ExpireBatches", mock.Anything, mock.Anything).Return(int64(0), dbErr)
	s := h.scheduler(t, Config{}, nil)

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, dbErr)
	assert.Contains(t, err.Error(), obsmetrics.JobExpireBatches)
}

func TestRunOnceSkipsContendedJobs(t *testing.T) {
	h := newSchedulerHarness(t)
	h.consumption.On("ExpireBatches", mock.Anything, mock.Anything).
		Return(int64(0), fmt.Errorf("expire: %w", db.ErrSerialization)).Once()
	s := h.scheduler(t, Config{EnabledJobs: []string{obsmetrics.JobExpireBatches}}, nil)

	require.NoError(t, s.RunOnce(context.Background()))
	h.consumption.AssertExpectations(t)
}

func TestEngineConfigOverridesStaticIntervals(t *testing.T) {
	h := newSchedulerHarness(t)
	engine := config.DefaultEngineConfig()
	engine.ExpirySweepBatchSize = 7
	engine.ExpirySweepInterval = 5 * time.Second
	s := h.scheduler(t, Config{ExpiryBatchSize: 2, ExpiryInterval: time.Hour}, config.NewStaticEngineConfigHolder(engine))

	cfg := s.config()
	assert.Equal(t, 7, cfg.ExpiryBatchSize)
	assert.Equal(t, 5*time.Second, cfg.ExpiryInterval)
	assert.Equal(t, DefaultConfig().JobTimeout, cfg.JobTimeout)
	assert.Equal(t, engine.OutboxDispatchInterval, cfg.tick())

	h.consumption.On("ExpireBatches", mock.Anything, 7).Return(int64(0), nil).Once()
	require.NoError(t, s.ExpireBatchesJob(context.Background()))
	h.consumption.AssertExpectations(t)
}
