package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/havenhub/haven/internal/bus"
	"github.com/havenhub/haven/internal/models"
	"github.com/havenhub/haven/internal/observability"
	"github.com/havenhub/haven/internal/repositories"
)

// stubQuarantine is a canned QuarantineReader.
type stubQuarantine struct {
	mode   models.QuarantineMode
	active bool
	err    error
}

func (s *stubQuarantine) ActiveMode(context.Context, uuid.UUID) (models.QuarantineMode, bool, error) {
	return s.mode, s.active, s.err
}

// fakeTransport records dispatched commands and returns canned results.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []*models.CommandLog
	result Result
	err    error
}

func (f *fakeTransport) Dispatch(_ context.Context, cmd *models.CommandLog) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return f.result, f.err
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	commands   *repositories.MemoryCommandRepository
	devices    *repositories.MemoryDeviceRepository
	q          *stubQuarantine
	transport  *fakeTransport
	signals    *bus.Bus[models.IntrusionSignal]
	counters   *observability.Counters
	deviceID   uuid.UUID
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		commands:  repositories.NewMemoryCommandRepository(),
		devices:   repositories.NewMemoryDeviceRepository(),
		q:         &stubQuarantine{},
		transport: &fakeTransport{},
		counters:  observability.NewCounters(),
	}
	f.signals = bus.New(zap.NewNop(), func(sig models.IntrusionSignal) string {
		return sig.DeviceID.String()
	}, 2)

	device := &models.Device{
		Name:         "hallway-light",
		Capabilities: []string{"light.set", "light.status", "light.brightness.set"},
		Status:       models.DeviceOnline,
	}
	require.NoError(t, f.devices.Create(context.Background(), device))
	f.deviceID = device.ID

	f.dispatcher = NewDispatcher(f.commands, f.devices, f.q, f.transport, f.signals, f.counters, 2, zap.NewNop())
	return f
}

func (f *dispatcherFixture) submitReq(key string) SubmitRequest {
	return SubmitRequest{
		DeviceID:       f.deviceID,
		Capability:     "light.set",
		Params:         map[string]any{"on": true},
		Priority:       models.PriorityRoutine,
		IdempotencyKey: key,
	}
}

// TestDispatcher_SubmitIdempotent: resubmitting the same key with identical
// params returns the same row; one command exists, not two.
func TestDispatcher_SubmitIdempotent(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	first, err := f.dispatcher.Submit(ctx, f.submitReq("key-1"))
	require.NoError(t, err)
	require.Equal(t, models.CommandAccepted, first.Status)

	second, err := f.dispatcher.Submit(ctx, f.submitReq("key-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestDispatcher_SubmitIdempotencyConflict(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.Submit(ctx, f.submitReq("key-1"))
	require.NoError(t, err)

	conflicting := f.submitReq("key-1")
	conflicting.Params = map[string]any{"on": false}
	_, err = f.dispatcher.Submit(ctx, conflicting)
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
}

// TestDispatcher_ConcurrentSubmitSameKey: concurrent submissions of one
// idempotency key converge on a single row; losers of the insert race adopt
// the winner's command, so every caller observes the same id.
func TestDispatcher_ConcurrentSubmitSameKey(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	const callers = 16
	results := make([]*models.CommandLog, callers)
	errs := make([]error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.dispatcher.Submit(ctx, f.submitReq("key-1"))
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		require.NotNil(t, results[i], "caller %d", i)
		assert.Equal(t, results[0].ID, results[i].ID, "caller %d", i)
	}

	// Exactly one row exists for the key.
	got, err := f.commands.GetByIdempotencyKey(ctx, f.deviceID, "light.set", "key-1")
	require.NoError(t, err)
	assert.Equal(t, results[0].ID, got.ID)
}

// TestDispatcher_SameKeyDifferentScope: the idempotency key is scoped per
// (device, capability), so reuse elsewhere creates a distinct command.
func TestDispatcher_SameKeyDifferentScope(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	first, err := f.dispatcher.Submit(ctx, f.submitReq("key-1"))
	require.NoError(t, err)

	other := f.submitReq("key-1")
	other.Capability = "light.brightness.set"
	second, err := f.dispatcher.Submit(ctx, other)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDispatcher_SubmitValidation(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	unknown := f.submitReq("key-1")
	unknown.DeviceID = uuid.New()
	_, err := f.dispatcher.Submit(ctx, unknown)
	assert.ErrorIs(t, err, ErrUnknownDevice)

	missing := f.submitReq("key-2")
	missing.Capability = "lock.engage"
	_, err = f.dispatcher.Submit(ctx, missing)
	assert.ErrorIs(t, err, ErrInvalidCommand)

	noKey := f.submitReq("")
	_, err = f.dispatcher.Submit(ctx, noKey)
	assert.ErrorIs(t, err, ErrInvalidCommand)

	badPriority := f.submitReq("key-3")
	badPriority.Priority = "asap"
	_, err = f.dispatcher.Submit(ctx, badPriority)
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestDispatcher_ProcessApplies(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	cmd, err := f.dispatcher.Submit(ctx, f.submitReq("key-1"))
	require.NoError(t, err)

	f.dispatcher.process(ctx, cmd)

	got, err := f.dispatcher.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandApplied, got.Status)
	assert.Equal(t, 1, f.transport.count())
	assert.Equal(t, int64(1), f.counters.CommandsApplied.Load())
}

// TestDispatcher_QuarantineBlockFailsBeforeDelivering: a blocked device's
// command goes accepted -> failed directly; the transport never sees it.
func TestDispatcher_QuarantineBlockFailsBeforeDelivering(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	cmd, err := f.dispatcher.Submit(ctx, f.submitReq("key-1"))
	require.NoError(t, err)

	f.q.active = true
	f.q.mode = models.QuarantineBlock
	f.dispatcher.process(ctx, cmd)

	got, err := f.dispatcher.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "device_quarantined", *got.Error)
	assert.Zero(t, f.transport.count())
}

// TestDispatcher_ReadOnlyQuarantine: writes fail, reads still deliver.
func TestDispatcher_ReadOnlyQuarantine(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	f.q.active = true
	f.q.mode = models.QuarantineReadOnly

	write, err := f.dispatcher.Submit(ctx, f.submitReq("key-w"))
	require.NoError(t, err)
	f.dispatcher.process(ctx, write)

	got, err := f.dispatcher.Get(ctx, write.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "device_quarantined", *got.Error)

	read := f.submitReq("key-r")
	read.Capability = "light.status"
	readCmd, err := f.dispatcher.Submit(ctx, read)
	require.NoError(t, err)
	f.dispatcher.process(ctx, readCmd)

	got, err = f.dispatcher.Get(ctx, readCmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandApplied, got.Status)
}

// TestDispatcher_QuarantineLookupFailureFailsClosed: if the quarantine store
// cannot answer, the command fails rather than delivering blind.
func TestDispatcher_QuarantineLookupFailureFailsClosed(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	cmd, err := f.dispatcher.Submit(ctx, f.submitReq("key-1"))
	require.NoError(t, err)

	f.q.err = errors.New("store unreachable")
	f.dispatcher.process(ctx, cmd)

	got, err := f.dispatcher.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "quarantine_unavailable", *got.Error)
	assert.Zero(t, f.transport.count())
}

func TestDispatcher_Cancel(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	cmd, err := f.dispatcher.Submit(ctx, f.submitReq("key-1"))
	require.NoError(t, err)

	cancelled, err := f.dispatcher.Cancel(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandFailed, cancelled.Status)
	require.NotNil(t, cancelled.Error)
	assert.Equal(t, "cancelled", *cancelled.Error)

	// A cancelled command skipped by the worker never reaches the transport.
	f.dispatcher.process(ctx, cmd)
	assert.Zero(t, f.transport.count())
}

func TestDispatcher_CancelTerminal(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	cmd, err := f.dispatcher.Submit(ctx, f.submitReq("key-1"))
	require.NoError(t, err)
	f.dispatcher.process(ctx, cmd)

	_, err = f.dispatcher.Cancel(ctx, cmd.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)

	_, err = f.dispatcher.Cancel(ctx, uuid.New())
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

// TestDispatcher_DeadlineExpiresInsteadOfDelivering: a command picked up
// past its deadline expires without touching the device.
func TestDispatcher_DeadlineExpiresInsteadOfDelivering(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Second)
	req := f.submitReq("key-1")
	req.Deadline = &past
	cmd, err := f.dispatcher.Submit(ctx, req)
	require.NoError(t, err)

	f.dispatcher.process(ctx, cmd)

	got, err := f.dispatcher.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandExpired, got.Status)
	assert.Zero(t, f.transport.count())
	assert.Equal(t, int64(1), f.counters.CommandsExpired.Load())
}

func TestDispatcher_TransportFailure(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	cmd, err := f.dispatcher.Submit(ctx, f.submitReq("key-1"))
	require.NoError(t, err)

	f.transport.err = errors.New("device unreachable")
	f.dispatcher.process(ctx, cmd)

	got, err := f.dispatcher.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "device unreachable", *got.Error)
}

// TestDispatcher_EffectMismatchSignals: an acked command whose reported
// state diverges raises a high-severity signal but still counts as applied.
func TestDispatcher_EffectMismatchSignals(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var sigs []models.IntrusionSignal
	require.NoError(t, f.signals.Subscribe("collector", func(_ context.Context, sig models.IntrusionSignal) {
		mu.Lock()
		defer mu.Unlock()
		sigs = append(sigs, sig)
	}))

	cmd, err := f.dispatcher.Submit(ctx, f.submitReq("key-1"))
	require.NoError(t, err)

	f.transport.result = Result{Mismatch: true, Detail: "reported off, commanded on"}
	f.dispatcher.process(ctx, cmd)
	f.signals.Close()

	got, err := f.dispatcher.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandApplied, got.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sigs, 1)
	assert.Equal(t, models.SignalCommandEffectMismatch, sigs[0].Type)
	assert.Equal(t, models.SeverityHigh, sigs[0].Severity)
	assert.Equal(t, f.deviceID, sigs[0].DeviceID)
}

// TestDispatcher_RunRecoversInterruptedDelivery: a command stranded in
// delivering by a crash has an unknown effect on the device, so a fresh Run
// fails it instead of leaving it non-terminal; accepted rows re-enter the
// queue and resolve normally.
func TestDispatcher_RunRecoversInterruptedDelivery(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupted := &models.CommandLog{
		DeviceID:       f.deviceID,
		Capability:     "light.set",
		Params:         map[string]any{"on": true},
		Priority:       models.PriorityRoutine,
		IdempotencyKey: "key-interrupted",
		Status:         models.CommandDelivering,
	}
	require.NoError(t, f.commands.Create(context.Background(), interrupted))

	queued := &models.CommandLog{
		DeviceID:       f.deviceID,
		Capability:     "light.set",
		Params:         map[string]any{"on": true},
		Priority:       models.PriorityRoutine,
		IdempotencyKey: "key-queued",
		Status:         models.CommandAccepted,
	}
	require.NoError(t, f.commands.Create(context.Background(), queued))

	done := make(chan error, 1)
	go func() { done <- f.dispatcher.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := f.commands.GetByID(context.Background(), interrupted.ID)
		return err == nil && got.Status == models.CommandFailed
	}, 2*time.Second, 10*time.Millisecond, "interrupted command must reach a terminal state")

	got, err := f.commands.GetByID(context.Background(), interrupted.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "delivery_interrupted", *got.Error)

	require.Eventually(t, func() bool {
		got, err := f.commands.GetByID(context.Background(), queued.ID)
		return err == nil && got.Status == models.CommandApplied
	}, 2*time.Second, 10*time.Millisecond, "accepted command must be requeued and delivered")

	cancel()
	require.NoError(t, <-done)
}

// TestCommandQueue_PriorityOrder: emergency before routine before
// background, FIFO within a class.
func TestCommandQueue_PriorityOrder(t *testing.T) {
	q := newCommandQueue()
	now := time.Now()

	mk := func(p models.CommandPriority, offset time.Duration) *models.CommandLog {
		return &models.CommandLog{
			ID:        uuid.New(),
			Priority:  p,
			CreatedAt: now.Add(offset),
		}
	}

	background := mk(models.PriorityBackground, 0)
	routineOld := mk(models.PriorityRoutine, time.Millisecond)
	routineNew := mk(models.PriorityRoutine, 2*time.Millisecond)
	emergency := mk(models.PriorityEmergency, 3*time.Millisecond)

	q.push(background)
	q.push(routineNew)
	q.push(routineOld)
	q.push(emergency)

	want := []*models.CommandLog{emergency, routineOld, routineNew, background}
	for _, expected := range want {
		got, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, expected.ID, got.ID)
	}

	q.close()
	_, ok := q.pop()
	assert.False(t, ok)
}

func TestIsWrite(t *testing.T) {
	assert.True(t, isWrite("light.set"))
	assert.True(t, isWrite("lock.engage"))
	assert.False(t, isWrite("light.status"))
	assert.False(t, isWrite("sensor.get"))
	assert.False(t, isWrite("meter.read"))
	assert.False(t, isWrite("thermostat.query"))
}
