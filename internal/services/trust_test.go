package services

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/havenhub/haven/internal/bus"
	"github.com/havenhub/haven/internal/models"
	"github.com/havenhub/haven/internal/repositories"
	"github.com/havenhub/haven/internal/utils"
)

type trustFixture struct {
	trust   *TrustService
	devices *repositories.MemoryDeviceRepository
	creds   *repositories.MemoryCredentialsRepository
	signals *bus.Bus[models.IntrusionSignal]
	sealer  *utils.Sealer

	mu   sync.Mutex
	sigs []models.IntrusionSignal
}

func newTrustFixture(t *testing.T) *trustFixture {
	t.Helper()
	f := &trustFixture{
		devices: repositories.NewMemoryDeviceRepository(),
		creds:   repositories.NewMemoryCredentialsRepository(),
	}
	f.signals = bus.New(zap.NewNop(), func(sig models.IntrusionSignal) string {
		return sig.DeviceID.String()
	}, 2)
	require.NoError(t, f.signals.Subscribe("collector", func(_ context.Context, sig models.IntrusionSignal) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sigs = append(f.sigs, sig)
	}))

	sealer, err := utils.NewSealer(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	f.sealer = sealer

	f.trust = NewTrustService(f.devices, f.creds, f.signals, sealer, "test-secret", time.Hour, zap.NewNop())
	return f
}

func (f *trustFixture) collected() []models.IntrusionSignal {
	f.signals.Close()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.IntrusionSignal, len(f.sigs))
	copy(out, f.sigs)
	return out
}

func TestTrustService_RegisterDevice(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()

	device, token, err := f.trust.RegisterDevice(ctx, "hallway-light", []string{"light.set", "light.status"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, device.ID)
	assert.Equal(t, models.DeviceOffline, device.Status)

	// The issued token resolves back to the device.
	deviceID, err := f.trust.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, device.ID, deviceID)

	// Sealed credentials exist and open under the process key.
	creds, err := f.creds.GetActiveByDeviceID(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, utils.SealAlgorithm, creds.Algorithm)
	secret, err := f.sealer.Open(creds.Blob, creds.Nonce)
	require.NoError(t, err)
	assert.Len(t, secret, 32)
}

func TestTrustService_RegisterDeviceValidation(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()

	_, _, err := f.trust.RegisterDevice(ctx, "", []string{"light.set"})
	assert.Error(t, err)

	_, _, err = f.trust.RegisterDevice(ctx, "nameless", nil)
	assert.Error(t, err)
}

// TestTrustService_RotateCredentials: rotation retires the old secret and
// installs a fresh one.
func TestTrustService_RotateCredentials(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()

	device, _, err := f.trust.RegisterDevice(ctx, "front-lock", []string{"lock.engage"})
	require.NoError(t, err)

	before, err := f.creds.GetActiveByDeviceID(ctx, device.ID)
	require.NoError(t, err)

	require.NoError(t, f.trust.RotateCredentials(ctx, device.ID))

	after, err := f.creds.GetActiveByDeviceID(ctx, device.ID)
	require.NoError(t, err)
	assert.NotEqual(t, before.ID, after.ID)
	assert.NotEqual(t, before.Blob, after.Blob)
	assert.Nil(t, after.RotatedAt)

	assert.ErrorIs(t, f.trust.RotateCredentials(ctx, uuid.New()), ErrUnknownDevice)
}

// TestTrustService_CapabilityMutationSignals: any post-registration change
// to the capability set raises a high-severity signal.
func TestTrustService_CapabilityMutationSignals(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()

	device, _, err := f.trust.RegisterDevice(ctx, "kitchen-sensor", []string{"sensor.temperature"})
	require.NoError(t, err)

	require.NoError(t, f.trust.UpdateCapabilities(ctx, device.ID, []string{"sensor.temperature", "mic.stream"}))

	updated, err := f.devices.GetByID(ctx, device.ID)
	require.NoError(t, err)
	assert.Contains(t, updated.Capabilities, "mic.stream")

	sigs := f.collected()
	require.Len(t, sigs, 1)
	assert.Equal(t, models.SignalCapabilityMutation, sigs[0].Type)
	assert.Equal(t, models.SeverityHigh, sigs[0].Severity)
	assert.Equal(t, device.ID, sigs[0].DeviceID)
}

// TestTrustService_SameCapabilitiesNoSignal: re-announcing the same set, in
// any order, is not a mutation.
func TestTrustService_SameCapabilitiesNoSignal(t *testing.T) {
	f := newTrustFixture(t)
	ctx := context.Background()

	device, _, err := f.trust.RegisterDevice(ctx, "kitchen-sensor", []string{"sensor.temperature", "sensor.humidity"})
	require.NoError(t, err)

	require.NoError(t, f.trust.UpdateCapabilities(ctx, device.ID, []string{"sensor.humidity", "sensor.temperature"}))

	assert.Empty(t, f.collected())
}

func TestTrustService_VerifyToken(t *testing.T) {
	f := newTrustFixture(t)

	_, err := f.trust.VerifyToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	// A token signed with a different secret is rejected.
	other := NewTrustService(f.devices, f.creds, f.signals, f.sealer, "other-secret", time.Hour, zap.NewNop())
	token, err := other.IssueToken(uuid.New())
	require.NoError(t, err)
	_, err = f.trust.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCapabilitiesEqual(t *testing.T) {
	assert.True(t, capabilitiesEqual(nil, nil))
	assert.True(t, capabilitiesEqual([]string{"a", "b"}, []string{"b", "a"}))
	assert.False(t, capabilitiesEqual([]string{"a"}, []string{"a", "a"}))
	assert.False(t, capabilitiesEqual([]string{"a", "b"}, []string{"a", "c"}))
}
