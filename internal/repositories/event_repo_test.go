package repositories

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenhub/haven/internal/models"
)

// TestEventRepository_Append_FlagsNonIncreasingSeq tests that a replayed seq
// is stored but marked instead of rejected.
func TestEventRepository_Append_FlagsNonIncreasingSeq(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresEventRepository(pool)
	ctx := context.Background()

	deviceID := setupTestDevice(t, ctx, pool)
	defer cleanupTestDevice(t, pool, ctx, deviceID)

	first := testEvent(deviceID, 1)
	require.NoError(t, repo.Append(ctx, first))
	assert.False(t, first.Flagged)

	second := testEvent(deviceID, 2)
	require.NoError(t, repo.Append(ctx, second))
	assert.False(t, second.Flagged)

	// ACT: replay seq 2
	replay := testEvent(deviceID, 2)
	err := repo.Append(ctx, replay)

	// ASSERT: stored, not rejected, and marked
	require.NoError(t, err)
	assert.True(t, replay.Flagged)
	assert.NotEqual(t, uuid.Nil, replay.ID)
}

// TestEventRepository_Append_ConcurrentSameSeq tests the race where two
// inserts of the same (device, seq) both compute flagged = false: the loser
// hits the partial unique index and must be retried as flagged rather than
// surfacing the constraint error.
func TestEventRepository_Append_ConcurrentSameSeq(t *testing.T) {
	pool := getTestPool(t)
	repo := NewPostgresEventRepository(pool)
	ctx := context.Background()

	deviceID := setupTestDevice(t, ctx, pool)
	defer cleanupTestDevice(t, pool, ctx, deviceID)

	const writers = 8
	start := make(chan struct{})
	errs := make([]error, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = repo.Append(ctx, testEvent(deviceID, 7))
		}(i)
	}
	close(start)
	wg.Wait()

	// ASSERT: every writer succeeded
	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	// Exactly one row won the clean slot; the rest were stored flagged.
	var total, clean int
	err := pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE NOT flagged)
		 FROM events WHERE device_id = $1 AND seq = 7`, deviceID,
	).Scan(&total, &clean)
	require.NoError(t, err)
	assert.Equal(t, writers, total, "every event should be stored")
	assert.Equal(t, 1, clean, "exactly one event should hold the clean (device, seq) slot")
}

// Helper functions for test setup

// getTestPool returns a connection pool for testing, skipping when no test
// database is configured.
func getTestPool(t *testing.T) *pgxpool.Pool {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping database integration test")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(pool.Close)
	return pool
}

// setupTestDevice creates a device row for foreign key constraints.
func setupTestDevice(t *testing.T, ctx context.Context, pool *pgxpool.Pool) uuid.UUID {
	repo := NewPostgresDeviceRepository(pool)
	device := &models.Device{
		Name:         "test-device-" + uuid.New().String(),
		Capabilities: []string{"thermostat"},
		Status:       models.DeviceOnline,
	}
	require.NoError(t, repo.Create(ctx, device), "Failed to create test device")
	return device.ID
}

// cleanupTestDevice removes the device and everything hanging off it.
func cleanupTestDevice(t *testing.T, pool *pgxpool.Pool, ctx context.Context, deviceID uuid.UUID) {
	if _, err := pool.Exec(ctx, `DELETE FROM events WHERE device_id = $1`, deviceID); err != nil {
		t.Logf("Warning: failed to cleanup test events: %v", err)
	}
	if _, err := pool.Exec(ctx, `DELETE FROM devices WHERE id = $1`, deviceID); err != nil {
		t.Logf("Warning: failed to cleanup test device: %v", err)
	}
}

func testEvent(deviceID uuid.UUID, seq int64) *models.Event {
	return &models.Event{
		DeviceID:      deviceID,
		Capability:    "thermostat",
		DataClass:     models.ClassTelemetry,
		Purpose:       models.PurposeAutomation,
		Value:         map[string]any{"temp_c": 21.5},
		Seq:           seq,
		PolicyVersion: 1,
	}
}
