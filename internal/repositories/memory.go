package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/havenhub/haven/internal/models"
)

// In-memory implementations of every repository, for tests and for running
// the daemon without backing stores. Each guards its map with a mutex; the
// Postgres implementations are the production path.

type MemoryDeviceRepository struct {
	mu      sync.Mutex
	devices map[uuid.UUID]*models.Device
}

func NewMemoryDeviceRepository() *MemoryDeviceRepository {
	return &MemoryDeviceRepository{devices: make(map[uuid.UUID]*models.Device)}
}

func (r *MemoryDeviceRepository) Create(_ context.Context, device *models.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	device.ID = uuid.New()
	device.CreatedAt = time.Now()
	cp := *device
	r.devices[device.ID] = &cp
	return nil
}

func (r *MemoryDeviceRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *device
	return &cp, nil
}

func (r *MemoryDeviceRepository) List(_ context.Context) ([]*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Device, 0, len(r.devices))
	for _, d := range r.devices {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryDeviceRepository) UpdateCapabilities(_ context.Context, id uuid.UUID, capabilities []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	device.Capabilities = capabilities
	device.UpdatedAt = &now
	return nil
}

func (r *MemoryDeviceRepository) SetStatus(_ context.Context, id uuid.UUID, status models.DeviceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	device.Status = status
	device.LastSeenAt = &now
	device.UpdatedAt = &now
	return nil
}

type MemoryCredentialsRepository struct {
	mu    sync.Mutex
	creds map[uuid.UUID][]*models.DeviceCredentials
}

func NewMemoryCredentialsRepository() *MemoryCredentialsRepository {
	return &MemoryCredentialsRepository{creds: make(map[uuid.UUID][]*models.DeviceCredentials)}
}

func (r *MemoryCredentialsRepository) Create(_ context.Context, creds *models.DeviceCredentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	creds.ID = uuid.New()
	creds.CreatedAt = time.Now()
	cp := *creds
	r.creds[creds.DeviceID] = append(r.creds[creds.DeviceID], &cp)
	return nil
}

func (r *MemoryCredentialsRepository) GetActiveByDeviceID(_ context.Context, deviceID uuid.UUID) (*models.DeviceCredentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.creds[deviceID]) - 1; i >= 0; i-- {
		if r.creds[deviceID][i].RotatedAt == nil {
			cp := *r.creds[deviceID][i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryCredentialsRepository) Rotate(_ context.Context, deviceID uuid.UUID, fresh *models.DeviceCredentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, c := range r.creds[deviceID] {
		if c.RotatedAt == nil {
			c.RotatedAt = &now
		}
	}
	fresh.ID = uuid.New()
	fresh.DeviceID = deviceID
	fresh.CreatedAt = now
	cp := *fresh
	r.creds[deviceID] = append(r.creds[deviceID], &cp)
	return nil
}

type MemoryEventRepository struct {
	mu     sync.Mutex
	events []*models.Event
	maxSeq map[uuid.UUID]int64
}

func NewMemoryEventRepository() *MemoryEventRepository {
	return &MemoryEventRepository{maxSeq: make(map[uuid.UUID]int64)}
}

func (r *MemoryEventRepository) Append(_ context.Context, event *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.ID = uuid.New()
	event.CreatedAt = time.Now()
	if max, ok := r.maxSeq[event.DeviceID]; ok && event.Seq <= max {
		event.Flagged = true
	} else {
		event.Flagged = false
		r.maxSeq[event.DeviceID] = event.Seq
	}
	cp := *event
	r.events = append(r.events, &cp)
	return nil
}

func (r *MemoryEventRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryEventRepository) ListByDevice(_ context.Context, deviceID uuid.UUID, sinceSeq int64, limit int) ([]*models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Event
	for _, e := range r.events {
		if e.DeviceID == deviceID && e.Seq > sinceSeq {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryEventRepository) MaxSeqByDevice(_ context.Context) (map[uuid.UUID]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID]int64, len(r.maxSeq))
	for k, v := range r.maxSeq {
		out[k] = v
	}
	return out, nil
}

type MemoryCommandRepository struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*models.CommandLog
}

func NewMemoryCommandRepository() *MemoryCommandRepository {
	return &MemoryCommandRepository{byID: make(map[uuid.UUID]*models.CommandLog)}
}

func (r *MemoryCommandRepository) Create(_ context.Context, cmd *models.CommandLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if existing.DeviceID == cmd.DeviceID &&
			existing.Capability == cmd.Capability &&
			existing.IdempotencyKey == cmd.IdempotencyKey {
			return ErrDuplicateKey
		}
	}
	cmd.ID = uuid.New()
	cmd.CreatedAt = time.Now()
	cp := *cmd
	r.byID[cmd.ID] = &cp
	return nil
}

func (r *MemoryCommandRepository) GetByID(_ context.Context, id uuid.UUID) (*models.CommandLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cmd
	return &cp, nil
}

func (r *MemoryCommandRepository) GetByIdempotencyKey(_ context.Context, deviceID uuid.UUID, capability, key string) (*models.CommandLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range r.byID {
		if cmd.DeviceID == deviceID && cmd.Capability == capability && cmd.IdempotencyKey == key {
			cp := *cmd
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryCommandRepository) Transition(_ context.Context, id uuid.UUID, from, to models.CommandStatus, errMsg *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.byID[id]
	if !ok || cmd.Status != from {
		return ErrNotFound
	}
	now := time.Now()
	cmd.Status = to
	if errMsg != nil {
		cmd.Error = errMsg
	}
	cmd.UpdatedAt = &now
	return nil
}

func (r *MemoryCommandRepository) ExpireOverdue(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	msg := "deadline_exceeded"
	for _, cmd := range r.byID {
		if cmd.Status.Terminal() || cmd.Deadline == nil || !cmd.Deadline.Before(now) {
			continue
		}
		at := time.Now()
		cmd.Status = models.CommandExpired
		cmd.Error = &msg
		cmd.UpdatedAt = &at
		n++
	}
	return n, nil
}

func (r *MemoryCommandRepository) ListPending(_ context.Context) ([]*models.CommandLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.CommandLog
	for _, cmd := range r.byID {
		if cmd.Status == models.CommandAccepted || cmd.Status == models.CommandDelivering {
			cp := *cmd
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type MemoryQuarantineRepository struct {
	mu       sync.Mutex
	byDevice map[uuid.UUID]*models.SecurityQuarantine
	failures int
}

func NewMemoryQuarantineRepository() *MemoryQuarantineRepository {
	return &MemoryQuarantineRepository{byDevice: make(map[uuid.UUID]*models.SecurityQuarantine)}
}

// FailNextUpserts makes the next n Upsert calls fail, for retry tests.
func (r *MemoryQuarantineRepository) FailNextUpserts(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = n
}

func (r *MemoryQuarantineRepository) Upsert(_ context.Context, q *models.SecurityQuarantine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return context.DeadlineExceeded
	}
	now := time.Now()
	existing, ok := r.byDevice[q.DeviceID]
	if ok {
		existing.Mode = q.Mode
		existing.TTLSec = q.TTLSec
		existing.AppliedAt = now
		existing.UpdatedAt = now
		*q = *existing
		return nil
	}
	q.ID = uuid.New()
	q.AppliedAt = now
	q.UpdatedAt = now
	cp := *q
	r.byDevice[q.DeviceID] = &cp
	return nil
}

func (r *MemoryQuarantineRepository) GetByDeviceID(_ context.Context, deviceID uuid.UUID) (*models.SecurityQuarantine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.byDevice[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (r *MemoryQuarantineRepository) Clear(_ context.Context, deviceID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byDevice[deviceID]; !ok {
		return ErrNotFound
	}
	delete(r.byDevice, deviceID)
	return nil
}

func (r *MemoryQuarantineRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, q := range r.byDevice {
		if q.Expired(now) {
			delete(r.byDevice, id)
			n++
		}
	}
	return n, nil
}

type MemoryDecisionRepository struct {
	mu        sync.Mutex
	decisions []*models.PrivacyDecision
}

func NewMemoryDecisionRepository() *MemoryDecisionRepository {
	return &MemoryDecisionRepository{}
}

func (r *MemoryDecisionRepository) Append(_ context.Context, decision *models.PrivacyDecision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	decision.ID = uuid.New()
	decision.CreatedAt = time.Now()
	cp := *decision
	r.decisions = append(r.decisions, &cp)
	return nil
}

func (r *MemoryDecisionRepository) ListByDevice(_ context.Context, deviceID uuid.UUID, limit int) ([]*models.PrivacyDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.PrivacyDecision
	for i := len(r.decisions) - 1; i >= 0; i-- {
		if r.decisions[i].DeviceID == deviceID {
			cp := *r.decisions[i]
			out = append(out, &cp)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Count reports the total number of decision rows, for audit tests.
func (r *MemoryDecisionRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.decisions)
}

// MemoryConsentSource is a consent snapshot source for tests and dev mode.
type MemoryConsentSource struct {
	mu     sync.Mutex
	grants map[string]models.ConsentGrant
	err    error
}

func NewMemoryConsentSource() *MemoryConsentSource {
	return &MemoryConsentSource{grants: make(map[string]models.ConsentGrant)}
}

func (s *MemoryConsentSource) SetGrant(grant models.ConsentGrant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grant.DeviceID.String() + "|" + grant.Capability + "|" + string(grant.Purpose)
	s.grants[key] = grant
}

// FailWith makes Snapshot return err until reset with nil.
func (s *MemoryConsentSource) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *MemoryConsentSource) Snapshot(_ context.Context) ([]models.ConsentGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]models.ConsentGrant, 0, len(s.grants))
	for _, g := range s.grants {
		out = append(out, g)
	}
	return out, nil
}
