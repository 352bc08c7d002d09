package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/havenhub/haven/internal/bus"
	"github.com/havenhub/haven/internal/models"
	"github.com/havenhub/haven/internal/repositories"
	"github.com/havenhub/haven/internal/utils"
)

var ErrInvalidToken = errors.New("invalid token")

const credentialKeyRef = "local-v1"

// TrustService owns device identity: registration, sealed credentials,
// device tokens, and capability changes. A capability-set mutation is a
// compromise indicator, so it also feeds the intrusion signal bus.
type TrustService struct {
	devices     repositories.DeviceRepository
	creds       repositories.DeviceCredentialsRepository
	signals     *bus.Bus[models.IntrusionSignal]
	sealer      *utils.Sealer
	jwtSecret   string
	tokenExpiry time.Duration
	logger      *zap.Logger
}

func NewTrustService(
	devices repositories.DeviceRepository,
	creds repositories.DeviceCredentialsRepository,
	signals *bus.Bus[models.IntrusionSignal],
	sealer *utils.Sealer,
	jwtSecret string,
	tokenExpiry time.Duration,
	logger *zap.Logger,
) *TrustService {
	return &TrustService{
		devices:     devices,
		creds:       creds,
		signals:     signals,
		sealer:      sealer,
		jwtSecret:   jwtSecret,
		tokenExpiry: tokenExpiry,
		logger:      logger,
	}
}

// RegisterDevice creates the device, seals a fresh transport secret for it,
// and issues its first token.
func (s *TrustService) RegisterDevice(ctx context.Context, name string, capabilities []string) (*models.Device, string, error) {
	if name == "" || len(capabilities) == 0 {
		return nil, "", errors.New("device name and capabilities are required")
	}

	device := &models.Device{
		Name:         name,
		Capabilities: capabilities,
		Status:       models.DeviceOffline,
	}
	if err := s.devices.Create(ctx, device); err != nil {
		return nil, "", fmt.Errorf("failed to register device: %w", err)
	}

	if err := s.issueCredentials(ctx, device.ID, false); err != nil {
		return nil, "", err
	}

	token, err := s.IssueToken(device.ID)
	if err != nil {
		return nil, "", err
	}
	return device, token, nil
}

// RotateCredentials retires the active sealed secret and installs a new one.
func (s *TrustService) RotateCredentials(ctx context.Context, deviceID uuid.UUID) error {
	if _, err := s.devices.GetByID(ctx, deviceID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrUnknownDevice
		}
		return fmt.Errorf("failed to load device: %w", err)
	}
	return s.issueCredentials(ctx, deviceID, true)
}

func (s *TrustService) issueCredentials(ctx context.Context, deviceID uuid.UUID, rotate bool) error {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("failed to generate device secret: %w", err)
	}

	blob, nonce, err := s.sealer.Seal(secret)
	if err != nil {
		return fmt.Errorf("failed to seal device secret: %w", err)
	}

	creds := &models.DeviceCredentials{
		DeviceID:  deviceID,
		Blob:      blob,
		Nonce:     nonce,
		Algorithm: utils.SealAlgorithm,
		KeyRef:    credentialKeyRef,
	}
	if rotate {
		if err := s.creds.Rotate(ctx, deviceID, creds); err != nil {
			return fmt.Errorf("failed to rotate credentials: %w", err)
		}
		return nil
	}
	if err := s.creds.Create(ctx, creds); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	return nil
}

// UpdateCapabilities changes the device's declared capability set. Any
// change after registration is suspicious enough to put on the signal bus.
func (s *TrustService) UpdateCapabilities(ctx context.Context, deviceID uuid.UUID, capabilities []string) error {
	device, err := s.devices.GetByID(ctx, deviceID)
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrUnknownDevice
	}
	if err != nil {
		return fmt.Errorf("failed to load device: %w", err)
	}

	if capabilitiesEqual(device.Capabilities, capabilities) {
		return nil
	}
	if err := s.devices.UpdateCapabilities(ctx, deviceID, capabilities); err != nil {
		return fmt.Errorf("failed to update capabilities: %w", err)
	}

	sig := models.IntrusionSignal{
		Type:       models.SignalCapabilityMutation,
		DeviceID:   deviceID,
		Severity:   models.SeverityHigh,
		Detail:     fmt.Sprintf("capability set changed from %d to %d entries", len(device.Capabilities), len(capabilities)),
		ObservedAt: time.Now(),
	}
	if err := s.signals.Publish(sig); err != nil {
		s.logger.Error("failed to publish capability mutation",
			zap.String("device_id", deviceID.String()), zap.Error(err))
	}
	return nil
}

// IssueToken mints a device-scoped bearer token.
func (s *TrustService) IssueToken(deviceID uuid.UUID) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": deviceID.String(),
		"exp": now.Add(s.tokenExpiry).Unix(),
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a device token and returns the device id.
func (s *TrustService) VerifyToken(tokenString string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok {
		return uuid.Nil, ErrInvalidToken
	}
	deviceID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	return deviceID, nil
}

func capabilitiesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, c := range a {
		seen[c]++
	}
	for _, c := range b {
		seen[c]--
		if seen[c] < 0 {
			return false
		}
	}
	return true
}
