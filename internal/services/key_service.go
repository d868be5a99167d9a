package services

import (
	"bytes"
	"context"
	"errors"
	"time"

	"keyrelay/config"
	"keyrelay/internal/domain/device"
	"keyrelay/internal/domain/keys"
	"keyrelay/internal/events"
	"keyrelay/internal/repository"
	keyrelay_errors "keyrelay/pkg/errors"
	"keyrelay/pkg/logger"

	"github.com/google/uuid"
)

// KeyService owns the device lifecycle, key-bundle storage and the
// one-time prekey pool.
type KeyService struct {
	cfg       *config.Config
	devices   repository.DeviceRepository
	keys      repository.KeyRepository
	convs     repository.ConversationRepository
	identity  repository.IdentityRepository
	publisher events.Publisher
	logger    *logger.Logger
}

func NewKeyService(
	cfg *config.Config,
	devices repository.DeviceRepository,
	keyRepo repository.KeyRepository,
	convs repository.ConversationRepository,
	identity repository.IdentityRepository,
	publisher events.Publisher,
	l *logger.Logger,
) *KeyService {
	return &KeyService{
		cfg:       cfg,
		devices:   devices,
		keys:      keyRepo,
		convs:     convs,
		identity:  identity,
		publisher: publisher,
		logger:    l,
	}
}

type UploadBundleInput struct {
	DeviceID         *uuid.UUID
	DisplayName      string
	IdentityKey      []byte
	SignedPrekey     []byte
	SignedPrekeySig  []byte
	Prekeys          [][]byte
}

type UploadBundleResult struct {
	DeviceID      uuid.UUID `json:"device_id"`
	BundleVersion int       `json:"bundle_version"`
	PrekeysStored int       `json:"prekeys_stored"`
}

type DeviceBundle struct {
	DeviceID         uuid.UUID `json:"device_id"`
	DisplayName      string    `json:"display_name"`
	IdentityKey      []byte    `json:"identity_key"`
	SignedPrekey     []byte    `json:"signed_prekey"`
	SignedPrekeySig  []byte    `json:"signed_prekey_sig"`
	BundleVersion    int       `json:"bundle_version"`
	PrekeysAvailable int64     `json:"prekeys_available"`
}

type ClaimPrekeyResult struct {
	PrekeyID          uuid.UUID `json:"prekey_id"`
	DeviceID          uuid.UUID `json:"device_id"`
	PublicKeyMaterial []byte    `json:"public_key_material"`
	PrekeysRemaining  int64     `json:"prekeys_remaining"`
}

func (s *KeyService) gate() error {
	if !s.cfg.E2EEEnabled {
		return keyrelay_errors.New(keyrelay_errors.CodeFeatureDisabled,
			"end-to-end encryption is disabled", keyrelay_errors.ErrFeatureDisabled)
	}
	return nil
}

func (s *KeyService) UploadKeyBundle(ctx context.Context, callerID uuid.UUID, in UploadBundleInput) (UploadBundleResult, error) {
	if err := s.gate(); err != nil {
		return UploadBundleResult{}, err
	}
	if len(in.IdentityKey) == 0 || len(in.SignedPrekey) == 0 || len(in.SignedPrekeySig) == 0 {
		return UploadBundleResult{}, keyrelay_errors.New(keyrelay_errors.CodeInvalidRequest,
			"identity key and signed prekey are required", keyrelay_errors.ErrInvalidInput)
	}
	if len(in.Prekeys) == 0 {
		return UploadBundleResult{}, keyrelay_errors.New(keyrelay_errors.CodeInvalidRequest,
			"prekey batch must not be empty", keyrelay_errors.ErrInvalidInput)
	}
	if len(in.Prekeys) > s.cfg.PrekeyPoolSize {
		return UploadBundleResult{}, keyrelay_errors.New(keyrelay_errors.CodeInvalidRequest,
			"prekey batch exceeds pool size", keyrelay_errors.ErrInvalidInput)
	}

	dev, err := s.resolveUploadDevice(ctx, callerID, in)
	if err != nil {
		return UploadBundleResult{}, err
	}

	// Identity-key rotation is the key-compromise signal; evaluate it
	// before committing any bundle change.
	existing, err := s.keys.GetBundle(ctx, dev.ID)
	hadBundle := err == nil
	if err != nil && !errors.Is(err, keyrelay_errors.ErrNotFound) {
		return UploadBundleResult{}, err
	}
	if hadBundle && !bytes.Equal(existing.IdentityKeyPub, in.IdentityKey) {
		if err := s.recordIdentityChange(ctx, callerID, dev.ID); err != nil {
			return UploadBundleResult{}, err
		}
	}

	if err := s.devices.TouchLastSeen(ctx, dev.ID, in.DisplayName); err != nil {
		return UploadBundleResult{}, err
	}

	prekeys := make([]keys.OneTimePrekey, 0, len(in.Prekeys))
	for _, material := range in.Prekeys {
		prekeys = append(prekeys, keys.OneTimePrekey{
			ID:                uuid.New(),
			DeviceID:          dev.ID,
			PublicKeyMaterial: material,
		})
	}
	bundle := keys.KeyBundle{
		DeviceID:        dev.ID,
		IdentityKeyPub:  in.IdentityKey,
		SignedPrekeyPub: in.SignedPrekey,
		SignedPrekeySig: in.SignedPrekeySig,
	}
	if err := s.keys.ReplaceBundle(ctx, &bundle, prekeys); err != nil {
		return UploadBundleResult{}, err
	}

	if err := s.publisher.Publish(ctx, events.BundleUpdatedEvent{
		Type:          events.EventTypeBundleUpdated,
		UserID:        callerID,
		DeviceID:      dev.ID,
		BundleVersion: bundle.BundleVersion,
	}); err != nil {
		s.logger.Errorf("bundle_updated publish dropped: %s", err)
	}

	return UploadBundleResult{
		DeviceID:      dev.ID,
		BundleVersion: bundle.BundleVersion,
		PrekeysStored: len(prekeys),
	}, nil
}

func (s *KeyService) resolveUploadDevice(ctx context.Context, callerID uuid.UUID, in UploadBundleInput) (device.Device, error) {
	if in.DeviceID == nil {
		dev := device.Device{
			ID:          uuid.New(),
			OwnerUserID: callerID,
			DisplayName: in.DisplayName,
			Status:      device.StatusActive,
		}
		if err := s.devices.Create(ctx, &dev); err != nil {
			return device.Device{}, err
		}
		return dev, nil
	}

	dev, err := s.devices.GetByID(ctx, *in.DeviceID)
	if err != nil {
		return device.Device{}, err
	}
	if dev.OwnerUserID != callerID {
		return device.Device{}, keyrelay_errors.New(keyrelay_errors.CodeForbidden,
			"device is not owned by caller", keyrelay_errors.ErrForbidden)
	}
	if dev.Status == device.StatusRevoked {
		return device.Device{}, keyrelay_errors.New(keyrelay_errors.CodeDeviceRevoked,
			"device has been revoked", keyrelay_errors.ErrConflict)
	}
	return dev, nil
}

// recordIdentityChange appends the audit event and applies the rolling
// thresholds. The audit rows and any revocation commit even though the
// upload itself is aborted on a block.
func (s *KeyService) recordIdentityChange(ctx context.Context, callerID, deviceID uuid.UUID) error {
	if err := s.devices.AppendIdentityChange(ctx, &device.IdentityChangeEvent{
		ID:       uuid.New(),
		UserID:   callerID,
		DeviceID: deviceID,
		Reason:   device.ReasonIdentityChange,
	}); err != nil {
		return err
	}

	since := time.Now().Add(-time.Duration(s.cfg.IdentityChangeWindowHours) * time.Hour)
	count, err := s.devices.CountIdentityChangesSince(ctx, deviceID, since)
	if err != nil {
		return err
	}

	if count >= int64(s.cfg.IdentityChangeBlockThreshold) {
		if _, err := s.devices.Revoke(ctx, deviceID, callerID, "identity change threshold exceeded"); err != nil {
			return err
		}
		if err := s.devices.AppendIdentityChange(ctx, &device.IdentityChangeEvent{
			ID:       uuid.New(),
			UserID:   callerID,
			DeviceID: deviceID,
			Reason:   device.ReasonIdentityChangeBlock,
		}); err != nil {
			return err
		}
		s.logger.Warnf("identity change blocked: device %s revoked after %d changes in window", deviceID, count)
		if err := s.publisher.Publish(ctx, events.DeviceRevokedEvent{
			Type:     events.EventTypeDeviceRevoked,
			UserID:   callerID,
			DeviceID: deviceID,
			Reason:   device.ReasonIdentityChangeBlock,
		}); err != nil {
			s.logger.Errorf("device_revoked publish dropped: %s", err)
		}
		return keyrelay_errors.New(keyrelay_errors.CodeIdentityChangeBlocked,
			"identity key changed too often, device revoked", keyrelay_errors.ErrConflict)
	}
	if count >= int64(s.cfg.IdentityChangeAlertThreshold) {
		s.logger.Warnf("identity change alert: device %s has %d changes in window", deviceID, count)
	}
	return nil
}

func (s *KeyService) FetchKeyBundles(ctx context.Context, callerID, targetUserID uuid.UUID, knownBundleVersion *int) ([]DeviceBundle, error) {
	if err := s.gate(); err != nil {
		return nil, err
	}
	if err := s.requireRelationship(ctx, callerID, targetUserID); err != nil {
		return nil, err
	}

	devices, err := s.devices.ListActiveByOwner(ctx, targetUserID)
	if err != nil {
		return nil, err
	}

	out := make([]DeviceBundle, 0, len(devices))
	maxVersion := 0
	for _, dev := range devices {
		bundle, err := s.keys.GetBundle(ctx, dev.ID)
		if errors.Is(err, keyrelay_errors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if bundle.BundleVersion > maxVersion {
			maxVersion = bundle.BundleVersion
		}
		available, err := s.keys.CountUnclaimed(ctx, dev.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, DeviceBundle{
			DeviceID:         dev.ID,
			DisplayName:      dev.DisplayName,
			IdentityKey:      bundle.IdentityKeyPub,
			SignedPrekey:     bundle.SignedPrekeyPub,
			SignedPrekeySig:  bundle.SignedPrekeySig,
			BundleVersion:    bundle.BundleVersion,
			PrekeysAvailable: available,
		})
	}

	if knownBundleVersion != nil && *knownBundleVersion < maxVersion {
		return nil, keyrelay_errors.New(keyrelay_errors.CodeBundleStale,
			"known bundle version is stale", keyrelay_errors.ErrConflict).
			WithMeta("bundle_version", maxVersion)
	}
	return out, nil
}

// requireRelationship enforces the anti-harvesting rule: no mutual block
// and, unless the caller is the target, an existing 1:1 conversation.
func (s *KeyService) requireRelationship(ctx context.Context, callerID, targetUserID uuid.UUID) error {
	exists, err := s.identity.UserExists(ctx, targetUserID)
	if err != nil {
		return err
	}
	if !exists {
		return keyrelay_errors.ErrNotFound
	}
	if callerID == targetUserID {
		return nil
	}

	blocked, err := s.identity.Blocked(ctx, callerID, targetUserID)
	if err != nil {
		return err
	}
	if blocked {
		return keyrelay_errors.New(keyrelay_errors.CodeBlocked,
			"users block each other", keyrelay_errors.ErrForbidden)
	}

	if _, err := s.convs.GetByPairKey(ctx, pairKeyOf(callerID, targetUserID)); err == nil {
		return nil
	} else if !errors.Is(err, keyrelay_errors.ErrNotFound) {
		return err
	}
	if _, err := s.convs.GetByMembers(ctx, callerID, targetUserID); err == nil {
		return nil
	} else if !errors.Is(err, keyrelay_errors.ErrNotFound) {
		return err
	}
	return keyrelay_errors.New(keyrelay_errors.CodeRelationshipRequired,
		"no prior relationship with target user", keyrelay_errors.ErrForbidden)
}

func (s *KeyService) ClaimPrekey(ctx context.Context, callerID, deviceID, prekeyID uuid.UUID) (ClaimPrekeyResult, error) {
	if err := s.gate(); err != nil {
		return ClaimPrekeyResult{}, err
	}

	dev, err := s.devices.GetByID(ctx, deviceID)
	if err != nil {
		return ClaimPrekeyResult{}, err
	}
	if dev.Status == device.StatusRevoked {
		return ClaimPrekeyResult{}, keyrelay_errors.New(keyrelay_errors.CodeDeviceRevoked,
			"device has been revoked", keyrelay_errors.ErrConflict)
	}
	if callerID != dev.OwnerUserID {
		if err := s.requireRelationship(ctx, callerID, dev.OwnerUserID); err != nil {
			return ClaimPrekeyResult{}, err
		}
	}

	pk, err := s.keys.GetPrekey(ctx, prekeyID)
	if err != nil {
		if errors.Is(err, keyrelay_errors.ErrNotFound) {
			return ClaimPrekeyResult{}, s.prekeyClaimFailure(ctx, deviceID)
		}
		return ClaimPrekeyResult{}, err
	}
	if pk.DeviceID != deviceID {
		return ClaimPrekeyResult{}, keyrelay_errors.ErrNotFound
	}

	claimed, err := s.keys.ClaimPrekey(ctx, prekeyID, callerID)
	if err != nil {
		if errors.Is(err, keyrelay_errors.ErrConflict) {
			return ClaimPrekeyResult{}, s.prekeyClaimFailure(ctx, deviceID)
		}
		return ClaimPrekeyResult{}, err
	}

	remaining, err := s.keys.CountUnclaimed(ctx, deviceID)
	if err != nil {
		return ClaimPrekeyResult{}, err
	}
	s.watermarkCheck(ctx, dev.OwnerUserID, deviceID, remaining)

	return ClaimPrekeyResult{
		PrekeyID:          claimed.ID,
		DeviceID:          claimed.DeviceID,
		PublicKeyMaterial: claimed.PublicKeyMaterial,
		PrekeysRemaining:  remaining,
	}, nil
}

// prekeyClaimFailure distinguishes an exhausted pool from a single
// missing or already-claimed prekey.
func (s *KeyService) prekeyClaimFailure(ctx context.Context, deviceID uuid.UUID) error {
	remaining, err := s.keys.CountUnclaimed(ctx, deviceID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return keyrelay_errors.New(keyrelay_errors.CodePrekeysExhausted,
			"one-time prekey pool is exhausted", keyrelay_errors.ErrConflict)
	}
	return keyrelay_errors.ErrNotFound
}

func (s *KeyService) watermarkCheck(ctx context.Context, ownerID, deviceID uuid.UUID, remaining int64) {
	level := ""
	switch {
	case remaining < int64(s.cfg.OTPKCriticalWatermark):
		level = "critical"
	case remaining < int64(s.cfg.OTPKLowWatermark):
		level = "low"
	default:
		return
	}
	s.logger.Warnf("prekey pool %s: device %s has %d remaining", level, deviceID, remaining)
	if err := s.publisher.Publish(ctx, events.PrekeyLowEvent{
		Type:      events.EventTypePrekeyLow,
		UserID:    ownerID,
		DeviceID:  deviceID,
		Remaining: remaining,
		Level:     level,
	}); err != nil {
		s.logger.Errorf("prekey_low publish dropped: %s", err)
	}
}

func (s *KeyService) ListDevices(ctx context.Context, callerID uuid.UUID) ([]device.Device, error) {
	if err := s.gate(); err != nil {
		return nil, err
	}
	return s.devices.ListByOwner(ctx, callerID)
}

// RevokeDevice is idempotent: revoking an already-revoked device is a
// no-op success.
func (s *KeyService) RevokeDevice(ctx context.Context, callerID, deviceID uuid.UUID, reason string) error {
	if err := s.gate(); err != nil {
		return err
	}
	dev, err := s.devices.GetByID(ctx, deviceID)
	if err != nil {
		return err
	}
	if dev.OwnerUserID != callerID {
		return keyrelay_errors.New(keyrelay_errors.CodeForbidden,
			"device is not owned by caller", keyrelay_errors.ErrForbidden)
	}
	transitioned, err := s.devices.Revoke(ctx, deviceID, callerID, reason)
	if err != nil {
		return err
	}
	if transitioned {
		s.logger.Warnf("device revoked: %s by owner %s", deviceID, callerID)
		if err := s.publisher.Publish(ctx, events.DeviceRevokedEvent{
			Type:     events.EventTypeDeviceRevoked,
			UserID:   callerID,
			DeviceID: deviceID,
			Reason:   reason,
		}); err != nil {
			s.logger.Errorf("device_revoked publish dropped: %s", err)
		}
	}
	return nil
}
