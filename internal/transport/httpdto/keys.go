package httpdto

import (
	"encoding/base64"
	"time"

	"keyrelay/internal/domain/device"
	"keyrelay/internal/services"
)

// UploadKeyBundleRequest is used for POST /e2ee/keys/bundle. Key
// material travels base64 encoded; device_id is omitted on first
// upload and the server registers a new device.
type UploadKeyBundleRequest struct {
	DeviceID        string   `json:"device_id"`
	DisplayName     string   `json:"display_name"`
	IdentityKey     string   `json:"identity_key" binding:"required"`
	SignedPrekey    string   `json:"signed_prekey" binding:"required"`
	SignedPrekeySig string   `json:"signed_prekey_sig" binding:"required"`
	OneTimePrekeys  []string `json:"one_time_prekeys" binding:"required"`
}

// DeviceBundleDTO represents one device's key bundle in API responses
type DeviceBundleDTO struct {
	DeviceID         string `json:"device_id"`
	DisplayName      string `json:"display_name,omitempty"`
	IdentityKey      string `json:"identity_key"`
	SignedPrekey     string `json:"signed_prekey"`
	SignedPrekeySig  string `json:"signed_prekey_sig"`
	BundleVersion    int    `json:"bundle_version"`
	PrekeysAvailable int64  `json:"prekeys_available"`
}

// ClaimPrekeyRequest is used for POST /e2ee/keys/prekeys/claim
type ClaimPrekeyRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
	PrekeyID string `json:"prekey_id" binding:"required"`
}

// ClaimPrekeyResponse is returned after a successful claim
type ClaimPrekeyResponse struct {
	PrekeyID         string `json:"prekey_id"`
	DeviceID         string `json:"device_id"`
	PublicKey        string `json:"public_key"`
	PrekeysRemaining int64  `json:"prekeys_remaining"`
}

// RevokeDeviceRequest is used for POST /e2ee/devices/:id/revoke
type RevokeDeviceRequest struct {
	Reason string `json:"reason"`
}

// DeviceDTO represents a device in API responses
type DeviceDTO struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	LastSeenAt  string `json:"last_seen_at,omitempty"`
}

// FromDeviceBundle converts a service bundle view to DeviceBundleDTO
func FromDeviceBundle(b services.DeviceBundle) DeviceBundleDTO {
	return DeviceBundleDTO{
		DeviceID:         b.DeviceID.String(),
		DisplayName:      b.DisplayName,
		IdentityKey:      base64.StdEncoding.EncodeToString(b.IdentityKey),
		SignedPrekey:     base64.StdEncoding.EncodeToString(b.SignedPrekey),
		SignedPrekeySig:  base64.StdEncoding.EncodeToString(b.SignedPrekeySig),
		BundleVersion:    b.BundleVersion,
		PrekeysAvailable: b.PrekeysAvailable,
	}
}

// FromClaimResult converts a service claim result to ClaimPrekeyResponse
func FromClaimResult(r services.ClaimPrekeyResult) ClaimPrekeyResponse {
	return ClaimPrekeyResponse{
		PrekeyID:         r.PrekeyID.String(),
		DeviceID:         r.DeviceID.String(),
		PublicKey:        base64.StdEncoding.EncodeToString(r.PublicKeyMaterial),
		PrekeysRemaining: r.PrekeysRemaining,
	}
}

// FromDevice converts a domain device to DeviceDTO
func FromDevice(d device.Device) DeviceDTO {
	dto := DeviceDTO{
		ID:          d.ID.String(),
		DisplayName: d.DisplayName,
		Status:      d.Status,
		CreatedAt:   d.CreatedAt.Format(time.RFC3339),
	}
	if d.LastSeenAt != nil {
		dto.LastSeenAt = d.LastSeenAt.Format(time.RFC3339)
	}
	return dto
}
