package handler

import (
	"encoding/base64"
	"net/http"
	"strconv"

	"keyrelay/internal/services"
	"keyrelay/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type KeyHandler struct {
	service *services.KeyService
}

func NewKeyHandler(service *services.KeyService) *KeyHandler {
	return &KeyHandler{service: service}
}

func (h *KeyHandler) UploadBundle(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req httpdto.UploadKeyBundleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "request")
		return
	}

	in := services.UploadBundleInput{DisplayName: req.DisplayName}
	if req.DeviceID != "" {
		deviceID, err := uuid.Parse(req.DeviceID)
		if err != nil {
			badRequest(c, "device_id")
			return
		}
		in.DeviceID = &deviceID
	}

	var err error
	if in.IdentityKey, err = base64.StdEncoding.DecodeString(req.IdentityKey); err != nil {
		badRequest(c, "identity_key")
		return
	}
	if in.SignedPrekey, err = base64.StdEncoding.DecodeString(req.SignedPrekey); err != nil {
		badRequest(c, "signed_prekey")
		return
	}
	if in.SignedPrekeySig, err = base64.StdEncoding.DecodeString(req.SignedPrekeySig); err != nil {
		badRequest(c, "signed_prekey_sig")
		return
	}
	in.Prekeys = make([][]byte, 0, len(req.OneTimePrekeys))
	for _, encoded := range req.OneTimePrekeys {
		material, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			badRequest(c, "one_time_prekeys")
			return
		}
		in.Prekeys = append(in.Prekeys, material)
	}

	result, err := h.service.UploadKeyBundle(c.Request.Context(), callerID, in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(result))
}

func (h *KeyHandler) FetchBundles(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	targetID, ok := parseUUIDParam(c, "userID")
	if !ok {
		return
	}

	var knownVersion *int
	if raw := c.Query("known_version"); raw != "" {
		version, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "known_version")
			return
		}
		knownVersion = &version
	}

	bundles, err := h.service.FetchKeyBundles(c.Request.Context(), callerID, targetID, knownVersion)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]httpdto.DeviceBundleDTO, 0, len(bundles))
	for _, b := range bundles {
		out = append(out, httpdto.FromDeviceBundle(b))
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(out))
}

func (h *KeyHandler) ClaimPrekey(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req httpdto.ClaimPrekeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "request")
		return
	}
	deviceID, err := uuid.Parse(req.DeviceID)
	if err != nil {
		badRequest(c, "device_id")
		return
	}
	prekeyID, err := uuid.Parse(req.PrekeyID)
	if err != nil {
		badRequest(c, "prekey_id")
		return
	}

	result, err := h.service.ClaimPrekey(c.Request.Context(), callerID, deviceID, prekeyID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromClaimResult(result)))
}

func (h *KeyHandler) ListDevices(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	devices, err := h.service.ListDevices(c.Request.Context(), callerID)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]httpdto.DeviceDTO, 0, len(devices))
	for _, d := range devices {
		out = append(out, httpdto.FromDevice(d))
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(out))
}

func (h *KeyHandler) RevokeDevice(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	deviceID, ok := parseUUIDParam(c, "deviceID")
	if !ok {
		return
	}
	var req httpdto.RevokeDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		badRequest(c, "request")
		return
	}

	if err := h.service.RevokeDevice(c.Request.Context(), callerID, deviceID, req.Reason); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"revoked": true}))
}
