package handler

import (
	"context"
	"net/http"
	"time"

	"keyrelay/internal/services"
	"keyrelay/internal/transport/httpdto"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type GroupHandler struct {
	service *services.GroupService
}

func NewGroupHandler(service *services.GroupService) *GroupHandler {
	return &GroupHandler{service: service}
}

func (h *GroupHandler) Create(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req httpdto.CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "request")
		return
	}

	view, err := h.service.CreateGroup(c.Request.Context(), callerID, req.Title, req.About, req.MaxParticipants)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(view))
}

func (h *GroupHandler) Get(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	groupID, ok := parseUUIDParam(c, "groupID")
	if !ok {
		return
	}

	view, err := h.service.GetGroup(c.Request.Context(), callerID, groupID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(view))
}

func (h *GroupHandler) List(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	views, err := h.service.ListGroups(c.Request.Context(), callerID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(views))
}

func (h *GroupHandler) Update(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	groupID, ok := parseUUIDParam(c, "groupID")
	if !ok {
		return
	}
	var req httpdto.UpdateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "request")
		return
	}

	view, err := h.service.UpdateGroup(c.Request.Context(), callerID, groupID, req.Title, req.About)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(view))
}

func (h *GroupHandler) Close(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	groupID, ok := parseUUIDParam(c, "groupID")
	if !ok {
		return
	}

	if err := h.service.CloseGroup(c.Request.Context(), callerID, groupID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"closed": true}))
}

func (h *GroupHandler) AddMembers(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	groupID, ok := parseUUIDParam(c, "groupID")
	if !ok {
		return
	}
	var req httpdto.AddMembersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "request")
		return
	}
	userIDs := make([]uuid.UUID, 0, len(req.UserIDs))
	for _, raw := range req.UserIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			badRequest(c, "user_ids")
			return
		}
		userIDs = append(userIDs, id)
	}

	added, err := h.service.AddMembers(c.Request.Context(), callerID, groupID, userIDs)
	if err != nil {
		fail(c, err)
		return
	}
	out := httpdto.AddedMembersResponse{Added: make([]string, 0, len(added))}
	for _, id := range added {
		out.Added = append(out.Added, id.String())
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(out))
}

func (h *GroupHandler) RemoveMember(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	groupID, ok := parseUUIDParam(c, "groupID")
	if !ok {
		return
	}
	targetID, ok := parseUUIDParam(c, "userID")
	if !ok {
		return
	}

	if err := h.service.RemoveMember(c.Request.Context(), callerID, groupID, targetID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"removed": true}))
}

func (h *GroupHandler) Leave(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	groupID, ok := parseUUIDParam(c, "groupID")
	if !ok {
		return
	}

	if err := h.service.Leave(c.Request.Context(), callerID, groupID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"left": true}))
}

func (h *GroupHandler) Ban(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	groupID, ok := parseUUIDParam(c, "groupID")
	if !ok {
		return
	}
	targetID, ok := parseUUIDParam(c, "userID")
	if !ok {
		return
	}
	var req httpdto.BanMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		badRequest(c, "request")
		return
	}

	if err := h.service.Ban(c.Request.Context(), callerID, groupID, targetID, req.Reason); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"banned": true}))
}

func (h *GroupHandler) Unban(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	groupID, ok := parseUUIDParam(c, "groupID")
	if !ok {
		return
	}
	targetID, ok := parseUUIDParam(c, "userID")
	if !ok {
		return
	}

	if err := h.service.Unban(c.Request.Context(), callerID, groupID, targetID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"banned": false}))
}

func (h *GroupHandler) Promote(c *gin.Context) {
	h.roleChange(c, h.service.Promote)
}

func (h *GroupHandler) Demote(c *gin.Context) {
	h.roleChange(c, h.service.Demote)
}

func (h *GroupHandler) roleChange(c *gin.Context, change func(ctx context.Context, callerID, groupID, targetID uuid.UUID) error) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	groupID, ok := parseUUIDParam(c, "groupID")
	if !ok {
		return
	}
	targetID, ok := parseUUIDParam(c, "userID")
	if !ok {
		return
	}

	if err := change(c.Request.Context(), callerID, groupID, targetID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"updated": true}))
}

func (h *GroupHandler) Mute(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	groupID, ok := parseUUIDParam(c, "groupID")
	if !ok {
		return
	}
	targetID, ok := parseUUIDParam(c, "userID")
	if !ok {
		return
	}
	var req httpdto.MuteMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "request")
		return
	}
	until, err := time.Parse(time.RFC3339, req.Until)
	if err != nil {
		badRequest(c, "until")
		return
	}

	if err := h.service.Mute(c.Request.Context(), callerID, groupID, targetID, until); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"muted": true}))
}

func (h *GroupHandler) Unmute(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	groupID, ok := parseUUIDParam(c, "groupID")
	if !ok {
		return
	}
	targetID, ok := parseUUIDParam(c, "userID")
	if !ok {
		return
	}

	if err := h.service.Unmute(c.Request.Context(), callerID, groupID, targetID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"muted": false}))
}

func (h *GroupHandler) ListMembers(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	groupID, ok := parseUUIDParam(c, "groupID")
	if !ok {
		return
	}

	members, err := h.service.ListMembers(c.Request.Context(), callerID, groupID)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]httpdto.GroupParticipantDTO, 0, len(members))
	for _, m := range members {
		out = append(out, httpdto.FromGroupParticipant(m))
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(out))
}

func (h *GroupHandler) CreateInvite(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	groupID, ok := parseUUIDParam(c, "groupID")
	if !ok {
		return
	}
	var req httpdto.CreateGroupInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "request")
		return
	}

	in := services.CreateInviteInput{Type: req.Type, MaxUses: req.MaxUses}
	if req.ExpiresAt != "" {
		expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			badRequest(c, "expires_at")
			return
		}
		in.ExpiresAt = &expiresAt
	}
	if req.TargetUserID != "" {
		targetID, err := uuid.Parse(req.TargetUserID)
		if err != nil {
			badRequest(c, "target_user_id")
			return
		}
		in.TargetUserID = &targetID
	}

	invite, err := h.service.CreateInvite(c.Request.Context(), callerID, groupID, in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromGroupInvite(invite)))
}

func (h *GroupHandler) ListInvites(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	groupID, ok := parseUUIDParam(c, "groupID")
	if !ok {
		return
	}

	invites, err := h.service.ListInvites(c.Request.Context(), callerID, groupID)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]httpdto.GroupInviteDTO, 0, len(invites))
	for _, inv := range invites {
		out = append(out, httpdto.FromGroupInvite(inv))
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(out))
}

func (h *GroupHandler) RevokeInvite(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	groupID, ok := parseUUIDParam(c, "groupID")
	if !ok {
		return
	}
	inviteID, ok := parseUUIDParam(c, "inviteID")
	if !ok {
		return
	}

	if err := h.service.RevokeInvite(c.Request.Context(), callerID, groupID, inviteID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"revoked": true}))
}

func (h *GroupHandler) Join(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	var req httpdto.JoinGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "request")
		return
	}

	result, err := h.service.JoinByCode(c.Request.Context(), callerID, req.Code)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(result))
}

func (h *GroupHandler) Epoch(c *gin.Context) {
	callerID, ok := currentUserID(c)
	if !ok {
		return
	}
	groupID, ok := parseUUIDParam(c, "groupID")
	if !ok {
		return
	}

	epoch, err := h.service.CurrentEpoch(c.Request.Context(), callerID, groupID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"group_id": groupID, "group_epoch": epoch}))
}
