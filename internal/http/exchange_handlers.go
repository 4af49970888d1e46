package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/open-builders/gift-exchange-backend/internal/common/errors"
	"github.com/open-builders/gift-exchange-backend/internal/common/logger"
	dx "github.com/open-builders/gift-exchange-backend/internal/domain/exchange"
	exsvc "github.com/open-builders/gift-exchange-backend/internal/service/exchange"
	"github.com/open-builders/gift-exchange-backend/internal/service/notifications"
)

// ExchangeHandlers exposes group administration and draws over HTTP.
type ExchangeHandlers struct {
	service   *exsvc.Service
	announcer notifications.Announcer
}

func NewExchangeHandlers(svc *exsvc.Service, announcer notifications.Announcer) *ExchangeHandlers {
	return &ExchangeHandlers{service: svc, announcer: announcer}
}

func (h *ExchangeHandlers) Register(r gin.IRouter) {
	r.POST("/groups", h.createGroup)
	r.GET("/groups/:id", h.getGroup)
	r.GET("/groups/:id/participants", h.listParticipants)
	r.POST("/groups/:id/participants", h.join)
	r.DELETE("/groups/:id/participants/:participant_id", h.leave)
	r.GET("/groups/:id/exclusions", h.listExclusions)
	r.POST("/groups/:id/exclusions", h.addExclusion)
	r.DELETE("/groups/:id/exclusions/:giver/:receiver", h.removeExclusion)
	r.POST("/groups/:id/draw", h.draw)
	r.POST("/groups/:id/redraw", h.redraw)
	r.GET("/groups/:id/assignments/:giver", h.getAssignment)
}

type createGroupReq struct {
	Name        string `json:"name" binding:"required"`
	OrganizerID int64  `json:"organizer_id" binding:"required"`
}

type joinReq struct {
	ParticipantID int64 `json:"participant_id" binding:"required"`
}

type exclusionReq struct {
	Giver             int64 `json:"giver" binding:"required"`
	ForbiddenReceiver int64 `json:"forbidden_receiver" binding:"required"`
}

// drawResp omits the pairs; each giver fetches their own.
type drawResp struct {
	GroupID          string `json:"group_id"`
	Epoch            int    `json:"epoch"`
	AssignmentsCount int    `json:"assignments_count"`
}

// @Summary Create group
// @Description Create an undrawn gift exchange group
// @Tags groups
// @Accept json
// @Produce json
// @Param group body createGroupReq true "Group to create"
// @Success 201 {object} dx.Group "Created group"
// @Failure 400 {object} middleware.ErrorResponse "Invalid request"
// @Failure 503 {object} middleware.ErrorResponse "Storage unavailable"
// @Router /groups [post]
func (h *ExchangeHandlers) createGroup(c *gin.Context) {
	var req createGroupReq
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(badRequest(err))
		return
	}
	g, err := h.service.CreateGroup(c.Request.Context(), req.Name, req.OrganizerID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

// @Summary Get group
// @Description Get a group with its draw state and participant count
// @Tags groups
// @Accept json
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} dx.Group "Group"
// @Failure 404 {object} middleware.ErrorResponse "Group not found"
// @Failure 503 {object} middleware.ErrorResponse "Storage unavailable"
// @Router /groups/{id} [get]
func (h *ExchangeHandlers) getGroup(c *gin.Context) {
	g, err := h.service.GetGroup(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, g)
}

// @Summary List participants
// @Description List participant ids in join order
// @Tags groups
// @Accept json
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} map[string][]int64 "Participants"
// @Failure 404 {object} middleware.ErrorResponse "Group not found"
// @Failure 503 {object} middleware.ErrorResponse "Storage unavailable"
// @Router /groups/{id}/participants [get]
func (h *ExchangeHandlers) listParticipants(c *gin.Context) {
	ids, err := h.service.ListParticipants(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{"participants": ids})
}

// @Summary Join group
// @Description Add a participant to an undrawn group. Joining twice is a no-op
// @Tags groups
// @Accept json
// @Produce json
// @Param id path string true "Group ID"
// @Param participant body joinReq true "Participant"
// @Success 204 "Joined"
// @Failure 400 {object} middleware.ErrorResponse "Invalid request"
// @Failure 404 {object} middleware.ErrorResponse "Group not found"
// @Failure 409 {object} middleware.ErrorResponse "Group already drawn"
// @Failure 503 {object} middleware.ErrorResponse "Storage unavailable"
// @Router /groups/{id}/participants [post]
func (h *ExchangeHandlers) join(c *gin.Context) {
	var req joinReq
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(badRequest(err))
		return
	}
	if err := h.service.Join(c.Request.Context(), c.Param("id"), req.ParticipantID); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// @Summary Leave group
// @Description Remove a participant and their exclusion rules. Leaving a drawn group invalidates its assignments
// @Tags groups
// @Accept json
// @Produce json
// @Param id path string true "Group ID"
// @Param participant_id path int true "Participant ID"
// @Success 200 {object} map[string]bool "Whether assignments were invalidated"
// @Failure 400 {object} middleware.ErrorResponse "Invalid participant id"
// @Failure 404 {object} middleware.ErrorResponse "Group not found"
// @Failure 404 {object} middleware.ErrorResponse "Participant not found"
// @Failure 503 {object} middleware.ErrorResponse "Storage unavailable"
// @Router /groups/{id}/participants/{participant_id} [delete]
func (h *ExchangeHandlers) leave(c *gin.Context) {
	pid, ok := int64Param(c, "participant_id")
	if !ok {
		return
	}
	invalidated, err := h.service.Leave(c.Request.Context(), c.Param("id"), pid)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments_invalidated": invalidated})
}

// @Summary List exclusions
// @Description List the group's exclusion rules
// @Tags groups
// @Accept json
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} map[string][]dx.ExclusionRule "Exclusions"
// @Failure 404 {object} middleware.ErrorResponse "Group not found"
// @Failure 503 {object} middleware.ErrorResponse "Storage unavailable"
// @Router /groups/{id}/exclusions [get]
func (h *ExchangeHandlers) listExclusions(c *gin.Context) {
	rules, err := h.service.ListExclusions(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if rules == nil {
		rules = []dx.ExclusionRule{}
	}
	c.JSON(http.StatusOK, gin.H{"exclusions": rules})
}

// @Summary Add exclusion
// @Description Forbid a giver from drawing a receiver. Both must be participants
// @Tags groups
// @Accept json
// @Produce json
// @Param id path string true "Group ID"
// @Param rule body exclusionReq true "Exclusion rule"
// @Success 204 "Added"
// @Failure 400 {object} middleware.ErrorResponse "Invalid request"
// @Failure 404 {object} middleware.ErrorResponse "Group not found"
// @Failure 409 {object} middleware.ErrorResponse "Group already drawn"
// @Failure 503 {object} middleware.ErrorResponse "Storage unavailable"
// @Router /groups/{id}/exclusions [post]
func (h *ExchangeHandlers) addExclusion(c *gin.Context) {
	var req exclusionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(badRequest(err))
		return
	}
	rule := dx.ExclusionRule{Giver: req.Giver, ForbiddenReceiver: req.ForbiddenReceiver}
	if err := h.service.AddExclusion(c.Request.Context(), c.Param("id"), rule); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// @Summary Remove exclusion
// @Description Delete an exclusion rule from an undrawn group
// @Tags groups
// @Accept json
// @Produce json
// @Param id path string true "Group ID"
// @Param giver path int true "Giver ID"
// @Param receiver path int true "Forbidden receiver ID"
// @Success 200 {object} map[string]bool "Whether a rule was removed"
// @Failure 400 {object} middleware.ErrorResponse "Invalid ids"
// @Failure 404 {object} middleware.ErrorResponse "Group not found"
// @Failure 409 {object} middleware.ErrorResponse "Group already drawn"
// @Failure 503 {object} middleware.ErrorResponse "Storage unavailable"
// @Router /groups/{id}/exclusions/{giver}/{receiver} [delete]
func (h *ExchangeHandlers) removeExclusion(c *gin.Context) {
	giver, ok := int64Param(c, "giver")
	if !ok {
		return
	}
	receiver, ok := int64Param(c, "receiver")
	if !ok {
		return
	}
	removed, err := h.service.RemoveExclusion(c.Request.Context(), c.Param("id"), dx.ExclusionRule{Giver: giver, ForbiddenReceiver: receiver})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// @Summary Draw
// @Description Run the initial draw of an undrawn group
// @Tags groups
// @Accept json
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} drawResp "Draw summary"
// @Failure 404 {object} middleware.ErrorResponse "Group not found"
// @Failure 409 {object} middleware.ErrorResponse "Already drawn or draw in progress"
// @Failure 422 {object} middleware.ErrorResponse "Not enough participants or no valid assignment"
// @Failure 503 {object} middleware.ErrorResponse "Storage unavailable"
// @Router /groups/{id}/draw [post]
func (h *ExchangeHandlers) draw(c *gin.Context) {
	set, err := h.service.PerformDraw(c.Request.Context(), c.Param("id"))
	h.respondDraw(c, set, err)
}

// @Summary Redraw
// @Description Replace the group's assignments. On failure the previous draw is kept
// @Tags groups
// @Accept json
// @Produce json
// @Param id path string true "Group ID"
// @Success 200 {object} drawResp "Draw summary"
// @Failure 404 {object} middleware.ErrorResponse "Group not found"
// @Failure 409 {object} middleware.ErrorResponse "Draw in progress"
// @Failure 422 {object} middleware.ErrorResponse "Not enough participants or no valid assignment"
// @Failure 503 {object} middleware.ErrorResponse "Storage unavailable"
// @Router /groups/{id}/redraw [post]
func (h *ExchangeHandlers) redraw(c *gin.Context) {
	set, err := h.service.Redraw(c.Request.Context(), c.Param("id"))
	h.respondDraw(c, set, err)
}

func (h *ExchangeHandlers) respondDraw(c *gin.Context, set *dx.AssignmentSet, err error) {
	if err != nil {
		_ = c.Error(err)
		return
	}
	if h.announcer != nil {
		// The draw is committed; a failed announcement must not undo it.
		if aerr := h.announcer.Announce(c.Request.Context(), set); aerr != nil {
			logger.Error().Err(aerr).Str("group_id", set.GroupID).Int("epoch", set.Epoch).Msg("Failed to announce draw")
		}
	}
	c.JSON(http.StatusOK, drawResp{GroupID: set.GroupID, Epoch: set.Epoch, AssignmentsCount: len(set.Assignments)})
}

// @Summary Get assignment
// @Description Get the receiver drawn for a giver in the current draw
// @Tags groups
// @Accept json
// @Produce json
// @Param id path string true "Group ID"
// @Param giver path int true "Giver ID"
// @Success 200 {object} dx.Assignment "Assignment"
// @Failure 400 {object} middleware.ErrorResponse "Invalid giver id"
// @Failure 404 {object} middleware.ErrorResponse "Group or giver not found"
// @Failure 409 {object} middleware.ErrorResponse "Group not drawn"
// @Failure 503 {object} middleware.ErrorResponse "Storage unavailable"
// @Router /groups/{id}/assignments/{giver} [get]
func (h *ExchangeHandlers) getAssignment(c *gin.Context) {
	giver, ok := int64Param(c, "giver")
	if !ok {
		return
	}
	a, err := h.service.GetAssignment(c.Request.Context(), c.Param("id"), giver)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func int64Param(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		_ = c.Error(apperrors.NewValidationError(name, "must be a non-zero integer"))
		return 0, false
	}
	return v, true
}

func badRequest(err error) error {
	return apperrors.Wrap(err, apperrors.ErrCodeBadRequest, "Invalid request body")
}
