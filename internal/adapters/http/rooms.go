package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/dkeye/Poker/internal/adapters/signal"
	"github.com/dkeye/Poker/internal/app/orch"
	"github.com/dkeye/Poker/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type roomHandlers struct {
	orch    *orch.Orchestrator
	limiter *signal.RoomRateLimiter
}

type joinRequest struct {
	MemberID    string `json:"memberId"`
	DisplayName string `json:"displayName"`
}

type voteRequest struct {
	MemberID string `json:"memberId"`
	Value    string `json:"value" binding:"required"`
}

type roomResponse struct {
	MemberID domain.MemberID       `json:"memberId,omitempty"`
	Snapshot domain.PublicSnapshot `json:"snapshot"`
}

func healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateRegistration):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable
	}
	if signal.ErrorCode(err) == "internal" {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func abortErr(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": signal.ErrorCode(err), "message": err.Error()})
}

// member prefers an explicit id from the body over the session identity.
func member(c *gin.Context, explicit string) domain.MemberID {
	if explicit != "" {
		return domain.MemberID(explicit)
	}
	return domain.MemberID(c.GetString("client_token"))
}

func (h *roomHandlers) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.orch.List()})
}

// get serves polling clients: with ?since=<version> it answers 304 until the room
// moves past that version.
func (h *roomHandlers) get(c *gin.Context) {
	snap, err := h.orch.Snapshot(c.Request.Context(), domain.RoomID(c.Param("id")))
	if err != nil {
		abortErr(c, err)
		return
	}
	if raw := c.Query("since"); raw != "" {
		since, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad_payload", "message": "since must be a version number"})
			return
		}
		if snap.Version <= since {
			c.Status(http.StatusNotModified)
			return
		}
	}
	c.JSON(http.StatusOK, roomResponse{Snapshot: snap.Public()})
}

func (h *roomHandlers) join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad_payload", "message": err.Error()})
		return
	}
	id := member(c, req.MemberID)
	snap, err := h.orch.Join(c.Request.Context(), "", domain.RoomID(c.Param("id")), id, req.DisplayName)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, roomResponse{MemberID: id, Snapshot: snap.Public()})
}

func (h *roomHandlers) vote(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "bad_payload", "message": err.Error()})
		return
	}
	id := member(c, req.MemberID)
	if h.limiter != nil && !h.limiter.Allow(id) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "message": "too many votes"})
		return
	}
	snap, err := h.orch.Vote(c.Request.Context(), domain.RoomID(c.Param("id")), id, domain.Vote(req.Value))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, roomResponse{MemberID: id, Snapshot: snap.Public()})
}

func (h *roomHandlers) reveal(c *gin.Context) {
	snap, err := h.orch.Reveal(c.Request.Context(), domain.RoomID(c.Param("id")))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, roomResponse{Snapshot: snap.Public()})
}

func (h *roomHandlers) reset(c *gin.Context) {
	snap, err := h.orch.Reset(c.Request.Context(), domain.RoomID(c.Param("id")))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, roomResponse{Snapshot: snap.Public()})
}

func (h *roomHandlers) evict(c *gin.Context) {
	if !h.orch.EvictRoom(domain.RoomID(c.Param("id"))) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "room is not loaded"})
		return
	}
	c.Status(http.StatusNoContent)
}
