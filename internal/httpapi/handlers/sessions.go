package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lanewaylabs/sessionsync/internal/backend"
	"github.com/lanewaylabs/sessionsync/internal/common"
	"github.com/lanewaylabs/sessionsync/internal/protocol"
)

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func (h *Handler) ListSessions(c *gin.Context) {
	res, err := h.Svc.List(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to list sessions")
		return
	}
	common.OK(c, res)
}

func (h *Handler) GetSession(c *gin.Context) {
	key := c.Param("key")
	entry, err := h.Svc.Resolve(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, backend.ErrSessionNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "session not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to resolve session")
		return
	}
	common.OK(c, entry)
}

// GetHistory pages a session's log newest-first: ?limit=&before_idx=.
func (h *Handler) GetHistory(c *gin.Context) {
	key := c.Param("key")

	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 200 {
		limit = h.Cfg.HistoryPageSize
	}
	beforeIdx := -1
	if v := c.Query("before_idx"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			beforeIdx = n
		}
	}

	msgs, err := h.Svc.HistoryPage(c.Request.Context(), key, limit, beforeIdx)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to load history")
		return
	}

	nextBefore := -1
	if len(msgs) > 0 && msgs[len(msgs)-1].HistoryIndex != nil {
		nextBefore = *msgs[len(msgs)-1].HistoryIndex
	}
	common.OK(c, gin.H{
		"messages":        msgs,
		"next_before_idx": nextBefore,
	})
}

type appendMessageReq struct {
	Role         string              `json:"role" binding:"required"`
	Content      string              `json:"content" binding:"required"`
	HistoryIndex *int                `json:"history_index"`
	Seq          *int                `json:"seq"`
	Images       []protocol.ImageRef `json:"images"`
}

func (h *Handler) AppendMessage(c *gin.Context) {
	key := c.Param("key")

	var req appendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	idx, err := h.Svc.Append(c.Request.Context(), key, protocol.Message{
		Role:         req.Role,
		Content:      req.Content,
		HistoryIndex: req.HistoryIndex,
		Seq:          req.Seq,
		Images:       req.Images,
	})
	if err != nil {
		if errors.Is(err, backend.ErrSessionNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "session not found")
			return
		}
		common.Fail(c, http.StatusBadRequest, 40001, "failed to append message")
		return
	}
	common.OK(c, gin.H{"history_index": idx})
}

func (h *Handler) ClearHistory(c *gin.Context) {
	key := c.Param("key")
	if err := h.Svc.Clear(c.Request.Context(), key); err != nil {
		if errors.Is(err, backend.ErrSessionNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "session not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to clear history")
		return
	}
	common.OK(c, gin.H{"cleared": true})
}

func (h *Handler) GetContext(c *gin.Context) {
	key := c.Param("key")
	res, err := h.Svc.Context(c.Request.Context(), key)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50005, "failed to load context")
		return
	}
	common.OK(c, res)
}
