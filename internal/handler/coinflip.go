// Package handler exposes the settlement engine over HTTP.
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"coinflip-engine/internal/model"
	"coinflip-engine/internal/service"
	"coinflip-engine/internal/tax"
)

// CoinflipHandler handles the coinflip API routes.
type CoinflipHandler struct {
	engine *service.Engine
}

// NewCoinflipHandler creates a CoinflipHandler.
func NewCoinflipHandler(engine *service.Engine) *CoinflipHandler {
	return &CoinflipHandler{engine: engine}
}

// itemRef identifies one staked item. Only the instance ID is
// authoritative; value and display fields are re-read from the inventory.
type itemRef struct {
	InstanceID string `json:"instanceId" binding:"required"`
	Name       string `json:"name"`
	Value      int64  `json:"value"`
	Category   string `json:"category"`
	Image      string `json:"image"`
}

type createRequest struct {
	Items []itemRef  `json:"items" binding:"required"`
	Side  model.Side `json:"side" binding:"required"`
}

type checkJoinRequest struct {
	GameID string `json:"gameId" binding:"required"`
}

type joinRequest struct {
	GameID string    `json:"gameId" binding:"required"`
	Items  []itemRef `json:"items" binding:"required"`
}

type cancelRequest struct {
	GameID string `json:"gameId" binding:"required"`
}

type taxInfo struct {
	TaxedItems    []model.Item `json:"taxedItems"`
	TotalTaxValue int64        `json:"totalTaxValue"`
	TaxPercentage float64      `json:"taxPercentage"`
}

// Create handles POST /api/coinflip/create.
func (h *CoinflipHandler) Create(c *gin.Context) {
	userID, ok := requesterID(c)
	if !ok {
		unauthorized(c)
		return
	}

	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request body")
		return
	}

	game, err := h.engine.Create(c.Request.Context(), userID, instanceIDs(req.Items), req.Side)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"game":    game,
	})
}

// CheckJoin handles POST /api/coinflip/check-join.
func (h *CoinflipHandler) CheckJoin(c *gin.Context) {
	var req checkJoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request body")
		return
	}

	status, err := h.engine.CheckJoinable(c.Request.Context(), req.GameID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"isBeingJoined": status == model.JoinStatusBeingJoined,
		"status":        status,
	})
}

// Join handles POST /api/coinflip/join.
func (h *CoinflipHandler) Join(c *gin.Context) {
	userID, ok := requesterID(c)
	if !ok {
		unauthorized(c)
		return
	}

	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request body")
		return
	}

	game, err := h.engine.Join(c.Request.Context(), req.GameID, userID, instanceIDs(req.Items))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"game":    game,
		"taxInfo": taxInfo{
			TaxedItems:    game.TaxedItems,
			TotalTaxValue: game.TotalTaxValue,
			TaxPercentage: tax.Percentage(game.TotalTaxValue, game.PotValue+model.ItemsValue(game.JoinerItems)),
		},
	})
}

// Cancel handles POST /api/coinflip/cancel.
func (h *CoinflipHandler) Cancel(c *gin.Context) {
	userID, ok := requesterID(c)
	if !ok {
		unauthorized(c)
		return
	}

	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed request body")
		return
	}

	if _, err := h.engine.Cancel(c.Request.Context(), req.GameID, userID); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListActive handles GET /api/coinflip/games.
func (h *CoinflipHandler) ListActive(c *gin.Context) {
	games, err := h.engine.ListActive(c.Request.Context(), 50)
	if err != nil {
		writeError(c, err)
		return
	}
	if games == nil {
		games = []*model.Game{}
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "games": games})
}

// Stats handles GET /api/coinflip/stats.
func (h *CoinflipHandler) Stats(c *gin.Context) {
	stats, err := h.engine.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"biggestWinValue": stats.BiggestWinValue,
		"rewardPoolValue": stats.RewardPoolValue,
	})
}

func instanceIDs(items []itemRef) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.InstanceID
	}
	return ids
}

// writeError maps the engine's error taxonomy onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch service.KindOf(err) {
	case service.KindValidation:
		status = http.StatusBadRequest
	case service.KindNotFound:
		status = http.StatusNotFound
	case service.KindConflict:
		status = http.StatusConflict
	case service.KindAuthorization:
		status = http.StatusForbidden
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Infrastructure detail stays in the logs.
		msg = "internal error"
	}

	c.JSON(status, gin.H{
		"success": false,
		"code":    service.CodeOf(err),
		"error":   msg,
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "code": "bad_request", "error": msg})
}

func unauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{"success": false, "code": "missing_user", "error": "missing or invalid " + userIDHeader + " header"})
}
