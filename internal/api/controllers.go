package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"copytrade-core/internal/auth"
	"copytrade-core/internal/autoclose"
	"copytrade-core/internal/guard"
	"copytrade-core/internal/vault"
	"copytrade-core/pkg/db"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ----------------------------------------
// Signals
// ----------------------------------------

// createSignal registers an approved instruction. The exit levels are sealed
// into the owner-only payload before anything touches the store.
func (s *Server) createSignal(c *gin.Context) {
	var req struct {
		ApprovalID  string  `json:"approval_id"`
		Instrument  string  `json:"instrument"`
		Direction   string  `json:"direction"`
		EntryPrice  float64 `json:"entry_price"`
		Volume      float64 `json:"volume"`
		TTLMinutes  int     `json:"ttl_minutes"`
		StopLoss    float64 `json:"stop_loss"`
		TakeProfit  float64 `json:"take_profit"`
		StrategyTag string  `json:"strategy_tag"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	if req.ApprovalID == "" {
		req.ApprovalID = uuid.NewString()
	}
	if req.Instrument == "" || req.Volume <= 0 || req.EntryPrice <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_SIGNAL", "error": "instrument, entry_price and volume are required"})
		return
	}
	if req.Direction != db.DirectionLong && req.Direction != db.DirectionShort {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_DIRECTION", "error": "direction must be LONG or SHORT"})
		return
	}
	if req.TTLMinutes <= 0 {
		req.TTLMinutes = 15
	}

	ownerOnly, err := s.Vault.Encrypt(vault.OwnerRecord{
		StopLoss:    req.StopLoss,
		TakeProfit:  req.TakeProfit,
		StrategyTag: req.StrategyTag,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}

	signal := db.Signal{
		ApprovalID: req.ApprovalID,
		UserID:     CurrentUserID(c),
		Instrument: req.Instrument,
		Direction:  req.Direction,
		EntryPrice: req.EntryPrice,
		Volume:     req.Volume,
		TTLMinutes: req.TTLMinutes,
		OwnerOnly:  ownerOnly,
	}
	if err := s.DB.CreateSignal(c.Request.Context(), signal); err != nil {
		c.JSON(http.StatusConflict, gin.H{"code": "SIGNAL_EXISTS", "error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"approval_id": signal.ApprovalID})
}

// getSignal returns one signal with the owner payload opened. Only the
// operator console ever sees these levels.
func (s *Server) getSignal(c *gin.Context) {
	sig, err := s.DB.GetSignal(c.Request.Context(), c.Param("approval_id"))
	if errors.Is(err, db.ErrNotFound) || (err == nil && sig.UserID != CurrentUserID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "signal not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}

	record, err := s.Vault.Decrypt(sig.OwnerOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "VAULT_ERROR", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"approval_id":  sig.ApprovalID,
		"instrument":   sig.Instrument,
		"direction":    sig.Direction,
		"entry_price":  sig.EntryPrice,
		"volume":       sig.Volume,
		"ttl_minutes":  sig.TTLMinutes,
		"status":       sig.Status,
		"fail_count":   sig.FailCount,
		"stop_loss":    record.StopLoss,
		"take_profit":  record.TakeProfit,
		"strategy_tag": record.StrategyTag,
	})
}

// ----------------------------------------
// Positions
// ----------------------------------------

func (s *Server) listPositions(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	positions, err := s.DB.ListPositionsByUser(c.Request.Context(), CurrentUserID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) ownedPosition(c *gin.Context, positionID string) *db.Position {
	pos, err := s.DB.GetPosition(c.Request.Context(), positionID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && pos.UserID != CurrentUserID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "position not found"})
		return nil
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return nil
	}
	return pos
}

func (s *Server) closePosition(c *gin.Context) {
	pos := s.ownedPosition(c, c.Param("id"))
	if pos == nil {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.BindJSON(&req); err != nil || req.Reason == "" {
		req.Reason = autoclose.ReasonManual
	}

	outcome, err := s.Closer.ClosePosition(c.Request.Context(), pos.ID, req.Reason)
	if err != nil {
		status, code := closeErrorStatus(err)
		c.JSON(status, gin.H{"code": code, "error": err.Error()})
		return
	}
	if s.Metrics != nil && !outcome.Repeated {
		s.Metrics.IncrementClosed()
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) bulkClosePositions(c *gin.Context) {
	var req struct {
		PositionIDs []string `json:"position_ids"`
		Reason      string   `json:"reason"`
	}
	if err := c.BindJSON(&req); err != nil || len(req.PositionIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "position_ids required"})
		return
	}
	if req.Reason == "" {
		req.Reason = autoclose.ReasonManual
	}

	// Ownership is enforced up front; foreign ids turn into per-id errors
	// rather than failing the batch.
	userID := CurrentUserID(c)
	owned := make([]string, 0, len(req.PositionIDs))
	var results []autoclose.BulkResult
	for _, pid := range req.PositionIDs {
		pos, err := s.DB.GetPosition(c.Request.Context(), pid)
		if errors.Is(err, db.ErrNotFound) || (err == nil && pos.UserID != userID) {
			results = append(results, autoclose.BulkResult{PositionID: pid, Error: "position not found"})
			continue
		}
		if err != nil {
			results = append(results, autoclose.BulkResult{PositionID: pid, Error: err.Error()})
			continue
		}
		owned = append(owned, pid)
	}

	closed := s.Closer.BulkClose(c.Request.Context(), owned, req.Reason)
	results = append(results, closed...)

	if s.Metrics != nil {
		for _, r := range closed {
			if r.Error == "" && r.Outcome != nil && !r.Outcome.Repeated {
				s.Metrics.IncrementClosed()
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) getCloseAudit(c *gin.Context) {
	pos := s.ownedPosition(c, c.Param("id"))
	if pos == nil {
		return
	}

	audits, err := s.DB.ListCloseAudits(c.Request.Context(), pos.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": audits})
}

func closeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, autoclose.ErrUnknownPosition):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, autoclose.ErrAlreadyClosed):
		return http.StatusConflict, "ALREADY_CLOSED"
	case errors.Is(err, autoclose.ErrUnknownReason):
		return http.StatusBadRequest, "INVALID_REASON"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// ----------------------------------------
// Devices
// ----------------------------------------

func (s *Server) listDevices(c *gin.Context) {
	devices, err := s.DB.ListDevicesByUser(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(devices))
	for _, d := range devices {
		out = append(out, gin.H{
			"id":        d.ID,
			"name":      d.Name,
			"is_active": d.IsActive,
			"last_seen": d.LastSeen,
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

// registerDevice enrolls a new execution client. The shared secret appears
// in this response and nowhere else; only its hash is stored.
func (s *Server) registerDevice(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.BindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "name required"})
		return
	}

	secret, err := auth.GenerateSecret()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": "failed to generate secret"})
		return
	}

	device := db.Device{
		ID:         uuid.NewString(),
		UserID:     CurrentUserID(c),
		Name:       req.Name,
		SecretHash: auth.HashSecret(secret),
		IsActive:   true,
	}
	if err := s.DB.CreateDevice(c.Request.Context(), device); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"device_id": device.ID,
		"secret":    secret,
	})
}

func (s *Server) ownedDevice(c *gin.Context, deviceID string) *db.Device {
	device, err := s.DB.GetDevice(c.Request.Context(), deviceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return nil
	}
	if device == nil || device.UserID != CurrentUserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "device not found"})
		return nil
	}
	return device
}

func (s *Server) revokeDevice(c *gin.Context) {
	device := s.ownedDevice(c, c.Param("id"))
	if device == nil {
		return
	}
	if err := s.DB.RevokeDevice(c.Request.Context(), device.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_id": device.ID, "revoked": true})
}

func (s *Server) renameDevice(c *gin.Context) {
	device := s.ownedDevice(c, c.Param("id"))
	if device == nil {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := c.BindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "name required"})
		return
	}
	if err := s.DB.RenameDevice(c.Request.Context(), device.ID, req.Name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_id": device.ID, "name": req.Name})
}

// ----------------------------------------
// Reconciliation
// ----------------------------------------

func (s *Server) listReconSnapshots(c *gin.Context) {
	snaps, err := s.DB.ListReconSnapshots(c.Request.Context(), CurrentUserID(c), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

func (s *Server) listReconDivergences(c *gin.Context) {
	divs, err := s.DB.ListReconDivergences(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"divergences": divs})
}

func (s *Server) runReconciliation(c *gin.Context) {
	report, err := s.Recon.ReconcileUser(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"code": "BROKER_ERROR", "error": err.Error()})
		return
	}
	if s.Metrics != nil {
		for range report.Divergences {
			s.Metrics.IncrementDivergences()
		}
	}
	c.JSON(http.StatusOK, report)
}

// ----------------------------------------
// Risk and guards
// ----------------------------------------

func (s *Server) getRiskState(c *gin.Context) {
	state, err := s.DB.GetRiskState(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":     state.UserID,
		"peak_equity": state.PeakEquity,
		"updated_at":  state.UpdatedAt,
	})
}

// resetRiskState rebases the drawdown baseline. This is the only way the
// peak ever moves down.
func (s *Server) resetRiskState(c *gin.Context) {
	var req struct {
		Equity float64 `json:"equity"`
	}
	if err := c.BindJSON(&req); err != nil || req.Equity < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "equity required"})
		return
	}

	userID := CurrentUserID(c)
	if err := s.DB.ResetPeakEquity(c.Request.Context(), userID, req.Equity); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "peak_equity": req.Equity, "reset_at": time.Now().UTC()})
}

func (s *Server) getGuardConfig(c *gin.Context) {
	cfg, err := s.Guard.ConfigFor(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) updateGuardConfig(c *gin.Context) {
	var cfg guard.Config
	if err := c.BindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_THRESHOLDS", "error": err.Error()})
		return
	}

	userID := CurrentUserID(c)
	err := s.DB.UpsertGuardConfig(c.Request.Context(), db.GuardConfig{
		UserID:           userID,
		WarningPercent:   cfg.Drawdown.WarningPercent,
		CriticalPercent:  cfg.Drawdown.CriticalPercent,
		MinEquity:        cfg.Drawdown.MinEquity,
		MaxGapPercent:    cfg.Market.MaxGapPercent,
		MaxSpreadPercent: cfg.Market.MaxSpreadPercent,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}
