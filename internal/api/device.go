package api

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"copytrade-core/internal/auth"
	"copytrade-core/internal/protocol"
	"copytrade-core/pkg/db"

	"github.com/gin-gonic/gin"
)

const deviceContextKey = "Device"

// DeviceAuthMiddleware verifies the HMAC headers on device routes. Every
// rejection gets the same 401 body: which check failed is logged server-side
// but never disclosed to the caller.
func (s *Server) DeviceAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			s.deviceAuthReject(c, errors.New("unreadable body"))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		device, err := s.Gateway.Verify(c.Request.Context(), auth.Request{
			DeviceID:  c.GetHeader("X-Device-ID"),
			Method:    c.Request.Method,
			Path:      c.Request.URL.Path,
			Timestamp: c.GetHeader("X-Timestamp"),
			Nonce:     c.GetHeader("X-Nonce"),
			Signature: c.GetHeader("X-Signature"),
			Body:      body,
		})
		if err != nil {
			s.deviceAuthReject(c, err)
			return
		}

		c.Set(deviceContextKey, device)
		c.Next()
	}
}

func (s *Server) deviceAuthReject(c *gin.Context, err error) {
	log.Printf("❌ device auth %s %s from %s: %v", c.Request.Method, c.Request.URL.Path, c.ClientIP(), err)
	if s.Metrics != nil {
		s.Metrics.IncrementAuthFailures()
		if errors.Is(err, auth.ErrReplayDetected) {
			s.Metrics.IncrementReplaysBlocked()
		}
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":  "AUTH_FAILED",
		"error": "authentication failed",
	})
}

func currentDevice(c *gin.Context) *db.Device {
	if v, ok := c.Get(deviceContextKey); ok {
		if d, okCast := v.(*db.Device); okCast {
			return d
		}
	}
	return nil
}

// devicePoll serves the pending instruction list for the device's owner.
func (s *Server) devicePoll(c *gin.Context) {
	start := time.Now()
	device := currentDevice(c)

	instructions, err := s.Protocol.Poll(c.Request.Context(), device)
	if err != nil {
		log.Printf("❌ device poll failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": "internal error",
		})
		return
	}

	if s.Metrics != nil {
		s.Metrics.IncrementPolls()
		s.Metrics.PollLatency.RecordDuration(time.Since(start))
	}
	c.JSON(http.StatusOK, gin.H{
		"instructions": instructions,
		"server_time":  time.Now().UTC().Format(time.RFC3339),
	})
}

// deviceAck records an execution report.
func (s *Server) deviceAck(c *gin.Context) {
	start := time.Now()
	device := currentDevice(c)

	var req protocol.AckRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}

	position, err := s.Protocol.Ack(c.Request.Context(), device, req)
	if err != nil {
		status, code, msg := ackErrorStatus(err)
		c.JSON(status, gin.H{"code": code, "error": msg})
		return
	}

	if s.Metrics != nil {
		s.Metrics.IncrementAcks()
		s.Metrics.AckLatency.RecordDuration(time.Since(start))
	}

	resp := gin.H{"approval_id": req.ApprovalID, "accepted": true}
	if position != nil {
		resp["position_id"] = position.ID
	}
	c.JSON(http.StatusOK, resp)
}

// ackErrorStatus maps ack errors onto responses. Anything not covered by a
// sentinel is an internal condition: the device gets a generic body and the
// detail stays server-side.
func ackErrorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, protocol.ErrUnknownApproval):
		return http.StatusNotFound, "UNKNOWN_APPROVAL", err.Error()
	case errors.Is(err, protocol.ErrExpiredApproval):
		return http.StatusGone, "APPROVAL_EXPIRED", err.Error()
	case errors.Is(err, protocol.ErrAlreadyAcked):
		return http.StatusConflict, "ALREADY_ACKNOWLEDGED", err.Error()
	case errors.Is(err, protocol.ErrInvalidResult):
		return http.StatusBadRequest, "INVALID_RESULT", err.Error()
	default:
		log.Printf("❌ device ack failed: %v", err)
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal error"
	}
}
