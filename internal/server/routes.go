package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/hiredrive/internal/auth"
	"github.com/zulandar/hiredrive/internal/booking"
	"github.com/zulandar/hiredrive/internal/messaging"
	"github.com/zulandar/hiredrive/internal/models"
	"github.com/zulandar/hiredrive/internal/relay"
)

const userKey = "hd.user"

// registerRoutes sets up all routes on the gin router.
func registerRoutes(router *gin.Engine, opts *StartOpts) {
	router.GET("/healthz", handleHealth(opts.Relay))
	router.GET(opts.WSPath, gin.WrapH(opts.WS))

	api := router.Group("/api", requireUser(opts.Verifier))
	api.GET("/messages/:bookingId", handleHistory(opts))
	api.POST("/messages", handlePost(opts))
	api.POST("/messages/read/:id", handleMarkRead(opts))
}

func handleHealth(r *relay.Relay) gin.HandlerFunc {
	return func(c *gin.Context) {
		s := r.Stats()
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": s.Connections,
			"bookings":    s.Bookings,
			"messages":    s.Messages,
		})
	}
}

// requireUser resolves the bearer token to a user id.
func requireUser(v relay.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			abortError(c, http.StatusUnauthorized, "authentication is not configured")
			return
		}
		token := auth.TokenFromRequest(c.Request)
		if token == "" {
			abortError(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := v.VerifySubject(token)
		if err != nil {
			abortError(c, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func abortError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// authorizeBooking writes the error response and returns nil when the
// caller may not access the booking.
func authorizeBooking(c *gin.Context, opts *StartOpts, bookingID string) *bookingAccess {
	user := c.GetString(userKey)
	b, err := opts.Bookings.Authorize(c.Request.Context(), bookingID, user)
	switch {
	case errors.Is(err, booking.ErrNotFound):
		abortError(c, http.StatusNotFound, "booking not found")
		return nil
	case errors.Is(err, booking.ErrForbidden):
		abortError(c, http.StatusForbidden, "not a participant of this booking")
		return nil
	case err != nil:
		opts.Logger.Error("booking lookup failed", "booking", bookingID, "user", user, "err", err)
		abortError(c, http.StatusInternalServerError, "failed to load booking")
		return nil
	}
	return &bookingAccess{user: user, role: booking.SenderType(b, user)}
}

type bookingAccess struct {
	user string
	role string
}

func handleHistory(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		bookingID := c.Param("bookingId")
		var q messaging.HistoryOpts
		if s := c.Query("since"); s != "" {
			since, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				abortError(c, http.StatusBadRequest, "since must be a non-negative integer")
				return
			}
			q.AfterSeq = since
		}
		if s := c.Query("limit"); s != "" {
			limit, err := strconv.Atoi(s)
			if err != nil || limit < 0 {
				abortError(c, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			q.Limit = limit
		}

		if authorizeBooking(c, opts, bookingID) == nil {
			return
		}
		msgs, err := opts.Messages.History(c.Request.Context(), bookingID, q)
		if err != nil {
			opts.Logger.Error("history lookup failed", "booking", bookingID, "err", err)
			abortError(c, http.StatusInternalServerError, "failed to fetch messages")
			return
		}
		if msgs == nil {
			msgs = []models.Message{}
		}
		c.JSON(http.StatusOK, msgs)
	}
}

// postRequest is the body of POST /api/messages. The sender id and type are
// taken from the authenticated user's role in the booking.
type postRequest struct {
	BookingID  string `json:"bookingId" binding:"required"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Message    string `json:"message" binding:"required"`
}

func handlePost(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req postRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortError(c, http.StatusBadRequest, "invalid message data")
			return
		}
		access := authorizeBooking(c, opts, req.BookingID)
		if access == nil {
			return
		}
		if req.SenderID != "" && req.SenderID != access.user {
			abortError(c, http.StatusForbidden, "senderId does not match the authenticated user")
			return
		}

		msg, _, err := opts.Relay.Publish(c.Request.Context(), messaging.NewMessage{
			BookingID:  req.BookingID,
			SenderID:   access.user,
			SenderType: access.role,
			SenderName: req.SenderName,
			Text:       req.Message,
		})
		switch {
		case errors.Is(err, relay.ErrInvalidMessage):
			abortError(c, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, messaging.ErrBookingNotFound):
			abortError(c, http.StatusNotFound, "booking not found")
			return
		case err != nil:
			opts.Logger.Error("persist message failed", "booking", req.BookingID, "err", err)
			abortError(c, http.StatusInternalServerError, "failed to send message")
			return
		}
		c.JSON(http.StatusCreated, msg)
	}
}

func handleMarkRead(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		msg, err := opts.Messages.Get(c.Request.Context(), id)
		if errors.Is(err, messaging.ErrMessageNotFound) {
			abortError(c, http.StatusNotFound, "message not found")
			return
		}
		if err != nil {
			opts.Logger.Error("message lookup failed", "id", id, "err", err)
			abortError(c, http.StatusInternalServerError, "failed to load message")
			return
		}
		if authorizeBooking(c, opts, msg.BookingID) == nil {
			return
		}
		if err := opts.Messages.MarkRead(c.Request.Context(), id); err != nil {
			opts.Logger.Error("mark read failed", "id", id, "err", err)
			abortError(c, http.StatusInternalServerError, "failed to mark message read")
			return
		}
		c.Status(http.StatusNoContent)
	}
}
