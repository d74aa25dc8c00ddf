package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/zulandar/hiredrive/internal/models"
)

// Frame types on the wire.
const (
	TypeJoin    = "join"
	TypeMessage = "message"
	TypeHistory = "history"
	TypeAck     = "ack"
	TypeError   = "error"
)

// Error frame codes.
const (
	CodeBadFrame        = "bad_frame"
	CodeInvalidMessage  = "invalid_message"
	CodeBookingNotFound = "booking_not_found"
	CodePersistFailed   = "persist_failed"
	CodeForbidden       = "forbidden"
	CodeUnavailable     = "unavailable"
)

// Inbound is a client frame. Join frames use BookingID, UserID and Since;
// message frames use the sender fields, Message and ClientID.
type Inbound struct {
	Type       string `json:"type"`
	BookingID  string `json:"bookingId"`
	UserID     string `json:"userId,omitempty"`
	Since      uint64 `json:"since,omitempty"`
	SenderID   string `json:"senderId,omitempty"`
	SenderType string `json:"senderType,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Message    string `json:"message,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
}

// Outbound is a server frame.
type Outbound struct {
	Type  string      `json:"type"`
	Data  any         `json:"data,omitempty"`
	Error *FrameError `json:"error,omitempty"`
}

// FrameError is the payload of an error frame.
type FrameError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	ClientID string `json:"clientId,omitempty"`
}

// Ack is the payload of an ack frame.
type Ack struct {
	ID       string `json:"id"`
	Seq      uint64 `json:"seq"`
	ClientID string `json:"clientId,omitempty"`
}

// DecodeInbound parses a client frame. Unknown types are rejected.
func DecodeInbound(raw []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("relay: decode frame: %w", err)
	}
	switch in.Type {
	case TypeJoin, TypeMessage:
		return &in, nil
	case "":
		return nil, fmt.Errorf("relay: frame type is required")
	default:
		return nil, fmt.Errorf("relay: unknown frame type %q", in.Type)
	}
}

func encode(out Outbound) []byte {
	b, err := json.Marshal(out)
	if err != nil {
		slog.Error("relay: encode frame", "type", out.Type, "err", err)
		return nil
	}
	return b
}

// MessageFrame encodes the broadcast frame for a persisted message.
func MessageFrame(msg *models.Message) []byte {
	return encode(Outbound{Type: TypeMessage, Data: msg})
}

func historyFrame(msgs []models.Message) []byte {
	if msgs == nil {
		msgs = []models.Message{}
	}
	return encode(Outbound{Type: TypeHistory, Data: msgs})
}

func ackFrame(msg *models.Message, clientID string) []byte {
	return encode(Outbound{Type: TypeAck, Data: Ack{ID: msg.ID, Seq: msg.Seq, ClientID: clientID}})
}

func errorFrame(code, message, clientID string) []byte {
	return encode(Outbound{Type: TypeError, Error: &FrameError{Code: code, Message: message, ClientID: clientID}})
}
