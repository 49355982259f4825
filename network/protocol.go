package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"thesischat/models"
)

const (
	// MaxFrameSize is the maximum accepted inbound frame payload size (1 MB).
	MaxFrameSize = 1 << 20
	// DefaultHandshakeTimeout bounds the websocket dial and upgrade.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds one frame write.
	DefaultWriteTimeout = 10 * time.Second
	// ChatPath is the endpoint path the chat gateway serves.
	ChatPath = "/chat"
	// userIDParam is the query parameter carrying the local identity.
	userIDParam = "userId"
)

var (
	// ErrMalformedFrame indicates an inbound payload failed validation.
	ErrMalformedFrame = errors.New("network: malformed frame")
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
)

// WireMessage is the chat frame schema used in both directions.
type WireMessage struct {
	ID         string `json:"id,omitempty"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
}

// EndpointURL appends the URL-encoded identity to a chat endpoint.
//
// A bare host ("chat.example.edu") is expanded to wss://host/chat.
func EndpointURL(endpoint, userID string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", errors.New("endpoint is required")
	}
	if userID == "" {
		return "", errors.New("user ID is required")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "wss://" + endpoint
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = ChatPath
	}

	query := u.Query()
	query.Set(userIDParam, userID)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// DecodeInbound parses and validates one inbound chat frame.
func DecodeInbound(payload []byte) (models.InboundMessage, error) {
	if len(payload) > MaxFrameSize {
		return models.InboundMessage{}, ErrFrameTooLarge
	}

	var wire WireMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return models.InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	senderID := strings.TrimSpace(wire.SenderID)
	receiverID := strings.TrimSpace(wire.ReceiverID)
	switch {
	case senderID == "":
		return models.InboundMessage{}, fmt.Errorf("%w: senderId is required", ErrMalformedFrame)
	case receiverID == "":
		return models.InboundMessage{}, fmt.Errorf("%w: receiverId is required", ErrMalformedFrame)
	case wire.Content == "":
		return models.InboundMessage{}, fmt.Errorf("%w: content is required", ErrMalformedFrame)
	case wire.Timestamp == "":
		return models.InboundMessage{}, fmt.Errorf("%w: timestamp is required", ErrMalformedFrame)
	}

	sentAt, err := ParseTimestamp(wire.Timestamp)
	if err != nil {
		return models.InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	return models.InboundMessage{
		ID:         strings.TrimSpace(wire.ID),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    wire.Content,
		SentAt:     sentAt,
	}, nil
}

// EncodeOutbound marshals a locally authored message into a wire frame.
func EncodeOutbound(msg models.OutboundMessage) ([]byte, error) {
	if msg.SenderID == "" || msg.ReceiverID == "" {
		return nil, errors.New("sender and receiver are required")
	}
	if msg.Content == "" {
		return nil, errors.New("content is required")
	}

	payload, err := json.Marshal(WireMessage{
		ID:         msg.ID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
		Timestamp:  FormatTimestamp(msg.SentAt),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat frame: %w", err)
	}
	return payload, nil
}

// ParseTimestamp parses an ISO8601 wire timestamp.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}

// FormatTimestamp renders t the way browsers serialize dates (UTC, millisecond precision).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
