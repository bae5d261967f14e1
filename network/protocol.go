package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"chatseal/models"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (1 MiB).
	MaxFrameSize = 1 << 20
	// DefaultDialTimeout bounds TCP connection setup.
	DefaultDialTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

// Request types sent by the client.
const (
	TypeSubmitPublicKey = "submit_public_key"
	TypeFetchPeerKeys   = "fetch_peer_keys"
	TypeVerifyKey       = "verify_key"
	TypeBroadcastKey    = "broadcast_key"
	TypeSendMessage     = "send_message"
)

// Frames pushed by the server.
const (
	TypeAck             = "ack"
	TypeKeyUpdated      = "key_updated"
	TypeNewMessage      = "new_message"
	TypeReactionUpdated = "reaction_updated"
)

// Keep-alive frames, sent by either side.
const (
	TypePing = "ping"
	TypePong = "pong"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// Request is a client call. The server answers with an Ack carrying the
// same RequestID.
type Request struct {
	Type           string            `json:"type"`
	RequestID      string            `json:"request_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	PublicKey      string            `json:"public_key,omitempty"`
	KeyUpdate      *models.KeyUpdate `json:"key_update,omitempty"`
	Message        *models.Message   `json:"message,omitempty"`
}

// Ack answers one Request. Only the fields relevant to the request type are set.
type Ack struct {
	Type       string           `json:"type"`
	RequestID  string           `json:"request_id"`
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
	KeyID      string           `json:"key_id,omitempty"`
	KeyVersion int64            `json:"key_version,omitempty"`
	Verified   bool             `json:"verified,omitempty"`
	Keys       []models.PeerKey `json:"keys,omitempty"`
	Message    *models.Message  `json:"message,omitempty"`
}

// Event is a frame the server pushes without a matching request.
type Event struct {
	Type      string                 `json:"type"`
	KeyUpdate *models.KeyUpdate      `json:"key_update,omitempty"`
	Message   *models.Message        `json:"message,omitempty"`
	Reactions *models.ReactionUpdate `json:"reactions,omitempty"`
}

// PingMessage is a keep-alive message.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage answers a PingMessage.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func isEventType(msgType string) bool {
	switch msgType {
	case TypeKeyUpdated, TypeNewMessage, TypeReactionUpdated:
		return true
	default:
		return false
	}
}

// EncodeJSON marshals a protocol message.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the type field from a JSON payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes a 4-byte big-endian length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads one frame with a read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
