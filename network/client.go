package network

import (
	"context"
	"errors"
	"fmt"
	"net"

	"chatseal/keyexchange"
	"chatseal/models"
)

var _ keyexchange.Server = (*Client)(nil)

// ErrEmptyAck indicates a successful ack that lacks the payload the request needs.
var ErrEmptyAck = errors.New("network: ack missing payload")

// Dial connects to the backend and returns a ready Client.
func Dial(ctx context.Context, address string, options ClientOptions) (*Client, error) {
	opts := options.withDefaults()

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	return NewClient(conn, opts), nil
}

// SubmitPublicKey publishes this device's public key for a conversation.
// A negative ack is reported through SubmitResult, not as an error.
func (c *Client) SubmitPublicKey(ctx context.Context, conversationID, userID, publicKey string) (keyexchange.SubmitResult, error) {
	ack, err := c.roundTrip(ctx, Request{
		Type:           TypeSubmitPublicKey,
		ConversationID: conversationID,
		UserID:         userID,
		PublicKey:      publicKey,
	})
	if err != nil {
		return keyexchange.SubmitResult{}, err
	}

	return keyexchange.SubmitResult{
		Success:    ack.Success,
		KeyID:      ack.KeyID,
		KeyVersion: ack.KeyVersion,
		Message:    ack.Error,
	}, nil
}

// FetchPeerKeys returns every published key in the conversation.
func (c *Client) FetchPeerKeys(ctx context.Context, conversationID string) ([]models.PeerKey, error) {
	ack, err := c.roundTrip(ctx, Request{Type: TypeFetchPeerKeys, ConversationID: conversationID})
	if err != nil {
		return nil, err
	}
	if err := rejection(TypeFetchPeerKeys, ack); err != nil {
		return nil, err
	}
	return ack.Keys, nil
}

// VerifyKey asks whether the server still holds publicKey for userID.
func (c *Client) VerifyKey(ctx context.Context, conversationID, userID, publicKey string) (bool, error) {
	ack, err := c.roundTrip(ctx, Request{
		Type:           TypeVerifyKey,
		ConversationID: conversationID,
		UserID:         userID,
		PublicKey:      publicKey,
	})
	if err != nil {
		return false, err
	}
	if err := rejection(TypeVerifyKey, ack); err != nil {
		return false, err
	}
	return ack.Verified, nil
}

// BroadcastKey announces a freshly published key to other participants.
// It returns once the frame is written; the server's ack is not awaited.
func (c *Client) BroadcastKey(ctx context.Context, update models.KeyUpdate) error {
	return c.notify(ctx, Request{
		Type:           TypeBroadcastKey,
		ConversationID: update.ConversationID,
		UserID:         update.UserID,
		KeyUpdate:      &update,
	})
}

// SendMessage submits an outbound message and returns the server's
// confirmed copy, which carries the permanent id.
func (c *Client) SendMessage(ctx context.Context, message *models.Message) (*models.Message, error) {
	ack, err := c.roundTrip(ctx, Request{
		Type:           TypeSendMessage,
		ConversationID: message.ConversationID,
		UserID:         message.SenderID,
		Message:        message,
	})
	if err != nil {
		return nil, err
	}
	if err := rejection(TypeSendMessage, ack); err != nil {
		return nil, err
	}
	if ack.Message == nil || ack.Message.ID == "" {
		return nil, fmt.Errorf("%s: %w", TypeSendMessage, ErrEmptyAck)
	}
	return ack.Message, nil
}

func rejection(op string, ack Ack) error {
	if ack.Success {
		return nil
	}
	reason := ack.Error
	if reason == "" {
		reason = "no reason given"
	}
	return fmt.Errorf("%s: %w: %s", op, keyexchange.ErrServerRejected, reason)
}
