package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"thesischat/conversations"
	"thesischat/models"
	"thesischat/network"
)

// SendError reports a send that did not reach the wire. Draft is the text the
// user typed, unchanged, and is also kept as the peer's stored draft.
type SendError struct {
	PeerID string
	Draft  string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("session: send to %s: %v", e.PeerID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Send delivers draft to peerID with an optimistic local echo.
//
// A blank draft fails with ErrEmptyMessage and a closed connection with
// network.ErrNotConnected; neither touches the conversation store. A failed
// wire write rolls the pending message back and restores the draft.
func (s *Session) Send(ctx context.Context, peerID, draft string) (conversations.Handle, error) {
	peerID = strings.TrimSpace(peerID)
	body := strings.TrimSpace(draft)
	if body == "" {
		return conversations.Handle{}, ErrEmptyMessage
	}
	if peerID == "" {
		return conversations.Handle{}, errors.New("peer ID is required")
	}
	if s.ctx.Err() != nil {
		return conversations.Handle{}, ErrClosed
	}
	if s.conn.State() != network.StateOpen {
		return conversations.Handle{}, s.keepDraft(peerID, draft, network.ErrNotConnected)
	}

	sentAt := s.now()
	var (
		handle    conversations.Handle
		appendErr error
	)
	if err := s.do(ctx, func() {
		res, err := s.store.EnsureConversation(peerID)
		if err != nil {
			appendErr = err
			return
		}
		if res.Created {
			s.emit(Event{Type: EventConversationCreated, ConversationID: res.ConversationID, PeerID: peerID})
			s.requestProfile(peerID)
		}

		handle, appendErr = s.store.AppendOutbound(res.ConversationID, body, sentAt)
		if appendErr == nil {
			s.emit(Event{Type: EventConversationUpdated, ConversationID: res.ConversationID, PeerID: peerID})
		}
	}); err != nil {
		return conversations.Handle{}, s.keepDraft(peerID, draft, err)
	}
	if appendErr != nil {
		return conversations.Handle{}, s.keepDraft(peerID, draft, appendErr)
	}

	payload, err := network.EncodeOutbound(models.OutboundMessage{
		ID:         handle.MessageID,
		SenderID:   s.conn.UserID(),
		ReceiverID: peerID,
		Content:    body,
		SentAt:     sentAt,
	})
	if err == nil {
		err = s.conn.Send(payload)
	}

	// The outcome is applied even if ctx was cancelled meanwhile.
	sendErr := err
	if doErr := s.do(context.Background(), func() {
		s.settle(handle, draft, sendErr)
	}); doErr != nil {
		if sendErr != nil {
			return conversations.Handle{}, s.keepDraft(peerID, draft, sendErr)
		}
		return handle, nil
	}

	if sendErr != nil {
		return conversations.Handle{}, &SendError{PeerID: peerID, Draft: draft, Err: sendErr}
	}
	return handle, nil
}

// settle runs on the loop after the wire write returned.
func (s *Session) settle(handle conversations.Handle, draft string, sendErr error) {
	conv, _ := s.store.ByPeer(handle.PeerID)

	if sendErr == nil {
		if err := s.store.MarkSent(handle); err != nil {
			// An echo may already have reconciled the message under the server id.
			s.logger.Debug("pending message already settled",
				zap.String("peer_id", handle.PeerID),
				zap.String("message_id", handle.MessageID),
				zap.Error(err),
			)
		}
		s.clearDraft(handle.PeerID)
		s.emit(Event{Type: EventConversationUpdated, ConversationID: conv.ID, PeerID: handle.PeerID})
		return
	}

	if err := s.store.Rollback(handle); err != nil && !errors.Is(err, conversations.ErrMessageNotFound) {
		s.logger.Warn("rollback failed", zap.String("peer_id", handle.PeerID), zap.Error(err))
	}
	s.SetDraft(handle.PeerID, draft)
	s.logger.Warn("send failed, message rolled back",
		zap.String("peer_id", handle.PeerID),
		zap.Error(sendErr),
	)
	s.emit(Event{Type: EventSendFailed, ConversationID: conv.ID, PeerID: handle.PeerID, Err: sendErr})
}

func (s *Session) keepDraft(peerID, draft string, err error) error {
	s.SetDraft(peerID, draft)
	return &SendError{PeerID: peerID, Draft: draft, Err: err}
}

// Draft returns the unsent text kept for peerID.
func (s *Session) Draft(peerID string) string {
	s.draftsMu.Lock()
	defer s.draftsMu.Unlock()
	return s.drafts[peerID]
}

// SetDraft stores unsent text for peerID. An empty draft clears it.
func (s *Session) SetDraft(peerID, draft string) {
	s.draftsMu.Lock()
	defer s.draftsMu.Unlock()
	if draft == "" {
		delete(s.drafts, peerID)
		return
	}
	s.drafts[peerID] = draft
}

func (s *Session) clearDraft(peerID string) {
	s.SetDraft(peerID, "")
}
