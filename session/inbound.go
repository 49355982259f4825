package session

import (
	"errors"

	"go.uber.org/zap"

	"thesischat/dedup"
	"thesischat/models"
	"thesischat/network"
)

var errMisaddressed = errors.New("session: frame addressed to another user")

// onFrame runs on the connection's read goroutine and keeps read order by
// posting each frame before reading the next.
func (s *Session) onFrame(payload []byte) {
	s.post(func() {
		s.handleFrame(payload)
	})
}

func (s *Session) handleFrame(payload []byte) {
	msg, err := network.DecodeInbound(payload)
	if err != nil {
		s.logger.Warn("dropping malformed frame", zap.Int("bytes", len(payload)), zap.Error(err))
		s.emit(Event{Type: EventFrameRejected, Err: err})
		return
	}

	if !s.dedup.ShouldProcess(msg) {
		s.logger.Debug("dropping duplicate frame",
			zap.String("sender_id", msg.SenderID),
			zap.String("message_id", msg.ID),
		)
		return
	}
	if msg.ID == "" {
		msg.ID = dedup.SyntheticID(msg)
	}

	self := s.conn.UserID()
	entry := models.Message{ID: msg.ID, Body: msg.Content, SentAt: msg.SentAt}

	switch {
	case msg.SenderID == self:
		s.applyEcho(msg.ReceiverID, entry)
	case msg.ReceiverID != self:
		s.logger.Warn("dropping misaddressed frame",
			zap.String("sender_id", msg.SenderID),
			zap.String("receiver_id", msg.ReceiverID),
		)
		s.emit(Event{Type: EventFrameRejected, PeerID: msg.SenderID, Err: errMisaddressed})
	default:
		s.applyInbound(msg.SenderID, entry)
	}
}

func (s *Session) applyInbound(peerID string, msg models.Message) {
	res, err := s.store.UpsertInbound(peerID, msg)
	if err != nil {
		s.logger.Warn("failed to store inbound message", zap.String("peer_id", peerID), zap.Error(err))
		return
	}

	if res.Created {
		s.emit(Event{Type: EventConversationCreated, ConversationID: res.ConversationID, PeerID: peerID})
		s.requestProfile(peerID)
		return
	}
	s.emit(Event{Type: EventConversationUpdated, ConversationID: res.ConversationID, PeerID: peerID})
}

// applyEcho handles a frame the gateway relayed back for one of our own sends.
func (s *Session) applyEcho(peerID string, msg models.Message) {
	res, err := s.store.ReconcileEcho(peerID, msg)
	if err != nil {
		s.logger.Warn("failed to reconcile echo", zap.String("peer_id", peerID), zap.Error(err))
		return
	}

	s.logger.Debug("echo applied",
		zap.String("peer_id", peerID),
		zap.String("message_id", msg.ID),
		zap.Bool("reconciled", res.Reconciled),
	)
	if res.Created {
		s.emit(Event{Type: EventConversationCreated, ConversationID: res.ConversationID, PeerID: peerID})
		s.requestProfile(peerID)
		return
	}
	s.emit(Event{Type: EventConversationUpdated, ConversationID: res.ConversationID, PeerID: peerID})
}

// requestProfile starts at most one resolution per peer for the session.
// It must run on the loop.
func (s *Session) requestProfile(peerID string) {
	if s.profileRequested[peerID] {
		return
	}
	s.profileRequested[peerID] = true

	if record, ok := s.resolver.Cached(peerID); ok {
		s.applyProfile(record)
		return
	}

	s.workers.Add(1)
	go func() {
		defer s.workers.Done()

		record := s.resolver.Resolve(s.ctx, peerID)
		s.post(func() {
			s.applyProfile(record)
		})
	}()
}

func (s *Session) applyProfile(record models.ProfileRecord) {
	if !s.store.ApplyProfile(record) {
		s.logger.Debug("profile not applied",
			zap.String("peer_id", record.PeerID),
			zap.Bool("fallback", record.Fallback),
		)
		return
	}

	conv, _ := s.store.ByPeer(record.PeerID)
	s.emit(Event{Type: EventProfileResolved, ConversationID: conv.ID, PeerID: record.PeerID})
}
