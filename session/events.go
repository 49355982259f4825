package session

import (
	"thesischat/models"
	"thesischat/network"
)

// EventType identifies session updates for UI observers.
type EventType string

const (
	// EventStateChanged reports a connection state transition.
	EventStateChanged EventType = "state_changed"
	// EventConversationCreated is emitted when a placeholder conversation appears.
	EventConversationCreated EventType = "conversation_created"
	// EventConversationUpdated is emitted when messages or counters of a conversation change.
	EventConversationUpdated EventType = "conversation_updated"
	// EventProfileResolved is emitted after display fields of a conversation were patched.
	EventProfileResolved EventType = "profile_resolved"
	// EventSendFailed is emitted after an optimistic message was rolled back.
	EventSendFailed EventType = "send_failed"
	// EventFrameRejected is emitted for malformed or misaddressed inbound frames.
	EventFrameRejected EventType = "frame_rejected"
	// EventNotification is emitted for each item of the notifications feed.
	EventNotification EventType = "notification"
)

// Event carries one session update.
type Event struct {
	Type           EventType
	ConversationID string
	PeerID         string
	State          network.ConnectionState
	Notification   models.Notification
	Err            error
}

// emit never blocks: a slow observer loses events, not the loop.
func (s *Session) emit(event Event) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()

	if s.eventsClosed {
		return
	}
	select {
	case s.events <- event:
	default:
		s.logger.Debug("dropping session event, observer is behind")
	}
}

func (s *Session) closeEvents() {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	if !s.eventsClosed {
		s.eventsClosed = true
		close(s.events)
	}
}
