package conversations

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"thesischat/logging"
	"thesischat/models"
)

// LocalIDPrefix marks ids of optimistic messages not yet known to the server.
const LocalIDPrefix = "local-"

var (
	// ErrConversationNotFound indicates no conversation matches the request.
	ErrConversationNotFound = errors.New("conversations: conversation not found")
	// ErrMessageNotFound indicates the handle no longer points at a message.
	ErrMessageNotFound = errors.New("conversations: message not found")
	// ErrDuplicateConversation is logged when more than one thread exists for a peer.
	ErrDuplicateConversation = errors.New("conversations: duplicate conversation")
)

// Handle identifies one optimistic outbound message.
//
// It is keyed by peer so it stays valid across MergeDuplicates.
type Handle struct {
	PeerID    string
	MessageID string
}

// UpsertResult reports where a message landed.
type UpsertResult struct {
	ConversationID string
	// Created is set when the call synthesized a new placeholder conversation.
	Created bool
	// Reconciled is set when an echo matched an existing local message.
	Reconciled bool
}

// Options configures a Store.
type Options struct {
	Logger *zap.Logger
	Now    func() time.Time
	NewID  func() string
}

type entry struct {
	seq uint64
	msg models.Message
}

type thread struct {
	conv     models.Conversation
	created  uint64
	messages []entry
}

// Store is the in-memory model of every conversation of the local user.
//
// It holds at most one conversation per peer as long as callers go through
// UpsertInbound/EnsureConversation; Hydrate may introduce duplicates which
// MergeDuplicates repairs.
type Store struct {
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	mu      sync.RWMutex
	threads []*thread
	seq     uint64
}

// NewStore creates an empty conversation store.
func NewStore(options Options) *Store {
	now := options.Now
	if now == nil {
		now = time.Now
	}
	newID := options.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	return &Store{
		logger: logging.OrNop(options.Logger).Named("conversations"),
		now:    now,
		newID:  newID,
	}
}

// UpsertInbound appends msg to the peer's conversation, creating a placeholder
// conversation (display name = peer id) when none exists yet.
func (s *Store) UpsertInbound(peerID string, msg models.Message) (UpsertResult, error) {
	if strings.TrimSpace(peerID) == "" {
		return UpsertResult{}, errors.New("peer ID is required")
	}
	if msg.ID == "" {
		return UpsertResult{}, errors.New("message ID is required")
	}
	msg.AuthorIsLocal = false
	msg.DeliveryState = ""

	s.mu.Lock()
	defer s.mu.Unlock()

	t, created := s.ensureLocked(peerID)
	s.appendLocked(t, msg)
	t.conv.UnreadCount++

	return UpsertResult{ConversationID: t.conv.ID, Created: created}, nil
}

// EnsureConversation returns the peer's conversation, creating an empty placeholder if needed.
func (s *Store) EnsureConversation(peerID string) (UpsertResult, error) {
	if strings.TrimSpace(peerID) == "" {
		return UpsertResult{}, errors.New("peer ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, created := s.ensureLocked(peerID)
	return UpsertResult{ConversationID: t.conv.ID, Created: created}, nil
}

// ApplyProfile patches display fields of the peer's conversation and reports
// whether it did.
//
// The conversation is looked up by peer at call time. A fallback record never
// replaces a name the conversation already carries, e.g. one a merge brought in.
func (s *Store) ApplyProfile(record models.ProfileRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findByPeerLocked(record.PeerID)
	if t == nil {
		return false
	}
	if record.Fallback && t.conv.DisplayName != t.conv.PeerID {
		return false
	}
	if record.DisplayName != "" {
		t.conv.DisplayName = record.DisplayName
	}
	if record.AvatarRef != "" {
		t.conv.AvatarRef = record.AvatarRef
	}
	return true
}

// AppendOutbound inserts a pending local message (optimistic echo).
func (s *Store) AppendOutbound(conversationID, body string, sentAt time.Time) (Handle, error) {
	if body == "" {
		return Handle{}, errors.New("body is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findByIDLocked(conversationID)
	if t == nil {
		return Handle{}, fmt.Errorf("%w: %q", ErrConversationNotFound, conversationID)
	}

	msg := models.Message{
		ID:            LocalIDPrefix + s.newID(),
		AuthorIsLocal: true,
		Body:          body,
		SentAt:        sentAt,
		DeliveryState: models.DeliveryPending,
	}
	s.appendLocked(t, msg)

	return Handle{PeerID: t.conv.PeerID, MessageID: msg.ID}, nil
}

// MarkSent moves a pending message to sent.
func (s *Store) MarkSent(handle Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, idx, err := s.locateLocked(handle)
	if err != nil {
		return err
	}
	t.messages[idx].msg.DeliveryState = models.DeliverySent
	return nil
}

// Rollback removes an optimistic message entirely.
func (s *Store) Rollback(handle Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, idx, err := s.locateLocked(handle)
	if err != nil {
		return err
	}
	t.messages = append(t.messages[:idx], t.messages[idx+1:]...)
	t.conv.LastMessageAt = lastMessageAt(t.messages)
	return nil
}

// ReconcileEcho applies a frame the server relayed back for one of our own sends.
//
// It matches a local message by id, then by body among messages still carrying
// a local id. A match adopts the server id and becomes sent; otherwise the echo
// is appended as a sent local message.
func (s *Store) ReconcileEcho(peerID string, msg models.Message) (UpsertResult, error) {
	if strings.TrimSpace(peerID) == "" {
		return UpsertResult{}, errors.New("peer ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, created := s.ensureLocked(peerID)
	if idx := matchEcho(t.messages, msg); idx >= 0 {
		local := &t.messages[idx].msg
		if msg.ID != "" {
			local.ID = msg.ID
		}
		local.DeliveryState = models.DeliverySent
		return UpsertResult{ConversationID: t.conv.ID, Created: created, Reconciled: true}, nil
	}

	msg.AuthorIsLocal = true
	msg.DeliveryState = models.DeliverySent
	if msg.ID == "" {
		msg.ID = LocalIDPrefix + s.newID()
	}
	s.appendLocked(t, msg)
	return UpsertResult{ConversationID: t.conv.ID, Created: created}, nil
}

func matchEcho(messages []entry, echo models.Message) int {
	if echo.ID != "" {
		for i := range messages {
			if messages[i].msg.AuthorIsLocal && messages[i].msg.ID == echo.ID {
				return i
			}
		}
	}
	for i := range messages {
		m := messages[i].msg
		if m.AuthorIsLocal && strings.HasPrefix(m.ID, LocalIDPrefix) && m.Body == echo.Body {
			return i
		}
	}
	return -1
}

// Hydrate loads conversations from the history service as-is.
//
// Records for peers that already have a thread are kept as separate threads;
// call MergeDuplicates afterwards.
func (s *Store) Hydrate(conversations []models.Conversation) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, conv := range conversations {
		if strings.TrimSpace(conv.PeerID) == "" {
			continue
		}
		if conv.ID == "" {
			conv.ID = s.newID()
		}
		if conv.DisplayName == "" {
			conv.DisplayName = conv.PeerID
		}
		if conv.CreatedAt.IsZero() {
			conv.CreatedAt = s.now()
		}
		if conv.UnreadCount < 0 {
			conv.UnreadCount = 0
		}

		messages := conv.Messages
		conv.Messages = nil
		s.seq++
		t := &thread{conv: conv, created: s.seq}
		for _, msg := range messages {
			s.seq++
			t.messages = append(t.messages, entry{seq: s.seq, msg: msg})
		}
		t.conv.LastMessageAt = lastMessageAt(t.messages)
		s.threads = append(s.threads, t)
		loaded++
	}
	return loaded
}

// MergeDuplicates folds every extra conversation of a peer into the one with
// the earliest CreatedAt (insertion order breaks ties) and returns how many
// conversations were discarded. It never drops a message and is safe to call
// at any time.
func (s *Store) MergeDuplicates() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	keepers := make(map[string]*thread, len(s.threads))
	for _, t := range s.threads {
		if keeper, exists := keepers[t.conv.PeerID]; !exists || createdBefore(t, keeper) {
			keepers[t.conv.PeerID] = t
		}
	}

	kept := s.threads[:0]
	merged := 0
	for _, t := range s.threads {
		keeper := keepers[t.conv.PeerID]
		if keeper == t {
			kept = append(kept, t)
			continue
		}

		mergeInto(keeper, t)
		merged++
		s.logger.Warn("merged duplicate conversation",
			zap.String("peer_id", t.conv.PeerID),
			zap.String("kept_id", keeper.conv.ID),
			zap.String("discarded_id", t.conv.ID),
			zap.Error(ErrDuplicateConversation),
		)
	}
	for i := len(kept); i < len(s.threads); i++ {
		s.threads[i] = nil
	}
	s.threads = kept

	return merged
}

func createdBefore(a, b *thread) bool {
	if !a.conv.CreatedAt.Equal(b.conv.CreatedAt) {
		return a.conv.CreatedAt.Before(b.conv.CreatedAt)
	}
	return a.created < b.created
}

func mergeInto(keeper, extra *thread) {
	for _, e := range extra.messages {
		if containsMessage(keeper.messages, e.msg) {
			continue
		}
		keeper.messages = append(keeper.messages, e)
	}
	sort.SliceStable(keeper.messages, func(i, j int) bool {
		return keeper.messages[i].seq < keeper.messages[j].seq
	})

	keeper.conv.UnreadCount += extra.conv.UnreadCount
	keeper.conv.LastMessageAt = lastMessageAt(keeper.messages)
	if keeper.conv.DisplayName == keeper.conv.PeerID && extra.conv.DisplayName != extra.conv.PeerID {
		keeper.conv.DisplayName = extra.conv.DisplayName
	}
	if keeper.conv.AvatarRef == "" {
		keeper.conv.AvatarRef = extra.conv.AvatarRef
	}
}

func containsMessage(messages []entry, msg models.Message) bool {
	for _, e := range messages {
		if msg.ID != "" && e.msg.ID == msg.ID {
			return true
		}
		if e.msg.AuthorIsLocal == msg.AuthorIsLocal && e.msg.Body == msg.Body && e.msg.SentAt.Equal(msg.SentAt) {
			return true
		}
	}
	return false
}

// MarkRead clears the unread counter of a conversation.
func (s *Store) MarkRead(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findByIDLocked(conversationID)
	if t == nil {
		return fmt.Errorf("%w: %q", ErrConversationNotFound, conversationID)
	}
	t.conv.UnreadCount = 0
	return nil
}

// SetArchived archives or restores a conversation.
func (s *Store) SetArchived(conversationID string, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.findByIDLocked(conversationID)
	if t == nil {
		return fmt.Errorf("%w: %q", ErrConversationNotFound, conversationID)
	}
	t.conv.Archived = archived
	return nil
}

// Conversations returns a snapshot ordered by most recent activity.
func (s *Store) Conversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ordered := append([]*thread(nil), s.threads...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].conv.LastMessageAt, ordered[j].conv.LastMessageAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return ordered[i].created < ordered[j].created
	})

	out := make([]models.Conversation, 0, len(ordered))
	for _, t := range ordered {
		out = append(out, snapshot(t))
	}
	return out
}

// Conversation returns a snapshot of one conversation by id.
func (s *Store) Conversation(conversationID string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.findByIDLocked(conversationID)
	if t == nil {
		return models.Conversation{}, false
	}
	return snapshot(t), true
}

// ByPeer returns a snapshot of the peer's conversation.
func (s *Store) ByPeer(peerID string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.findByPeerLocked(peerID)
	if t == nil {
		return models.Conversation{}, false
	}
	return snapshot(t), true
}

// Len returns the number of conversations, duplicates included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}

// UnreadTotal sums unread counters of conversations that are not archived.
func (s *Store) UnreadTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, t := range s.threads {
		if !t.conv.Archived {
			total += t.conv.UnreadCount
		}
	}
	return total
}

func (s *Store) ensureLocked(peerID string) (*thread, bool) {
	if t := s.findByPeerLocked(peerID); t != nil {
		return t, false
	}

	s.seq++
	t := &thread{
		conv: models.Conversation{
			ID:          s.newID(),
			PeerID:      peerID,
			DisplayName: peerID,
			CreatedAt:   s.now(),
		},
		created: s.seq,
	}
	s.threads = append(s.threads, t)
	return t, true
}

func (s *Store) appendLocked(t *thread, msg models.Message) {
	s.seq++
	t.messages = append(t.messages, entry{seq: s.seq, msg: msg})
	if msg.SentAt.After(t.conv.LastMessageAt) {
		t.conv.LastMessageAt = msg.SentAt
	}
}

func (s *Store) locateLocked(handle Handle) (*thread, int, error) {
	t := s.findByPeerLocked(handle.PeerID)
	if t == nil {
		return nil, -1, fmt.Errorf("%w: peer %q", ErrConversationNotFound, handle.PeerID)
	}
	for i := range t.messages {
		if t.messages[i].msg.ID == handle.MessageID {
			return t, i, nil
		}
	}
	return nil, -1, fmt.Errorf("%w: %q", ErrMessageNotFound, handle.MessageID)
}

func (s *Store) findByPeerLocked(peerID string) *thread {
	for _, t := range s.threads {
		if t.conv.PeerID == peerID {
			return t
		}
	}
	return nil
}

func (s *Store) findByIDLocked(conversationID string) *thread {
	for _, t := range s.threads {
		if t.conv.ID == conversationID {
			return t
		}
	}
	return nil
}

func lastMessageAt(messages []entry) time.Time {
	var latest time.Time
	for _, e := range messages {
		if e.msg.SentAt.After(latest) {
			latest = e.msg.SentAt
		}
	}
	return latest
}

func snapshot(t *thread) models.Conversation {
	conv := t.conv
	conv.Messages = make([]models.Message, len(t.messages))
	for i, e := range t.messages {
		conv.Messages[i] = e.msg
	}
	return conv
}
