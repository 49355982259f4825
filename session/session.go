package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"thesischat/conversations"
	"thesischat/dedup"
	"thesischat/logging"
	"thesischat/models"
	"thesischat/network"
	"thesischat/profiles"
)

const (
	// DefaultEventBuffer is the capacity of the Events channel.
	DefaultEventBuffer = 128
	// DefaultTaskQueue is the capacity of the loop's task queue.
	DefaultTaskQueue = 64
	// MaxNotifications is how many feed items the session keeps.
	MaxNotifications = 50
)

var (
	// ErrNoIdentity indicates the identity provider has no current user.
	ErrNoIdentity = errors.New("session: no current user")
	// ErrEmptyMessage indicates a send with a blank draft.
	ErrEmptyMessage = errors.New("session: message is empty")
	// ErrClosed indicates the session was torn down.
	ErrClosed = errors.New("session: closed")
)

// IdentityProvider supplies the identity the chat connection is addressed by.
type IdentityProvider interface {
	CurrentUserID() (string, bool)
}

// Options configures a Session.
type Options struct {
	Identity IdentityProvider
	// Endpoint is the chat gateway base URL.
	Endpoint string
	Dialer   network.Dialer
	// Lookup is the profile service. Without one every peer gets a fallback name.
	Lookup profiles.Lookup

	DedupWindow    time.Duration
	ProfileTimeout time.Duration

	// Notifications is the portal notification feed shown next to the chat.
	Notifications <-chan models.Notification

	Logger      *zap.Logger
	Now         func() time.Time
	EventBuffer int
	TaskQueue   int
}

type task func()

// Session is the realtime chat engine of one local user.
//
// All conversation mutations run on a single loop goroutine; socket frames,
// profile completions, feed items and send steps are posted to it as tasks.
type Session struct {
	options  Options
	identity IdentityProvider
	logger   *zap.Logger
	now      func() time.Time

	conn     *network.Manager
	dedup    *dedup.Deduplicator
	resolver *profiles.Resolver
	store    *conversations.Store

	ctx      context.Context
	cancel   context.CancelFunc
	tasks    chan task
	loopDone chan struct{}
	workers  sync.WaitGroup
	stopOnce sync.Once
	closeErr error

	// loop-owned
	profileRequested map[string]bool

	eventsMu     sync.RWMutex
	events       chan Event
	eventsClosed bool

	draftsMu sync.Mutex
	drafts   map[string]string

	notificationsMu sync.RWMutex
	notifications   []models.Notification
}

// New wires the session components and starts the loop.
func New(options Options) (*Session, error) {
	if options.Identity == nil {
		return nil, errors.New("identity provider is required")
	}
	if options.Lookup == nil {
		options.Lookup = profiles.LookupFunc(func(context.Context, string) (models.ProfileRecord, error) {
			return models.ProfileRecord{}, profiles.ErrNotFound
		})
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.EventBuffer <= 0 {
		options.EventBuffer = DefaultEventBuffer
	}
	if options.TaskQueue <= 0 {
		options.TaskQueue = DefaultTaskQueue
	}

	logger := logging.OrNop(options.Logger)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		options:          options,
		identity:         options.Identity,
		logger:           logger.Named("session"),
		now:              options.Now,
		ctx:              ctx,
		cancel:           cancel,
		tasks:            make(chan task, options.TaskQueue),
		loopDone:         make(chan struct{}),
		profileRequested: make(map[string]bool),
		events:           make(chan Event, options.EventBuffer),
		drafts:           make(map[string]string),
	}

	resolver, err := profiles.NewResolver(profiles.ResolverOptions{
		Lookup:  options.Lookup,
		Timeout: options.ProfileTimeout,
		Logger:  logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.resolver = resolver

	conn, err := network.NewManager(network.ManagerOptions{
		Endpoint:      options.Endpoint,
		Dialer:        options.Dialer,
		Logger:        logger,
		OnFrame:       s.onFrame,
		OnStateChange: s.onStateChange,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create connection manager: %w", err)
	}
	s.conn = conn

	s.dedup = dedup.New(dedup.Options{Window: options.DedupWindow})
	s.store = conversations.NewStore(conversations.Options{Logger: logger, Now: options.Now})

	go s.loop()
	return s, nil
}

// Connect opens the chat connection for the current user.
func (s *Session) Connect(ctx context.Context) (network.ConnectionState, error) {
	if s.ctx.Err() != nil {
		return network.StateClosed, ErrClosed
	}
	userID, ok := s.identity.CurrentUserID()
	if !ok || userID == "" {
		s.logger.Warn("refusing to connect without a current user")
		return s.conn.State(), ErrNoIdentity
	}
	return s.conn.Connect(ctx, userID)
}

// Reconnect is the manual recovery path after ERRORED or CLOSED.
// It is a no-op while connecting or open.
func (s *Session) Reconnect(ctx context.Context) (network.ConnectionState, error) {
	return s.Connect(ctx)
}

// Disconnect closes the chat connection; the session stays usable.
func (s *Session) Disconnect() error {
	return s.conn.Disconnect()
}

// State returns the connection state.
func (s *Session) State() network.ConnectionState {
	return s.conn.State()
}

// LastError returns the transport error behind an ERRORED state.
func (s *Session) LastError() error {
	return s.conn.LastError()
}

// Events delivers session updates. The channel is closed by Close.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Conversations returns a recency-ordered snapshot.
func (s *Session) Conversations() []models.Conversation {
	return s.store.Conversations()
}

// Conversation returns one conversation snapshot.
func (s *Session) Conversation(conversationID string) (models.Conversation, bool) {
	return s.store.Conversation(conversationID)
}

// ConversationWith returns the conversation with peerID, if any.
func (s *Session) ConversationWith(peerID string) (models.Conversation, bool) {
	return s.store.ByPeer(peerID)
}

// UnreadTotal sums unread counters of conversations that are not archived.
func (s *Session) UnreadTotal() int {
	return s.store.UnreadTotal()
}

// Notifications returns the most recent feed items, oldest first.
func (s *Session) Notifications() []models.Notification {
	s.notificationsMu.RLock()
	defer s.notificationsMu.RUnlock()
	return append([]models.Notification(nil), s.notifications...)
}

// MarkRead clears the unread counter of a conversation.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	var opErr error
	if err := s.do(ctx, func() {
		opErr = s.store.MarkRead(conversationID)
		if opErr == nil {
			s.emit(Event{Type: EventConversationUpdated, ConversationID: conversationID})
		}
	}); err != nil {
		return err
	}
	return opErr
}

// SetArchived archives or restores a conversation.
func (s *Session) SetArchived(ctx context.Context, conversationID string, archived bool) error {
	var opErr error
	if err := s.do(ctx, func() {
		opErr = s.store.SetArchived(conversationID, archived)
		if opErr == nil {
			s.emit(Event{Type: EventConversationUpdated, ConversationID: conversationID})
		}
	}); err != nil {
		return err
	}
	return opErr
}

// Hydrate loads conversations from the history service and repairs any
// duplicate threads it introduced. Peers without a resolved name get a
// profile lookup.
func (s *Session) Hydrate(ctx context.Context, history []models.Conversation) (int, int, error) {
	var loaded, merged int
	err := s.do(ctx, func() {
		loaded = s.store.Hydrate(history)
		merged = s.store.MergeDuplicates()

		for _, conv := range s.store.Conversations() {
			if conv.DisplayName != "" && conv.DisplayName != conv.PeerID {
				s.resolver.Prime(models.ProfileRecord{
					PeerID:      conv.PeerID,
					DisplayName: conv.DisplayName,
					AvatarRef:   conv.AvatarRef,
				})
				s.profileRequested[conv.PeerID] = true
				continue
			}
			s.requestProfile(conv.PeerID)
		}
	})
	if err != nil {
		return 0, 0, err
	}

	s.logger.Info("conversations hydrated", zap.Int("loaded", loaded), zap.Int("merged", merged))
	return loaded, merged, nil
}

// Close tears the session down: pending profile effects are dropped, dedup
// timers are stopped and the connection is closed.
func (s *Session) Close() error {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.loopDone
		s.workers.Wait()

		s.closeErr = s.conn.Close()
		s.dedup.Close()
		s.closeEvents()
		s.logger.Debug("session closed")
	})
	return s.closeErr
}

func (s *Session) loop() {
	defer close(s.loopDone)

	feed := s.options.Notifications
	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.tasks:
			if s.ctx.Err() != nil {
				return
			}
			t()
		case n, ok := <-feed:
			if !ok {
				feed = nil
				continue
			}
			s.handleNotification(n)
		}
	}
}

// post hands t to the loop. It returns false once the session is closing.
func (s *Session) post(t task) bool {
	select {
	case s.tasks <- t:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// do runs fn on the loop and waits for it.
//
// If ctx ends or the session closes before the loop picks fn up, fn never
// runs and the error is returned. Once fn has started, do waits for it to
// finish and returns nil.
func (s *Session) do(ctx context.Context, fn func()) error {
	var claimed atomic.Bool
	done := make(chan struct{})
	if !s.post(func() {
		defer close(done)
		if ctx.Err() != nil || !claimed.CompareAndSwap(false, true) {
			return
		}
		fn()
	}) {
		return ErrClosed
	}

	var abandonErr error
	select {
	case <-done:
		if !claimed.Load() {
			return ctx.Err()
		}
		return nil
	case <-s.ctx.Done():
		abandonErr = ErrClosed
	case <-ctx.Done():
		abandonErr = ctx.Err()
	}

	if claimed.CompareAndSwap(false, true) {
		return abandonErr
	}
	<-done
	return nil
}

func (s *Session) onStateChange(state network.ConnectionState, err error) {
	s.emit(Event{Type: EventStateChanged, State: state, Err: err})
}

func (s *Session) handleNotification(n models.Notification) {
	s.notificationsMu.Lock()
	s.notifications = append(s.notifications, n)
	if extra := len(s.notifications) - MaxNotifications; extra > 0 {
		s.notifications = append([]models.Notification(nil), s.notifications[extra:]...)
	}
	s.notificationsMu.Unlock()

	s.emit(Event{Type: EventNotification, Notification: n})
}
