package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"thesischat/models"
	"thesischat/network"
	"thesischat/profiles"
)

type staticIdentity string

func (s staticIdentity) CurrentUserID() (string, bool) {
	return string(s), s != ""
}

type fakeTransport struct {
	inbound chan []byte
	closed  chan struct{}

	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case payload := <-f.inbound:
		return websocket.TextMessage, payload, nil
	case <-f.closed:
		return 0, nil, io.ErrUnexpectedEOF
	}
}

func (f *fakeTransport) WriteMessage(_ int, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), payload...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeTransport) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func (f *fakeTransport) IsClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type blockingLookup struct {
	calls   atomic.Int32
	release chan struct{}
	records map[string]models.ProfileRecord
}

func newBlockingLookup(records map[string]models.ProfileRecord) *blockingLookup {
	return &blockingLookup{release: make(chan struct{}), records: records}
}

func (l *blockingLookup) GetProfileByPeerID(ctx context.Context, peerID string) (models.ProfileRecord, error) {
	l.calls.Add(1)
	select {
	case <-l.release:
	case <-ctx.Done():
		return models.ProfileRecord{}, ctx.Err()
	}
	record, ok := l.records[peerID]
	if !ok {
		return models.ProfileRecord{}, profiles.ErrNotFound
	}
	return record, nil
}

type harness struct {
	session   *Session
	transport *fakeTransport
	dials     *atomic.Int32
}

func newHarness(t *testing.T, options Options) *harness {
	t.Helper()

	transport := newFakeTransport()
	dials := &atomic.Int32{}
	if options.Identity == nil {
		options.Identity = staticIdentity("7")
	}
	if options.Endpoint == "" {
		options.Endpoint = "wss://chat.test/chat"
	}
	if options.Dialer == nil {
		options.Dialer = network.DialerFunc(func(ctx context.Context, endpointURL string) (network.Transport, error) {
			dials.Add(1)
			return transport, nil
		})
	}

	s, err := New(options)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return &harness{session: s, transport: transport, dials: dials}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	state, err := h.session.Connect(context.Background())
	if err != nil || state != network.StateOpen {
		t.Fatalf("Connect failed: %s %v", state, err)
	}
}

func frame(t *testing.T, id, sender, receiver, content string, sentAt time.Time) []byte {
	t.Helper()
	payload, err := json.Marshal(network.WireMessage{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		Timestamp:  network.FormatTimestamp(sentAt),
	})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return payload
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForEvent(t *testing.T, events <-chan Event, eventType EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("events closed while waiting for %s", eventType)
			}
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", eventType)
		}
	}
}

func TestFirstContactCreatesOneConversationAndOneProfileFetch(t *testing.T) {
	lookup := newBlockingLookup(map[string]models.ProfileRecord{
		"42": {DisplayName: "Nguyễn Văn A", AvatarRef: "avatars/42.png"},
	})
	h := newHarness(t, Options{Lookup: lookup})
	h.connect(t)

	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	h.transport.inbound <- frame(t, "", "42", "7", "Hi", t1)

	waitFor(t, "first message", func() bool {
		conv, ok := h.session.ConversationWith("42")
		return ok && conv.UnreadCount == 1
	})
	conv, _ := h.session.ConversationWith("42")
	if conv.DisplayName != "42" {
		t.Fatalf("expected placeholder name, got %q", conv.DisplayName)
	}
	if conv.Messages[0].ID == "" {
		t.Fatalf("expected synthetic id for id-less frame")
	}

	h.transport.inbound <- frame(t, "", "42", "7", "There", t1.Add(time.Second))
	waitFor(t, "second message", func() bool {
		conv, _ := h.session.ConversationWith("42")
		return conv.UnreadCount == 2
	})

	if got := len(h.session.Conversations()); got != 1 {
		t.Fatalf("expected one conversation, got %d", got)
	}
	waitFor(t, "profile fetch", func() bool {
		return lookup.calls.Load() >= 1
	})
	time.Sleep(20 * time.Millisecond)
	if got := lookup.calls.Load(); got != 1 {
		t.Fatalf("expected one profile fetch before resolution, got %d", got)
	}

	close(lookup.release)
	waitFor(t, "profile patch", func() bool {
		conv, _ := h.session.ConversationWith("42")
		return conv.DisplayName == "Nguyễn Văn A"
	})

	conv, _ = h.session.ConversationWith("42")
	if conv.AvatarRef != "avatars/42.png" || len(conv.Messages) != 2 || conv.Messages[1].Body != "There" {
		t.Fatalf("unexpected conversation after resolution %+v", conv)
	}
	if got := lookup.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one profile fetch, got %d", got)
	}
}

func TestUnknownProfileFallsBackToLabel(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	h.transport.inbound <- frame(t, "m-1", "99", "7", "Chào thầy", time.Now())
	waitFor(t, "fallback name", func() bool {
		conv, ok := h.session.ConversationWith("99")
		return ok && conv.DisplayName == profiles.FallbackLabel("99")
	})
}

func TestDuplicateFramesAreAppliedOnce(t *testing.T) {
	h := newHarness(t, Options{DedupWindow: 60 * time.Millisecond})
	h.connect(t)

	sentAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	h.transport.inbound <- frame(t, "", "42", "7", "Hi", sentAt)
	h.transport.inbound <- frame(t, "", "42", "7", "Hi", sentAt)
	h.transport.inbound <- frame(t, "srv-1", "42", "7", "Hi again", sentAt)
	h.transport.inbound <- frame(t, "srv-1", "42", "7", "Hi again", sentAt)
	h.transport.inbound <- frame(t, "", "42", "7", "marker", sentAt)

	waitFor(t, "marker", func() bool {
		conv, _ := h.session.ConversationWith("42")
		return len(conv.Messages) > 0 && conv.Messages[len(conv.Messages)-1].Body == "marker"
	})
	conv, _ := h.session.ConversationWith("42")
	if len(conv.Messages) != 3 || conv.UnreadCount != 3 {
		t.Fatalf("expected duplicates to be dropped, got %d messages", len(conv.Messages))
	}

	time.Sleep(120 * time.Millisecond)
	h.transport.inbound <- frame(t, "", "42", "7", "Hi", sentAt)
	waitFor(t, "redelivery after window", func() bool {
		conv, _ := h.session.ConversationWith("42")
		return len(conv.Messages) == 4
	})
}

func TestMalformedAndMisaddressedFramesAreDropped(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)
	events := h.session.Events()

	h.transport.inbound <- []byte(`{"senderId":"42"}`)
	if event := waitForEvent(t, events, EventFrameRejected); !errors.Is(event.Err, network.ErrMalformedFrame) {
		t.Fatalf("expected malformed frame error, got %v", event.Err)
	}

	h.transport.inbound <- frame(t, "m-1", "42", "someone-else", "Hi", time.Now())
	if event := waitForEvent(t, events, EventFrameRejected); event.PeerID != "42" {
		t.Fatalf("unexpected rejection event %+v", event)
	}

	if got := len(h.session.Conversations()); got != 0 {
		t.Fatalf("expected no conversations, got %d", got)
	}
}

func TestSendRejectedWithoutMutationWhenNotConnected(t *testing.T) {
	h := newHarness(t, Options{})

	if _, err := h.session.Send(context.Background(), "42", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}

	draft := "  Em chào thầy ạ  "
	_, err := h.session.Send(context.Background(), "42", draft)
	if !errors.Is(err, network.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	var sendErr *SendError
	if !errors.As(err, &sendErr) || sendErr.Draft != draft {
		t.Fatalf("expected draft to be returned verbatim, got %v", err)
	}
	if h.session.Draft("42") != draft {
		t.Fatalf("expected draft to be kept, got %q", h.session.Draft("42"))
	}
	if got := len(h.session.Conversations()); got != 0 {
		t.Fatalf("expected store untouched, got %d conversations", got)
	}
}

func TestSendSuccessAndEchoReconciliation(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, Options{Now: func() time.Time { return fixed }})
	h.connect(t)
	h.session.SetDraft("42", "Xin chào")

	handle, err := h.session.Send(context.Background(), "42", "Xin chào")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if h.session.Draft("42") != "" {
		t.Fatalf("expected draft to be cleared after send")
	}

	conv, ok := h.session.ConversationWith("42")
	if !ok || len(conv.Messages) != 1 {
		t.Fatalf("expected one local message, got %+v", conv)
	}
	msg := conv.Messages[0]
	if msg.ID != handle.MessageID || !msg.AuthorIsLocal || msg.DeliveryState != models.DeliverySent {
		t.Fatalf("unexpected sent message %+v", msg)
	}

	written := h.transport.Written()
	if len(written) != 1 {
		t.Fatalf("expected one frame on the wire, got %d", len(written))
	}
	var wire network.WireMessage
	if err := json.Unmarshal(written[0], &wire); err != nil {
		t.Fatalf("decode written frame: %v", err)
	}
	if wire.ID != handle.MessageID || wire.SenderID != "7" || wire.ReceiverID != "42" || wire.Content != "Xin chào" {
		t.Fatalf("unexpected wire frame %+v", wire)
	}

	h.transport.inbound <- frame(t, "srv-77", "7", "42", "Xin chào", fixed)
	h.transport.inbound <- frame(t, "m-2", "42", "7", "Chào em", fixed.Add(time.Second))
	waitFor(t, "reply", func() bool {
		conv, _ := h.session.ConversationWith("42")
		return len(conv.Messages) == 2
	})

	conv, _ = h.session.ConversationWith("42")
	if conv.Messages[0].ID != "srv-77" || conv.Messages[0].DeliveryState != models.DeliverySent {
		t.Fatalf("expected echo to adopt the server id, got %+v", conv.Messages[0])
	}
	if conv.UnreadCount != 1 {
		t.Fatalf("expected only the reply to be unread, got %d", conv.UnreadCount)
	}
}

func TestSendFailureRollsBackAndRestoresDraft(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)
	events := h.session.Events()

	h.transport.inbound <- frame(t, "m-1", "42", "7", "Hi", time.Now())
	waitFor(t, "inbound message", func() bool {
		conv, ok := h.session.ConversationWith("42")
		return ok && len(conv.Messages) == 1
	})

	h.transport.setWriteErr(errors.New("broken pipe"))
	draft := "Em gửi bản nháp chương 2"
	_, err := h.session.Send(context.Background(), "42", draft)
	if !errors.Is(err, network.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	var sendErr *SendError
	if !errors.As(err, &sendErr) || sendErr.Draft != draft {
		t.Fatalf("expected draft in send error, got %v", err)
	}
	if h.session.Draft("42") != draft {
		t.Fatalf("expected draft restored, got %q", h.session.Draft("42"))
	}

	conv, _ := h.session.ConversationWith("42")
	if len(conv.Messages) != 1 || conv.Messages[0].AuthorIsLocal {
		t.Fatalf("expected pending message to be removed, got %+v", conv.Messages)
	}
	if event := waitForEvent(t, events, EventSendFailed); event.PeerID != "42" {
		t.Fatalf("unexpected send failed event %+v", event)
	}
	if h.session.State() != network.StateErrored {
		t.Fatalf("expected ERRORED after write failure, got %s", h.session.State())
	}
}

func TestSendCancelledWhileQueuedLeavesStoreUntouched(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(t)

	release := make(chan struct{})
	blocked := make(chan struct{})
	h.session.post(func() {
		close(blocked)
		<-release
	})
	<-blocked

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.session.Send(ctx, "42", "hello")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	var sendErr *SendError
	if !errors.As(err, &sendErr) || sendErr.Draft != "hello" {
		t.Fatalf("expected draft in send error, got %v", err)
	}
	close(release)

	if err := h.session.do(context.Background(), func() {}); err != nil {
		t.Fatalf("flush loop: %v", err)
	}
	if _, ok := h.session.ConversationWith("42"); ok {
		t.Fatalf("expected no conversation after a cancelled send")
	}
	if got := len(h.transport.Written()); got != 0 {
		t.Fatalf("expected nothing on the wire, got %d frames", got)
	}
	if h.session.Draft("42") != "hello" {
		t.Fatalf("expected draft to be kept, got %q", h.session.Draft("42"))
	}
}

func TestLateFallbackDoesNotOverwriteHydratedName(t *testing.T) {
	lookup := newBlockingLookup(nil)
	h := newHarness(t, Options{Lookup: lookup})
	h.connect(t)

	h.transport.inbound <- frame(t, "m-1", "42", "7", "Hi", time.Now())
	waitFor(t, "profile lookup in flight", func() bool {
		return lookup.calls.Load() == 1
	})

	_, merged, err := h.session.Hydrate(context.Background(), []models.Conversation{
		{ID: "c-42", PeerID: "42", DisplayName: "TS. Nguyễn Văn A"},
	})
	if err != nil || merged != 1 {
		t.Fatalf("expected hydrate to merge one conversation, got %d %v", merged, err)
	}

	close(lookup.release)
	h.session.workers.Wait()
	if err := h.session.do(context.Background(), func() {}); err != nil {
		t.Fatalf("flush loop: %v", err)
	}

	conv, _ := h.session.ConversationWith("42")
	if conv.DisplayName != "TS. Nguyễn Văn A" {
		t.Fatalf("expected hydrated name to survive the late lookup, got %q", conv.DisplayName)
	}
	if record, _ := h.session.resolver.Cached("42"); record.Fallback {
		t.Fatalf("expected primed profile to stay cached, got %+v", record)
	}
}

func TestConnectRequiresIdentityAndIsManual(t *testing.T) {
	h := newHarness(t, Options{Identity: staticIdentity("")})

	if _, err := h.session.Connect(context.Background()); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
	if h.dials.Load() != 0 {
		t.Fatalf("expected no dial without identity")
	}

	var attempts atomic.Int32
	failing := newHarness(t, Options{
		Dialer: network.DialerFunc(func(ctx context.Context, endpointURL string) (network.Transport, error) {
			attempts.Add(1)
			return nil, errors.New("connection refused")
		}),
	})
	events := failing.session.Events()

	state, err := failing.session.Connect(context.Background())
	if state != network.StateErrored || !errors.Is(err, network.ErrTransport) {
		t.Fatalf("expected ERRORED transport failure, got %s %v", state, err)
	}
	waitForEvent(t, events, EventStateChanged)

	time.Sleep(30 * time.Millisecond)
	if attempts.Load() != 1 {
		t.Fatalf("expected no automatic retry, got %d attempts", attempts.Load())
	}
	if _, err := failing.session.Reconnect(context.Background()); err == nil {
		t.Fatalf("expected manual reconnect to surface the dial failure")
	}
	if attempts.Load() != 2 {
		t.Fatalf("expected manual reconnect to dial, got %d attempts", attempts.Load())
	}
}

func TestHydrateMergesDuplicatesAndPrimesProfiles(t *testing.T) {
	lookup := newBlockingLookup(nil)
	close(lookup.release)
	h := newHarness(t, Options{Lookup: lookup})

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	loaded, merged, err := h.session.Hydrate(context.Background(), []models.Conversation{
		{ID: "c-1", PeerID: "42", DisplayName: "Nguyễn Văn A", Messages: []models.Message{{ID: "a", Body: "one", SentAt: base}}},
		{ID: "c-2", PeerID: "42", Messages: []models.Message{{ID: "b", Body: "two", SentAt: base.Add(time.Second)}}},
	})
	if err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}
	if loaded != 2 || merged != 1 {
		t.Fatalf("expected 2 loaded and 1 merged, got %d %d", loaded, merged)
	}

	conv, _ := h.session.ConversationWith("42")
	if conv.ID != "c-1" || len(conv.Messages) != 2 || conv.DisplayName != "Nguyễn Văn A" {
		t.Fatalf("unexpected merged conversation %+v", conv)
	}
	if lookup.calls.Load() != 0 {
		t.Fatalf("expected hydrated name to prime the profile cache")
	}

	if err := h.session.MarkRead(context.Background(), conv.ID); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if err := h.session.SetArchived(context.Background(), conv.ID, true); err != nil {
		t.Fatalf("SetArchived failed: %v", err)
	}
	conv, _ = h.session.ConversationWith("42")
	if !conv.Archived || conv.UnreadCount != 0 {
		t.Fatalf("unexpected conversation flags %+v", conv)
	}
}

func TestNotificationsFeedKeepsMostRecent(t *testing.T) {
	feed := make(chan models.Notification)
	h := newHarness(t, Options{Notifications: feed})

	total := MaxNotifications + 5
	for i := 0; i < total; i++ {
		feed <- models.Notification{ID: fmt.Sprintf("n-%d", i), Title: "Lịch bảo vệ", CreatedAt: time.Now()}
	}
	close(feed)

	waitFor(t, "notifications", func() bool {
		items := h.session.Notifications()
		return len(items) == MaxNotifications && items[len(items)-1].ID == fmt.Sprintf("n-%d", total-1)
	})
	if first := h.session.Notifications()[0].ID; first != "n-5" {
		t.Fatalf("expected oldest items to be dropped, got %q first", first)
	}
}

func TestCloseTearsDownEverything(t *testing.T) {
	lookup := newBlockingLookup(nil)
	h := newHarness(t, Options{Lookup: lookup})
	h.connect(t)

	h.transport.inbound <- frame(t, "m-1", "42", "7", "Hi", time.Now())
	waitFor(t, "profile lookup in flight", func() bool {
		return lookup.calls.Load() == 1
	})

	done := make(chan error, 1)
	go func() { done <- h.session.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked on a pending profile lookup")
	}
	close(lookup.release)

	if !h.transport.IsClosed() {
		t.Fatalf("expected transport to be closed")
	}
	if h.session.dedup.Len() != 0 {
		t.Fatalf("expected dedup timers to be cleared")
	}
	conv, _ := h.session.ConversationWith("42")
	if conv.DisplayName != "42" {
		t.Fatalf("expected no profile patch after teardown, got %q", conv.DisplayName)
	}

	for range h.session.Events() {
	}
	if _, err := h.session.Send(context.Background(), "42", "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
	if _, err := h.session.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected Connect to fail after Close, got %v", err)
	}
	if err := h.session.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
