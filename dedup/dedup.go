package dedup

import (
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"thesischat/models"
)

// DefaultWindow is how long a processed frame signature is remembered.
const DefaultWindow = 10 * time.Second

// Key is the signature of one inbound frame.
type Key [blake2b.Size256]byte

// String returns the hex form of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// KeyFor computes the dedup signature (id or sender, content, sentAt).
func KeyFor(msg models.InboundMessage) Key {
	subject := msg.ID
	if subject == "" {
		subject = msg.SenderID
	}

	h, _ := blake2b.New256(nil)
	writeField(h, subject)
	writeField(h, msg.Content)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(msg.SentAt.UnixNano()))
	_, _ = h.Write(ts[:])

	var key Key
	copy(key[:], h.Sum(nil))
	return key
}

// SyntheticID derives a stable message id for frames the server sent without one.
func SyntheticID(msg models.InboundMessage) string {
	key := KeyFor(msg)
	return "syn-" + hex.EncodeToString(key[:8])
}

func writeField(h interface{ Write([]byte) (int, error) }, value string) {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(value)))
	_, _ = h.Write(size[:])
	_, _ = h.Write([]byte(value))
}

// Options controls Deduplicator behavior.
type Options struct {
	Window time.Duration
	// Now overrides the clock used for expiry checks.
	Now func() time.Time
}

type entry struct {
	expiresAt time.Time
	timer     *time.Timer
}

// Deduplicator remembers recently processed inbound frames for a bounded window.
type Deduplicator struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[Key]*entry
	closed  bool
}

// New creates a deduplicator with defaults applied.
func New(options Options) *Deduplicator {
	window := options.Window
	if window <= 0 {
		window = DefaultWindow
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	return &Deduplicator{
		window:  window,
		now:     now,
		entries: make(map[Key]*entry),
	}
}

// Window returns the configured dedup window.
func (d *Deduplicator) Window() time.Duration {
	return d.window
}

// ShouldProcess reports whether msg is new within the window and records it if so.
func (d *Deduplicator) ShouldProcess(msg models.InboundMessage) bool {
	key := KeyFor(msg)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.entries[key]; ok {
		if now.Before(existing.expiresAt) {
			return false
		}
		existing.timer.Stop()
		delete(d.entries, key)
	}

	if d.closed {
		// A closed deduplicator keeps no signatures.
		return true
	}

	e := &entry{expiresAt: now.Add(d.window)}
	e.timer = time.AfterFunc(d.window, func() {
		d.expire(key, e)
	})
	d.entries[key] = e
	return true
}

// Len returns the number of live signatures.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Close stops every pending expiry timer and forgets all signatures.
func (d *Deduplicator) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, e := range d.entries {
		e.timer.Stop()
		delete(d.entries, key)
	}
	d.closed = true
}

func (d *Deduplicator) expire(key Key, e *entry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if current, ok := d.entries[key]; ok && current == e {
		delete(d.entries, key)
	}
}
