package loom

import (
	"context"
	"log/slog"
	"sync"
)

const (
	// defaultReplayBuffer is the per-chat ring of recent events replayed to
	// late subscribers.
	defaultReplayBuffer = 100
	// defaultSubscriberQueue bounds each subscriber's delivery queue. A
	// subscriber whose queue fills is dropped; delivery is at-least-once to
	// survivors.
	defaultSubscriberQueue = 256
)

// Subscriber is one transport-level listener on a chat's event stream.
type Subscriber struct {
	ch     chan Event
	closed bool
}

// Events returns the delivery channel. It is closed when the subscriber is
// dropped or the stream is unregistered.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// chatStream is the per-chat broadcast state. All fields are guarded by the
// Broadcaster's mutex to preserve per-chat FIFO across broadcast/subscribe.
type chatStream struct {
	status       string
	messageID    string
	runID        string
	errorMessage string
	subs         map[*Subscriber]struct{}
	recent       []Event // ring, capped at replay size
}

// Broadcaster is the per-process pub/sub over active runs. It registers a
// stream per chat, replays recent events to late subscribers, pushes new
// events to every subscriber, and survives frontend disconnects. A durable
// mirror row is kept through the Store so a restart can reason about
// orphans.
type Broadcaster struct {
	mu     sync.Mutex
	chats  map[string]*chatStream
	store  Store // optional mirror; nil disables persistence
	logger *slog.Logger

	replaySize int
	queueSize  int
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBroadcasterLogger sets the structured logger.
func WithBroadcasterLogger(l *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.logger = l }
}

// WithStreamMirror persists active-stream rows to the store.
func WithStreamMirror(s Store) BroadcasterOption {
	return func(b *Broadcaster) { b.store = s }
}

// WithReplaySize overrides the replay ring capacity.
func WithReplaySize(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.replaySize = n
		}
	}
}

// WithSubscriberQueueSize overrides the per-subscriber queue bound.
func WithSubscriberQueueSize(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		chats:      make(map[string]*chatStream),
		logger:     nopLogger,
		replaySize: defaultReplayBuffer,
		queueSize:  defaultSubscriberQueue,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterStream records a new active run for a chat, overwriting any prior
// record. Existing subscribers carry over to the new stream.
func (b *Broadcaster) RegisterStream(ctx context.Context, chatID, messageID, runID string) {
	b.mu.Lock()
	prev := b.chats[chatID]
	cs := &chatStream{
		status:    StreamStatusStreaming,
		messageID: messageID,
		runID:     runID,
		subs:      make(map[*Subscriber]struct{}),
	}
	if prev != nil {
		cs.subs = prev.subs
	}
	b.chats[chatID] = cs
	b.mu.Unlock()

	b.mirror(ctx, chatID, cs)
	b.logger.Debug("broadcast: stream registered", "chat_id", chatID, "message_id", messageID, "run_id", runID)
}

// BindRunID late-binds the run id once the provider reports it.
func (b *Broadcaster) BindRunID(ctx context.Context, chatID, runID string) {
	b.mu.Lock()
	cs := b.chats[chatID]
	if cs != nil {
		cs.runID = runID
	}
	b.mu.Unlock()
	if cs != nil {
		b.mirror(ctx, chatID, cs)
	}
}

// Broadcast appends ev to the chat's replay ring and enqueues it to every
// subscriber. Subscribers with full queues are dropped. Events with names
// outside the wire contract are rejected unless the emission site opted in
// with AllowUnknown.
func (b *Broadcaster) Broadcast(chatID string, ev Event) error {
	if !ev.AllowUnknown && !KnownEvent(ev.Name) {
		return Validationf("broadcast: unknown wire event %q", ev.Name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.chats[chatID]
	if !ok {
		return ErrStreamNotActive
	}
	cs.recent = append(cs.recent, ev)
	if len(cs.recent) > b.replaySize {
		cs.recent = cs.recent[len(cs.recent)-b.replaySize:]
	}
	for sub := range cs.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(cs.subs, sub)
			sub.closed = true
			close(sub.ch)
			b.logger.Warn("broadcast: slow subscriber dropped", "chat_id", chatID)
		}
	}
	return nil
}

// Subscribe attaches a new subscriber to a chat's stream. The returned
// subscriber's queue is pre-filled with the replay ring so a late joiner
// catches up in original order before going live. Returns
// ErrStreamNotActive when no stream exists, so the transport can tell the
// client to ask again.
func (b *Broadcaster) Subscribe(chatID string) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.chats[chatID]
	if !ok {
		return nil, ErrStreamNotActive
	}
	size := b.queueSize
	if need := len(cs.recent) + 1; need > size {
		size = need
	}
	sub := &Subscriber{ch: make(chan Event, size)}
	for _, ev := range cs.recent {
		sub.ch <- ev
	}
	cs.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe detaches a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(chatID string, sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.chats[chatID]
	if !ok || sub == nil {
		return
	}
	if _, attached := cs.subs[sub]; attached {
		delete(cs.subs, sub)
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
}

// UpdateStatus transitions the stream's status, mirroring the change. An
// error message may accompany the error status.
func (b *Broadcaster) UpdateStatus(ctx context.Context, chatID, status, errorMessage string) {
	b.mu.Lock()
	cs := b.chats[chatID]
	if cs != nil {
		cs.status = status
		cs.errorMessage = errorMessage
	}
	b.mu.Unlock()
	if cs != nil {
		b.mirror(ctx, chatID, cs)
	}
}

// StreamStatus returns the chat's current stream status, or "" when no
// stream exists.
func (b *Broadcaster) StreamStatus(chatID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cs, ok := b.chats[chatID]; ok {
		return cs.status
	}
	return ""
}

// UnregisterStream removes the chat's stream after a terminal transition,
// closing every subscriber channel. The terminal event must have been
// broadcast before unregistering so reconnecting clients still see it in
// the replay ring until removal.
func (b *Broadcaster) UnregisterStream(ctx context.Context, chatID string) {
	b.mu.Lock()
	cs, ok := b.chats[chatID]
	if ok {
		delete(b.chats, chatID)
		for sub := range cs.subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	if b.store != nil {
		if err := b.store.DeleteActiveStream(ctx, chatID); err != nil {
			b.logger.Warn("broadcast: mirror delete failed", "chat_id", chatID, "error", err)
		}
	}
	b.logger.Debug("broadcast: stream unregistered", "chat_id", chatID)
}

// ReapOrphans deletes mirror rows with no in-memory stream. Run at startup:
// rows surviving a crash describe runs that no longer exist.
func (b *Broadcaster) ReapOrphans(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	rows, err := b.store.ListActiveStreams(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		b.mu.Lock()
		_, live := b.chats[row.ChatID]
		b.mu.Unlock()
		if live {
			continue
		}
		if err := b.store.DeleteActiveStream(ctx, row.ChatID); err != nil {
			b.logger.Warn("broadcast: orphan reap failed", "chat_id", row.ChatID, "error", err)
			continue
		}
		b.logger.Info("broadcast: orphan stream reaped", "chat_id", row.ChatID, "run_id", row.RunID)
	}
	return nil
}

// mirror persists the active-stream row best-effort.
func (b *Broadcaster) mirror(ctx context.Context, chatID string, cs *chatStream) {
	if b.store == nil {
		return
	}
	b.mu.Lock()
	row := ActiveStreamRow{
		ChatID:       chatID,
		MessageID:    cs.messageID,
		RunID:        cs.runID,
		Status:       cs.status,
		ErrorMessage: cs.errorMessage,
		UpdatedAt:    NowUnix(),
	}
	b.mu.Unlock()
	if err := b.store.UpsertActiveStream(ctx, row); err != nil {
		b.logger.Warn("broadcast: mirror upsert failed", "chat_id", chatID, "error", err)
	}
}
