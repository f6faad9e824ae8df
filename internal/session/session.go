// Package session owns the in-memory message list for one open conversation.
// It reconciles the initial history fetch, locally-originated sends and feed
// notifications into a single deduplicated, chronologically ordered view.
package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"messenger/internal/feed"
	"messenger/internal/storage"
)

var (
	ErrNotOpenable = errors.New("session already opened")
	ErrClosed      = errors.New("session is closed")
)

// State models the session lifecycle. Closed is terminal.
type State int

const (
	Uninitialized State = iota
	Loading
	Live
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Live:
		return "live"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Store is the slice of the message store the session needs.
type Store interface {
	History(ctx context.Context, conversationID uuid.UUID) ([]storage.MessageView, error)
	MessageByID(ctx context.Context, id uuid.UUID) (storage.MessageView, error)
	SendMessage(ctx context.Context, conversationID, senderID uuid.UUID, content string) (storage.MessageView, error)
	MarkRead(ctx context.Context, viewerID uuid.UUID, ids []uuid.UUID) error
}

// Feed attaches conversation-scoped insert subscriptions.
type Feed interface {
	Subscribe(conversationID uuid.UUID, fn func(feed.Event)) feed.Subscription
}

const defaultReadFlushDelay = 200 * time.Millisecond

type Option interface {
	apply(*Session)
}

type optionFunc func(s *Session)

func (f optionFunc) apply(s *Session) { f(s) }

// ReadFlushDelay sets how long merged unread messages are batched before a
// single MarkRead call is issued.
func ReadFlushDelay(d time.Duration) Option {
	return optionFunc(func(s *Session) {
		s.readFlushDelay = d
	})
}

// Session is the stateful core for one open conversation of one user.
type Session struct {
	logger *zap.SugaredLogger
	store  Store
	feed   Feed

	conversationID uuid.UUID
	userID         uuid.UUID

	readFlushDelay time.Duration
	onRefresh      func()

	mu         sync.Mutex
	state      State
	messages   []storage.MessageView
	seen       map[uuid.UUID]struct{}
	sub        feed.Subscription
	unread     []uuid.UUID
	flushTimer *time.Timer
}

func New(logger *zap.SugaredLogger, store Store, fd Feed, conversationID, userID uuid.UUID, opts ...Option) *Session {
	s := &Session{
		logger:         logger,
		store:          store,
		feed:           fd,
		conversationID: conversationID,
		userID:         userID,
		readFlushDelay: defaultReadFlushDelay,
		seen:           make(map[uuid.UUID]struct{}),
	}

	for _, opt := range opts {
		opt.apply(s)
	}

	return s
}

// OnRefresh registers fn to be called (outside the session lock) whenever the
// observable message list changes. Must be set before Open.
func (s *Session) OnRefresh(fn func()) {
	s.onRefresh = fn
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the merged list, sorted by (created_at, id)
// ascending regardless of the arrival order of its sources.
func (s *Session) Messages() []storage.MessageView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.MessageView, len(s.messages))
	copy(out, s.messages)
	return out
}

// Open attaches the feed subscription and fetches history. The subscription
// is established before the fetch completes so messages committed during the
// fetch are not lost; the merge deduplicates any overlap. A fetch resolving
// after Close is discarded.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Uninitialized {
		state := s.state
		s.mu.Unlock()
		if state == Closed {
			return ErrClosed
		}
		return ErrNotOpenable
	}
	s.state = Loading
	s.sub = s.feed.Subscribe(s.conversationID, s.handleInsert)
	s.mu.Unlock()

	history, err := s.store.History(ctx, s.conversationID)

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		sub := s.sub
		s.sub = nil
		s.state = Closed
		s.mu.Unlock()
		if sub != nil {
			sub.Cancel()
		}
		return err
	}

	s.state = Live
	added := s.mergeLocked(history)
	s.mu.Unlock()

	if added > 0 {
		s.notifyRefresh()
	}

	s.logger.Debugf("session live for conversation %s with %d messages", s.conversationID, added)

	return nil
}

// Send validates and persists content through the store. The list is only
// mutated once the store confirms the row, so a failed send leaves no ghost
// entry behind. The feed echo of the same insert is a no-op at merge time.
func (s *Session) Send(ctx context.Context, content string) (storage.MessageView, error) {
	if strings.TrimSpace(content) == "" {
		return storage.MessageView{}, storage.ErrEmptyContent
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return storage.MessageView{}, ErrClosed
	}
	s.mu.Unlock()

	m, err := s.store.SendMessage(ctx, s.conversationID, s.userID, content)
	if err != nil {
		return storage.MessageView{}, err
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return m, nil
	}
	added := s.mergeLocked([]storage.MessageView{m})
	s.mu.Unlock()

	if added > 0 {
		s.notifyRefresh()
	}

	return m, nil
}

// Close detaches the feed subscription before anything else can run against
// the session, flushes pending read receipts and makes the state terminal.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	sub := s.sub
	s.sub = nil
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	pending := s.unread
	s.unread = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}

	if len(pending) > 0 {
		s.markRead(pending)
	}
}

// handleInsert reacts to a feed notification by re-fetching the enriched row
// and merging it in order. Notifications after Close are ignored.
func (s *Session) handleInsert(ev feed.Event) {
	if ev.ConversationID != s.conversationID {
		return
	}

	s.mu.Lock()
	closed := s.state == Closed
	s.mu.Unlock()
	if closed {
		return
	}

	m, err := s.store.MessageByID(context.Background(), ev.MessageID)
	if err != nil {
		s.logger.Errorf("fetching notified message %s: %v", ev.MessageID, err)
		return
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	added := s.mergeLocked([]storage.MessageView{m})
	s.mu.Unlock()

	if added > 0 {
		s.notifyRefresh()
	}
}

// mergeLocked folds a batch into the ordered list, skipping ids already
// present. Unread messages from other participants are queued for a batched
// MarkRead. Caller holds s.mu.
func (s *Session) mergeLocked(batch []storage.MessageView) int {
	added := 0
	for _, m := range batch {
		if _, ok := s.seen[m.ID]; ok {
			continue
		}
		s.seen[m.ID] = struct{}{}

		i := sort.Search(len(s.messages), func(i int) bool {
			return messageBefore(m.Message, s.messages[i].Message)
		})
		s.messages = append(s.messages, storage.MessageView{})
		copy(s.messages[i+1:], s.messages[i:])
		s.messages[i] = m
		added++

		if m.SenderID != s.userID && !m.Read {
			s.unread = append(s.unread, m.ID)
		}
	}

	if len(s.unread) > 0 && s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(s.readFlushDelay, s.flushReads)
	}

	return added
}

// flushReads issues one MarkRead for everything queued since the last flush.
// Failures are logged and dropped; the next full history fetch re-derives
// unread state from the store.
func (s *Session) flushReads() {
	s.mu.Lock()
	s.flushTimer = nil
	if s.state == Closed || len(s.unread) == 0 {
		s.mu.Unlock()
		return
	}
	pending := s.unread
	s.unread = nil
	s.mu.Unlock()

	s.markRead(pending)
}

func (s *Session) markRead(ids []uuid.UUID) {
	if err := s.store.MarkRead(context.Background(), s.userID, ids); err != nil {
		s.logger.Errorf("marking %d messages read: %v", len(ids), err)
	}
}

func (s *Session) notifyRefresh() {
	if s.onRefresh != nil {
		s.onRefresh()
	}
}

// messageBefore orders by created_at ascending with id as tie-break, so the
// observable sequence is deterministic even for simultaneous inserts.
func messageBefore(a, b storage.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}
