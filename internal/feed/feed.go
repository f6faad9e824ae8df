// Package feed delivers message-insert notifications from the durable store
// to in-process subscribers. Delivery carries only row identifiers; consumers
// re-fetch the enriched row before rendering.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

// channelName must match the pg_notify channel used by the
// messages_insert_notify trigger in db/schema.sql.
const channelName = "messages_insert"

const reconnectDelay = time.Second

// Event identifies a committed message insert. No ordering relative to other
// subscribers is guaranteed, and an event may arrive before the inserting
// client's own request completes.
type Event struct {
	MessageID      uuid.UUID
	ConversationID uuid.UUID
}

// Subscription is a live registration with the listener. Cancel detaches it
// and is safe to call more than once.
type Subscription interface {
	Cancel()
}

// Listener holds a dedicated store connection in LISTEN mode and fans
// incoming insert events out to registered subscribers.
type Listener struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool

	mu     sync.RWMutex
	subs   map[uuid.UUID]map[int64]func(Event)
	global map[int64]func(Event)
	nextID int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener returns a Listener fed by a connection hijacked from the
// provided pool. Start must be called before any events are delivered.
func NewListener(logger *zap.SugaredLogger, db *pgxpool.Pool) *Listener {
	return &Listener{
		logger: logger,
		db:     db,
		subs:   make(map[uuid.UUID]map[int64]func(Event)),
		global: make(map[int64]func(Event)),
		done:   make(chan struct{}),
	}
}

// Start begins listening in a background goroutine. A dropped connection is
// logged and re-established after reconnectDelay; subscribers stay registered
// across reconnects. Gaps are healed by consumers' full re-fetch on open.
func (l *Listener) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.run(ctx)
}

// Close stops the listener and waits for the background goroutine to exit.
func (l *Listener) Close() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

// Subscribe registers fn for inserts scoped to one conversation.
func (l *Listener) Subscribe(conversationID uuid.UUID, fn func(Event)) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.subs[conversationID]; !ok {
		l.subs[conversationID] = make(map[int64]func(Event))
	}

	l.nextID++
	l.subs[conversationID][l.nextID] = fn

	return &subscription{l: l, conversationID: conversationID, id: l.nextID}
}

// SubscribeAll registers fn for every message insert, regardless of
// conversation. Used by the directory to refresh its ordering.
func (l *Listener) SubscribeAll(fn func(Event)) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	l.global[l.nextID] = fn

	return &subscription{l: l, global: true, id: l.nextID}
}

type subscription struct {
	l              *Listener
	conversationID uuid.UUID
	global         bool
	id             int64
}

func (s *subscription) Cancel() {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()

	if s.global {
		delete(s.l.global, s.id)
		return
	}

	if conns, ok := s.l.subs[s.conversationID]; ok {
		delete(conns, s.id)
		if len(conns) == 0 {
			delete(s.l.subs, s.conversationID)
		}
	}
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	var parser fastjson.Parser
	for {
		err := l.listenOnce(ctx, &parser)
		if ctx.Err() != nil {
			return
		}
		l.logger.Errorf("feed connection lost: %v", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context, parser *fastjson.Parser) error {
	pooled, err := l.db.Acquire(ctx)
	if err != nil {
		return err
	}

	// LISTEN state must not leak back into the pool.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "listen "+channelName); err != nil {
		return err
	}

	l.logger.Debugf("feed listening on channel %q", channelName)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}

		ev, err := parseEvent(parser, notification.Payload)
		if err != nil {
			l.logger.Errorf("dropping malformed feed notification: %v", err)
			continue
		}

		l.dispatch(ev)
	}
}

// dispatch invokes matching subscribers, each on its own goroutine so a slow
// consumer cannot stall the listen loop.
func (l *Listener) dispatch(ev Event) {
	l.mu.RLock()
	handlers := make([]func(Event), 0, len(l.subs[ev.ConversationID])+len(l.global))
	for _, fn := range l.subs[ev.ConversationID] {
		handlers = append(handlers, fn)
	}
	for _, fn := range l.global {
		handlers = append(handlers, fn)
	}
	l.mu.RUnlock()

	for _, fn := range handlers {
		go fn(ev)
	}
}

func parseEvent(parser *fastjson.Parser, payload string) (Event, error) {
	v, err := parser.Parse(payload)
	if err != nil {
		return Event{}, err
	}

	messageID, err := uuid.Parse(string(v.GetStringBytes("id")))
	if err != nil {
		return Event{}, err
	}

	conversationID, err := uuid.Parse(string(v.GetStringBytes("conversation_id")))
	if err != nil {
		return Event{}, err
	}

	return Event{MessageID: messageID, ConversationID: conversationID}, nil
}
