// Package directory assembles the recency-ordered conversation list for a
// user and owns the find-or-create flow for starting conversations.
package directory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"messenger/internal/feed"
	"messenger/internal/storage"
)

var (
	ErrSelfConversation = errors.New("cannot start a conversation with yourself")
	ErrEmptyGroupName   = errors.New("group conversation requires a name")
	ErrNoMembers        = errors.New("conversation requires at least one other member")
)

// placeholder shown when a degenerate conversation has no other participants.
const unnamedConversation = "(no participants)"

// Store is the slice of the message store the directory needs.
type Store interface {
	ParticipantConversationIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	ConversationsByIDs(ctx context.Context, ids []uuid.UUID) ([]storage.ConversationView, error)
	LatestMessage(ctx context.Context, conversationID uuid.UUID) (storage.Message, error)
	DirectConversationBetween(ctx context.Context, a, b uuid.UUID) (uuid.UUID, error)
	CreateConversation(ctx context.Context, name string, isGroup bool, memberIDs []uuid.UUID) (uuid.UUID, error)
}

// Feed attaches the global insert subscription used for list refresh.
type Feed interface {
	SubscribeAll(fn func(feed.Event)) feed.Subscription
}

// LastMessage is the preview of a conversation's newest message.
type LastMessage struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary is one row of the conversation list.
type Summary struct {
	ID           uuid.UUID      `json:"id"`
	DisplayName  string         `json:"display_name"`
	IsGroup      bool           `json:"is_group"`
	Participants []storage.User `json:"participants"`
	LastMessage  *LastMessage   `json:"last_message,omitempty"`
	LastActivity time.Time      `json:"last_activity"`
}

type Directory struct {
	logger *zap.SugaredLogger
	store  Store
	feed   Feed
}

func New(logger *zap.SugaredLogger, store Store, fd Feed) *Directory {
	return &Directory{
		logger: logger,
		store:  store,
		feed:   fd,
	}
}

// List returns the user's conversations ordered by most recent activity.
// A user with no participant rows yields an empty list without any
// conversation query being issued.
func (d *Directory) List(ctx context.Context, userID uuid.UUID) ([]Summary, error) {
	d.logger.Debugf("Listing conversations for user (id: %s)", userID)

	ids, err := d.store.ParticipantConversationIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Summary{}, nil
	}

	conversations, err := d.store.ConversationsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(conversations))
	for _, c := range conversations {
		summary := Summary{
			ID:           c.ID,
			DisplayName:  DisplayName(c, userID),
			IsGroup:      c.IsGroup,
			Participants: c.Participants,
			LastActivity: c.LastMessageAt,
		}

		latest, err := d.store.LatestMessage(ctx, c.ID)
		switch {
		case err == nil:
			summary.LastMessage = &LastMessage{
				Content:   latest.Content,
				CreatedAt: latest.CreatedAt,
			}
		case errors.Is(err, storage.ErrNoMessages):
			// no messages yet, order by the creation-time marker
			summary.LastActivity = c.CreatedAt
		default:
			return nil, err
		}

		summaries = append(summaries, summary)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		if !summaries[i].LastActivity.Equal(summaries[j].LastActivity) {
			return summaries[i].LastActivity.After(summaries[j].LastActivity)
		}
		return summaries[i].ID.String() < summaries[j].ID.String()
	})

	d.logger.Debugf("Listed %d conversations", len(summaries))

	return summaries, nil
}

// StartDirect returns the existing non-group conversation between the two
// users or creates one. Repeated "start chat" actions for the same pair must
// not create duplicate direct conversations.
func (d *Directory) StartDirect(ctx context.Context, userID, otherID uuid.UUID) (uuid.UUID, bool, error) {
	if userID == otherID {
		return uuid.Nil, false, ErrSelfConversation
	}

	id, err := d.store.DirectConversationBetween(ctx, userID, otherID)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, storage.ErrNoDirectConversation) {
		return uuid.Nil, false, err
	}

	id, err = d.store.CreateConversation(ctx, "", false, []uuid.UUID{userID, otherID})
	if err != nil {
		return uuid.Nil, false, err
	}

	d.logger.Infof("Created direct conversation %s for users %s and %s", id, userID, otherID)

	return id, true, nil
}

// StartGroup creates a named group conversation with the user and the given
// members as participants.
func (d *Directory) StartGroup(ctx context.Context, userID uuid.UUID, name string, memberIDs []uuid.UUID) (uuid.UUID, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return uuid.Nil, ErrEmptyGroupName
	}

	members := lo.Uniq(append([]uuid.UUID{userID}, memberIDs...))
	if len(members) < 2 {
		return uuid.Nil, ErrNoMembers
	}

	id, err := d.store.CreateConversation(ctx, name, true, members)
	if err != nil {
		return uuid.Nil, err
	}

	d.logger.Infof("Created group conversation %s (%s) with %d members", id, name, len(members))

	return id, nil
}

// Watch subscribes fn to every message insert so the presentation layer can
// refresh the list ordering. Cancel the subscription when the list closes.
func (d *Directory) Watch(fn func()) feed.Subscription {
	return d.feed.SubscribeAll(func(feed.Event) { fn() })
}

// DisplayName derives what the viewer should see as the conversation title:
// the group name, or the other participants' usernames joined, or a
// placeholder for a degenerate single-participant row.
func DisplayName(c storage.ConversationView, viewerID uuid.UUID) string {
	if c.IsGroup {
		return c.Name
	}

	others := lo.Filter(c.Participants, func(u storage.User, _ int) bool {
		return u.ID != viewerID
	})
	if len(others) == 0 {
		return unnamedConversation
	}

	names := lo.Map(others, func(u storage.User, _ int) string { return u.Username })
	return strings.Join(names, ", ")
}
