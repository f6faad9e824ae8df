package directory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"messenger/internal/feed"
	"messenger/internal/storage"
)

var (
	viewerID = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	friendID = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000002")

	baseTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
)

type fakeStore struct {
	participantIDs []uuid.UUID

	conversations        []storage.ConversationView
	conversationsQueries int

	latest map[uuid.UUID]storage.Message

	directID  uuid.UUID
	directErr error

	createdID      uuid.UUID
	createCalls    int
	createdName    string
	createdIsGroup bool
	createdMembers []uuid.UUID
}

func (f *fakeStore) ParticipantConversationIDs(_ context.Context, _ uuid.UUID) ([]uuid.UUID, error) {
	return f.participantIDs, nil
}

func (f *fakeStore) ConversationsByIDs(_ context.Context, _ []uuid.UUID) ([]storage.ConversationView, error) {
	f.conversationsQueries++
	return f.conversations, nil
}

func (f *fakeStore) LatestMessage(_ context.Context, conversationID uuid.UUID) (storage.Message, error) {
	m, ok := f.latest[conversationID]
	if !ok {
		return storage.Message{}, storage.ErrNoMessages
	}
	return m, nil
}

func (f *fakeStore) DirectConversationBetween(_ context.Context, _, _ uuid.UUID) (uuid.UUID, error) {
	return f.directID, f.directErr
}

func (f *fakeStore) CreateConversation(_ context.Context, name string, isGroup bool, memberIDs []uuid.UUID) (uuid.UUID, error) {
	f.createCalls++
	f.createdName = name
	f.createdIsGroup = isGroup
	f.createdMembers = memberIDs
	return f.createdID, nil
}

type fakeFeed struct {
	handler  func(feed.Event)
	canceled bool
}

func (f *fakeFeed) SubscribeAll(fn func(feed.Event)) feed.Subscription {
	f.handler = fn
	return fakeSubscription{f: f}
}

type fakeSubscription struct {
	f *fakeFeed
}

func (s fakeSubscription) Cancel() {
	s.f.canceled = true
}

func bootstrap(t *testing.T, fs *fakeStore, ff *fakeFeed) *Directory {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	return New(logger.Sugar(), fs, ff)
}

func conversation(id uuid.UUID, isGroup bool, name string, lastMessageAt, createdAt time.Time, participants ...storage.User) storage.ConversationView {
	return storage.ConversationView{
		Conversation: storage.Conversation{
			ID:            id,
			Name:          name,
			IsGroup:       isGroup,
			LastMessageAt: lastMessageAt,
			CreatedAt:     createdAt,
		},
		Participants: participants,
	}
}

func TestListNoParticipationsSkipsConversationQuery(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{}
	d := bootstrap(t, fs, &fakeFeed{})

	summaries, err := d.List(context.Background(), viewerID)
	require.NoError(t, err)
	require.Empty(t, summaries)
	require.Zero(t, fs.conversationsQueries)
}

func TestListOrdersByRecency(t *testing.T) {
	t.Parallel()

	older := uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000001")
	newer := uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000002")

	viewer := storage.User{ID: viewerID, Username: "me"}
	friend := storage.User{ID: friendID, Username: "ann"}

	fs := &fakeStore{
		participantIDs: []uuid.UUID{older, newer},
		conversations: []storage.ConversationView{
			conversation(older, false, "", baseTime.Add(time.Hour), baseTime, viewer, friend),
			conversation(newer, false, "", baseTime.Add(2*time.Hour), baseTime, viewer, friend),
		},
		latest: map[uuid.UUID]storage.Message{
			older: {ID: uuid.New(), Content: "old", CreatedAt: baseTime.Add(time.Hour)},
			newer: {ID: uuid.New(), Content: "new", CreatedAt: baseTime.Add(2 * time.Hour)},
		},
	}
	d := bootstrap(t, fs, &fakeFeed{})

	summaries, err := d.List(context.Background(), viewerID)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, newer, summaries[0].ID)
	require.Equal(t, older, summaries[1].ID)
	require.Equal(t, "new", summaries[0].LastMessage.Content)
}

func TestListEmptyConversationSortsByCreation(t *testing.T) {
	t.Parallel()

	active := uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000001")
	// created after the other conversation's last message, never used:
	// last_message_at carries the creation marker
	fresh := uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000002")

	viewer := storage.User{ID: viewerID, Username: "me"}
	friend := storage.User{ID: friendID, Username: "ann"}

	fs := &fakeStore{
		participantIDs: []uuid.UUID{active, fresh},
		conversations: []storage.ConversationView{
			conversation(active, false, "", baseTime.Add(time.Hour), baseTime, viewer, friend),
			conversation(fresh, false, "", baseTime.Add(2*time.Hour), baseTime.Add(2*time.Hour), viewer, friend),
		},
		latest: map[uuid.UUID]storage.Message{
			active: {ID: uuid.New(), Content: "hi", CreatedAt: baseTime.Add(time.Hour)},
		},
	}
	d := bootstrap(t, fs, &fakeFeed{})

	summaries, err := d.List(context.Background(), viewerID)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, fresh, summaries[0].ID)
	require.Nil(t, summaries[0].LastMessage)
	require.Equal(t, active, summaries[1].ID)
}

func TestDisplayName(t *testing.T) {
	t.Parallel()

	viewer := storage.User{ID: viewerID, Username: "me"}
	ann := storage.User{ID: friendID, Username: "ann"}
	bob := storage.User{ID: uuid.New(), Username: "bob"}

	group := conversation(uuid.New(), true, "team", baseTime, baseTime, viewer, ann, bob)
	require.Equal(t, "team", DisplayName(group, viewerID))

	direct := conversation(uuid.New(), false, "", baseTime, baseTime, viewer, ann)
	require.Equal(t, "ann", DisplayName(direct, viewerID))

	multi := conversation(uuid.New(), false, "", baseTime, baseTime, viewer, ann, bob)
	require.Equal(t, "ann, bob", DisplayName(multi, viewerID))

	degenerate := conversation(uuid.New(), false, "", baseTime, baseTime, viewer)
	require.NotEmpty(t, DisplayName(degenerate, viewerID))
}

func TestStartDirectReturnsExisting(t *testing.T) {
	t.Parallel()

	existing := uuid.MustParse("cccccccc-0000-0000-0000-000000000001")
	fs := &fakeStore{directID: existing}
	d := bootstrap(t, fs, &fakeFeed{})

	id, created, err := d.StartDirect(context.Background(), viewerID, friendID)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, existing, id)
	require.Zero(t, fs.createCalls)
}

func TestStartDirectCreatesWhenMissing(t *testing.T) {
	t.Parallel()

	createdID := uuid.MustParse("cccccccc-0000-0000-0000-000000000002")
	fs := &fakeStore{
		directErr: storage.ErrNoDirectConversation,
		createdID: createdID,
	}
	d := bootstrap(t, fs, &fakeFeed{})

	id, created, err := d.StartDirect(context.Background(), viewerID, friendID)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, createdID, id)
	require.False(t, fs.createdIsGroup)
	require.ElementsMatch(t, []uuid.UUID{viewerID, friendID}, fs.createdMembers)
}

func TestStartDirectWithSelf(t *testing.T) {
	t.Parallel()

	d := bootstrap(t, &fakeStore{}, &fakeFeed{})

	_, _, err := d.StartDirect(context.Background(), viewerID, viewerID)
	require.Equal(t, ErrSelfConversation, err)
}

func TestStartGroupRequiresName(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{}
	d := bootstrap(t, fs, &fakeFeed{})

	_, err := d.StartGroup(context.Background(), viewerID, "   ", []uuid.UUID{friendID})
	require.Equal(t, ErrEmptyGroupName, err)
	require.Zero(t, fs.createCalls)
}

func TestStartGroupIncludesCreator(t *testing.T) {
	t.Parallel()

	createdID := uuid.MustParse("cccccccc-0000-0000-0000-000000000003")
	fs := &fakeStore{createdID: createdID}
	d := bootstrap(t, fs, &fakeFeed{})

	id, err := d.StartGroup(context.Background(), viewerID, "team", []uuid.UUID{friendID, viewerID})
	require.NoError(t, err)
	require.Equal(t, createdID, id)
	require.True(t, fs.createdIsGroup)
	require.Equal(t, "team", fs.createdName)
	require.ElementsMatch(t, []uuid.UUID{viewerID, friendID}, fs.createdMembers)
}

func TestWatch(t *testing.T) {
	t.Parallel()

	ff := &fakeFeed{}
	d := bootstrap(t, &fakeStore{}, ff)

	refreshes := 0
	sub := d.Watch(func() { refreshes++ })

	ff.handler(feed.Event{MessageID: uuid.New(), ConversationID: uuid.New()})
	require.Equal(t, 1, refreshes)

	sub.Cancel()
	require.True(t, ff.canceled)
}
