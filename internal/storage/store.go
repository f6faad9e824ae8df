package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"messenger/internal/storage/zapadapter"
)

var (
	ErrEmptyContent         = errors.New("message content is empty")
	ErrConversationNotExist = errors.New("conversation does not exist")
	ErrMessageNotExist      = errors.New("message does not exist")
	ErrNoMessages           = errors.New("conversation has no messages")
	ErrBadSender            = errors.New("bad sender id")
	ErrBadParticipants      = errors.New("bad participants list")
	ErrNoDirectConversation = errors.New("no direct conversation between users")
)

// Store defines fields used in db interaction processes
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Pool exposes the underlying pool for components that need a dedicated
// connection (the feed listener).
func (s *Store) Pool() *pgxpool.Pool {
	return s.db
}

// Close releases all pooled connections
func (s *Store) Close() {
	s.db.Close()
}

// IsParticipant reports whether user belongs to the conversation.
// Callers treat both an error and false as denial.
func (s *Store) IsParticipant(ctx context.Context, userID, conversationID uuid.UUID) (bool, error) {
	var i int8
	sql := "select 1 from participants where conversation_id = $1 and user_id = $2"
	err := s.db.QueryRow(ctx, sql, conversationID, userID).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// History returns all conversation messages joined with sender identity,
// sorted by creation time (from earliest to latest)
func (s *Store) History(ctx context.Context, conversationID uuid.UUID) ([]MessageView, error) {
	s.logger.Debugf("Retrieving history for conversation (id: %s)", conversationID)

	sql := `select messages.id,
				   messages.conversation_id,
				   messages.sender_id,
				   messages.content,
				   messages.created_at,
				   messages.read,
				   trim(users.username),
				   users.avatar_url
			  from messages
			  join users
				on users.id = messages.sender_id
			 where messages.conversation_id = $1
			 order by messages.created_at asc, messages.id asc`

	rows, err := s.db.Query(ctx, sql, conversationID)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var messages []MessageView
	for rows.Next() {
		m, err := scanMessageView(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}

// MessageByID returns a single message joined with sender identity.
// Used by feed consumers to enrich an insert notification before rendering.
func (s *Store) MessageByID(ctx context.Context, id uuid.UUID) (MessageView, error) {
	sql := `select messages.id,
				   messages.conversation_id,
				   messages.sender_id,
				   messages.content,
				   messages.created_at,
				   messages.read,
				   trim(users.username),
				   users.avatar_url
			  from messages
			  join users
				on users.id = messages.sender_id
			 where messages.id = $1`

	m, err := scanMessageView(s.db.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MessageView{}, ErrMessageNotExist
		}
		return MessageView{}, err
	}

	return m, nil
}

// SendMessage inserts a message and returns the server-assigned row joined
// with sender identity. The conversation's last_message_at marker is advanced
// in a follow-up write; a failure there leaves the marker stale but is not
// treated as a send failure.
func (s *Store) SendMessage(ctx context.Context, conversationID, senderID uuid.UUID, content string) (MessageView, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return MessageView{}, ErrEmptyContent
	}

	s.logger.Debugf("Creating message from user (id: %s) in conversation (id: %s)", senderID, conversationID)

	sql := `with inserted as (
				insert into messages (conversation_id, sender_id, content)
				values ($1, $2, $3)
				returning id, conversation_id, sender_id, content, created_at, read
			)
			select inserted.id,
				   inserted.conversation_id,
				   inserted.sender_id,
				   inserted.content,
				   inserted.created_at,
				   inserted.read,
				   trim(users.username),
				   users.avatar_url
			  from inserted
			  join users
				on users.id = inserted.sender_id`

	m, err := scanMessageView(s.db.QueryRow(ctx, sql, conversationID, senderID, content))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			switch pgErr.ConstraintName {
			case "messages_conversation_id_fkey":
				return MessageView{}, ErrConversationNotExist
			case "messages_sender_id_fkey":
				return MessageView{}, ErrBadSender
			}
		}
		return MessageView{}, err
	}

	sql = "update conversations set last_message_at = $1 where id = $2"
	if _, err := s.db.Exec(ctx, sql, m.CreatedAt, conversationID); err != nil {
		s.logger.Errorf("advancing last_message_at for conversation %s: %v", conversationID, err)
	}

	return m, nil
}

// MarkRead flips read=true for the given messages. The update is idempotent,
// never touches rows sent by the viewer and skips conversations the viewer
// does not belong to.
func (s *Store) MarkRead(ctx context.Context, viewerID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	sql := `update messages
			   set read = true
			 where id = any($1::uuid[])
			   and sender_id <> $2
			   and not read
			   and exists (
				   select 1
					 from participants
					where participants.conversation_id = messages.conversation_id
					  and participants.user_id = $2
			   )`

	tag, err := s.db.Exec(ctx, sql, uuidStrings(ids), viewerID)
	if err != nil {
		return err
	}

	s.logger.Debugf("Marked %d messages read for user (id: %s)", tag.RowsAffected(), viewerID)

	return nil
}

// ParticipantConversationIDs returns ids of all conversations the user belongs to
func (s *Store) ParticipantConversationIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	sql := "select conversation_id from participants where user_id = $1"

	rows, err := s.db.Query(ctx, sql, userID)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return ids, nil
}

// ConversationsByIDs returns conversations joined with their participant users.
// Callers must not pass an empty id set.
func (s *Store) ConversationsByIDs(ctx context.Context, ids []uuid.UUID) ([]ConversationView, error) {
	s.logger.Debugf("Retrieving %d conversations", len(ids))

	sql := `select conversations.id,
				   conversations.name,
				   conversations.is_group,
				   conversations.last_message_at,
				   conversations.created_at,
				   array_agg(jsonb_build_object(
					   'id', users.id,
					   'username', trim(users.username),
					   'avatar_url', users.avatar_url
				   )) as users
			  from conversations
			  join participants
				on participants.conversation_id = conversations.id
			  join users
				on users.id = participants.user_id
			 where conversations.id = any($1::uuid[])
			 group by conversations.id
			 order by conversations.last_message_at desc`

	rows, err := s.db.Query(ctx, sql, uuidStrings(ids))
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var conversations []ConversationView
	for rows.Next() {
		c, err := scanConversationView(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return conversations, nil
}

// ConversationByID returns a single conversation joined with its participant users
func (s *Store) ConversationByID(ctx context.Context, id uuid.UUID) (ConversationView, error) {
	sql := `select conversations.id,
				   conversations.name,
				   conversations.is_group,
				   conversations.last_message_at,
				   conversations.created_at,
				   array_agg(jsonb_build_object(
					   'id', users.id,
					   'username', trim(users.username),
					   'avatar_url', users.avatar_url
				   )) as users
			  from conversations
			  join participants
				on participants.conversation_id = conversations.id
			  join users
				on users.id = participants.user_id
			 where conversations.id = $1
			 group by conversations.id`

	c, err := scanConversationView(s.db.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ConversationView{}, ErrConversationNotExist
		}
		return ConversationView{}, err
	}

	return c, nil
}

// LatestMessage returns the newest message of the conversation, ties on
// created_at broken by id for determinism. Returns ErrNoMessages when the
// conversation is empty.
func (s *Store) LatestMessage(ctx context.Context, conversationID uuid.UUID) (Message, error) {
	sql := `select id, conversation_id, sender_id, content, created_at, read
			  from messages
			 where conversation_id = $1
			 order by created_at desc, id desc
			 limit 1`

	var m Message
	err := s.db.QueryRow(ctx, sql, conversationID).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt, &m.Read)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNoMessages
		}
		return Message{}, err
	}

	return m, nil
}

// CreateConversation performs two-step transaction to create a conversation
// (1. insert conversation record; 2. bulk insert on participants table) and returns its id
func (s *Store) CreateConversation(ctx context.Context, name string, isGroup bool, memberIDs []uuid.UUID) (uuid.UUID, error) {
	s.logger.Debugf("Creating conversation (group: %t) with members (%v)", isGroup, memberIDs)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	// error handling can be omitted for rollback according docs
	// see https://pkg.go.dev/github.com/jackc/pgx/v4?tab=doc#hdr-Transactions or any source comment on Rollback
	defer tx.Rollback(context.Background())

	var id uuid.UUID
	sql := "insert into conversations (name, is_group) values (nullif($1, ''), $2) returning id"
	err = tx.QueryRow(ctx, sql, name, isGroup).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}

	rows := make([]participantRow, 0, len(memberIDs))
	for _, member := range memberIDs {
		rows = append(rows, participantRow{
			conversationID: id,
			userID:         member,
		})
	}

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"participants"}, []string{"conversation_id", "user_id"}, copyFromParticipants(rows))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return uuid.Nil, ErrBadParticipants
		}
		return uuid.Nil, err
	}

	err = tx.Commit(ctx)
	if err != nil {
		return uuid.Nil, err
	}

	s.logger.Debugf("Created conversation with id %s", id)

	return id, nil
}

// DirectConversationBetween returns the id of an existing non-group
// conversation shared by the two users, or ErrNoDirectConversation.
func (s *Store) DirectConversationBetween(ctx context.Context, a, b uuid.UUID) (uuid.UUID, error) {
	sql := `select conversations.id
			  from conversations
			  join participants pa
				on pa.conversation_id = conversations.id
			   and pa.user_id = $1
			  join participants pb
				on pb.conversation_id = conversations.id
			   and pb.user_id = $2
			 where not conversations.is_group
			 order by conversations.created_at asc
			 limit 1`

	var id uuid.UUID
	err := s.db.QueryRow(ctx, sql, a, b).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrNoDirectConversation
		}
		return uuid.Nil, err
	}

	return id, nil
}

// Users returns all users except the excluded one, for the new-conversation roster
func (s *Store) Users(ctx context.Context, excludeID uuid.UUID) ([]User, error) {
	sql := `select id, trim(username), avatar_url, last_seen
			  from users
			 where id <> $1
			 order by username asc`

	rows, err := s.db.Query(ctx, sql, excludeID)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var users []User
	for rows.Next() {
		var (
			u        User
			avatar   pgtype.Text
			lastSeen pgtype.Timestamptz
		)
		if err := rows.Scan(&u.ID, &u.Username, &avatar, &lastSeen); err != nil {
			return nil, err
		}
		if avatar.Status == pgtype.Present {
			u.AvatarURL = avatar.String
		}
		if lastSeen.Status == pgtype.Present {
			u.LastSeen = lastSeen.Time
		}
		users = append(users, u)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return users, nil
}

func scanMessageView(row pgx.Row) (MessageView, error) {
	var (
		m      MessageView
		avatar pgtype.Text
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt, &m.Read,
		&m.Sender.Username, &avatar)
	if err != nil {
		return MessageView{}, err
	}

	m.Sender.ID = m.SenderID
	if avatar.Status == pgtype.Present {
		m.Sender.AvatarURL = avatar.String
	}

	return m, nil
}

func scanConversationView(row pgx.Row) (ConversationView, error) {
	var (
		c     ConversationView
		name  pgtype.Text
		users pgtype.JSONBArray
	)
	err := row.Scan(&c.ID, &name, &c.IsGroup, &c.LastMessageAt, &c.CreatedAt, &users)
	if err != nil {
		return ConversationView{}, err
	}

	if name.Status == pgtype.Present {
		c.Name = name.String
	}

	usersJSON := make([]string, len(users.Elements))
	if err := users.AssignTo(&usersJSON); err != nil {
		return ConversationView{}, err
	}

	c.Participants = make([]User, len(usersJSON))
	for i, v := range usersJSON {
		if err := json.Unmarshal([]byte(v), &c.Participants[i]); err != nil {
			return ConversationView{}, err
		}
	}

	return c, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	return lo.Map(ids, func(id uuid.UUID, _ int) string { return id.String() })
}
