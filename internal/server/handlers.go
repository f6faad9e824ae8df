package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"messenger/internal/directory"
	"messenger/internal/feed"
	"messenger/internal/identity"
	"messenger/internal/storage"
)

type parsers struct {
	conversationsStartPool fastjson.ParserPool
	messagesGetPool        fastjson.ParserPool
	messagesAddPool        fastjson.ParserPool
	messagesReadPool       fastjson.ParserPool
}

type handler struct {
	logger    *zap.SugaredLogger
	store     *storage.Store
	directory *directory.Directory
	feed      *feed.Listener
	identity  *identity.Provider
	parsers   parsers
}

// authorize checks conversation membership for the session user. Denial and
// lookup failure render the same not-found shape, so non-participants cannot
// probe which conversations exist.
func (h *handler) authorize(w http.ResponseWriter, r *http.Request, conversationID uuid.UUID) (identity.Session, bool) {
	sess, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "Authorization required", http.StatusUnauthorized)
		return identity.Session{}, false
	}

	member, err := h.store.IsParticipant(r.Context(), sess.UserID, conversationID)
	if err != nil {
		h.logger.Errorf("participant check for conversation %s: %v", conversationID, err)
	}
	if err != nil || !member {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return identity.Session{}, false
	}

	return sess, true
}

// conversationsGet handles HTTP requests on "/conversations/get" endpoint
func (h *handler) conversationsGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "Authorization required", http.StatusUnauthorized)
		return
	}

	summaries, err := h.directory.List(r.Context(), sess.UserID)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, summaries)
}

// usersGet handles HTTP requests on "/users/get" endpoint
func (h *handler) usersGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "Authorization required", http.StatusUnauthorized)
		return
	}

	users, err := h.store.Users(r.Context(), sess.UserID)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, users)
}

// conversationsStart handles HTTP requests on "/conversations/start" endpoint
func (h *handler) conversationsStart(w http.ResponseWriter, r *http.Request) {
	sess, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "Authorization required", http.StatusUnauthorized)
		return
	}

	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.conversationsStartPool.Get()
	defer h.parsers.conversationsStartPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	if v == nil || !v.Exists("users") {
		http.Error(w, "Missing Field \"users\"", http.StatusBadRequest)
		return
	}

	userValues, err := v.Get("users").Array()
	if err != nil {
		http.Error(w, "Field \"users\" must be an array", http.StatusBadRequest)
		return
	}

	userIDs := make([]uuid.UUID, 0, len(userValues))
	for _, uv := range userValues {
		id, err := uuid.Parse(string(uv.GetStringBytes()))
		if err != nil {
			http.Error(w, "Each item in \"users\" array field must be a uuid string", http.StatusBadRequest)
			return
		}
		userIDs = append(userIDs, id)
	}

	if len(userIDs) == 0 {
		http.Error(w, "Field \"users\" must not be empty", http.StatusBadRequest)
		return
	}

	if v.GetBool("group") {
		name := string(v.GetStringBytes("name"))

		id, err := h.directory.StartGroup(r.Context(), sess.UserID, name, userIDs)
		if err != nil {
			switch {
			case errors.Is(err, directory.ErrEmptyGroupName):
				http.Error(w, "Field \"name\" must have non-zero length", http.StatusBadRequest)
			case errors.Is(err, directory.ErrNoMembers), errors.Is(err, storage.ErrBadParticipants):
				http.Error(w, "Bad user list", http.StatusBadRequest)
			default:
				h.logger.Error(err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
			return
		}

		h.writeJSON(w, http.StatusCreated, startResponse{ID: id, Created: true})
		return
	}

	if len(userIDs) != 1 {
		http.Error(w, "Direct conversation requires exactly one user", http.StatusBadRequest)
		return
	}

	id, created, err := h.directory.StartDirect(r.Context(), sess.UserID, userIDs[0])
	if err != nil {
		switch {
		case errors.Is(err, directory.ErrSelfConversation):
			http.Error(w, "Can not start a conversation with yourself", http.StatusBadRequest)
		case errors.Is(err, storage.ErrBadParticipants):
			http.Error(w, "Bad user list", http.StatusBadRequest)
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, startResponse{ID: id, Created: created})
}

type startResponse struct {
	ID      uuid.UUID `json:"id"`
	Created bool      `json:"created"`
}

// messagesGet handles HTTP requests on "/messages/get" endpoint
func (h *handler) messagesGet(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.messagesGetPool.Get()
	defer h.parsers.messagesGetPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	conversationID, ok := h.conversationID(w, v)
	if !ok {
		return
	}

	sess, ok := h.authorize(w, r, conversationID)
	if !ok {
		return
	}

	conversation, err := h.store.ConversationByID(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrConversationNotExist) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	messages, err := h.store.History(r.Context(), conversationID)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	payload := struct {
		ID           uuid.UUID             `json:"id"`
		DisplayName  string                `json:"display_name"`
		IsGroup      bool                  `json:"is_group"`
		Participants []storage.User        `json:"participants"`
		Messages     []storage.MessageView `json:"messages"`
	}{
		ID:           conversation.ID,
		DisplayName:  directory.DisplayName(conversation, sess.UserID),
		IsGroup:      conversation.IsGroup,
		Participants: conversation.Participants,
		Messages:     messages,
	}

	h.writeJSON(w, http.StatusOK, payload)
}

// messagesAdd handles HTTP requests on "/messages/add" endpoint
func (h *handler) messagesAdd(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.messagesAddPool.Get()
	defer h.parsers.messagesAddPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	conversationID, ok := h.conversationID(w, v)
	if !ok {
		return
	}

	if !v.Exists("content") {
		http.Error(w, "Missing Field \"content\"", http.StatusBadRequest)
		return
	}

	contentValue := v.Get("content")
	if contentValue.Type() != fastjson.TypeString {
		http.Error(w, "Field \"content\" must be a string", http.StatusBadRequest)
		return
	}
	content := string(contentValue.GetStringBytes())

	sess, ok := h.authorize(w, r, conversationID)
	if !ok {
		return
	}

	message, err := h.store.SendMessage(r.Context(), conversationID, sess.UserID, content)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrEmptyContent):
			http.Error(w, "Field \"content\" must have non-blank text", http.StatusBadRequest)
		case errors.Is(err, storage.ErrConversationNotExist):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, message)
}

// messagesRead handles HTTP requests on "/messages/read" endpoint
func (h *handler) messagesRead(w http.ResponseWriter, r *http.Request) {
	sess, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "Authorization required", http.StatusUnauthorized)
		return
	}

	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.messagesReadPool.Get()
	defer h.parsers.messagesReadPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	if v == nil || !v.Exists("messages") {
		http.Error(w, "Missing Field \"messages\"", http.StatusBadRequest)
		return
	}

	messageValues, err := v.Get("messages").Array()
	if err != nil {
		http.Error(w, "Field \"messages\" must be an array", http.StatusBadRequest)
		return
	}

	ids := make([]uuid.UUID, 0, len(messageValues))
	for _, mv := range messageValues {
		id, err := uuid.Parse(string(mv.GetStringBytes()))
		if err != nil {
			http.Error(w, "Each item in \"messages\" array field must be a uuid string", http.StatusBadRequest)
			return
		}
		ids = append(ids, id)
	}

	if err := h.store.MarkRead(r.Context(), sess.UserID, ids); err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) conversationID(w http.ResponseWriter, v *fastjson.Value) (uuid.UUID, bool) {
	if v == nil || !v.Exists("conversation") {
		http.Error(w, "Missing Field \"conversation\"", http.StatusBadRequest)
		return uuid.Nil, false
	}

	id, err := uuid.Parse(string(v.GetStringBytes("conversation")))
	if err != nil {
		http.Error(w, "Field \"conversation\" must be a uuid string", http.StatusBadRequest)
		return uuid.Nil, false
	}

	return id, true
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}
