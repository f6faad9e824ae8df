package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"messenger/internal/identity"
	"messenger/internal/session"
)

// messagesStream handles HTTP requests on "/messages/stream" endpoint.
// It opens a conversation session for the caller and streams the merged
// message list as newline-delimited JSON: the full history first, then every
// message the session merges while the connection is open. Closing the
// connection closes the session and detaches its feed subscription.
func (h *handler) messagesStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	conversationID, err := uuid.Parse(r.URL.Query().Get("conversation"))
	if err != nil {
		http.Error(w, "Query parameter \"conversation\" must be a uuid string", http.StatusBadRequest)
		return
	}

	sess, ok := h.authorize(w, r, conversationID)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("response writer does not support flushing")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	conv := session.New(h.logger, h.store, h.feed, conversationID, sess.UserID)
	defer conv.Close()

	notify := make(chan struct{}, 1)
	conv.OnRefresh(func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	})

	if err := conv.Open(r.Context()); err != nil {
		h.logger.Errorf("opening session for conversation %s: %v", conversationID, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	sent := make(map[uuid.UUID]struct{})
	writeNew := func() bool {
		wrote := false
		for _, m := range conv.Messages() {
			if _, ok := sent[m.ID]; ok {
				continue
			}
			payload, err := json.Marshal(m)
			if err != nil {
				h.logger.Error(err)
				return false
			}
			if _, err := w.Write(append(payload, '\n')); err != nil {
				return false
			}
			sent[m.ID] = struct{}{}
			wrote = true
		}
		if wrote {
			flusher.Flush()
		}
		return true
	}

	flusher.Flush()
	if !writeNew() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-notify:
			if !writeNew() {
				return
			}
		}
	}
}

// conversationsStream handles HTTP requests on "/conversations/stream"
// endpoint. It streams the caller's conversation list as newline-delimited
// JSON arrays: the current list first, then a fresh one after every message
// insert anywhere in the system.
func (h *handler) conversationsStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	sess, ok := identity.FromContext(r.Context())
	if !ok {
		http.Error(w, "Authorization required", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("response writer does not support flushing")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	notify := make(chan struct{}, 1)
	sub := h.directory.Watch(func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	defer sub.Cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	writeList := func() bool {
		summaries, err := h.directory.List(r.Context(), sess.UserID)
		if err != nil {
			h.logger.Errorf("listing conversations for user %s: %v", sess.UserID, err)
			return false
		}
		payload, err := json.Marshal(summaries)
		if err != nil {
			h.logger.Error(err)
			return false
		}
		if _, err := w.Write(append(payload, '\n')); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeList() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-notify:
			if !writeList() {
				return
			}
		}
	}
}
