package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"messenger/internal/directory"
	"messenger/internal/feed"
	"messenger/internal/identity"
	"messenger/internal/storage"
)

// Server defines fields used in HTTP processing
type Server struct {
	logger     *zap.SugaredLogger
	httpServer *http.Server
	h          handler
}

// NewServer returns new Server struct wiring the store, directory, feed
// listener and identity provider behind the HTTP surface
func NewServer(
	logger *zap.SugaredLogger,
	config Config,
	store *storage.Store,
	dir *directory.Directory,
	fd *feed.Listener,
	idp *identity.Provider,
	opts ...Option,
) (*Server, error) {
	srv := &Server{
		logger: logger,
		h: handler{
			logger:    logger,
			store:     store,
			directory: dir,
			feed:      fd,
			identity:  idp,
			parsers: parsers{
				conversationsStartPool: fastjson.ParserPool{},
				messagesGetPool:        fastjson.ParserPool{},
				messagesAddPool:        fastjson.ParserPool{},
				messagesReadPool:       fastjson.ParserPool{},
			},
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/users/get", srv.h.requireSession(enforcePOSTJSON(http.HandlerFunc(srv.h.usersGet))))
	mux.Handle("/conversations/get", srv.h.requireSession(enforcePOSTJSON(http.HandlerFunc(srv.h.conversationsGet))))
	mux.Handle("/conversations/start", srv.h.requireSession(enforcePOSTJSON(http.HandlerFunc(srv.h.conversationsStart))))
	mux.Handle("/messages/get", srv.h.requireSession(enforcePOSTJSON(http.HandlerFunc(srv.h.messagesGet))))
	mux.Handle("/messages/add", srv.h.requireSession(enforcePOSTJSON(http.HandlerFunc(srv.h.messagesAdd))))
	mux.Handle("/messages/read", srv.h.requireSession(enforcePOSTJSON(http.HandlerFunc(srv.h.messagesRead))))
	mux.Handle("/messages/stream", srv.h.requireSession(http.HandlerFunc(srv.h.messagesStream)))
	mux.Handle("/conversations/stream", srv.h.requireSession(http.HandlerFunc(srv.h.conversationsStream)))

	httpServer := &http.Server{
		Addr:    config.Host + ":" + strconv.FormatUint(uint64(config.Port), 10),
		Handler: logRequests(mux, logger.Desugar()),
	}

	for _, opt := range opts {
		opt.apply(httpServer)
	}

	srv.httpServer = httpServer

	return srv, nil
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		s.logger.Info("Shutting down HTTP server")

		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	s.logger.Info("Closing feed listener")
	s.h.feed.Close()

	s.logger.Info("Closing store")
	s.h.store.Close()
	s.logger.Info("Store is closed")

	return nil
}
