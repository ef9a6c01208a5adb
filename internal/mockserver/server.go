// Package mockserver is a local stand-in for the voice agent server. It speaks
// the signaling protocol well enough to develop and test the client against.
package mockserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BioHazard786/warpvoice/internal/signaling"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Options configure behaviour and fault injection.
type Options struct {
	// APIKeys, when set, limits the keys accepted on upgrade.
	APIKeys []string

	// ICEServers are announced in the config message.
	ICEServers []signaling.ICEServer

	// Answer selects how SDP offers are answered.
	Answer AnswerMode

	// Reply is the text streamed back after a completed stream. %d is
	// replaced with the number of chunks received.
	Reply string

	// FailFirst refuses that many upgrades with FailStatus.
	FailFirst  int
	FailStatus int

	// CloseAfter closes each connection with CloseCode after that many
	// inbound messages.
	CloseAfter int
	CloseCode  int

	// SuppressPong leaves JSON pings unanswered.
	SuppressPong bool

	// FragmentDelay paces streamed reply fragments.
	FragmentDelay time.Duration

	Logger *slog.Logger
}

type AnswerMode string

const (
	// AnswerNone only logs offers.
	AnswerNone AnswerMode = "none"
	// AnswerFake replies with a canned answer that a real peer would
	// reject. It is enough for clients with a stubbed peer connection.
	AnswerFake AnswerMode = "fake"
	// AnswerPion negotiates a real peer connection.
	AnswerPion AnswerMode = "pion"
)

// Stats are counters for tests and the CLI.
type Stats struct {
	Connections int64
	Refused     int64
	Streams     int64
	Chunks      int64
	Texts       int64

	// Counted by the pion answerer.
	MediaPackets int64
	DataChunks   int64
}

type Server struct {
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader

	refusals atomic.Int64

	connections atomic.Int64
	refused     atomic.Int64
	streams     atomic.Int64
	chunks      atomic.Int64
	texts       atomic.Int64

	mediaPackets atomic.Int64
	dataChunks   atomic.Int64

	mu      sync.Mutex
	clients map[*client]struct{}
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Reply == "" {
		opts.Reply = "I heard %d chunks of audio."
	}
	if opts.Answer == "" {
		opts.Answer = AnswerPion
	}
	if opts.FailStatus == 0 {
		opts.FailStatus = http.StatusServiceUnavailable
	}
	if opts.CloseCode == 0 {
		opts.CloseCode = websocket.CloseInternalServerErr
	}
	if opts.ICEServers == nil {
		opts.ICEServers = []signaling.ICEServer{{URLs: signaling.URLList{"stun:stun.l.google.com:19302"}}}
	}

	return &Server{
		opts: opts,
		log:  logger.With("component", "mockserver"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Local development server; any origin may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.health)
	r.Get("/webrtc/signal/{peerId}/{apiKey}/{agentId}", s.serveSignal)
	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("mock agent server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeAll()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.connections.Load(),
		Refused:     s.refused.Load(),
		Streams:     s.streams.Load(),
		Chunks:      s.chunks.Load(),
		Texts:       s.texts.Load(),

		MediaPackets: s.mediaPackets.Load(),
		DataChunks:   s.dataChunks.Load(),
	}
}

// Drop closes every open connection with the given close code.
func (s *Server) Drop(code int) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.closeWith(code, "dropped")
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Mock agent server is healthy."))
}

func (s *Server) serveSignal(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "peerId")
	apiKey := chi.URLParam(r, "apiKey")
	agentID := chi.URLParam(r, "agentId")

	if s.opts.FailFirst > 0 && s.refusals.Add(1) <= int64(s.opts.FailFirst) {
		s.refused.Add(1)
		http.Error(w, "injected failure", s.opts.FailStatus)
		return
	}
	if !s.keyAllowed(apiKey) {
		s.refused.Add(1)
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", "error", err)
		return
	}
	s.connections.Add(1)

	c := newClient(s, conn, peerID, agentID)
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.log.Info("peer connected", "peer", peerID, "agent", agentID, "remote", conn.RemoteAddr())
	c.greet()
	go c.writePump()
	go c.readPump()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.log.Info("peer disconnected", "peer", c.peerID)
}

func (s *Server) closeAll() {
	s.Drop(websocket.CloseGoingAway)
}

func (s *Server) keyAllowed(key string) bool {
	return len(s.opts.APIKeys) == 0 || slices.Contains(s.opts.APIKeys, key)
}

func (s *Server) reply(chunks uint64) string {
	if !strings.Contains(s.opts.Reply, "%d") {
		return s.opts.Reply
	}
	return fmt.Sprintf(s.opts.Reply, chunks)
}
