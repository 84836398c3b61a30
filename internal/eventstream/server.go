// Package eventstream exposes the pipeline's feedback events over a
// websocket endpoint so external UIs (tray widgets, dashboards) can render
// live levels and transcripts, alongside the Prometheus metrics endpoint.
package eventstream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/voicetype/voicetype/internal/feedback"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Clients are local desktop UIs; there is no cross-origin story here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeTimeout    = 5 * time.Second
	pingInterval    = 30 * time.Second
	clientQueueSize = 64
)

// Server fans feedback events out to websocket subscribers.
type Server struct {
	bus *feedback.Bus
	log *logrus.Entry

	mu      sync.Mutex
	clients map[*client]struct{}

	httpSrv *http.Server
}

type client struct {
	conn *websocket.Conn
	send chan feedback.Event
}

// New builds a server listening on addr, serving /events (websocket),
// /metrics (Prometheus) and /healthz.
func New(addr string, bus *feedback.Bus, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		bus:     bus,
		log:     logrus.WithField("component", "eventstream"),
		clients: make(map[*client]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully. It
// subscribes to the bus for the duration of the run.
func (s *Server) Run(ctx context.Context) error {
	unsubscribe := s.bus.Subscribe(s.broadcast)
	defer unsubscribe()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()

	s.log.WithField("addr", s.httpSrv.Addr).Info("Event stream listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		s.closeClients()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan feedback.Event, clientQueueSize)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()
	s.log.WithField("clients", count).Info("Event stream client connected")

	go s.writeLoop(c)
	s.readLoop(c)
}

// readLoop drains the connection so control frames are processed; any
// inbound payload is ignored.
func (s *Server) readLoop(c *client) {
	defer s.drop(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeTimeout))
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.drop(c)
				return
			}
		}
	}
}

// broadcast delivers an event to every connected client without blocking
// the bus; a client that cannot keep up loses events, not the connection.
func (s *Server) broadcast(ev feedback.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- ev:
		default:
		}
	}
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	s.mu.Unlock()
	_ = c.conn.Close()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
}
