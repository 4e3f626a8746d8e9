// Package tail implements an optional external sink: a WebSocket endpoint
// that streams every event pushed after connect, one JSON text frame per
// event, guarded by a per-connection write mutex.
package tail

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gordonbrander/busytown/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server serves GET /ws/tail on addr.
type Server struct {
	st   store.Store
	addr string
	poll time.Duration

	mu  sync.Mutex
	srv *http.Server
}

// New creates a Server. poll is how often each connected tail checks the
// store for new events; 200ms matches the fs publisher's debounce floor.
func New(st store.Store, addr string) *Server {
	return &Server{st: st, addr: addr, poll: 200 * time.Millisecond}
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/tail", s.handleTail)

	s.mu.Lock()
	s.srv = &http.Server{Addr: s.addr, Handler: mux}
	srv := s.srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("tail: listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("tail: upgrade: %v", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	since, err := s.latestID(ctx)
	if err != nil {
		log.Printf("tail: latest id: %v", err)
		return
	}

	// writeMu guards conn.WriteJSON against a concurrent control-frame
	// writer, mirroring overseer.Client's connection-wide write lock even
	// though this handler currently has a single writer goroutine.
	var writeMu sync.Mutex

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := s.st.RangeAfter(ctx, since, 0, store.RangeFilter{})
			if err != nil {
				log.Printf("tail: range: %v", err)
				continue
			}
			for _, ev := range events {
				since = ev.ID
				writeMu.Lock()
				err := conn.WriteJSON(ev)
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}
}

func (s *Server) latestID(ctx context.Context) (int64, error) {
	events, err := s.st.RangeAfter(ctx, 0, 0, store.RangeFilter{TailN: 1})
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[0].ID, nil
}
