package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/manthysbr/auleRender/internal/core/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth happens upstream; cross-origin browsers are allowed in.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamFrame is the wire shape pushed to clients: one frame per
// progress event, in the order the bus delivered them.
type streamFrame struct {
	JobID     domain.JobID     `json:"job_id"`
	Kind      domain.EventKind `json:"kind"`
	Timestamp time.Time        `json:"timestamp"`
	ContentID *string          `json:"content_id,omitempty"`
	Outputs   []string         `json:"output_paths,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// clientCommand is what the client may send: subscribe to more jobs,
// unsubscribe, or an application-level ping.
type clientCommand struct {
	Action string         `json:"action"`
	JobIDs []domain.JobID `json:"job_ids,omitempty"`
}

// relay tracks one websocket client's subscriptions. At most one
// subscription exists per (client, job_id); duplicate subscribes are
// idempotent.
type relay struct {
	server *Server
	conn   *websocket.Conn
	caller Caller

	mu   sync.Mutex
	subs map[domain.JobID]func()
	out  chan streamFrame
}

// handleStream opens the client-facing live update stream for the job
// in the path. The relay is a pure event conduit: it never re-reads the
// job row on event receipt; clients wanting current state call get_job.
// The whole subscription lives inside this handler's scope: on return,
// every bus subscription and the outbound channel are released.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(r)
	if !ok {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	jobID := domain.JobID(r.PathValue("id"))
	job, err := s.repo.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	if job.UserID != caller.UserID && !caller.Admin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	rl := &relay{
		server: s,
		conn:   conn,
		caller: caller,
		subs:   make(map[domain.JobID]func()),
		out:    make(chan streamFrame, 64),
	}
	defer rl.close()

	if err := rl.subscribe(ctx, jobID); err != nil {
		s.logger.Warn("stream subscribe failed", "job_id", jobID, "error", err)
		return
	}

	go rl.readPump(ctx, cancel)
	rl.writePump(ctx)
}

// subscribe attaches a bus subscription for jobID and pumps its events
// into the shared outbound channel. Idempotent per job id.
func (rl *relay) subscribe(ctx context.Context, jobID domain.JobID) error {
	rl.mu.Lock()
	if _, exists := rl.subs[jobID]; exists {
		rl.mu.Unlock()
		return nil
	}
	rl.mu.Unlock()

	events, stop, err := rl.server.bus.Subscribe(ctx, jobID)
	if err != nil {
		return err
	}

	rl.mu.Lock()
	// Lost a subscribe race against ourselves; keep the first one.
	if _, exists := rl.subs[jobID]; exists {
		rl.mu.Unlock()
		stop()
		return nil
	}
	rl.subs[jobID] = stop
	rl.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				frame := streamFrame{
					JobID:     event.JobID,
					Kind:      event.Kind,
					Timestamp: event.Timestamp,
					ContentID: event.ContentID,
					Outputs:   event.OutputPaths,
					Error:     event.Error,
				}
				select {
				case rl.out <- frame:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}

func (rl *relay) unsubscribe(jobID domain.JobID) {
	rl.mu.Lock()
	stop, ok := rl.subs[jobID]
	if ok {
		delete(rl.subs, jobID)
	}
	rl.mu.Unlock()
	if ok {
		stop()
	}
}

// readPump consumes client commands until the connection drops. It owns
// all reads (gorilla permits one concurrent reader).
func (rl *relay) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	rl.conn.SetReadLimit(maxMessageSize)
	_ = rl.conn.SetReadDeadline(time.Now().Add(pongWait))
	rl.conn.SetPongHandler(func(string) error {
		return rl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := rl.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = rl.conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd clientCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			continue
		}
		switch cmd.Action {
		case "subscribe":
			for _, id := range cmd.JobIDs {
				if !rl.authorized(ctx, id) {
					continue
				}
				if err := rl.subscribe(ctx, id); err != nil {
					rl.server.logger.Warn("stream subscribe failed", "job_id", id, "error", err)
				}
			}
		case "unsubscribe":
			for _, id := range cmd.JobIDs {
				rl.unsubscribe(id)
			}
		case "ping":
			// Application-level keepalive: it only refreshes the read
			// deadline above; no reply frame is sent. Protocol-level
			// pings are answered by the websocket library's default
			// ping handler.
		}
	}
}

func (rl *relay) authorized(ctx context.Context, jobID domain.JobID) bool {
	if rl.caller.Admin {
		return true
	}
	job, err := rl.server.repo.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	return job.UserID == rl.caller.UserID
}

// writePump forwards frames to the client in arrival order and keeps the
// connection alive with protocol pings. It owns all writes.
func (rl *relay) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = rl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = rl.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case frame := <-rl.out:
			_ = rl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := rl.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = rl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := rl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (rl *relay) close() {
	rl.mu.Lock()
	stops := make([]func(), 0, len(rl.subs))
	for id, stop := range rl.subs {
		stops = append(stops, stop)
		delete(rl.subs, id)
	}
	rl.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	_ = rl.conn.Close()
}
