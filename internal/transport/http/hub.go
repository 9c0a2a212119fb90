package httpserver

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"nvim-previewer/internal/contracts"
	"nvim-previewer/internal/patch"
	"nvim-previewer/internal/render"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	// defaultQueueSize is the per viewer send buffer. A viewer that falls
	// this far behind gets its queue replaced by one full document.
	defaultQueueSize = 16
)

// viewer is one websocket subscribed to a session in one format.
type viewer struct {
	id     string
	format render.Format
	conn   *websocket.Conn
	send   chan any

	// since is the version the viewer reported on connect, kept for logs;
	// initial is the output current when it connected.
	since   uint64
	initial *render.Output

	// lastSent is owned by the hub loop.
	lastSent  uint64
	lastAcked atomic.Uint64
}

func newViewer(conn *websocket.Conn, format render.Format, since uint64, initial *render.Output, queue int) *viewer {
	if queue <= 0 {
		queue = defaultQueueSize
	}
	return &viewer{
		id:      uuid.NewString(),
		format:  format,
		conn:    conn,
		send:    make(chan any, queue),
		since:   since,
		initial: initial,
	}
}

// writePump writes queued messages until the hub closes the queue.
func (v *viewer) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = v.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-v.send:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = v.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := v.conn.WriteJSON(msg); err != nil {
				logger.Debug("viewer write failed", "viewer", v.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles acks and resync requests until the connection fails.
func (v *viewer) readPump(h *hub) {
	v.conn.SetReadLimit(maxMessageSize)
	_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := v.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg contracts.IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case contracts.MessageTypeAck:
			v.lastAcked.Store(msg.Version)
		case contracts.MessageTypeResync:
			h.requestResync(v)
		}
	}
}

// hub fans the outputs of one session out to its viewers. All viewer
// bookkeeping happens on the run goroutine; its channels are unbuffered so
// messages from one sender are handled in order.
type hub struct {
	sessionID string
	logger    *slog.Logger

	register   chan *viewer
	unregister chan *viewer
	publish    chan *render.Output
	banner     chan contracts.BannerMessage
	resync     chan *viewer
	done       <-chan struct{}
	stopped    chan struct{}

	mu     sync.Mutex
	wanted map[render.Format]int
}

func newHub(sessionID string, done <-chan struct{}, logger *slog.Logger) *hub {
	h := &hub{
		sessionID:  sessionID,
		logger:     logger.With("session", sessionID),
		register:   make(chan *viewer),
		unregister: make(chan *viewer),
		publish:    make(chan *render.Output),
		banner:     make(chan contracts.BannerMessage),
		resync:     make(chan *viewer),
		done:       done,
		stopped:    make(chan struct{}),
		wanted:     make(map[render.Format]int),
	}
	go h.run()
	return h
}

// acquire records interest in format before the viewer's initial output is
// compiled, so recompiles from then on include it.
func (h *hub) acquire(format render.Format) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.wanted[format]++
}

func (h *hub) release(format render.Format) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.wanted[format] <= 1 {
		delete(h.wanted, format)
		return
	}
	h.wanted[format]--
}

func (h *hub) formats() []render.Format {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]render.Format, 0, len(h.wanted))
	for f := range h.wanted {
		out = append(out, f)
	}
	return out
}

func (h *hub) join(v *viewer) bool {
	select {
	case h.register <- v:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *hub) leave(v *viewer) {
	select {
	case h.unregister <- v:
	case <-h.stopped:
	}
}

func (h *hub) requestResync(v *viewer) {
	select {
	case h.resync <- v:
	case <-h.stopped:
	}
}

func (h *hub) deliverOutput(out *render.Output) {
	select {
	case h.publish <- out:
	case <-h.stopped:
	}
}

func (h *hub) deliverBanner(msg contracts.BannerMessage) {
	select {
	case h.banner <- msg:
	case <-h.stopped:
	}
}

func (h *hub) run() {
	defer close(h.stopped)

	viewers := make(map[*viewer]struct{})
	latest := make(map[render.Format]*render.Output)
	var banner *contracts.BannerMessage

	for {
		select {
		case v := <-h.register:
			out := v.initial
			if cur, ok := latest[v.format]; ok && cur.Version >= out.Version {
				out = cur
			} else {
				latest[v.format] = out
			}
			viewers[v] = struct{}{}
			// Session ids and versions restart with the process, so a
			// matching since says nothing about what the page shows.
			h.send(v, contracts.NewPatchMessage(patch.Full(out)), out)
			if banner != nil && banner.DocumentVersion >= out.Version {
				h.send(v, *banner, out)
			}
			h.logger.Debug("viewer joined", "viewer", v.id, "format", v.format, "since", v.since, "version", out.Version)

		case v := <-h.unregister:
			if _, ok := viewers[v]; ok {
				delete(viewers, v)
				close(v.send)
				h.logger.Debug("viewer left", "viewer", v.id, "acked", v.lastAcked.Load())
			}

		case out := <-h.publish:
			prev := latest[out.Format]
			if prev != nil && out.Version <= prev.Version {
				continue
			}
			latest[out.Format] = out
			banner = nil

			var splice *patch.Patch
			if prev != nil {
				switch p := patch.Compute(prev, out); {
				case p == nil:
					splice = patch.Empty(prev, out)
				case p.Kind == patch.KindSplice:
					splice = p
				}
			}
			full := contracts.NewPatchMessage(patch.Full(out))
			for v := range viewers {
				if v.format != out.Format {
					continue
				}
				if splice != nil && v.lastSent == prev.Version {
					h.send(v, contracts.NewPatchMessage(splice), out)
				} else {
					h.send(v, full, out)
				}
			}

		case msg := <-h.banner:
			banner = &msg
			for v := range viewers {
				h.send(v, msg, latest[v.format])
			}

		case v := <-h.resync:
			if _, ok := viewers[v]; !ok {
				continue
			}
			if out := latest[v.format]; out != nil {
				h.send(v, contracts.NewPatchMessage(patch.Full(out)), out)
			}

		case <-h.done:
			for v := range viewers {
				select {
				case v.send <- contracts.ClosedMessage{Type: contracts.MessageTypeClosed}:
				default:
				}
				close(v.send)
			}
			return
		}
	}
}

// send queues msg for v. A full queue is dropped and replaced by the full
// document so the viewer never applies a splice against a skipped base.
func (h *hub) send(v *viewer, msg any, cur *render.Output) {
	if p, ok := msg.(contracts.PatchMessage); ok {
		v.lastSent = p.DocumentVersion
	}
	select {
	case v.send <- msg:
		return
	default:
	}

	h.logger.Debug("viewer queue overflow", "viewer", v.id)
drain:
	for {
		select {
		case <-v.send:
		default:
			break drain
		}
	}
	if cur == nil {
		return
	}
	v.lastSent = cur.Version
	v.send <- contracts.NewPatchMessage(patch.Full(cur))
	if _, ok := msg.(contracts.BannerMessage); ok {
		select {
		case v.send <- msg:
		default:
		}
	}
}
