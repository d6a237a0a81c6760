package streamhost

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/workspace/termstream/internal/transport"
)

// TokenValidator checks a viewer's bearer token before the websocket
// upgrade. A nil validator disables auth.
type TokenValidator interface {
	Validate(token string) error
}

// HandlerConfig configures the websocket endpoint.
type HandlerConfig struct {
	Host      *Host
	Validator TokenValidator

	// AllowedOrigins restricts browser connections. Supports "*" and
	// wildcard subdomain patterns like "https://*.example.com". Empty
	// rejects every cross-origin browser request.
	AllowedOrigins []string

	ReadBufferSize  int
	WriteBufferSize int
}

// Handler upgrades viewer connections and services protocol frames over
// them. Each connection tracks the streams it opened and detaches them when
// the connection drops.
type Handler struct {
	cfg      HandlerConfig
	upgrader websocket.Upgrader
}

// NewHandler builds the websocket endpoint handler.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{cfg: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Same-origin or a non-browser client.
				return true
			}
			return h.isOriginAllowed(origin)
		},
	}
	return h
}

func (h *Handler) isOriginAllowed(origin string) bool {
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin)
	return false
}

// matchWildcardOrigin matches "https://foo.example.com" against patterns
// like "https://*.example.com".
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Validator != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if err := h.cfg.Validator.Validate(token); err != nil {
			slog.Warn("websocket auth failed", "error", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.serve(conn)
}

// serve runs the per-connection frame loop until the read side fails.
func (h *Handler) serve(conn *websocket.Conn) {
	var writeMu sync.Mutex
	send := SendFunc(func(env transport.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(env)
	})

	var mu sync.Mutex
	owned := make(map[uint64]struct{})

	defer func() {
		mu.Lock()
		ids := make([]uint64, 0, len(owned))
		for id := range owned {
			ids = append(ids, id)
		}
		mu.Unlock()
		for _, id := range ids {
			h.cfg.Host.Detach(id)
		}
	}()

	for {
		var env transport.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("viewer connection closed", "error", err)
			}
			return
		}

		switch env.Type {
		case transport.TypeAttach:
			var req transport.AttachPayload
			if err := transport.DecodePayload(env, &req); err != nil {
				slog.Warn("bad attach frame", "error", err)
				continue
			}
			tracked := func(e transport.Envelope) error {
				if e.Type == transport.TypeAttached {
					var resp transport.AttachedPayload
					if transport.DecodePayload(e, &resp) == nil && resp.StreamID != 0 {
						mu.Lock()
						owned[resp.StreamID] = struct{}{}
						mu.Unlock()
					}
				}
				return send(e)
			}
			if err := h.cfg.Host.Attach(env.ID, req, tracked); err != nil {
				slog.Debug("attach send failed", "error", err)
				return
			}

		case transport.TypeDetach:
			var req transport.DetachPayload
			if err := transport.DecodePayload(env, &req); err != nil {
				slog.Warn("bad detach frame", "error", err)
				continue
			}
			resp := transport.DetachedPayload{StreamID: req.StreamID}
			if !h.cfg.Host.Detach(req.StreamID) {
				resp.Error = "unknown stream"
			}
			mu.Lock()
			delete(owned, req.StreamID)
			mu.Unlock()
			if err := sendFrame(send, transport.TypeDetached, env.ID, resp); err != nil {
				return
			}

		case transport.TypeInput:
			var req transport.InputPayload
			if err := transport.DecodePayload(env, &req); err != nil {
				slog.Warn("bad input frame", "error", err)
				continue
			}
			data, err := transport.DecodeChunkData(req.Data)
			if err != nil {
				slog.Warn("bad input frame", "stream", req.StreamID, "error", err)
				continue
			}
			if err := h.cfg.Host.WriteInput(req.StreamID, data); err != nil {
				slog.Debug("input rejected", "stream", req.StreamID, "error", err)
			}

		case transport.TypeResize:
			var req transport.ResizePayload
			if err := transport.DecodePayload(env, &req); err != nil {
				slog.Warn("bad resize frame", "error", err)
				continue
			}
			if err := h.cfg.Host.Resize(req.StreamID, req.Rows, req.Cols); err != nil {
				slog.Debug("resize rejected", "stream", req.StreamID, "error", err)
			}

		case transport.TypePing:
			if err := sendFrame(send, transport.TypePong, env.ID, nil); err != nil {
				return
			}

		default:
			slog.Warn("unknown frame type", "type", env.Type)
		}
	}
}
