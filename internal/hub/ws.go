package hub

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	logx "warmline/pkg/logx"
)

// Authenticator maps a handshake request to a user id.
type Authenticator interface {
	Authenticate(r *http.Request) (user string, ok bool)
}

// TokenAuth authenticates static tokens (token -> user id) taken from a
// bearer header, a "token" query parameter, or a "session" cookie.
type TokenAuth map[string]string

func (a TokenAuth) Authenticate(r *http.Request) (string, bool) {
	tok := requestToken(r)
	if tok == "" {
		return "", false
	}
	for k, user := range a {
		if subtle.ConstantTimeCompare([]byte(k), []byte(tok)) == 1 {
			return user, true
		}
	}
	return "", false
}

func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if c, err := r.Cookie("session"); err == nil {
		return c.Value
	}
	return ""
}

type clientFrame struct {
	Op   string `json:"op"`
	Room string `json:"room"`
}

const maxClientFrame = 4 << 10

// ServeHTTP upgrades authenticated requests to a websocket connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	auth, cfg := h.auth, h.cfg
	h.mu.RUnlock()

	if auth == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	user, ok := auth.Authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	up := websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096}
	if len(cfg.AllowedOrigins) > 0 {
		up.CheckOrigin = func(r *http.Request) bool { return originAllowed(r, cfg.AllowedOrigins) }
	}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.Debug("websocket upgrade failed", logx.String("user", user), logx.Err(err))
		return
	}

	c := h.Register(user)
	go h.writePump(ws, c, cfg)
	h.readPump(ws, c, cfg)
}

func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
			return true
		}
	}
	return false
}

func (h *Hub) readPump(ws *websocket.Conn, c *Conn, cfg Config) {
	defer func() {
		h.Unregister(c)
		_ = ws.Close()
	}()
	pongWait := cfg.PingInterval * 2
	ws.SetReadLimit(maxClientFrame)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("websocket read failed", logx.String("user", c.user), logx.Err(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			h.deliver([]*Conn{c}, Frame{Event: "error", Data: "invalid frame"})
			continue
		}
		switch f.Op {
		case "join":
			h.Join(c, f.Room)
			h.deliver([]*Conn{c}, Frame{Event: "joined", Room: f.Room})
		case "leave":
			h.Leave(c, f.Room)
			h.deliver([]*Conn{c}, Frame{Event: "left", Room: f.Room})
		case "ping":
			h.deliver([]*Conn{c}, Frame{Event: "pong"})
		default:
			h.deliver([]*Conn{c}, Frame{Event: "error", Data: "unknown op"})
		}
	}
}

func (h *Hub) writePump(ws *websocket.Conn, c *Conn, cfg Config) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		h.Unregister(c)
		_ = ws.Close()
	}()
	for {
		select {
		case f := <-c.out:
			_ = ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				return
			}
		case <-c.closed:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}
