// Package platformtest runs an in-memory gateway + REST API that speaks
// enough of the platform protocol for client and worker tests.
package platformtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

type SentMessage struct {
	ChannelID string
	Content   string
	Auth      string
}

type Gateway struct {
	Server *httptest.Server

	// ValidToken is the only token accepted by identify.
	ValidToken string
	Username   string

	upgrader websocket.Upgrader
	wmu      sync.Mutex // serialises writes to live sessions

	mu       sync.Mutex
	conns    []*websocket.Conn
	sent     []SentMessage
	idents   int
	sessions chan *websocket.Conn
}

func NewGateway(validToken string) *Gateway {
	g := &Gateway{
		ValidToken: validToken,
		Username:   "testbot",
		sessions:   make(chan *websocket.Conn, 8),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/gateway", g.serveGateway)
	mux.HandleFunc("/api/channels/", g.serveMessages)
	g.Server = httptest.NewServer(mux)
	return g
}

func (g *Gateway) GatewayURL() string {
	return "ws" + strings.TrimPrefix(g.Server.URL, "http") + "/gateway"
}

func (g *Gateway) APIURL() string { return g.Server.URL + "/api" }

func (g *Gateway) Close() {
	g.DropAll()
	g.Server.Close()
}

// Sessions yields each connection once it reached READY.
func (g *Gateway) Sessions() <-chan *websocket.Conn { return g.sessions }

func (g *Gateway) Identifies() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.idents
}

func (g *Gateway) Sent() []SentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]SentMessage(nil), g.sent...)
}

// Dispatch sends an event to every ready session.
func (g *Gateway) Dispatch(t string, d any) {
	g.mu.Lock()
	conns := append([]*websocket.Conn(nil), g.conns...)
	g.mu.Unlock()
	g.wmu.Lock()
	defer g.wmu.Unlock()
	for _, c := range conns {
		_ = c.WriteJSON(map[string]any{"op": 0, "t": t, "s": 2, "d": d})
	}
}

// DropAll closes every live session.
func (g *Gateway) DropAll() {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (g *Gateway) serveGateway(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.WriteJSON(map[string]any{"op": 10, "d": map[string]any{"heartbeat_interval": 100}})

	var ident struct {
		Op int `json:"op"`
		D  struct {
			Token string `json:"token"`
		} `json:"d"`
	}
	if err := conn.ReadJSON(&ident); err != nil || ident.Op != 2 {
		_ = conn.Close()
		return
	}
	g.mu.Lock()
	g.idents++
	g.mu.Unlock()

	if ident.D.Token != g.ValidToken {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4004, "Authentication failed."))
		_ = conn.Close()
		return
	}
	_ = conn.WriteJSON(map[string]any{
		"op": 0, "t": "READY", "s": 1,
		"d": map[string]any{"user": map[string]any{"id": "42", "username": g.Username, "discriminator": "0", "bot": true}},
	})

	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.mu.Unlock()
	select {
	case g.sessions <- conn:
	default:
	}

	// drain heartbeats until the client goes away
	for {
		var f map[string]any
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if op, _ := f["op"].(float64); op == 1 {
			g.wmu.Lock()
			_ = conn.WriteJSON(map[string]any{"op": 11})
			g.wmu.Unlock()
		}
	}
}

func (g *Gateway) serveMessages(w http.ResponseWriter, r *http.Request) {
	// /api/channels/{id}/messages
	rest := strings.TrimPrefix(r.URL.Path, "/api/channels/")
	channelID, tail, _ := strings.Cut(rest, "/")
	if r.Method != http.MethodPost || tail != "messages" {
		http.NotFound(w, r)
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	g.mu.Lock()
	g.sent = append(g.sent, SentMessage{ChannelID: channelID, Content: body.Content, Auth: r.Header.Get("Authorization")})
	n := len(g.sent)
	g.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"id": n, "channel_id": channelID, "content": body.Content})
}
