package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/betbot/bothost/internal/logstore"
)

func (s *Server) handleBotLogs(w http.ResponseWriter, r *http.Request) {
	botID := pathParam(r, "botID")
	lines := s.sup.Backlog(botID)

	if v := strings.TrimSpace(r.URL.Query().Get("tail")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < len(lines) {
			lines = lines[len(lines)-n:]
		}
	}
	if lines == nil {
		lines = []logstore.Line{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bot_id": botID, "lines": lines})
}

// handleBotLogsStream is server-sent events: backlog first, then live lines,
// one `data:` event per line. The connection stays open until the client goes.
func (s *Server) handleBotLogsStream(w http.ResponseWriter, r *http.Request) {
	botID := pathParam(r, "botID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, 500, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	backlog, sub := s.sup.Subscribe(botID)
	defer sub.Close()

	sendLine := func(l logstore.Line) {
		fmt.Fprintf(w, "data: %s\n\n", escapeSSE(l.Render()))
	}
	for _, l := range backlog {
		sendLine(l)
	}
	flusher.Flush()

	notify := r.Context().Done()
	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-notify:
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ":\n\n")
			flusher.Flush()
		case l, ok := <-sub.Lines():
			if !ok {
				return
			}
			sendLine(l)
			flusher.Flush()
		}
	}
}

// handleBotLogsWS streams the same rendered lines as websocket text frames.
func (s *Server) handleBotLogsWS(w http.ResponseWriter, r *http.Request) {
	botID := pathParam(r, "botID")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	backlog, sub := s.sup.Subscribe(botID)
	defer sub.Close()

	// reader: only to notice the peer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(text string) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, []byte(text))
	}
	for _, l := range backlog {
		if err := send(l.Render()); err != nil {
			return
		}
	}

	ping := time.NewTicker(s.cfg.KeepAlive)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case l, ok := <-sub.Lines():
			if !ok {
				return
			}
			if err := send(l.Render()); err != nil {
				return
			}
		}
	}
}

func escapeSSE(s string) string {
	// 防止注入多行事件：把 CR/LF 变成可见符号
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
