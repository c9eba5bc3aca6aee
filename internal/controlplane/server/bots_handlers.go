package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/betbot/bothost/internal/supervisor"
)

// UserHeader carries the authenticated dashboard user when the body does not.
const UserHeader = "X-User-ID"

type requesterBody struct {
	UserID string `json:"user_id"`
}

// requester reads user_id from the JSON body, falling back to the header.
func requester(r *http.Request) (string, error) {
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
		if err != nil {
			return "", err
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			var req requesterBody
			if err := json.Unmarshal(body, &req); err != nil {
				return "", errors.New("invalid json body")
			}
			if v := strings.TrimSpace(req.UserID); v != "" {
				return v, nil
			}
		}
	}
	if v := strings.TrimSpace(r.Header.Get(UserHeader)); v != "" {
		return v, nil
	}
	return "", errors.New("user_id is required")
}

// errorStatus maps supervisor errors onto HTTP responses.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, supervisor.ErrNotFound):
		return http.StatusNotFound, "bot not found"
	case errors.Is(err, supervisor.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, supervisor.ErrCodeNotFound):
		return http.StatusNotFound, "CodeNotFound"
	case errors.Is(err, supervisor.ErrInstanceLimit):
		return http.StatusConflict, "InstanceLimit"
	case errors.Is(err, supervisor.ErrRateLimited):
		return http.StatusTooManyRequests, "RateLimited"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func (s *Server) handleBotStart(w http.ResponseWriter, r *http.Request) {
	botID := pathParam(r, "botID")
	userID, err := requester(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	res, err := s.sup.Start(ctx, botID, userID)
	if err != nil {
		status, msg := errorStatus(err)
		if status >= 500 {
			s.log.WithError(err).WithField("bot_id", botID).Warn("start failed")
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"instance_id":     res.Instance.InstanceID,
		"already_running": res.AlreadyRunning,
	})
}

func (s *Server) handleBotStop(w http.ResponseWriter, r *http.Request) {
	botID := pathParam(r, "botID")
	userID, err := requester(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	if err := s.sup.Stop(ctx, botID, userID); err != nil {
		status, msg := errorStatus(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleBotStatus(w http.ResponseWriter, r *http.Request) {
	botID := pathParam(r, "botID")
	snap, running := s.sup.Status(botID)
	out := map[string]any{"bot_id": botID, "running": running}
	if running {
		out["instance"] = snap
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBotsList(w http.ResponseWriter, r *http.Request) {
	list := s.sup.List()
	if owner := strings.TrimSpace(r.URL.Query().Get("owner")); owner != "" {
		filtered := list[:0]
		for _, snap := range list {
			if snap.OwnerID == owner {
				filtered = append(filtered, snap)
			}
		}
		list = filtered
	}
	sort.Slice(list, func(i, j int) bool { return list[i].BotID < list[j].BotID })
	writeJSON(w, http.StatusOK, map[string]any{"instances": list})
}
