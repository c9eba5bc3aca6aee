package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadSSE(t *testing.T) {
	in := "data: one\n\n:\n\ndata: [ERR] a\\nb\n\nevent: x\n"
	var got []string
	require.NoError(t, readSSE(strings.NewReader(in), func(l string) { got = append(got, l) }))
	require.Equal(t, []string{"one", "[ERR] a\nb"}, got)
}

func TestAPIStartAndError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/bots/b1/start" && body["user_id"] == "u1":
			_, _ = w.Write([]byte(`{"ok":true,"instance_id":"i1","already_running":false}`))
		default:
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"forbidden"}`))
		}
	}))
	defer ts.Close()

	a := newAPI(ts.URL+"/", "u1")
	out, err := a.post(context.Background(), "/api/bots/b1/start")
	require.NoError(t, err)
	require.Equal(t, "i1", out["instance_id"])

	a = newAPI(ts.URL, "u2")
	_, err = a.post(context.Background(), "/api/bots/b1/start")
	require.Error(t, err)
	require.Contains(t, err.Error(), "forbidden")

	_, err = newAPI(ts.URL, "").post(context.Background(), "/api/bots/b1/start")
	require.EqualError(t, err, "-user is required")
}

func TestAPIStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: hello\n\ndata: world\n\n"))
	}))
	defer ts.Close()

	var got []string
	err := newAPI(ts.URL, "").stream(context.Background(), "b1", func(l string) { got = append(got, l) })
	require.NoError(t, err)
	require.Equal(t, []string{"hello", "world"}, got)
}
