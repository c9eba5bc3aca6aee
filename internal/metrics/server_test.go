package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartAsync_ServesExpvar(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := StartAsync(ctx, "127.0.0.1:0")
	require.NoError(t, err)

	InstancesStarted.Add(1)

	resp, err := http.Get("http://" + s.Addr + "/debug/vars")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var vars map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&vars))
	require.Contains(t, vars, "instances_started")
	require.Contains(t, vars, "log_drops")
	require.Contains(t, vars, "uptime_seconds")
}
