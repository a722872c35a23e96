package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/rickgao/gatecord/internal/config"
	"github.com/rickgao/gatecord/internal/gateway"
	"github.com/rickgao/gatecord/internal/model"
	"github.com/rickgao/gatecord/internal/supervisor"
)

// fakeGateway answers hello and identify with READY, and acks heartbeats.
func fakeGateway(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteJSON(map[string]any{"op": 10, "d": map[string]any{"heartbeat_interval": 45000}})
		for {
			var in struct {
				Op int `json:"op"`
			}
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			switch in.Op {
			case 1:
				_ = conn.WriteJSON(map[string]any{"op": 11})
			case 2:
				_ = conn.WriteJSON(map[string]any{"op": 0, "s": 1, "t": "READY", "d": map[string]any{
					"session_id": "s1",
					"user":       map[string]any{"id": "80351110224678912", "username": "bot"},
				}})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// fakeAPI serves GET /gateway/bot pointing at gatewayURL.
func fakeAPI(t *testing.T, gatewayURL string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v10/gateway/bot" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bot test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"url":%q,"shards":1,"session_start_limit":{"total":1000,"remaining":999,"reset_after":0,"max_concurrency":2}}`, gatewayURL)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func writeConfig(t *testing.T, restURL string, port int) *config.Config {
	dir := t.TempDir()
	path := filepath.Join(dir, "gatecord.yaml")
	data := fmt.Sprintf(`
instance:
  id: test
api:
  rest_url: %s
  token: test-token
gateway:
  url: ws://127.0.0.1:1
  shard_count: 2
  intents: [guilds, guild_messages]
  status: idle
supervisor:
  shutdown_grace: 2s
metrics:
  port: %d
`, restURL+"/api", port)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := config.LoadAndValidate(path)
	require.NoError(t, err)
	return cfg
}

func TestModule_Validates(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1", 9090)
	err := fx.ValidateApp(fx.Supply(cfg, slog.Default()), Module())
	require.NoError(t, err)
}

func TestApp_RunsShardsAgainstFakeGateway(t *testing.T) {
	gw := fakeGateway(t)
	api := fakeAPI(t, "ws"+strings.TrimPrefix(gw.URL, "http"))
	port := freePort(t)
	cfg := writeConfig(t, api.URL, port)

	var sup *supervisor.Supervisor
	app := fxtest.New(t,
		fx.Supply(cfg, slog.Default()),
		Module(),
		fx.Populate(&sup),
	)
	app.RequireStart()

	require.Eventually(t, sup.Healthy, 5*time.Second, 10*time.Millisecond)
	for _, st := range sup.Shards() {
		assert.Equal(t, "s1", st.Session.SessionID)
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status string                   `json:"status"`
		Shards []supervisor.ShardStatus `json:"shards"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Shards, 2)

	buckets, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/debug/buckets", port))
	require.NoError(t, err)
	buckets.Body.Close()
	assert.Equal(t, http.StatusOK, buckets.StatusCode)

	app.RequireStop()
	select {
	case <-sup.Done():
	case <-time.After(time.Second):
		t.Fatal("supervisor still running after stop")
	}
}

func TestInitialPresence(t *testing.T) {
	assert.Nil(t, initialPresence(config.GatewayConfig{}))

	p := initialPresence(config.GatewayConfig{Activity: "with shards"})
	require.NotNil(t, p)
	assert.Equal(t, model.StatusOnline, p.Status)
	require.Len(t, p.Activities, 1)
	assert.Equal(t, "with shards", p.Activities[0].Name)

	p = initialPresence(config.GatewayConfig{Status: "dnd"})
	assert.Equal(t, model.StatusDND, p.Status)
	assert.Empty(t, p.Activities)
}

func TestCacheUpdater(t *testing.T) {
	cfg := writeConfig(t, "http://127.0.0.1:1", 9090)
	caches, err := newCaches(cfg, nil, slog.Default())
	require.NoError(t, err)
	u := newCacheUpdater(caches, slog.Default())

	dispatch := func(typ, data string) gateway.Event {
		return gateway.Event{Op: gateway.OpDispatch, Type: typ, Data: json.RawMessage(data)}
	}

	u.HandleEvent(dispatch("READY", `{"session_id":"s","user":{"id":"80351110224678912","username":"bot"}}`))
	self, err := caches.Self.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bot", self.Username)

	u.HandleEvent(dispatch("GUILD_CREATE", `{"id":"197038439483310086","name":"guild"}`))
	g, ok, err := caches.Guilds.GetByID(context.Background(), "197038439483310086")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "guild", g.Name)

	u.HandleEvent(dispatch("CHANNEL_CREATE", `{"id":"41771983423143937","name":"general"}`))
	assert.Equal(t, 1, caches.Channels.Len())
	u.HandleEvent(dispatch("CHANNEL_DELETE", `{"id":"41771983423143937"}`))
	assert.Equal(t, 0, caches.Channels.Len())

	// Malformed payloads are ignored.
	u.HandleEvent(dispatch("GUILD_UPDATE", `not json`))
	assert.Equal(t, 1, caches.Guilds.Len())
}
