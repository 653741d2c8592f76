package fanout

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drplane/drplane/pkg/engine"
)

type staticResolver struct {
	identity *engine.Identity
	err      error
}

func (s staticResolver) IdentityFromRequest(r *http.Request) (*engine.Identity, error) {
	return s.identity, s.err
}

type wireMessage struct {
	Type         string `json:"type"`
	ClientID     string `json:"clientId"`
	Message      string `json:"message"`
	DeploymentID string `json:"deploymentId"`
	Status       string `json:"status"`
	Log          string `json:"log"`
}

func startServer(t *testing.T, hub *Hub, auth IdentityResolver, cfg HandlerConfig) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(hub, auth, cfg, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg wireMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitForSubscribers(t *testing.T, hub *Hub, tenantID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Subscribers(tenantID) == n }, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketAuthenticateAndReceive(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	srv := startServer(t, hub, nil, HandlerConfig{})
	conn := dial(t, srv)

	assert.Equal(t, MessageConnected, read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "authenticate", "tenantId": "acme", "userId": "u1"}))
	auth := read(t, conn)
	assert.Equal(t, MessageAuthenticated, auth.Type)
	assert.NotEmpty(t, auth.ClientID)
	waitForSubscribers(t, hub, "acme", 1)

	hub.Publish("acme", engine.Event{
		Type:         engine.EventTypeLog,
		DeploymentID: "d1",
		Log:          "Plan: 3 to add\n",
	})
	hub.Publish("acme", engine.Event{
		Type:         engine.EventTypeStatus,
		DeploymentID: "d1",
		Status:       engine.StatusSucceeded,
		Message:      "Deployment completed successfully",
	})

	logMsg := read(t, conn)
	assert.Equal(t, "deployment_log", logMsg.Type)
	assert.Equal(t, "Plan: 3 to add\n", logMsg.Log)

	statusMsg := read(t, conn)
	assert.Equal(t, "deployment_status", statusMsg.Type)
	assert.Equal(t, "SUCCEEDED", statusMsg.Status)
	assert.Equal(t, "d1", statusMsg.DeploymentID)
}

func TestWebSocketIsolation(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	srv := startServer(t, hub, nil, HandlerConfig{})

	acme := dial(t, srv)
	read(t, acme)
	require.NoError(t, acme.WriteJSON(map[string]string{"type": "authenticate", "tenantId": "acme"}))
	read(t, acme)

	globex := dial(t, srv)
	read(t, globex)
	require.NoError(t, globex.WriteJSON(map[string]string{"type": "authenticate", "tenantId": "globex"}))
	read(t, globex)

	waitForSubscribers(t, hub, "acme", 1)
	waitForSubscribers(t, hub, "globex", 1)

	hub.Publish("globex", engine.Event{Type: engine.EventTypeLog, DeploymentID: "g1", Log: "globex only"})
	hub.Publish("acme", engine.Event{Type: engine.EventTypeLog, DeploymentID: "a1", Log: "acme only"})

	assert.Equal(t, "acme only", read(t, acme).Log)
	assert.Equal(t, "globex only", read(t, globex).Log)
}

func TestWebSocketRejectsForeignTenant(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	resolver := staticResolver{identity: &engine.Identity{UserID: "u1", TenantID: "acme", Role: engine.RoleTenant}}
	srv := startServer(t, hub, resolver, HandlerConfig{RequireToken: true})
	conn := dial(t, srv)
	read(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "authenticate", "tenantId": "globex"}))
	msg := read(t, conn)
	assert.Equal(t, MessageError, msg.Type)
	assert.Equal(t, 0, hub.Subscribers("globex"))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "authenticate", "tenantId": "acme"}))
	assert.Equal(t, MessageAuthenticated, read(t, conn).Type)
}

func TestWebSocketAdminMaySubscribeAnywhere(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	resolver := staticResolver{identity: &engine.Identity{UserID: "root", Role: engine.RoleAdmin}}
	srv := startServer(t, hub, resolver, HandlerConfig{})
	conn := dial(t, srv)
	read(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "authenticate", "tenantId": "globex"}))
	assert.Equal(t, MessageAuthenticated, read(t, conn).Type)
}

func TestWebSocketTokenRequired(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	srv := startServer(t, hub, staticResolver{}, HandlerConfig{RequireToken: true})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	srv2 := startServer(t, hub, staticResolver{err: errors.New("bad signature")}, HandlerConfig{})
	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv2.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketDisconnectDeregisters(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	srv := startServer(t, hub, nil, HandlerConfig{})
	conn := dial(t, srv)
	read(t, conn)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "authenticate", "tenantId": "acme"}))
	read(t, conn)
	waitForSubscribers(t, hub, "acme", 1)

	conn.Close()
	waitForSubscribers(t, hub, "acme", 0)
}

func TestClientSendBufferFull(t *testing.T) {
	c := &client{
		id:   "slow",
		send: make(chan []byte, 1),
		done: make(chan struct{}),
	}
	require.NoError(t, c.Send(engine.Event{Type: engine.EventTypeLog}))
	assert.ErrorIs(t, c.Send(engine.Event{Type: engine.EventTypeLog}), ErrSendBufferFull)

	c.Close()
	c.Close()
	assert.ErrorIs(t, c.Send(engine.Event{Type: engine.EventTypeLog}), ErrSubscriberClosed)
}
