package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"PPChat/module/user"
	"PPChat/service/bus"
	"PPChat/service/storage"
	"PPChat/tools/security"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var testSecret = []byte("gateway-test-secret")

type testEnv struct {
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	mem      *bus.MemHub
	accounts *user.MemAccountStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return &testEnv{
		mr:  mr,
		rdb: rdb,
		mem: bus.NewMemHub(),
		accounts: user.NewMemAccountStore(
			user.Account{UserID: "alice"},
			user.Account{UserID: "bob"},
			user.Account{UserID: "mallory", Status: user.UserBanned},
			user.Account{UserID: "carol", PwdEpoch: 2},
		),
	}
}

type testNode struct {
	gw     *Gateway
	srv    *httptest.Server
	health *health.Server
}

func (e *testEnv) node(t *testing.T, id string, conf GatewayConfig, tweak func(*Deps)) *testNode {
	t.Helper()
	v, err := security.NewVerifier(security.DefaultOptions(testSecret))
	require.NoError(t, err)
	hub := NewHub()
	b := bus.New(e.mem.Transport(), id)
	hs := health.NewServer()
	deps := Deps{
		Hub:        hub,
		Registry:   storage.NewConnRegistry(e.rdb, storage.RegistryConfig{TTL: time.Minute}),
		Presence:   storage.NewPresence(e.rdb, storage.PresenceConfig{TTL: time.Minute}),
		Bus:        b,
		Auth:       NewAuthenticator(v, e.accounts),
		Dispatcher: NewDispatcher(),
		Health:     hs,
	}
	if tweak != nil {
		tweak(&deps)
	}
	conf.NodeID = id
	gw := NewGateway(conf, deps)
	require.NoError(t, gw.Start(NewPusher(id, hub, deps.Registry, b)))

	r := gin.New()
	r.GET("/ws", gw.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testNode{gw: gw, srv: srv, health: hs}
}

func (n *testNode) url(query string) string {
	u := "ws" + strings.TrimPrefix(n.srv.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func token(t *testing.T, uid, device string, epoch int64) string {
	t.Helper()
	tok, _, err := security.Generate(security.DefaultOptions(testSecret), uid, device, epoch)
	require.NoError(t, err)
	return tok
}

func dialWS(t *testing.T, n *testNode, query string, header http.Header) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(n.url(query), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeFrame(t *testing.T, c *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := EncodeFrame(event, data)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, raw))
}

func readFrame(t *testing.T, c *websocket.Conn) Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	f, err := ParseFrame(data)
	require.NoError(t, err)
	return *f
}

func login(t *testing.T, n *testNode, uid, device string) (*websocket.Conn, AuthenticatedPayload) {
	t.Helper()
	c := dialWS(t, n, "", nil)
	writeFrame(t, c, EventAuthenticate, AuthenticatePayload{Token: token(t, uid, "", 0), DeviceID: device})
	f := readFrame(t, c)
	require.Equal(t, EventAuthenticated, f.Event, string(f.Data))
	var p AuthenticatedPayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	return c, p
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		assert.True(t, websocket.IsCloseError(err, code), "want close %d, got %v", code, err)
		return
	}
}

func TestAuthenticateRegistersConnection(t *testing.T) {
	env := newTestEnv(t)
	n := env.node(t, "gw-a", GatewayConfig{}, nil)
	ctx := context.Background()

	c, auth := login(t, n, "alice", "phone")
	assert.Equal(t, "alice", auth.UserID)
	assert.Equal(t, "phone", auth.DeviceID)
	assert.Equal(t, "gw-a", auth.Node)

	meta, err := n.gw.Registry.GetMetadata(ctx, auth.SocketID)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "gw-a", meta.ServerInstanceID)
	assert.Equal(t, "phone", meta.DeviceID)
	online, err := n.gw.Presence.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)
	assert.Equal(t, int64(1), n.gw.LiveConnections())

	// 客户端主动关闭：注册表、presence、hub 全部清掉
	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool {
		socks, _ := n.gw.Registry.GetUserSockets(ctx, "alice")
		on, _ := n.gw.Presence.IsOnline(ctx, "alice")
		return len(socks) == 0 && !on && n.gw.Hub.Count() == 0 && n.gw.LiveConnections() == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSecondDeviceKeepsPresence(t *testing.T) {
	env := newTestEnv(t)
	n := env.node(t, "gw-a", GatewayConfig{}, nil)
	ctx := context.Background()

	phone, _ := login(t, n, "alice", "phone")
	_, _ = login(t, n, "alice", "laptop")

	_ = phone.Close()
	require.Eventually(t, func() bool {
		socks, _ := n.gw.Registry.GetUserSockets(ctx, "alice")
		return len(socks) == 1
	}, 3*time.Second, 20*time.Millisecond)
	online, err := n.gw.Presence.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)
	devices, err := n.gw.Presence.Devices(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"laptop"}, devices)
}

// beforeCmdHook 第一次遇到带 match 参数的命令时，先执行 inject 再放行
type beforeCmdHook struct {
	match  string
	fired  *atomic.Bool
	inject func(ctx context.Context)
}

func (h beforeCmdHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h beforeCmdHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		for _, a := range cmd.Args() {
			if v, ok := a.(string); ok && v == h.match && h.fired.CompareAndSwap(false, true) {
				h.inject(ctx)
				break
			}
		}
		return next(ctx, cmd)
	}
}

func (h beforeCmdHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

// 旧连接清理 presence 的同时，同一设备在别的节点重连成功：用户必须保持在线
func TestSameDeviceReconnectDuringCleanup(t *testing.T) {
	env := newTestEnv(t)
	n := env.node(t, "gw-a", GatewayConfig{}, nil)
	ctx := context.Background()

	old, auth := login(t, n, "alice", "phone")

	var fired atomic.Bool
	env.rdb.AddHook(beforeCmdHook{
		match: "phone|" + auth.SocketID,
		fired: &fired,
		inject: func(ctx context.Context) {
			_, err := n.gw.Registry.Register(ctx, storage.SocketConnection{
				SocketID: "s2", UserID: "alice", DeviceID: "phone", ServerInstanceID: "gw-b", ConnectedAt: time.Now(),
			})
			assert.NoError(t, err)
			_, err = n.gw.Presence.SetOnline(ctx, "alice", "phone", "s2")
			assert.NoError(t, err)
		},
	})

	_ = old.Close()
	require.Eventually(t, func() bool {
		return fired.Load() && n.gw.LiveConnections() == 0
	}, 3*time.Second, 20*time.Millisecond)

	socks, err := n.gw.Registry.GetUserSockets(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, socks)
	online, err := n.gw.Presence.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)
	devices, _ := n.gw.Presence.Devices(ctx, "alice")
	assert.Equal(t, []string{"phone"}, devices)
}

func TestTokenFromQuery(t *testing.T) {
	env := newTestEnv(t)
	n := env.node(t, "gw-a", GatewayConfig{}, nil)

	// 升级请求里带了 token，不用再发 authenticate
	c := dialWS(t, n, "token="+token(t, "bob", "tablet", 0), nil)
	f := readFrame(t, c)
	require.Equal(t, EventAuthenticated, f.Event)
	var p AuthenticatedPayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	assert.Equal(t, "bob", p.UserID)
	// 没传 deviceId 时用 token 里的 did
	assert.Equal(t, "tablet", p.DeviceID)
}

func TestTokenFromHeaderWithoutAuthenticateFrame(t *testing.T) {
	env := newTestEnv(t)
	n := env.node(t, "gw-a", GatewayConfig{AuthTimeout: 200 * time.Millisecond}, nil)

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token(t, "alice", "", 0))
	c := dialWS(t, n, "deviceId=watch", h)
	f := readFrame(t, c)
	require.Equal(t, EventAuthenticated, f.Event, string(f.Data))
	var first AuthenticatedPayload
	require.NoError(t, json.Unmarshal(f.Data, &first))
	assert.Equal(t, "alice", first.UserID)
	assert.Equal(t, "watch", first.DeviceID)

	// 超过 authTimeout 连接依然有效；之后补发的 authenticate 只回当前身份
	time.Sleep(300 * time.Millisecond)
	writeFrame(t, c, EventAuthenticate, AuthenticatePayload{Token: token(t, "bob", "", 0)})
	f = readFrame(t, c)
	require.Equal(t, EventAuthenticated, f.Event)
	var again AuthenticatedPayload
	require.NoError(t, json.Unmarshal(f.Data, &again))
	assert.Equal(t, first, again)

	bad := http.Header{}
	bad.Set("Authorization", "Bearer not-a-jwt")
	c2 := dialWS(t, n, "", bad)
	f = readFrame(t, c2)
	require.Equal(t, EventAuthFailed, f.Event)
	assert.Contains(t, string(f.Data), AuthReasonInvalidToken)
	expectClose(t, c2, CloseAuthFailed)
}

func TestAuthFailures(t *testing.T) {
	env := newTestEnv(t)
	n := env.node(t, "gw-a", GatewayConfig{}, nil)

	cases := []struct {
		name   string
		token  string
		reason string
	}{
		{"garbage", "not-a-jwt", AuthReasonInvalidToken},
		{"missing", "", AuthReasonMissingToken},
		{"unknown account", token(t, "nobody", "", 0), AuthReasonAccountNotFound},
		{"banned", token(t, "mallory", "", 0), AuthReasonAccountDisabled},
		{"password changed", token(t, "carol", "", 1), AuthReasonPasswordChanged},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := dialWS(t, n, "", nil)
			writeFrame(t, c, EventAuthenticate, AuthenticatePayload{Token: tc.token})
			f := readFrame(t, c)
			require.Equal(t, EventAuthFailed, f.Event)
			var p AuthFailedPayload
			require.NoError(t, json.Unmarshal(f.Data, &p))
			assert.Equal(t, tc.reason, p.Reason)
			expectClose(t, c, CloseAuthFailed)
		})
	}
	assert.Equal(t, 0, n.gw.Hub.Count())
}

func TestFirstFrameMustAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	n := env.node(t, "gw-a", GatewayConfig{}, nil)

	c := dialWS(t, n, "", nil)
	writeFrame(t, c, EventPing, nil)
	f := readFrame(t, c)
	require.Equal(t, EventAuthFailed, f.Event)
	assert.Contains(t, string(f.Data), AuthReasonBadFrame)
	expectClose(t, c, CloseAuthFailed)
}

func TestAuthTimeout(t *testing.T) {
	env := newTestEnv(t)
	n := env.node(t, "gw-a", GatewayConfig{AuthTimeout: 100 * time.Millisecond}, nil)

	c := dialWS(t, n, "", nil)
	f := readFrame(t, c)
	require.Equal(t, EventAuthFailed, f.Event)
	assert.Contains(t, string(f.Data), AuthReasonTimeout)
	expectClose(t, c, CloseAuthFailed)
}

func TestOriginAllowList(t *testing.T) {
	env := newTestEnv(t)
	n := env.node(t, "gw-a", GatewayConfig{AllowedOrigins: []string{"https://chat.example.com/"}}, nil)

	_, resp, err := websocket.DefaultDialer.Dial(n.url(""), http.Header{"Origin": {"https://evil.example.com"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	c, _, err := websocket.DefaultDialer.Dial(n.url(""), http.Header{"Origin": {"https://CHAT.example.com"}})
	require.NoError(t, err)
	_ = c.Close()
}

func TestRateLimitAndUnknownEvent(t *testing.T) {
	env := newTestEnv(t)
	n := env.node(t, "gw-a", GatewayConfig{}, func(d *Deps) {
		d.Limiter = NewRateLimiter(env.rdb, RateLimitConfig{Events: 2, Window: time.Minute})
		d.Dispatcher.Register("echo", func(_ context.Context, s *Session, data json.RawMessage) error {
			s.Send("echo", data)
			return nil
		})
	})
	c, _ := login(t, n, "alice", "phone")

	writeFrame(t, c, "nope", nil)
	f := readFrame(t, c)
	require.Equal(t, EventError, f.Event)
	var ep ErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &ep))
	assert.Equal(t, 1007, ep.Code)
	assert.Equal(t, "nope", ep.Event)

	writeFrame(t, c, "echo", map[string]int{"n": 1})
	assert.Equal(t, "echo", readFrame(t, c).Event)

	writeFrame(t, c, "echo", map[string]int{"n": 2})
	f = readFrame(t, c)
	require.Equal(t, EventError, f.Event)
	ep = ErrorPayload{}
	require.NoError(t, json.Unmarshal(f.Data, &ep))
	assert.Equal(t, 1003, ep.Code)
	assert.True(t, ep.Retryable)
	assert.Greater(t, ep.RetryAfterMs, int64(0))
}

func TestDrain(t *testing.T) {
	env := newTestEnv(t)
	n := env.node(t, "gw-a", GatewayConfig{DrainTimeout: 300 * time.Millisecond}, nil)
	c, _ := login(t, n, "alice", "phone")

	forced := make(chan int, 1)
	go func() { forced <- n.gw.Drain(context.Background()) }()

	f := readFrame(t, c)
	require.Equal(t, EventServerShutdown, f.Event)
	var notice NoticePayload
	require.NoError(t, json.Unmarshal(f.Data, &notice))
	assert.True(t, notice.Reconnect)

	// 客户端不理会通知，超时后被强制关闭
	expectClose(t, c, websocket.CloseGoingAway)
	select {
	case got := <-forced:
		assert.Equal(t, 1, got)
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not return")
	}
	assert.True(t, n.gw.Draining())
	assert.Equal(t, int64(0), n.gw.LiveConnections())

	resp, err := n.health.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	_, hr, err := websocket.DefaultDialer.Dial(n.url(""), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, hr.StatusCode)

	// 第二次调用是空操作
	assert.Equal(t, 0, n.gw.Drain(context.Background()))
}

func TestPresenceWatchAndBroadcast(t *testing.T) {
	env := newTestEnv(t)
	a := env.node(t, "gw-a", GatewayConfig{}, nil)
	b := env.node(t, "gw-b", GatewayConfig{}, nil)
	ctx := context.Background()

	watcher := newSession("w1", nil, 16)
	watcher.UserID = "alice"
	a.gw.Hub.Join(watcher)

	require.NoError(t, a.gw.SubscribePresence(ctx, watcher, []string{"bob"}))
	f := nextQueued(t, watcher)
	require.Equal(t, EventPresenceUpdate, f.Event)
	var pu PresenceUpdatePayload
	require.NoError(t, json.Unmarshal(f.Data, &pu))
	assert.Equal(t, "bob", pu.UserID)
	assert.False(t, pu.Online)

	// bob 连到另一个节点，上线事件经总线到达 a
	_, _ = login(t, b, "bob", "phone")
	f = nextQueued(t, watcher)
	require.Equal(t, EventPresenceUpdate, f.Event)
	require.NoError(t, json.Unmarshal(f.Data, &pu))
	assert.True(t, pu.Online)

	a.gw.UnsubscribePresence(watcher, []string{"bob"})
	assert.Empty(t, a.gw.Hub.Watchers("bob"))

	require.NoError(t, b.gw.AnnounceMaintenance(ctx, "db upgrade at 02:00"))
	f = nextQueued(t, watcher)
	require.Equal(t, EventServerMaintenance, f.Event)
	assert.Contains(t, string(f.Data), "db upgrade")
}

func TestSubscribePresenceValidation(t *testing.T) {
	env := newTestEnv(t)
	a := env.node(t, "gw-a", GatewayConfig{}, nil)
	s := newSession("w1", nil, 4)
	a.gw.Hub.Join(s)
	require.Error(t, a.gw.SubscribePresence(context.Background(), s, nil))
}

func nextQueued(t *testing.T, s *Session) Frame {
	t.Helper()
	select {
	case raw := <-s.send:
		f, err := ParseFrame(raw)
		require.NoError(t, err)
		return *f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame queued")
		return Frame{}
	}
}
