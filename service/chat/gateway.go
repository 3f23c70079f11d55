package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"PPChat/logger"
	"PPChat/middleware"
	"PPChat/service/bus"
	"PPChat/service/metrics"
	"PPChat/service/storage"
	"PPChat/tools/errs"
	"PPChat/tools/safe"
	"PPChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	handlerTimeout = 10 * time.Second
	cleanupTimeout = 5 * time.Second
	forceCloseWait = 2 * time.Second
)

type GatewayConfig struct {
	NodeID            string
	AllowedOrigins    []string // 空 Origin（非浏览器客户端）总是放行；"*" 放行全部
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration // 服务端 ping 周期，两个周期收不到任何帧视为超时
	WriteWait         time.Duration
	DrainTimeout      time.Duration
	SendBuffer        int
	MaxMessageSize    int64
}

func (c *GatewayConfig) norm() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 54 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 20 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
}

// Deregisterer 服务发现摘除（nacos）
type Deregisterer interface {
	Deregister(ctx context.Context) error
}

type Deps struct {
	Hub        *Hub
	Registry   *storage.ConnRegistry
	Presence   *storage.Presence
	Bus        *bus.Bus
	Auth       *Authenticator
	Dispatcher *Dispatcher
	Limiter    *RateLimiter   // nil 不限流
	Analytics  Analytics      // nil 不上报
	Health     *health.Server // nil 不摘 gRPC 健康检查
	Naming     Deregisterer   // nil 不摘注册中心
}

// PresenceEvent presence-online / presence-offline 频道的载荷
type PresenceEvent struct {
	UserID    string `json:"userId"`
	DeviceID  string `json:"deviceId,omitempty"`
	Online    bool   `json:"online"`
	Timestamp int64  `json:"timestamp"`
}

// BroadcastPayload broadcast 频道：所有节点把同一帧写给自己的全部连接
type BroadcastPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Gateway 连接生命周期：握手鉴权、注册、心跳、断开清理、优雅下线
type Gateway struct {
	conf GatewayConfig
	Deps

	upgrader websocket.Upgrader
	origins  *middleware.OriginList

	draining atomic.Bool
	live     atomic.Int64 // 已加入 hub 且还没清理完的连接
}

func NewGateway(conf GatewayConfig, deps Deps) *Gateway {
	conf.norm()
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = NewDispatcher()
	}
	if deps.Analytics == nil {
		deps.Analytics = NoopAnalytics{}
	}
	g := &Gateway{conf: conf, Deps: deps, origins: middleware.NewOriginList(conf.AllowedOrigins)}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Origin 在升级前已经校验过
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return g
}

func (g *Gateway) NodeID() string { return g.conf.NodeID }
func (g *Gateway) Draining() bool { return g.draining.Load() }
func (g *Gateway) LiveConnections() int64 { return g.live.Load() }

// Start 订阅跨节点频道；必须在对外提供 /ws 之前调用
func (g *Gateway) Start(pusher *Pusher) error {
	if err := g.Bus.Subscribe(bus.ChannelPresenceOnline, g.onPresence); err != nil {
		return errs.WrapMsg(err, "subscribe presence-online")
	}
	if err := g.Bus.Subscribe(bus.ChannelPresenceOffline, g.onPresence); err != nil {
		return errs.WrapMsg(err, "subscribe presence-offline")
	}
	if err := g.Bus.Subscribe(bus.ChannelBroadcast, g.onBroadcast); err != nil {
		return errs.WrapMsg(err, "subscribe broadcast")
	}
	if pusher != nil {
		if err := g.Bus.Subscribe(bus.DeliverChannel(g.conf.NodeID), pusher.HandleDeliver); err != nil {
			return errs.WrapMsg(err, "subscribe deliver", "node", g.conf.NodeID)
		}
	}
	return nil
}

// ServeWS GET /ws
func (g *Gateway) ServeWS(c *gin.Context) {
	if g.draining.Load() {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errs.ToWire(errs.ErrServerDraining))
		return
	}
	if !g.origins.Allowed(c.GetHeader("Origin")) {
		logger.Info("ws origin rejected", zap.String("origin", c.GetHeader("Origin")), zap.String("ip", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusForbidden, errs.ToWire(errs.ErrAuthorization))
		return
	}
	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 非 WebSocket 请求 / 握手失败，upgrader 已经写了响应
		logger.Info("upgrade websocket failed", zap.Error(err))
		return
	}
	s := newSession(ulid.Make().String(), ws, g.conf.SendBuffer)
	s.IP = c.ClientIP()
	s.UserAgent = c.Request.UserAgent()
	g.serve(s, c.GetHeader("Authorization"), c.Query("token"), c.Query("deviceId"))
}

func (g *Gateway) serve(s *Session, authz, queryToken, queryDevice string) {
	defer s.conn.Close()
	if !g.handshake(s, authz, queryToken, queryDevice) {
		return
	}
	defer g.disconnect(s)

	err := g.writeDirect(s, EventAuthenticated, g.authenticated(s))
	if err != nil {
		s.Close(ReasonTransportError, 0, "")
		return
	}
	s.setState(StateActive)
	logger.Info("connection authenticated",
		zap.String("socket", s.ID), zap.String("user", s.UserID), zap.String("device", s.DeviceID), zap.String("ip", s.IP))

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	g.publishPresence(ctx, bus.ChannelPresenceOnline, s.UserID, s.DeviceID, true)
	cancel()

	done := make(chan struct{})
	safe.SafeGo("ws-write-pump", func() {
		defer close(done)
		g.writePump(s)
	})
	g.readPump(s)
	<-done
}

// handshake 升级请求带了 token（Authorization 头或 ?token=）就直接鉴权；
// 否则第一帧必须是 authenticate。成功后连接已进注册表、presence 和 hub
func (g *Gateway) handshake(s *Session, authz, queryToken, queryDevice string) bool {
	s.setState(StateAuthenticating)
	s.conn.SetReadLimit(g.conf.MaxMessageSize)

	var p AuthenticatePayload
	if security.ExtractToken("", authz, queryToken) == "" {
		fp, ok := g.readAuthenticate(s)
		if !ok {
			return false
		}
		p = fp
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.conf.AuthTimeout)
	defer cancel()
	claims, err := g.Auth.Authenticate(ctx, security.ExtractToken(p.Token, authz, queryToken))
	if err != nil {
		var ae *AuthError
		if errors.As(err, &ae) {
			g.rejectAuth(s, ae.Reason)
		} else {
			g.failConnect(s, err)
		}
		return false
	}
	s.UserID = claims.UserID
	s.DeviceID = firstNonEmpty(p.DeviceID, queryDevice, claims.DeviceID, s.ID)

	if g.draining.Load() {
		g.failConnect(s, errs.ErrServerDraining.Wrap())
		return false
	}

	_, err = g.Registry.Register(ctx, storage.SocketConnection{
		SocketID:         s.ID,
		UserID:           s.UserID,
		DeviceID:         s.DeviceID,
		ServerInstanceID: g.conf.NodeID,
		IPAddress:        s.IP,
		UserAgent:        s.UserAgent,
		ConnectedAt:      s.ConnectedAt,
	})
	if err != nil {
		g.failConnect(s, err)
		return false
	}
	if _, err := g.Presence.SetOnline(ctx, s.UserID, s.DeviceID, s.ID); err != nil {
		if _, uerr := g.Registry.Unregister(ctx, s.ID); uerr != nil {
			logger.Warn("rollback registry failed", zap.String("socket", s.ID), zap.Error(uerr))
		}
		g.failConnect(s, err)
		return false
	}

	s.setState(StateAuthenticated)
	g.Hub.Join(s)
	g.live.Add(1)
	metrics.ConnectionsActive.Inc()
	return true
}

func (g *Gateway) authenticated(s *Session) AuthenticatedPayload {
	return AuthenticatedPayload{SocketID: s.ID, UserID: s.UserID, DeviceID: s.DeviceID, Node: g.conf.NodeID}
}

// readAuthenticate 在 authTimeout 内读第一帧，必须是 authenticate
func (g *Gateway) readAuthenticate(s *Session) (AuthenticatePayload, bool) {
	var p AuthenticatePayload
	_ = s.conn.SetReadDeadline(time.Now().Add(g.conf.AuthTimeout))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			g.rejectAuth(s, AuthReasonTimeout)
		} else {
			logger.Debug("connection lost before authenticate", zap.String("socket", s.ID), zap.Error(err))
			s.setState(StateClosed)
		}
		return p, false
	}
	f, err := ParseFrame(data)
	if err != nil || f.Event != EventAuthenticate {
		g.rejectAuth(s, AuthReasonBadFrame)
		return p, false
	}
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &p); err != nil {
			g.rejectAuth(s, AuthReasonBadFrame)
			return p, false
		}
	}
	return p, true
}

func (g *Gateway) rejectAuth(s *Session, reason string) {
	metrics.AuthFailures.WithLabelValues(reason).Inc()
	logger.Info("websocket auth failed", zap.String("socket", s.ID), zap.String("reason", reason), zap.String("ip", s.IP))
	_ = g.writeDirect(s, EventAuthFailed, AuthFailedPayload{Reason: reason})
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseAuthFailed, reason), time.Now().Add(g.conf.WriteWait))
	s.setState(StateClosed)
}

// failConnect 基础设施故障或正在下线：连接直接失败
func (g *Gateway) failConnect(s *Session, err error) {
	logger.Warn("websocket connect failed", zap.String("socket", s.ID), zap.String("user", s.UserID), zap.Error(err))
	_ = g.writeDirect(s, EventError, ErrorFrame(EventAuthenticate, err))
	code := websocket.CloseInternalServerErr
	if errors.Is(err, errs.ErrServerDraining) {
		code = websocket.CloseGoingAway
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), time.Now().Add(g.conf.WriteWait))
	s.setState(StateClosed)
}

// writeDirect 只在写协程启动前使用
func (g *Gateway) writeDirect(s *Session, event string, data any) error {
	raw, err := EncodeFrame(event, data)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(g.conf.WriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}
	s.messagesOut.Add(1)
	return nil
}

func (g *Gateway) pongWait() time.Duration { return 2 * g.conf.HeartbeatInterval }

// ---- 读循环：只读不写，入站事件按顺序处理 ----
func (g *Gateway) readPump(s *Session) {
	wait := g.pongWait()
	_ = s.conn.SetReadDeadline(time.Now().Add(wait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(wait))
		g.Heartbeat(s)
		return nil
	})
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			s.Close(readErrReason(err), 0, "")
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		s.messagesIn.Add(1)
		g.handleFrame(s, data)
	}
}

func readErrReason(err error) string {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		return ReasonClientClosed
	case isTimeout(err):
		return ReasonPingTimeout
	default:
		return ReasonTransportError
	}
}

func (g *Gateway) handleFrame(s *Session, data []byte) {
	f, err := ParseFrame(data)
	if err != nil {
		s.Send(EventError, ErrorFrame("", err))
		return
	}
	// 已经用升级请求里的 token 认证过，客户端仍发 authenticate：回当前身份，不重新鉴权
	if f.Event == EventAuthenticate {
		s.Send(EventAuthenticated, g.authenticated(s))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if g.Limiter != nil && f.Event != EventPing {
		ok, retry, err := g.Limiter.Allow(ctx, s.UserID)
		switch {
		case err != nil:
			logger.Warn("rate limiter unavailable, passing through", zap.String("user", s.UserID), zap.Error(err))
		case !ok:
			label := f.Event
			if !g.Dispatcher.Has(label) {
				label = "unknown"
			}
			metrics.RateLimited.WithLabelValues(label).Inc()
			s.Send(EventError, ErrorFrame(f.Event, errs.NewRateLimited(retry)))
			return
		}
	}

	if err := g.Dispatcher.Dispatch(ctx, s, f); err != nil {
		if _, ok := errs.AsCode(err); !ok {
			logger.Error("handler failed", zap.String("event", f.Event), zap.String("socket", s.ID), zap.Error(err))
		}
		s.Send(EventError, ErrorFrame(f.Event, err))
	}
}

// ---- 写协程：唯一写 conn 的地方 ----
func (g *Gateway) writePump(s *Session) {
	ticker := time.NewTicker(g.conf.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case raw := <-s.send:
			if err := g.write(s, raw); err != nil {
				s.Close(ReasonTransportError, 0, "")
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.conf.WriteWait)); err != nil {
				s.Close(ReasonTransportError, 0, "")
				return
			}
		case <-s.closed:
			// 已入队的帧（比如下线通知）先于 close 帧发出；慢消费者不再等
			if s.Reason() != ReasonServerKick {
				g.flush(s)
			}
			code, text := s.closeFrame()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text), time.Now().Add(g.conf.WriteWait))
			return
		}
	}
}

func (g *Gateway) write(s *Session, raw []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(g.conf.WriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		logger.Debug("ws write failed", zap.String("socket", s.ID), zap.Error(err))
		return err
	}
	s.messagesOut.Add(1)
	return nil
}

func (g *Gateway) flush(s *Session) {
	for {
		select {
		case raw := <-s.send:
			if g.write(s, raw) != nil {
				return
			}
		default:
			return
		}
	}
}

// Heartbeat 续期注册表和 presence；条目已被回收时重新登记
func (g *Gateway) Heartbeat(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	ok, err := g.Registry.RefreshTTL(ctx, s.ID)
	if err != nil {
		logger.Warn("registry refresh failed", zap.String("socket", s.ID), zap.Error(err))
	} else if !ok {
		_, err = g.Registry.Register(ctx, storage.SocketConnection{
			SocketID: s.ID, UserID: s.UserID, DeviceID: s.DeviceID, ServerInstanceID: g.conf.NodeID,
			IPAddress: s.IP, UserAgent: s.UserAgent, ConnectedAt: s.ConnectedAt,
		})
		if err != nil {
			logger.Warn("registry re-register failed", zap.String("socket", s.ID), zap.Error(err))
		}
	}
	touched, err := g.Presence.Touch(ctx, s.UserID, s.DeviceID, s.ID)
	if err != nil {
		logger.Warn("presence touch failed", zap.String("user", s.UserID), zap.Error(err))
		return
	}
	if !touched {
		online, err := g.Presence.SetOnline(ctx, s.UserID, s.DeviceID, s.ID)
		if err != nil {
			logger.Warn("presence restore failed", zap.String("user", s.UserID), zap.Error(err))
			return
		}
		if online {
			g.publishPresence(ctx, bus.ChannelPresenceOnline, s.UserID, s.DeviceID, true)
		}
	}
}

// disconnect 每个加入过 hub 的连接恰好执行一次
func (g *Gateway) disconnect(s *Session) {
	s.Close(ReasonTransportError, 0, "")
	s.setState(StateDisconnecting)
	reason := s.Reason()
	g.Hub.Leave(s)

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, err := g.Registry.Unregister(ctx, s.ID); err != nil {
		// 注册表条目会被 TTL 回收
		logger.Warn("registry unregister failed", zap.String("socket", s.ID), zap.Error(err))
	}
	g.releaseDevice(ctx, s)

	metrics.ConnectionsActive.Dec()
	metrics.Disconnects.WithLabelValues(reason).Inc()

	now := time.Now()
	rec := ConnRecord{
		SocketID:     s.ID,
		UserID:       s.UserID,
		DeviceID:     s.DeviceID,
		Node:         g.conf.NodeID,
		IPAddress:    s.IP,
		UserAgent:    s.UserAgent,
		Reason:       reason,
		ConnectedAt:  s.ConnectedAt.UnixMilli(),
		DisconnectAt: now.UnixMilli(),
		DurationMs:   now.Sub(s.ConnectedAt).Milliseconds(),
		MessagesIn:   s.MessagesIn(),
		MessagesOut:  s.MessagesOut(),
	}
	analytics := g.Analytics
	safe.BestEffort("conn-analytics", 3*time.Second, func(ctx context.Context) error {
		return analytics.Record(ctx, rec)
	})

	s.setState(StateClosed)
	g.live.Add(-1)
	logger.Info("connection closed",
		zap.String("socket", s.ID), zap.String("user", s.UserID), zap.String("reason", reason),
		zap.Int64("in", rec.MessagesIn), zap.Int64("out", rec.MessagesOut), zap.Int64("duration_ms", rec.DurationMs))
}

// releaseDevice 只摘掉本连接在 presence 里的条目；同设备的其他连接（任意节点）各自持有条目
func (g *Gateway) releaseDevice(ctx context.Context, s *Session) {
	offline, err := g.Presence.RemoveDevice(ctx, s.UserID, s.DeviceID, s.ID)
	if err != nil {
		logger.Warn("presence remove device failed", zap.String("user", s.UserID), zap.Error(err))
		return
	}
	if offline {
		g.publishPresence(ctx, bus.ChannelPresenceOffline, s.UserID, s.DeviceID, false)
	}
}

func (g *Gateway) publishPresence(ctx context.Context, channel, userID, deviceID string, online bool) {
	ev := PresenceEvent{UserID: userID, DeviceID: deviceID, Online: online, Timestamp: time.Now().UnixMilli()}
	if err := g.Bus.Publish(ctx, channel, ev); err != nil {
		logger.Warn("publish presence failed", zap.String("channel", channel), zap.String("user", userID), zap.Error(err))
	}
}

// OnPresenceExpired presence 清理扫描发现用户因超时离线
func (g *Gateway) OnPresenceExpired(ctx context.Context, userID string) {
	g.publishPresence(ctx, bus.ChannelPresenceOffline, userID, "", false)
}

func (g *Gateway) onPresence(_ context.Context, env bus.Envelope) error {
	var ev PresenceEvent
	if err := env.Decode(&ev); err != nil {
		return err
	}
	watchers := g.Hub.Watchers(ev.UserID)
	if len(watchers) == 0 {
		return nil
	}
	raw, err := EncodeFrame(EventPresenceUpdate, PresenceUpdatePayload{UserID: ev.UserID, Online: ev.Online, Timestamp: ev.Timestamp})
	if err != nil {
		return err
	}
	for _, s := range watchers {
		s.Enqueue(raw)
	}
	return nil
}

func (g *Gateway) onBroadcast(_ context.Context, env bus.Envelope) error {
	var b BroadcastPayload
	if err := env.Decode(&b); err != nil {
		return err
	}
	raw, err := EncodeFrame(b.Event, b.Data)
	if err != nil {
		return err
	}
	for _, s := range g.Hub.All() {
		s.Enqueue(raw)
	}
	return nil
}

// SubscribePresence 登记关注并立即回一份当前状态
func (g *Gateway) SubscribePresence(ctx context.Context, s *Session, userIDs []string) error {
	if len(userIDs) == 0 {
		return errs.ErrInvalidArgument.WrapMsg("userIds required")
	}
	if len(userIDs) > 500 {
		return errs.ErrInvalidArgument.WrapMsg("too many userIds", "count", len(userIDs))
	}
	g.Hub.Watch(s.ID, userIDs...)
	now := time.Now().UnixMilli()
	for _, uid := range userIDs {
		online, err := g.Presence.IsOnline(ctx, uid)
		if err != nil {
			return err
		}
		s.Send(EventPresenceUpdate, PresenceUpdatePayload{UserID: uid, Online: online, Timestamp: now})
	}
	return nil
}

func (g *Gateway) UnsubscribePresence(s *Session, userIDs []string) {
	g.Hub.Unwatch(s.ID, userIDs...)
}

// AnnounceMaintenance 经 broadcast 频道通知全部节点的全部连接
func (g *Gateway) AnnounceMaintenance(ctx context.Context, message string) error {
	data, err := json.Marshal(NoticePayload{Message: message, Reconnect: false, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return g.Bus.Publish(ctx, bus.ChannelBroadcast, BroadcastPayload{Event: EventServerMaintenance, Data: data})
}

// Drain 优雅下线：拒绝新连接、摘流量、通知客户端重连、等待、强制关闭。
// 返回被强制关闭的连接数。
func (g *Gateway) Drain(ctx context.Context) int {
	if !g.draining.CompareAndSwap(false, true) {
		return 0
	}
	logger.Info("gateway draining", zap.String("node", g.conf.NodeID), zap.Int64("connections", g.live.Load()))

	if g.Health != nil {
		g.Health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
	if g.Naming != nil {
		if err := g.Naming.Deregister(ctx); err != nil {
			logger.Warn("service deregister failed", zap.Error(err))
		}
	}

	raw, err := EncodeFrame(EventServerShutdown, NoticePayload{
		Message: "server is shutting down, please reconnect", Reconnect: true, Timestamp: time.Now().UnixMilli(),
	})
	if err == nil {
		var eg errgroup.Group
		eg.SetLimit(64)
		for _, s := range g.Hub.All() {
			s := s
			eg.Go(func() error {
				s.Enqueue(raw)
				return nil
			})
		}
		_ = eg.Wait()
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.conf.DrainTimeout)
	g.waitLive(waitCtx)
	cancel()

	remaining := g.Hub.All()
	for _, s := range remaining {
		s.Close(ReasonServerShutdown, websocket.CloseGoingAway, "server shutdown")
	}
	if len(remaining) > 0 {
		forceCtx, cancel := context.WithTimeout(context.Background(), forceCloseWait)
		g.waitLive(forceCtx)
		cancel()
	}
	logger.Info("gateway drained", zap.String("node", g.conf.NodeID), zap.Int("forced", len(remaining)))
	return len(remaining)
}

func (g *Gateway) waitLive(ctx context.Context) {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for g.live.Load() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
