package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"PPChat/service/bus"
	"PPChat/service/kafka"
	"PPChat/service/storage"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlowConsumerIsKicked(t *testing.T) {
	s := newSession("s1", nil, 2)
	assert.True(t, s.Send("a", nil))
	assert.True(t, s.Send("b", nil))
	assert.False(t, s.Send("c", nil))

	select {
	case <-s.Closed():
	default:
		t.Fatal("session should be closed")
	}
	assert.Equal(t, ReasonServerKick, s.Reason())
	code, text := s.closeFrame()
	assert.Equal(t, CloseKicked, code)
	assert.Equal(t, "slow consumer", text)

	// 关闭后入队静默丢弃，原因不被覆盖
	assert.False(t, s.Send("d", nil))
	s.Close(ReasonClientClosed, 0, "")
	assert.Equal(t, ReasonServerKick, s.Reason())
}

func TestHubWatchersCleanedOnLeave(t *testing.T) {
	h := NewHub()
	a1 := &Session{ID: "a1", UserID: "alice"}
	a2 := &Session{ID: "a2", UserID: "alice"}
	b1 := &Session{ID: "b1", UserID: "bob"}
	h.Join(a1)
	h.Join(a2)
	h.Join(b1)
	assert.Len(t, h.SocketsOf("alice"), 2)
	assert.Equal(t, 3, h.Count())

	h.Watch("a1", "bob", "carol")
	h.Watch("b1", "carol")
	h.Watch("ghost", "carol") // 不在 hub 的连接忽略
	assert.Len(t, h.Watchers("carol"), 2)

	h.Leave(a1)
	assert.Nil(t, h.Get("a1"))
	assert.Len(t, h.SocketsOf("alice"), 1)
	assert.Empty(t, h.Watchers("bob"))
	assert.Len(t, h.Watchers("carol"), 1)

	// 同 id 的旧 session 离开不影响新的
	h.Leave(&Session{ID: "b1", UserID: "bob"})
	assert.NotNil(t, h.Get("b1"))
}

func TestPusherRoutesByNode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	reg := storage.NewConnRegistry(env.rdb, storage.RegistryConfig{TTL: time.Minute})

	hubA, hubB := NewHub(), NewHub()
	busA := bus.New(env.mem.Transport(), "gw-a")
	busB := bus.New(env.mem.Transport(), "gw-b")
	pa := NewPusher("gw-a", hubA, reg, busA)
	pb := NewPusher("gw-b", hubB, reg, busB)
	require.NoError(t, busB.Subscribe(bus.DeliverChannel("gw-b"), pb.HandleDeliver))

	join := func(h *Hub, sid, uid, node string) *Session {
		s := newSession(sid, nil, 8)
		s.UserID = uid
		h.Join(s)
		_, err := reg.Register(ctx, storage.SocketConnection{SocketID: sid, UserID: uid, DeviceID: sid, ServerInstanceID: node})
		require.NoError(t, err)
		return s
	}
	aliceA := join(hubA, "s-alice-a", "alice", "gw-a")
	aliceB := join(hubB, "s-alice-b", "alice", "gw-b")
	bobA := join(hubA, "s-bob-a", "bob", "gw-a")
	// 注册表里有、但节点上已经没有的连接
	_, err := reg.Register(ctx, storage.SocketConnection{SocketID: "s-stale", UserID: "bob", ServerInstanceID: "gw-b"})
	require.NoError(t, err)

	err = pa.PushToUsers(ctx, []string{"alice", "bob", "alice"}, "message-new", map[string]string{"id": "m1"}, "s-bob-a")
	require.NoError(t, err)

	for _, s := range []*Session{aliceA, aliceB} {
		f := nextQueued(t, s)
		assert.Equal(t, "message-new", f.Event)
		assert.JSONEq(t, `{"id":"m1"}`, string(f.Data))
		assert.Len(t, s.send, 0, "alice socket %s got duplicates", s.ID)
	}
	assert.Len(t, bobA.send, 0)
}

func TestPusherFallsBackToLocalWhenRegistryDown(t *testing.T) {
	env := newTestEnv(t)
	reg := storage.NewConnRegistry(env.rdb, storage.RegistryConfig{TTL: time.Minute})
	hub := NewHub()
	p := NewPusher("gw-a", hub, reg, bus.New(env.mem.Transport(), "gw-a"))
	s := newSession("s1", nil, 4)
	s.UserID = "alice"
	hub.Join(s)

	env.mr.Close()
	err := p.PushToUsers(context.Background(), []string{"alice"}, "typing", map[string]bool{"typing": true}, "")
	require.Error(t, err)
	assert.Equal(t, "typing", nextQueued(t, s).Event)
}

func TestKafkaAnalyticsRecord(t *testing.T) {
	mp := mocks.NewAsyncProducer(t, kafka.BuildBaseConfig(kafka.Config{}))
	mp.ExpectInputWithCheckerFunctionAndSucceed(func(v []byte) error {
		var rec ConnRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if rec.SocketID != "s1" || rec.Reason != ReasonClientClosed {
			return sarama.ErrInvalidMessage
		}
		return nil
	})
	a := NewKafkaAnalytics(kafka.NewAsyncPublisher(mp, "conn-analytics", nil))
	require.NoError(t, a.Record(context.Background(), ConnRecord{SocketID: "s1", UserID: "alice", Reason: ReasonClientClosed}))
	require.NoError(t, a.Close())
	require.NoError(t, NoopAnalytics{}.Record(context.Background(), ConnRecord{}))
}

func TestFrameCodec(t *testing.T) {
	raw, err := EncodeFrame("x", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"x","data":{"a":1}}`, string(raw))

	raw, err = EncodeFrame("y", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"y"}`, string(raw))

	_, err = ParseFrame([]byte(`{"data":{}}`))
	require.Error(t, err)
	_, err = ParseFrame([]byte(`not json`))
	require.Error(t, err)
}
