package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"PPChat/module/chat/conversation"
	"PPChat/module/chat/message"
	chatmodel "PPChat/module/chat/model"
	"PPChat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pushed struct {
	Users   []string
	Event   string
	Data    any
	Exclude string
}

type recordPusher struct {
	mu  sync.Mutex
	out []pushed
}

func (p *recordPusher) PushToUsers(_ context.Context, users []string, event string, data any, exclude string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, pushed{Users: append([]string(nil), users...), Event: event, Data: data, Exclude: exclude})
	return nil
}

func (p *recordPusher) events(name string) []pushed {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []pushed
	for _, e := range p.out {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	c     *Coordinator
	store *message.MemStore
	push  *recordPusher
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: message.NewMemStore(), push: &recordPusher{}, clock: time.UnixMilli(1_700_000_000_000)}
	dir := conversation.NewMemDirectory(
		chatmodel.Conversation{ID: "dm", Type: chatmodel.ConversationDirect, MemberIDs: []string{"alice", "bob"}},
		chatmodel.Conversation{ID: "grp", Type: chatmodel.ConversationGroup, MemberIDs: []string{"alice", "bob", "carol"}},
	)
	f.c = NewCoordinator(f.store, dir, f.push, Config{NodeID: 1, Now: func() time.Time {
		f.clock = f.clock.Add(time.Millisecond)
		return f.clock
	}})
	return f
}

func text(conv, cid, body string) SendRequest {
	return SendRequest{SenderID: "alice", ConversationID: conv, ClientMessageID: cid, Type: chatmodel.MsgTypeText, Content: body, OriginSocketID: "sock-a1"}
}

func TestSendFansOutAndAcks(t *testing.T) {
	f := newFixture(t)
	ack, err := f.c.Send(context.Background(), text("dm", "c1", "hi"))
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)
	assert.Equal(t, "c1", ack.ClientMessageID)
	assert.NotEmpty(t, ack.ServerMessageID)

	news := f.push.events(EventMessageNew)
	require.Len(t, news, 1)
	assert.ElementsMatch(t, []string{"alice", "bob"}, news[0].Users)
	assert.Equal(t, "sock-a1", news[0].Exclude)
	assert.Equal(t, ack.ServerMessageID, news[0].Data.(MessageNewPayload).Message.ID)
}

// 断线后用同一个 clientMessageId 重发，只落一条
func TestSendRetryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	first, err := f.c.Send(context.Background(), text("dm", "c1", "hi"))
	require.NoError(t, err)

	retry := text("dm", "c1", "hi")
	retry.OriginSocketID = "sock-a1-reconnected"
	second, err := f.c.Send(context.Background(), retry)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ServerMessageID, second.ServerMessageID)
	assert.Equal(t, first.Timestamp, second.Timestamp)

	page, err := f.c.ListMessages(context.Background(), "bob", "dm", "", 10)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Len(t, f.push.events(EventMessageNew), 1)
}

func TestConcurrentDuplicateSends(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	f.c.now = func() time.Time { mu.Lock(); defer mu.Unlock(); f.clock = f.clock.Add(time.Millisecond); return f.clock }

	ids := make(chan string, 16)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack, err := f.c.Send(context.Background(), text("dm", "same", "hi"))
			if assert.NoError(t, err) {
				ids <- ack.ServerMessageID
			}
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
	page, _ := f.c.ListMessages(context.Background(), "alice", "dm", "", 50)
	assert.Len(t, page.Items, 1)
}

func TestSendRejectsNonMember(t *testing.T) {
	f := newFixture(t)
	req := text("dm", "c1", "hi")
	req.SenderID = "mallory"
	_, err := f.c.Send(context.Background(), req)
	assert.True(t, errors.Is(err, errs.ErrAuthorization))

	req.ConversationID = "nope"
	_, err = f.c.Send(context.Background(), req)
	assert.True(t, errors.Is(err, errs.ErrAuthorization))
	assert.Empty(t, f.push.events(EventMessageNew))
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	for name, req := range map[string]SendRequest{
		"empty text":  text("dm", "c1", "   "),
		"no cid":      text("dm", "", "hi"),
		"bad type":    {SenderID: "alice", ConversationID: "dm", ClientMessageID: "c", Type: "hologram", Content: "x"},
		"empty media": {SenderID: "alice", ConversationID: "dm", ClientMessageID: "c", Type: chatmodel.MsgTypeImage},
	} {
		_, err := f.c.Send(context.Background(), req)
		assert.True(t, errors.Is(err, errs.ErrInvalidArgument), name)
	}
}

func TestStoreFailureIsTransientAndRetryable(t *testing.T) {
	f := newFixture(t)
	f.store.FailInsert = errors.New("disk on fire")
	_, err := f.c.Send(context.Background(), text("dm", "c1", "hi"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrTransientSend))
	assert.True(t, errors.Is(err, errs.ErrRetryable))

	f.store.FailInsert = nil
	ack, err := f.c.Send(context.Background(), text("dm", "c1", "hi"))
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)
}

func TestDirectReceipts(t *testing.T) {
	f := newFixture(t)
	ack, err := f.c.Send(context.Background(), text("dm", "c1", "hi"))
	require.NoError(t, err)

	ch, err := f.c.RecordSeen(context.Background(), ack.ServerMessageID, "bob")
	require.NoError(t, err)
	assert.True(t, ch.Changed)
	r := ch.State.Recipients["bob"]
	assert.NotZero(t, r.Seen)
	assert.Equal(t, r.Seen, r.Delivered)

	// 已 seen 的 delivered 是无效更新，不再推送
	ch, err = f.c.RecordDelivered(context.Background(), ack.ServerMessageID, "bob")
	require.NoError(t, err)
	assert.False(t, ch.Changed)
	ups := f.push.events(EventReceiptUpdate)
	require.Len(t, ups, 1)
	assert.Equal(t, []string{"alice"}, ups[0].Users)
	assert.Equal(t, chatmodel.ReceiptSeen, ups[0].Data.(ReceiptUpdatePayload).Type)

	// 发送者给自己的消息回执是空操作
	ch, err = f.c.RecordSeen(context.Background(), ack.ServerMessageID, "alice")
	require.NoError(t, err)
	assert.False(t, ch.Changed)

	_, err = f.c.RecordSeen(context.Background(), ack.ServerMessageID, "mallory")
	assert.True(t, errors.Is(err, errs.ErrAuthorization))
}

func TestGroupReceiptsCapped(t *testing.T) {
	f := newFixture(t)
	ack, err := f.c.Send(context.Background(), text("grp", "g1", "hello all"))
	require.NoError(t, err)
	for _, u := range []string{"bob", "carol", "bob", "carol"} {
		_, err := f.c.RecordSeen(context.Background(), ack.ServerMessageID, u)
		require.NoError(t, err)
	}
	st, err := f.store.GetReceipt(context.Background(), ack.ServerMessageID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalRecipients)
	assert.Equal(t, 2, st.SeenCount)
	assert.Equal(t, 2, st.DeliveredCount)
}

func TestMarkConversationReadOncePerUser(t *testing.T) {
	f := newFixture(t)
	var last *Ack
	for i := 0; i < 3; i++ {
		ack, err := f.c.Send(context.Background(), text("grp", fmt.Sprintf("g%d", i), "m"))
		require.NoError(t, err)
		last = ack
	}
	n, err := f.c.MarkConversationRead(context.Background(), "grp", "bob", last.ServerMessageID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = f.c.MarkConversationRead(context.Background(), "grp", "bob", last.ServerMessageID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, f.push.events(EventConversationRead), 1)

	st, _ := f.store.GetReceipt(context.Background(), last.ServerMessageID)
	assert.Equal(t, 1, st.SeenCount)

	// 自己发的消息不计
	n, err = f.c.MarkConversationRead(context.Background(), "grp", "alice", last.ServerMessageID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestListMessagesPaging(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		_, err := f.c.Send(context.Background(), text("dm", fmt.Sprintf("c%d", i), fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	page, err := f.c.ListMessages(context.Background(), "bob", "dm", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "m3", page.Items[0].Content)
	assert.Equal(t, "m4", page.Items[1].Content)

	page, err = f.c.ListMessages(context.Background(), "bob", "dm", page.NextCursor, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 3)
	assert.False(t, page.HasMore)
	assert.Equal(t, "m0", page.Items[0].Content)
	assert.Empty(t, page.NextCursor)

	_, err = f.c.ListMessages(context.Background(), "bob", "dm", "bogus", 10)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
}

func TestMessageContext(t *testing.T) {
	f := newFixture(t)
	var acks []*Ack
	for i := 0; i < 7; i++ {
		ack, err := f.c.Send(context.Background(), text("dm", fmt.Sprintf("c%d", i), fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		acks = append(acks, ack)
	}
	cp, err := f.c.MessageContext(context.Background(), "bob", "dm", acks[3].ServerMessageID, 2, 2)
	require.NoError(t, err)
	require.Len(t, cp.Items, 5)
	assert.Equal(t, "m1", cp.Items[0].Content)
	assert.Equal(t, acks[3].ServerMessageID, cp.Items[2].ID)
	assert.Equal(t, "m5", cp.Items[4].Content)
	assert.True(t, cp.HasOlderMessages)
	assert.True(t, cp.HasNewerMessages)
	assert.NotEmpty(t, cp.OlderCursor)
	assert.Equal(t, cp.Items[4].Cursor(), cp.NewerCursor)

	cp, err = f.c.MessageContext(context.Background(), "bob", "dm", acks[6].ServerMessageID, 10, 10)
	require.NoError(t, err)
	assert.Len(t, cp.Items, 7)
	assert.False(t, cp.HasOlderMessages)
	assert.False(t, cp.HasNewerMessages)
	assert.Empty(t, cp.NewerCursor)
}

func TestListNewerFromContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var acks []*Ack
	for i := 0; i < 7; i++ {
		ack, err := f.c.Send(ctx, text("dm", fmt.Sprintf("c%d", i), fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		acks = append(acks, ack)
	}
	cp, err := f.c.MessageContext(ctx, "bob", "dm", acks[1].ServerMessageID, 1, 1)
	require.NoError(t, err)
	require.True(t, cp.HasNewerMessages)

	page, err := f.c.ListNewer(ctx, "bob", "dm", cp.NewerCursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "m3", page.Items[0].Content)
	assert.Equal(t, "m4", page.Items[1].Content)
	assert.True(t, page.HasMore)

	page, err = f.c.ListNewer(ctx, "bob", "dm", page.NextCursor, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "m6", page.Items[1].Content)
	assert.False(t, page.HasMore)

	_, err = f.c.ListNewer(ctx, "bob", "dm", "", 10)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
	_, err = f.c.ListNewer(ctx, "mallory", "dm", page.NextCursor, 10)
	assert.True(t, errors.Is(err, errs.ErrAuthorization))
}

func TestTypingGoesToOthers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Typing(context.Background(), "grp", "bob", true))
	ev := f.push.events(EventTyping)
	require.Len(t, ev, 1)
	assert.ElementsMatch(t, []string{"alice", "carol"}, ev[0].Users)
	assert.True(t, ev[0].Data.(TypingPayload).Typing)
}
