package model

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func directState() *ReceiptState {
	conv := &Conversation{ID: "c1", Type: ConversationDirect, MemberIDs: []string{"alice", "bob"}}
	return NewReceiptState(&Message{ID: "m1", ConversationID: "c1", SenderID: "alice", CreatedAt: 100}, conv)
}

func groupState(members ...string) *ReceiptState {
	conv := &Conversation{ID: "g1", Type: ConversationGroup, MemberIDs: append([]string{"alice"}, members...)}
	return NewReceiptState(&Message{ID: "m1", ConversationID: "g1", SenderID: "alice", CreatedAt: 100}, conv)
}

func TestSeenBackfillsDelivered(t *testing.T) {
	st := directState()
	assert.True(t, st.ApplySeen("bob", 500))
	assert.Equal(t, int64(500), st.Recipients["bob"].Delivered)
	assert.Equal(t, int64(500), st.Recipients["bob"].Seen)

	// 已 seen 之后再来 delivered 不变
	assert.False(t, st.ApplyDelivered("bob", 600))
	assert.False(t, st.ApplySeen("bob", 700))
	assert.Equal(t, int64(500), st.Recipients["bob"].Seen)
}

func TestDeliveredThenSeenKeepsDelivered(t *testing.T) {
	st := directState()
	assert.True(t, st.ApplyDelivered("bob", 200))
	assert.True(t, st.ApplySeen("bob", 300))
	assert.Equal(t, int64(200), st.Recipients["bob"].Delivered)
}

func TestSenderAndStrangerAreIgnored(t *testing.T) {
	st := directState()
	assert.False(t, st.ApplyDelivered("alice", 200))
	assert.False(t, st.ApplySeen("mallory", 200))
}

func TestGroupCountersDedupAndCap(t *testing.T) {
	st := groupState("bob", "carol")
	assert.Equal(t, 2, st.TotalRecipients)

	assert.True(t, st.ApplySeen("bob", 10))
	assert.False(t, st.ApplySeen("bob", 11))
	assert.False(t, st.ApplyDelivered("bob", 12))
	assert.Equal(t, 1, st.SeenCount)
	assert.Equal(t, 1, st.DeliveredCount)

	assert.True(t, st.ApplyDelivered("carol", 13))
	assert.True(t, st.ApplySeen("carol", 14))
	assert.Equal(t, 2, st.SeenCount)
	assert.Equal(t, 2, st.DeliveredCount)
}

// 任意回执序列下：单调、seen ⇒ delivered、计数不超过总数
func TestReceiptMonotonicProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	users := []string{"alice", "bob", "carol", "dave"}
	type op struct {
		User int
		Seen bool
		At   int64
	}
	genOp := gopter.CombineGens(gen.IntRange(0, len(users)-1), gen.Bool(), gen.Int64Range(1, 1_000)).
		Map(func(v []interface{}) op { return op{User: v[0].(int), Seen: v[1].(bool), At: v[2].(int64)} })

	properties.Property("direct receipts monotonic", prop.ForAll(func(ops []op) bool {
		st := directState()
		var prevD, prevS int64
		for _, o := range ops {
			if o.Seen {
				st.ApplySeen(users[o.User], o.At)
			} else {
				st.ApplyDelivered(users[o.User], o.At)
			}
			r := st.Recipients["bob"]
			if prevD != 0 && r.Delivered != prevD || prevS != 0 && r.Seen != prevS {
				return false
			}
			if r.Seen != 0 && r.Delivered == 0 {
				return false
			}
			prevD, prevS = r.Delivered, r.Seen
		}
		return len(st.Recipients) == 1
	}, gen.SliceOf(genOp)))

	properties.Property("group counters capped", prop.ForAll(func(ops []op) bool {
		st := groupState("bob", "carol", "dave")
		prevD, prevS := 0, 0
		for _, o := range ops {
			if o.Seen {
				st.ApplySeen(users[o.User], o.At)
			} else {
				st.ApplyDelivered(users[o.User], o.At)
			}
			if st.DeliveredCount < prevD || st.SeenCount < prevS {
				return false
			}
			if st.SeenCount > st.DeliveredCount || st.DeliveredCount > st.TotalRecipients {
				return false
			}
			prevD, prevS = st.DeliveredCount, st.SeenCount
		}
		return true
	}, gen.SliceOf(genOp)))

	properties.TestingRun(t)
}

func TestParseCursor(t *testing.T) {
	m := &Message{ID: "7000", CreatedAt: 1700000000123}
	ts, id, ok := ParseCursor(m.Cursor())
	assert.True(t, ok)
	assert.Equal(t, int64(1700000000123), ts)
	assert.Equal(t, "7000", id)

	_, _, ok = ParseCursor("garbage")
	assert.False(t, ok)
	_, _, ok = ParseCursor("")
	assert.True(t, ok)
}
