package conversation

import (
	"context"
	"errors"
	"testing"

	chatmodel "PPChat/module/chat/model"
	"PPChat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDirectory(t *testing.T) {
	d := NewMemDirectory(chatmodel.Conversation{ID: "c1", Type: chatmodel.ConversationDirect, MemberIDs: []string{"a", "b"}})

	c, err := d.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, c.HasMember("a"))
	assert.Equal(t, []string{"b"}, c.Recipients("a"))

	// 返回值是副本
	c.MemberIDs[0] = "x"
	again, _ := d.Get(context.Background(), "c1")
	assert.Equal(t, "a", again.MemberIDs[0])

	_, err = d.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}
