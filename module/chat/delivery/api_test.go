package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"PPChat/client/msgcache"
	"PPChat/middleware"
	midsec "PPChat/middleware/security"
	"PPChat/tools/errs"
	sec "PPChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenIsUser 测试里 token 就是用户 id
type tokenIsUser struct{}

func (tokenIsUser) Authenticate(_ context.Context, token string) (*sec.Claims, error) {
	if token == "" {
		return nil, errs.ErrAuthentication.WrapMsg("missing token")
	}
	return &sec.Claims{UserID: token}, nil
}

func historyAPI(t *testing.T, f *fixture) string {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	f.c.Routes(middleware.NewRouter(r, midsec.Middleware(tokenIsUser{}, nil)))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestHistoryAPIWithClientCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		_, err := f.c.Send(ctx, text("dm", fmt.Sprintf("c%02d", i), fmt.Sprintf("msg %d", i)))
		require.NoError(t, err)
	}
	url := historyAPI(t, f)

	cache := msgcache.New(msgcache.NewHTTPFetcher(url, "bob", time.Second), nil, msgcache.Config{PageSize: 10, ContextSize: 3})
	require.NoError(t, cache.LoadInitial(ctx, "dm"))
	ms := cache.Messages("dm")
	require.Len(t, ms, 10)
	assert.Equal(t, "msg 20", ms[0].Content)
	assert.Equal(t, "msg 29", ms[9].Content)
	assert.True(t, cache.HasOlder("dm"))

	n, err := cache.LoadOlder(ctx, "dm")
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "msg 10", cache.Messages("dm")[0].Content)

	// 跳到窗口外的第 3 条
	all, err := f.c.ListMessages(ctx, "alice", "dm", "", 50)
	require.NoError(t, err)
	target := all.Items[3].ID
	r, err := cache.JumpTo(ctx, "dm", target)
	require.NoError(t, err)
	assert.Equal(t, msgcache.JumpReplaced, r)
	ms = cache.Messages("dm")
	require.Len(t, ms, 7)
	assert.Equal(t, target, ms[3].ID)
	assert.True(t, cache.HasNewer("dm"))

	// 往新的方向一直翻到最新
	for _, want := range []int{10, 10, 3} {
		n, err := cache.LoadNewer(ctx, "dm")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.False(t, cache.HasNewer("dm"))
	ms = cache.Messages("dm")
	require.Len(t, ms, 30)
	for i, m := range ms {
		assert.Equal(t, all.Items[i].ID, m.ID)
	}
}

func TestHistoryAPIRejects(t *testing.T) {
	f := newFixture(t)
	url := historyAPI(t, f)
	ctx := context.Background()

	_, err := msgcache.NewHTTPFetcher(url, "mallory", time.Second).ListMessages(ctx, "dm", "", 10)
	assert.True(t, errors.Is(err, errs.ErrAuthorization))

	_, err = msgcache.NewHTTPFetcher(url, "", time.Second).ListMessages(ctx, "dm", "", 10)
	assert.True(t, errors.Is(err, errs.ErrAuthentication))

	_, err = msgcache.NewHTTPFetcher(url, "alice", time.Second).ListMessages(ctx, "dm", "garbage", 10)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))

	_, err = msgcache.NewHTTPFetcher(url, "alice", time.Second).MessageContext(ctx, "dm", "nope", 3, 3)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = msgcache.NewHTTPFetcher(url, "alice", time.Second).ListNewer(ctx, "dm", "garbage", 10)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
}
