package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"PPChat/tools/errs"
	sec "PPChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeAuth map[string]error

func (f fakeAuth) Authenticate(_ context.Context, token string) (*sec.Claims, error) {
	if err, ok := f[token]; ok {
		if err != nil {
			return nil, err
		}
		return &sec.Claims{UserID: "alice", DeviceID: "web"}, nil
	}
	return nil, errs.ErrAuthentication.WrapMsg("unknown token")
}

func engine(auth Authenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", Middleware(auth, nil), func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c)+"/"+c.GetString(CtxDeviceID))
	})
	r.POST("/admin", AdminToken("s3cret"), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.POST("/admin-off", AdminToken(""), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func get(r *gin.Engine, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware(t *testing.T) {
	r := engine(fakeAuth{"good": nil, "down": errs.ErrInfra.WrapMsg("pg down")})

	w := get(r, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer good"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice/web", w.Body.String())

	w = get(r, http.MethodGet, "/me?token=good", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// 自定义头优先于 Authorization
	w = get(r, http.MethodGet, "/me", map[string]string{"X-Auth-Token": "bad", "Authorization": "Bearer good"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"code":1001`)

	w = get(r, http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(r, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer down"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminToken(t *testing.T) {
	r := engine(fakeAuth{})
	assert.Equal(t, http.StatusNoContent, get(r, http.MethodPost, "/admin", map[string]string{"X-Admin-Token": "s3cret"}).Code)
	assert.Equal(t, http.StatusNoContent, get(r, http.MethodPost, "/admin", map[string]string{"Authorization": "Bearer s3cret"}).Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, http.MethodPost, "/admin", map[string]string{"X-Admin-Token": "nope"}).Code)
	assert.Equal(t, http.StatusNotFound, get(r, http.MethodPost, "/admin-off", nil).Code)
}
