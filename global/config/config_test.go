package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"PPChat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fileYAML = `
node:
  id: gw-a
jwt:
  secret: s3cret
bus:
  driver: redis
gateway:
  allowedOrigins: ["https://chat.example.com"]
  drainTimeout: 5s
  rateLimit:
    events: 10
nacos:
  enabled: true
`

type fakeSource struct{ content string }

func (f fakeSource) GetConfig(dataID, group string) (string, error) { return f.content, nil }

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadLayers(t *testing.T) {
	p := writeFile(t, fileYAML)
	t.Setenv("PPCHAT_NODE_ID", "gw-env")

	remote := func(NacosConfig) (Source, error) {
		return fakeSource{content: "gateway:\n  rateLimit:\n    window: 2s\nstore:\n  driver: memory\n"}, nil
	}
	cfg, err := Load(p, remote)
	require.NoError(t, err)

	assert.Equal(t, "gw-env", cfg.Node.ID)
	assert.Equal(t, "redis", cfg.Bus.Driver)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, []string{"https://chat.example.com"}, cfg.Gateway.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.Gateway.DrainTimeout)
	assert.Equal(t, 10, cfg.Gateway.RateLimit.Events)
	assert.Equal(t, 2*time.Second, cfg.Gateway.RateLimit.Window)
	// 未覆盖的保持默认
	assert.Equal(t, 2*time.Minute, cfg.Gateway.ConnTTL)
}

func TestLoadWithoutRemote(t *testing.T) {
	p := writeFile(t, "jwt:\n  secret: x\n")
	cfg, err := Load(p, nil)
	require.NoError(t, err)
	assert.Equal(t, "gateway-01", cfg.Node.ID)
	assert.Equal(t, "nats", cfg.Bus.Driver)
}

func TestValidate(t *testing.T) {
	p := writeFile(t, "bus:\n  driver: kafka\n")
	_, err := Load(p, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
	assert.Contains(t, err.Error(), "jwt.secret is required")
	assert.Contains(t, err.Error(), "bus.driver")
}
