package nacos

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"PPChat/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/model"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNaming 只实现用到的方法，其余调用会 panic
type fakeNaming struct {
	naming_client.INamingClient
	instances map[string]model.Instance
	fail      error
}

func key(ip string, port uint64) string { return ip + ":" + strconv.FormatUint(port, 10) }

func (f *fakeNaming) RegisterInstance(p vo.RegisterInstanceParam) (bool, error) {
	if f.fail != nil {
		return false, f.fail
	}
	f.instances[key(p.Ip, p.Port)] = model.Instance{Ip: p.Ip, Port: p.Port, Metadata: p.Metadata, Healthy: p.Healthy, Enable: p.Enable}
	return true, nil
}

func (f *fakeNaming) DeregisterInstance(p vo.DeregisterInstanceParam) (bool, error) {
	if f.fail != nil {
		return false, f.fail
	}
	k := key(p.Ip, p.Port)
	_, ok := f.instances[k]
	delete(f.instances, k)
	return ok, nil
}

func (f *fakeNaming) SelectAllInstances(vo.SelectAllInstancesParam) ([]model.Instance, error) {
	var out []model.Instance
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out, nil
}

func TestRegistryLifecycle(t *testing.T) {
	fn := &fakeNaming{instances: map[string]model.Instance{}}
	ctx := context.Background()
	r := NewRegistry(fn, "ppchat-gateway", "10.0.0.1", 8081, "gw-a")
	require.NoError(t, r.Register(ctx))

	peers, err := r.Peers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, Peer{NodeID: "gw-a", Addr: "10.0.0.1:8081", Healthy: true}, peers[0])

	require.NoError(t, r.Deregister(ctx))
	// 重复摘除不报错
	require.NoError(t, r.Deregister(ctx))
	peers, err = r.Peers(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)

	fn.fail = errors.New("nacos down")
	assert.True(t, errors.Is(r.Register(ctx), errs.ErrInfra))
	assert.True(t, errors.Is(r.Deregister(ctx), errs.ErrInfra))
}

type fakeConfig struct {
	config_client.IConfigClient
	content  map[string]string
	listener func(namespace, group, dataId, data string)
}

func (f *fakeConfig) GetConfig(p vo.ConfigParam) (string, error) {
	c, ok := f.content[p.Group+"/"+p.DataId]
	if !ok {
		return "", errors.New("config not found")
	}
	return c, nil
}

func (f *fakeConfig) ListenConfig(p vo.ConfigParam) error {
	f.listener = p.OnChange
	return nil
}

func TestConfigSource(t *testing.T) {
	fc := &fakeConfig{content: map[string]string{"DEFAULT_GROUP/gw.yaml": "log:\n  level: debug\n"}}
	src := NewConfigSource(fc)

	got, err := src.GetConfig("gw.yaml", "DEFAULT_GROUP")
	require.NoError(t, err)
	assert.Contains(t, got, "debug")

	_, err = src.GetConfig("missing.yaml", "DEFAULT_GROUP")
	assert.True(t, errors.Is(err, errs.ErrInfra))

	var changes []string
	require.NoError(t, src.Watch("gw.yaml", "DEFAULT_GROUP", func(c string) {
		changes = append(changes, c)
		if c == "boom" {
			panic("bad config")
		}
	}))
	require.NotNil(t, fc.listener)
	fc.listener("", "DEFAULT_GROUP", "gw.yaml", "log:\n  level: warn\n")
	assert.NotPanics(t, func() { fc.listener("", "DEFAULT_GROUP", "gw.yaml", "boom") })
	assert.Len(t, changes, 2)
}
