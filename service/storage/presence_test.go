package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPresence(t *testing.T) (*Presence, *fakeClock) {
	_, rdb := newTestRedis(t)
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := NewPresence(rdb, PresenceConfig{TTL: time.Minute})
	p.Now = clk.Now
	return p, clk
}

// 场景：device1 上线 -> device2 上线 -> device1 下线（仍在线）-> device2 下线（恰好一次离线）
func TestPresenceTwoDevices(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx := context.Background()

	went, err := p.SetOnline(ctx, "A", "device1", "s1")
	require.NoError(t, err)
	assert.True(t, went)
	devs, _ := p.Devices(ctx, "A")
	assert.Len(t, devs, 1)

	went, err = p.SetOnline(ctx, "A", "device2", "s2")
	require.NoError(t, err)
	assert.False(t, went)
	devs, _ = p.Devices(ctx, "A")
	assert.Len(t, devs, 2)

	last, err := p.RemoveDevice(ctx, "A", "device1", "s1")
	require.NoError(t, err)
	assert.False(t, last)
	online, _ := p.IsOnline(ctx, "A")
	assert.True(t, online)

	last, err = p.RemoveDevice(ctx, "A", "device2", "s2")
	require.NoError(t, err)
	assert.True(t, last)
	online, _ = p.IsOnline(ctx, "A")
	assert.False(t, online)

	// 重复移除不会再报告离线
	last, err = p.RemoveDevice(ctx, "A", "device2", "s2")
	require.NoError(t, err)
	assert.False(t, last)
}

func TestSetOnlineSameDeviceIsNoTransition(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx := context.Background()
	went, _ := p.SetOnline(ctx, "A", "d1", "s1")
	assert.True(t, went)
	went, _ = p.SetOnline(ctx, "A", "d1", "s1")
	assert.False(t, went)
	devs, _ := p.Devices(ctx, "A")
	assert.Equal(t, []string{"d1"}, devs)
}

// 同一设备重连：新连接先登记，旧连接后清理，设备和用户都保持在线
func TestSameDeviceReconnectKeepsPresence(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx := context.Background()

	went, err := p.SetOnline(ctx, "A", "phone", "old")
	require.NoError(t, err)
	assert.True(t, went)

	went, err = p.SetOnline(ctx, "A", "phone", "new")
	require.NoError(t, err)
	assert.False(t, went)

	last, err := p.RemoveDevice(ctx, "A", "phone", "old")
	require.NoError(t, err)
	assert.False(t, last)
	online, _ := p.IsOnline(ctx, "A")
	assert.True(t, online)
	devs, _ := p.Devices(ctx, "A")
	assert.Equal(t, []string{"phone"}, devs)

	ok, err := p.Touch(ctx, "A", "phone", "new")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = p.Touch(ctx, "A", "phone", "old")
	assert.False(t, ok)

	last, err = p.RemoveDevice(ctx, "A", "phone", "new")
	require.NoError(t, err)
	assert.True(t, last)
}

func TestConcurrentRemoveReportsOfflineOnce(t *testing.T) {
	p, _ := newTestPresence(t)
	ctx := context.Background()
	const n = 16
	for i := 0; i < n; i++ {
		_, err := p.SetOnline(ctx, "A", fmt.Sprintf("d%d", i), fmt.Sprintf("s%d", i))
		require.NoError(t, err)
	}
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		lasts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			last, err := p.RemoveDevice(ctx, "A", fmt.Sprintf("d%d", i), fmt.Sprintf("s%d", i))
			assert.NoError(t, err)
			if last {
				mu.Lock()
				lasts++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, lasts)
}

func TestCleanupStale(t *testing.T) {
	p, clk := newTestPresence(t)
	ctx := context.Background()
	_, _ = p.SetOnline(ctx, "A", "d1", "a1")
	_, _ = p.SetOnline(ctx, "B", "d1", "b1")
	_, _ = p.SetOnline(ctx, "B", "d2", "b2")

	clk.Advance(45 * time.Second)
	ok, err := p.Touch(ctx, "B", "d2", "b2")
	require.NoError(t, err)
	assert.True(t, ok)

	clk.Advance(30 * time.Second)
	removed, offline, err := p.CleanupStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"A"}, offline)

	online, _ := p.IsOnline(ctx, "B")
	assert.True(t, online)
	online, _ = p.IsOnline(ctx, "A")
	assert.False(t, online)

	ok, _ = p.Touch(ctx, "A", "d1", "a1")
	assert.False(t, ok, "touch does not resurrect a swept device")
}

// 任意连接/断开交错下：isOnline == 至少存在一个已注册未过期连接；离线转换恰好在最后一个设备移除时报告
func TestPresenceMatchesRegistryProperty(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("online iff a live connection exists", prop.ForAll(
		func(ops []int) bool {
			mr.FlushAll()
			reg := NewConnRegistry(rdb, RegistryConfig{TTL: time.Minute})
			pres := NewPresence(rdb, PresenceConfig{TTL: time.Minute})
			connected := map[int]bool{}

			// 8 个连接槽位分布在 4 个设备上，同设备的两条连接可以任意交错
			for _, op := range ops {
				dev := op % 8
				sid := fmt.Sprintf("s%d", dev)
				did := fmt.Sprintf("d%d", dev%4)
				if op < 8 {
					if _, err := reg.Register(ctx, conn(sid, "U", did, "gw")); err != nil {
						return false
					}
					if _, err := pres.SetOnline(ctx, "U", did, sid); err != nil {
						return false
					}
					connected[dev] = true
				} else {
					removed, err := reg.Unregister(ctx, sid)
					if err != nil {
						return false
					}
					last, err := pres.RemoveDevice(ctx, "U", did, sid)
					if err != nil {
						return false
					}
					wasConnected := connected[dev]
					delete(connected, dev)
					if (removed != nil) != wasConnected {
						return false
					}
					if last != (wasConnected && len(connected) == 0) {
						return false
					}
				}
				online, err := pres.IsOnline(ctx, "U")
				if err != nil {
					return false
				}
				socks, err := reg.GetUserSockets(ctx, "U")
				if err != nil {
					return false
				}
				if online != (len(socks) > 0) || online != (len(connected) > 0) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 15)),
	))

	properties.TestingRun(t)
}
