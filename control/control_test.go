// Author: momentics <momentics@gmail.com>

package control_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/pool"
)

const tomlConfig = `
[packetizer]
split_threshold = 16

[tcp]
dial_timeout = "250ms"

[drivers.ping]
driver = "gen"

[drivers."ping/gen"]
driver = "tcp"
`

const yamlConfig = `
loop:
  mtu: 64
  headers: 8
nameserver:
  addr: 127.0.0.1:7000
  timeout: 2s
drivers:
  "": {driver: loop}
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigTOML(t *testing.T) {
	cfg, err := control.LoadConfig(writeFile(t, "stack.toml", tomlConfig))
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Packetizer.SplitThreshold)
	assert.Equal(t, 2048, cfg.Packetizer.SpillThreshold, "defaults survive")
	assert.Equal(t, 250*time.Millisecond, cfg.TCP.DialTimeout.Std())
	assert.Equal(t, "tcp", cfg.Drivers["ping/gen"]["driver"])
}

func TestLoadConfigYAML(t *testing.T) {
	cfg, err := control.LoadConfig(writeFile(t, "stack.yaml", yamlConfig))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Loop.MTU)
	assert.Equal(t, 8, cfg.Loop.Headers)
	assert.Equal(t, "127.0.0.1:7000", cfg.NameServer.Addr)
	assert.Equal(t, 2*time.Second, cfg.NameServer.Timeout.Std())
	assert.Equal(t, "loop", cfg.Drivers[""]["driver"])
}

func TestLoadConfigRejects(t *testing.T) {
	_, err := control.LoadConfig(writeFile(t, "stack.ini", "x=1"))
	assert.Error(t, err)

	_, err = control.LoadConfig(writeFile(t, "bad.yaml", "loop:\n  mtu: 8\n  headers: 8\n"))
	assert.ErrorContains(t, err, "leaves no payload")

	_, err = control.LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestPropertiesScopedLookup(t *testing.T) {
	p := control.PropertiesFrom(map[string]map[string]string{
		"":     {"driver": "tcp", "mtu": "0"},
		"ping": {"driver": "gen"},
	})
	v, ok := p.Lookup("ping", "driver")
	require.True(t, ok)
	assert.Equal(t, "gen", v)
	assert.Equal(t, "gen", p.Get("ping/gen/x", "driver", ""), "nearest enclosing context wins")
	assert.Equal(t, "tcp", p.Get("pong", "driver", ""))
	assert.Equal(t, "def", p.Get("ping", "nope", "def"))

	p.Set("ping/gen", "driver", "loop")
	assert.Equal(t, "loop", p.Get("ping/gen", "driver", ""))
	assert.Equal(t, "ping/gen", control.JoinContext("ping", "gen"))
	assert.Equal(t, "gen", control.JoinContext("", "gen"))

	reloaded := make(chan struct{}, 1)
	p.OnReload(func() { reloaded <- struct{}{} })
	p.Merge(map[string]map[string]string{"pong": {"driver": "rdma"}})
	select {
	case <-reloaded:
	case <-time.After(time.Second):
		t.Fatal("reload listener not called")
	}
	assert.Equal(t, "rdma", p.Snapshot()["pong"]["driver"])
}

func TestMetricsAndProbes(t *testing.T) {
	m := control.NewMetricsRegistry()
	m.Add(control.MetricBuffersFlushed, 2)
	m.Counter(control.MetricBuffersFlushed).Add(1)
	m.Set("stack.name", "test")
	snap := m.GetSnapshot()
	assert.EqualValues(t, 3, snap[control.MetricBuffersFlushed])
	assert.Equal(t, "test", snap["stack.name"])
	assert.False(t, m.Updated().IsZero())

	var nilRegistry *control.MetricsRegistry
	nilRegistry.Add("x", 1)

	dp := control.NewDebugProbes()
	bp := pool.NewBufferPool(0)
	bp.Get(16).Free()
	control.RegisterPoolProbe(dp, "pool", bp)
	control.RegisterRuntimeProbes(dp)
	state := dp.DumpState()
	assert.Contains(t, state, "pool")
	assert.Contains(t, state, "runtime.goroutines")
}

func TestNewLoggerToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.log")
	log, err := control.NewLogger(control.LogConfig{Level: "debug", File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	log.Info("hello")
	_ = log.Sync()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")

	_, err = control.NewLogger(control.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
