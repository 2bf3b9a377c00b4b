package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoad_DefaultsAndYAML(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "astrtown.yaml")
	writeFile(t, p, `
gateway:
  url: https://town.example
  token: abc
  reconnect_max_delay_sec: 60
dispatch:
  invite_decision_mode: llm_judge
  refill_wake_enabled: false
`)
	cfg, err := Load(p, "")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://town.example", cfg.Gateway.URL)
	assert.Equal(t, 1.0, cfg.Gateway.ReconnectMinDelaySec)
	assert.Equal(t, 60.0, cfg.Gateway.ReconnectMaxDelaySec)
	assert.Equal(t, 1200, cfg.Gateway.SayDebounceWindowMS)
	assert.Equal(t, 3000, cfg.Gateway.SayDuplicateWindowMS)
	assert.Equal(t, 120.0, cfg.Gateway.LateAckTombstoneTTLSec)
	assert.Equal(t, "1-1", cfg.Gateway.ProtocolVersionRange)
	assert.Equal(t, "*", cfg.Gateway.Subscribe)
	assert.Equal(t, InviteLLMJudge, cfg.Dispatch.InviteDecisionMode)
	assert.False(t, cfg.RefillWakeEnabled())
	assert.Equal(t, 10.0, cfg.Dispatch.RefillMinWakeIntervalSec)
	assert.Equal(t, 50, cfg.Dispatch.MaxContextRounds)
	assert.True(t, cfg.ReflectionEnabled())
}

func TestLoad_EnvFileOverrides(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	writeFile(t, envPath, "ASTRTOWN_GATEWAY_URL=ws://127.0.0.1:40010\nASTRTOWN_TOKEN=from-env\n")
	t.Setenv("ASTRTOWN_GATEWAY_URL", "")
	t.Setenv("ASTRTOWN_TOKEN", "")
	os.Unsetenv("ASTRTOWN_GATEWAY_URL")
	os.Unsetenv("ASTRTOWN_TOKEN")

	cfg, err := Load("", envPath)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:40010", cfg.Gateway.URL)
	assert.Equal(t, "from-env", cfg.Gateway.Token)

	_, err = Load("", filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{Gateway: Gateway{URL: "ws://x"}}
	base.ApplyDefaults()
	require.NoError(t, base.Validate())

	c := base
	c.Gateway.URL = ""
	assert.Error(t, c.Validate())

	c = base
	c.Gateway.ReconnectMaxDelaySec = 0.5
	assert.Error(t, c.Validate())

	c = base
	c.Dispatch.InviteDecisionMode = "ignore"
	assert.Error(t, c.Validate())

	c = base
	c.Tools.Listen = "0.0.0.0:8091"
	assert.Error(t, c.Validate())
	c.Tools.HMACSecret = "s"
	assert.NoError(t, c.Validate())
}

func TestFileTokenSource_Reload(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "token")
	writeFile(t, p, "first\n")

	src, err := NewFileTokenSource(p, nil)
	require.NoError(t, err)
	assert.Equal(t, "first", src.Token())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = src.Watch(ctx) }()
	defer func() {
		cancel()
		<-src.done
	}()

	writeFile(t, p, "second")
	require.Eventually(t, func() bool { return src.Token() == "second" }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(p))
	require.Eventually(t, func() bool { return src.Token() == "" }, 2*time.Second, 10*time.Millisecond)
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "astrtown.example.yaml"), "")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, InviteAutoAccept, cfg.Dispatch.InviteDecisionMode)
	assert.Equal(t, 50, cfg.Dispatch.MaxContextRounds)
	assert.True(t, cfg.RefillWakeEnabled())
}
