package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/WhatsHook/internal/webhook"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyWebhookSettings(t *testing.T) {
	base := webhook.DefaultConfig()

	got := ApplyWebhookSettings(base, map[string]string{
		EnvWebhookURL:             " https://example.com/hook ",
		EnvWebhookTimeoutMS:       "2500",
		EnvWebhookMaxRetries:      "5",
		EnvWebhookRetryMultiplier: "1.5",
	})
	assert.Equal(t, "https://example.com/hook", got.URL)
	assert.Equal(t, 2500*time.Millisecond, got.Timeout)
	assert.Equal(t, 5, got.MaxRetries)
	assert.Equal(t, 1.5, got.Multiplier)
	assert.Equal(t, base.RetryDelay, got.RetryDelay, "absent keys leave fields unchanged")
	assert.Equal(t, base.UserAgent, got.UserAgent)
}

func TestApplyWebhookSettings_InvalidValuesIgnored(t *testing.T) {
	base := webhook.DefaultConfig()
	got := ApplyWebhookSettings(base, map[string]string{
		EnvWebhookTimeoutMS:       "soon",
		EnvWebhookMaxRetries:      "0",
		EnvWebhookRetryMultiplier: "-2",
		EnvWebhookUserAgent:       "  ",
	})
	assert.Equal(t, base, got)
}

func TestWebhookFromEnv(t *testing.T) {
	t.Setenv(EnvWebhookURL, "https://env.example.com")
	t.Setenv(EnvWebhookRetryDelayMS, "50")

	cfg := WebhookFromEnv()
	assert.Equal(t, "https://env.example.com", cfg.URL)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, webhook.DefaultMaxRetries, cfg.MaxRetries)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func waitReload(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case <-w.Reloaded():
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestNewWatcher_AppliesFileImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webhook.env")
	writeFile(t, path, "WEBHOOK_URL=https://first.example.com\nWEBHOOK_MAX_RETRIES=2\n")
	client := webhook.NewClient(webhook.DefaultConfig())

	w, err := NewWatcher(path, client)
	require.NoError(t, err)
	defer w.fsw.Close()

	assert.Equal(t, "https://first.example.com", client.Config().URL)
	assert.Equal(t, 2, client.Config().MaxRetries)
}

func TestNewWatcher_MissingFile(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "absent.env"), webhook.NewClient(webhook.DefaultConfig()))
	require.Error(t, err)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	defer leaktest.Check(t)()

	path := filepath.Join(t.TempDir(), "webhook.env")
	writeFile(t, path, "WEBHOOK_URL=https://first.example.com\n")
	client := webhook.NewClient(webhook.DefaultConfig())

	w, err := NewWatcher(path, client, WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	waitReload(t, w)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	writeFile(t, path, "WEBHOOK_URL=https://second.example.com\nWEBHOOK_TIMEOUT_MS=1234\n")
	waitReload(t, w)
	assert.Equal(t, "https://second.example.com", client.Config().URL)
	assert.Equal(t, 1234*time.Millisecond, client.Config().Timeout)

	// a sibling file in the same directory is ignored
	writeFile(t, filepath.Join(filepath.Dir(path), "other.env"), "WEBHOOK_URL=https://wrong.example.com\n")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "https://second.example.com", client.Config().URL)

	cancel()
	<-done
}
