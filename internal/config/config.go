// Package config maps environment settings onto the webhook client and reloads them from a
// dotenv-format file while the service runs.
package config

import (
	"os"
	"strings"

	"github.com/BTreeMap/WhatsHook/internal/util"
	"github.com/BTreeMap/WhatsHook/internal/webhook"
)

// Webhook setting keys, shared by the environment and the reload file.
const (
	EnvWebhookURL             = "WEBHOOK_URL"
	EnvWebhookTimeoutMS       = "WEBHOOK_TIMEOUT_MS"
	EnvWebhookMaxRetries      = "WEBHOOK_MAX_RETRIES"
	EnvWebhookRetryDelayMS    = "WEBHOOK_RETRY_DELAY_MS"
	EnvWebhookRetryMultiplier = "WEBHOOK_RETRY_MULTIPLIER"
	EnvWebhookUserAgent       = "WEBHOOK_USER_AGENT"
)

// WebhookKeys lists every key ApplyWebhookSettings understands.
var WebhookKeys = []string{
	EnvWebhookURL,
	EnvWebhookTimeoutMS,
	EnvWebhookMaxRetries,
	EnvWebhookRetryDelayMS,
	EnvWebhookRetryMultiplier,
	EnvWebhookUserAgent,
}

// ApplyWebhookSettings returns cfg with every setting present in values applied. Keys that are
// absent leave the corresponding field unchanged; invalid values are logged and ignored.
func ApplyWebhookSettings(cfg webhook.Config, values map[string]string) webhook.Config {
	if v, ok := values[EnvWebhookURL]; ok {
		cfg.URL = strings.TrimSpace(v)
	}
	if v, ok := values[EnvWebhookTimeoutMS]; ok {
		cfg.Timeout = util.ParseMillis(EnvWebhookTimeoutMS, v, cfg.Timeout)
	}
	if v, ok := values[EnvWebhookMaxRetries]; ok {
		if n := util.ParseInt(EnvWebhookMaxRetries, v, cfg.MaxRetries); n > 0 {
			cfg.MaxRetries = n
		}
	}
	if v, ok := values[EnvWebhookRetryDelayMS]; ok {
		cfg.RetryDelay = util.ParseMillis(EnvWebhookRetryDelayMS, v, cfg.RetryDelay)
	}
	if v, ok := values[EnvWebhookRetryMultiplier]; ok {
		cfg.Multiplier = util.ParseFloat(EnvWebhookRetryMultiplier, v, cfg.Multiplier)
	}
	if v, ok := values[EnvWebhookUserAgent]; ok && strings.TrimSpace(v) != "" {
		cfg.UserAgent = strings.TrimSpace(v)
	}
	return cfg
}

// WebhookFromEnv returns the default webhook configuration overlaid with the environment.
func WebhookFromEnv() webhook.Config {
	values := make(map[string]string, len(WebhookKeys))
	for _, key := range WebhookKeys {
		if v, ok := os.LookupEnv(key); ok {
			values[key] = v
		}
	}
	return ApplyWebhookSettings(webhook.DefaultConfig(), values)
}
