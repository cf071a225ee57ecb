package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"TEMPINBOX_SERVER_HOST",
	"TEMPINBOX_SERVER_PORT",
	"TEMPINBOX_INBOX_DOMAIN",
	"TEMPINBOX_INBOX_LIFETIME",
	"TEMPINBOX_INBOX_SWEEP_INTERVAL",
	"TEMPINBOX_SMTP_PORT",
	"TEMPINBOX_SMTP_FALLBACK_PORT",
	"TEMPINBOX_SMTP_HOSTNAME",
	"TEMPINBOX_SMTP_MAX_MESSAGE_BYTES",
	"TEMPINBOX_SMTP_MAX_LINE_LENGTH",
	"TEMPINBOX_CORS_ALLOWED_ORIGINS",
	"TEMPINBOX_LOG_LEVEL",
	"TEMPINBOX_LOG_DEVELOPMENT",
	"TEMPINBOX_REDIS_ADDRESS",
	"TEMPINBOX_REDIS_DB",
	"TEMPINBOX_CONFIG_FILE",
}

// clearEnv 清空相关环境变量（空值会被 viper 忽略，回落到默认值）
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "ariyabot.ir", cfg.Inbox.Domain)
	assert.Equal(t, 15*time.Minute, cfg.Inbox.Lifetime)
	assert.Equal(t, 60*time.Second, cfg.Inbox.SweepInterval)
	assert.Equal(t, 25, cfg.SMTP.Port)
	assert.Equal(t, 2525, cfg.SMTP.FallbackPort)
	assert.Equal(t, "ariyabot.ir", cfg.SMTP.Hostname, "hostname defaults to the inbox domain")
	assert.Equal(t, int64(10*1024*1024), cfg.SMTP.MaxMessageBytes)
	assert.Equal(t, 50, cfg.SMTP.MaxRecipients)
	assert.Equal(t, 64*1024, cfg.SMTP.MaxLineLength)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Log.Development)
	assert.Empty(t, cfg.Redis.Address)
	assert.Equal(t, "0.0.0.0:25", cfg.SMTPAddr())
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr())
}

func TestLoad_Custom(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEMPINBOX_SERVER_HOST", "127.0.0.1")
	t.Setenv("TEMPINBOX_SERVER_PORT", "9090")
	t.Setenv("TEMPINBOX_INBOX_DOMAIN", "Mail.Example.COM")
	t.Setenv("TEMPINBOX_INBOX_LIFETIME", "30m")
	t.Setenv("TEMPINBOX_SMTP_PORT", "2526")
	t.Setenv("TEMPINBOX_SMTP_FALLBACK_PORT", "0")
	t.Setenv("TEMPINBOX_SMTP_HOSTNAME", "mx.example.com")
	t.Setenv("TEMPINBOX_SMTP_MAX_LINE_LENGTH", "4096")
	t.Setenv("TEMPINBOX_CORS_ALLOWED_ORIGINS", "http://localhost:3000, http://localhost:5173")
	t.Setenv("TEMPINBOX_LOG_LEVEL", "debug")
	t.Setenv("TEMPINBOX_LOG_DEVELOPMENT", "true")
	t.Setenv("TEMPINBOX_REDIS_ADDRESS", "localhost:6379")
	t.Setenv("TEMPINBOX_REDIS_DB", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.HTTPAddr())
	assert.Equal(t, "mail.example.com", cfg.Inbox.Domain)
	assert.Equal(t, 30*time.Minute, cfg.Inbox.Lifetime)
	assert.Equal(t, 2526, cfg.SMTP.Port)
	assert.Equal(t, 0, cfg.SMTP.FallbackPort)
	assert.Equal(t, "mx.example.com", cfg.SMTP.Hostname)
	assert.Equal(t, 4096, cfg.SMTP.MaxLineLength)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, 2, cfg.Redis.DB)
}

func TestLoad_ConfigFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "tempinbox.yaml")
	content := "inbox:\n  domain: File.Example.org\n  lifetime: 5m\nsmtp:\n  port: 2600\n  fallback_port: 0\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("TEMPINBOX_CONFIG_FILE", path)
	t.Setenv("TEMPINBOX_SMTP_PORT", "2700")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "file.example.org", cfg.Inbox.Domain)
	assert.Equal(t, 5*time.Minute, cfg.Inbox.Lifetime)
	assert.Equal(t, 2700, cfg.SMTP.Port, "environment overrides the file")
	assert.Equal(t, 0, cfg.SMTP.FallbackPort)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEMPINBOX_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoad_Invalid(t *testing.T) {
	testCases := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"无效域名", "TEMPINBOX_INBOX_DOMAIN", "not a domain", "invalid inbox.domain"},
		{"无效生存时间", "TEMPINBOX_INBOX_LIFETIME", "forever", "invalid inbox.lifetime"},
		{"非正生存时间", "TEMPINBOX_INBOX_LIFETIME", "-1m", "inbox.lifetime must be positive"},
		{"无效清扫间隔", "TEMPINBOX_INBOX_SWEEP_INTERVAL", "often", "invalid inbox.sweep_interval"},
		{"端口越界", "TEMPINBOX_SMTP_PORT", "70000", "invalid smtp.port"},
		{"回退端口越界", "TEMPINBOX_SMTP_FALLBACK_PORT", "-5", "invalid smtp.fallback_port"},
		{"邮件大小非正", "TEMPINBOX_SMTP_MAX_MESSAGE_BYTES", "-1", "smtp.max_message_bytes must be positive"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestParseList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{"单个项目", "item1", []string{"item1"}},
		{"多个项目", "item1,item2,item3", []string{"item1", "item2", "item3"}},
		{"带空格的项目", " item1 , item2 ", []string{"item1", "item2"}},
		{"空字符串", "", []string{}},
		{"只有逗号", ",,,", []string{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, parseList(tc.input))
		})
	}
}
