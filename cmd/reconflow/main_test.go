package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/config"
	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/logging"
)

// setMemoryEnv points configuration at the in-memory store.
func setMemoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("REPORT_DIR", t.TempDir())
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	assert.Equal(t, exitSuccess, code)
	assert.Equal(t, "reconflow version dev (commit: unknown)\n", out)
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := runCLI(t, "launch")
	assert.Equal(t, exitRuntimeError, code)
	assert.Contains(t, errOut, "unknown command")
}

func TestValidate(t *testing.T) {
	setMemoryEnv(t)

	code, out, _ := runCLI(t, "validate")
	assert.Equal(t, exitSuccess, code)
	assert.Equal(t, "configuration valid\n", out)
}

func TestValidate_InvalidConfig(t *testing.T) {
	setMemoryEnv(t)
	t.Setenv("LOG_FORMAT", "xml")

	code, _, errOut := runCLI(t, "validate")
	assert.Equal(t, exitInvalidConfig, code)
	assert.Contains(t, errOut, "LOG_FORMAT")
}

func TestServe_InvalidConfigExitsBeforeConnecting(t *testing.T) {
	setMemoryEnv(t)
	t.Setenv("NOTIFY_TRANSPORT", "carrier-pigeon")

	code, _, errOut := runCLI(t, "serve")
	assert.Equal(t, exitInvalidConfig, code)
	assert.Contains(t, errOut, "NOTIFY_TRANSPORT")
}

func TestConfig_MasksSecrets(t *testing.T) {
	setMemoryEnv(t)
	t.Setenv("OCR_API_KEY", "sk-live-123")

	code, out, _ := runCLI(t, "config")
	assert.Equal(t, exitSuccess, code)
	assert.Contains(t, out, `"log_format"`)
	assert.NotContains(t, out, "sk-live-123")
}

func TestTick_InMemory(t *testing.T) {
	setMemoryEnv(t)

	code, out, _ := runCLI(t, "tick")
	assert.Equal(t, exitSuccess, code)
	assert.Equal(t, "enqueued 0 jobs\n", out)
}

func TestDeadLetters(t *testing.T) {
	setMemoryEnv(t)
	tenant := uuid.NewString()

	t.Run("list prints header", func(t *testing.T) {
		code, out, _ := runCLI(t, "deadletters", "list", "--tenant", tenant)
		assert.Equal(t, exitSuccess, code)
		assert.True(t, strings.HasPrefix(out, "ID"), out)
	})

	t.Run("list requires tenant", func(t *testing.T) {
		code, _, errOut := runCLI(t, "deadletters", "list")
		assert.Equal(t, exitRuntimeError, code)
		assert.Contains(t, errOut, "tenant")
	})

	t.Run("list rejects malformed tenant", func(t *testing.T) {
		code, _, errOut := runCLI(t, "deadletters", "list", "--tenant", "acme")
		assert.Equal(t, exitRuntimeError, code)
		assert.Contains(t, errOut, "invalid --tenant")
	})

	t.Run("discard unknown job", func(t *testing.T) {
		code, _, errOut := runCLI(t, "deadletters", "discard", "--tenant", tenant, "--job", uuid.NewString())
		assert.Equal(t, exitRuntimeError, code)
		assert.Contains(t, errOut, "not found")
	})
}

func captureWarnings(cfg config.Config) string {
	var buf bytes.Buffer
	logConfigWarnings(logging.NewWithOutput(&buf, "info", "text"), cfg)
	return buf.String()
}

func TestLogConfigWarnings_InMemory(t *testing.T) {
	cfg := config.Default()
	cfg.DatabaseURL = ""
	cfg.MetricsEnabled = false

	out := captureWarnings(cfg)
	assert.Contains(t, out, "DATABASE_URL not set")
	assert.Contains(t, out, "OCR_URL not set")
	assert.Contains(t, out, "METRICS_ENABLED=false")
	assert.NotContains(t, out, "REDIS_ADDR")
}

func TestLogConfigWarnings_Production(t *testing.T) {
	cfg := config.Default()
	cfg.DatabaseURL = "postgres://db/reconflow"
	cfg.RedisAddr = "redis:6379"
	cfg.OCRURL = "https://ocr.internal"
	cfg.MetricsEnabled = true
	cfg.GCSBucket = "reports"

	assert.Empty(t, captureWarnings(cfg))
}
