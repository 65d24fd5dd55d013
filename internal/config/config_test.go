package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"INTAKE_AUTOSAVE_DEBOUNCE_MS", "INTAKE_LINK_TTL_HOURS", "INTAKE_SAVE_TIMEOUT_SECONDS", "MINIO_USE_SSL"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	assert.Equal(t, 1200*time.Millisecond, cfg.AutosaveDebounce)
	assert.Equal(t, 30*24*time.Hour, cfg.LinkTTL)
	assert.Equal(t, 15*time.Second, cfg.SaveTimeout)
	assert.False(t, cfg.MinioUseSSL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("INTAKE_AUTOSAVE_DEBOUNCE_MS", "1400")
	t.Setenv("INTAKE_LINK_TTL_HOURS", "48")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("INTAKE_SAVE_TIMEOUT_SECONDS", "not-a-number")

	cfg := Load()
	assert.Equal(t, 1400*time.Millisecond, cfg.AutosaveDebounce)
	assert.Equal(t, 48*time.Hour, cfg.LinkTTL)
	assert.True(t, cfg.MinioUseSSL)
	assert.Equal(t, 15*time.Second, cfg.SaveTimeout)
}
