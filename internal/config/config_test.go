package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8787", cfg.Addr)
	require.Equal(t, 2*time.Hour, cfg.AccessTTL)
	require.Equal(t, "petlify/chat", cfg.UploadFolder)
	require.Equal(t, 10, cfg.MaxUploadFiles)
	require.Equal(t, int64(10<<20), cfg.MaxUploadBytes)
	require.Equal(t, 4000, cfg.MaxMessageLength)
	require.Equal(t, "Attachment", cfg.AttachmentPlaceholder)
	require.Equal(t, "Pet", cfg.DefaultSubject)
	require.Empty(t, cfg.RedisURL)
	require.Empty(t, cfg.MigrationsDir)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("PETLIFY_ACCESS_TTL", "30m")
	t.Setenv("REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("PETLIFY_MAX_UPLOAD_FILES", "3")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Addr)
	require.Equal(t, 30*time.Minute, cfg.AccessTTL)
	require.Equal(t, "redis://localhost:6379/1", cfg.RedisURL)
	require.Equal(t, 3, cfg.MaxUploadFiles)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("PETLIFY_ACCESS_TTL", "soon")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("PETLIFY_ACCESS_TTL", "1h")
	t.Setenv("PETLIFY_MAX_UPLOAD_FILES", "0")
	_, err = Load()
	require.Error(t, err)
}
