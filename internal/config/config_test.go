package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUTH_SECRET", "s3cret")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test,")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(false)
	require.NoError(t, err)
	require.Equal(t, "nexum.db", cfg.DBFile)
	require.Equal(t, 24*time.Hour, cfg.TokenExpiry)
	require.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoad_Validation(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AUTH_SECRET", "")

	_, err := Load(false)
	require.Error(t, err)

	_, err = Load(true)
	require.NoError(t, err, "cli mode does not need the secret")

	t.Setenv("TOKEN_EXPIRY", "soon")
	_, err = Load(true)
	require.ErrorContains(t, err, "TOKEN_EXPIRY")
}

func TestLoadClient(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("NEXUM_URL", "https://chat.example.edu/")
	t.Setenv("NEXUM_TOKEN", "tok")
	t.Setenv("NEXUM_IDENTITY", "alice@uni.edu")
	t.Setenv("NEXUM_PENDING_TIMEOUT", "5s")

	cfg, err := LoadClient()
	require.NoError(t, err)
	require.Equal(t, 20, cfg.PerPage)
	require.Equal(t, 5*time.Second, cfg.PendingTimeout)
	require.Equal(t, "wss://chat.example.edu/api/chat", cfg.WebsocketURL())
}

func TestLoadClient_Errors(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("NEXUM_TOKEN", "tok")
	t.Setenv("NEXUM_IDENTITY", "alice@uni.edu")
	t.Setenv("NEXUM_PER_PAGE", "many")
	t.Setenv("NEXUM_RECONNECT_MIN", "later")

	_, err := LoadClient()
	require.ErrorContains(t, err, "NEXUM_PER_PAGE")
	require.ErrorContains(t, err, "NEXUM_RECONNECT_MIN")

	t.Setenv("NEXUM_PER_PAGE", "10")
	t.Setenv("NEXUM_RECONNECT_MIN", "1m")
	t.Setenv("NEXUM_RECONNECT_MAX", "1s")
	_, err = LoadClient()
	require.ErrorContains(t, err, "NEXUM_RECONNECT_MIN")
}

func TestLoadFromDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, writeFile(dir+"/.env", "NEXUM_TOKEN=from-file\nNEXUM_IDENTITY=bob@uni.edu\n"))
	// Registered so the variables are restored after the test.
	t.Setenv("NEXUM_TOKEN", "")
	t.Setenv("NEXUM_IDENTITY", "")
	unsetenv(t, "NEXUM_TOKEN", "NEXUM_IDENTITY")

	cfg, err := LoadClient()
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.Token)
	require.Equal(t, "bob@uni.edu", cfg.Identity)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}

func unsetenv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, os.Unsetenv(k))
	}
}
