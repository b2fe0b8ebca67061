package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whisper/chat-service/internal/auth"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := writeConfig(t, `
auth:
  users:
    alice: one
    bob: two
`)
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "50055", cfg.Server.Port)
	assert.Equal(t, StorageFile, cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Storage.IORetries)
	assert.Equal(t, 10*time.Second, cfg.GRPC.ShutdownTimeout)
	assert.Equal(t, "Asia/Karachi", cfg.Chat.Timezone)
	assert.Equal(t, 5, cfg.Chat.SearchMaxResults)
	assert.Equal(t, map[string]string{"alice": "one", "bob": "two"}, cfg.Auth.Users)
	assert.Equal(t, 12*time.Hour, cfg.Auth.SessionTTL)
}

func TestLoadReadsValues(t *testing.T) {
	dir := writeConfig(t, `
storage:
  driver: sqlite
  sqlite_path: /tmp/x.db
  io_retries: 7
attachments:
  driver: s3
  s3:
    bucket: voice-notes
    use_path_style: true
chat:
  timezone: UTC
auth:
  session_ttl: 30m
  users:
    alice: one
    bob: two
`)
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, StorageSQLite, cfg.Storage.Driver)
	assert.Equal(t, "/tmp/x.db", cfg.Storage.SQLitePath)
	assert.Equal(t, 7, cfg.Storage.IORetries)
	assert.Equal(t, "voice-notes", cfg.Attachments.S3.Bucket)
	assert.True(t, cfg.Attachments.S3.UsePathStyle)
	assert.Equal(t, 30*time.Minute, cfg.Auth.SessionTTL)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := writeConfig(t, `
auth:
  users:
    alice: one
    bob: two
`)
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("DATABASE_HOST", "db.internal")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, StoragePostgres, cfg.Storage.Driver)
	assert.Equal(t, "db.internal", cfg.Database.Host)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"one user": `
auth:
  users:
    alice: one
`,
		"bad driver": `
storage:
  driver: mongo
auth:
  users: {alice: one, bob: two}
`,
		"s3 without bucket": `
attachments:
  driver: s3
auth:
  users: {alice: one, bob: two}
`,
		"bad timezone": `
chat:
  timezone: Mars/Olympus
auth:
  users: {alice: one, bob: two}
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestMixedCaseUsersCanLogIn(t *testing.T) {
	dir := writeConfig(t, `
auth:
  users:
    Madam: pw-one
    Meliora: pw-two
`)
	cfg, err := Load(dir)
	require.NoError(t, err)

	authn, err := auth.New(cfg.Auth.Users, cfg.Auth.SessionTTL, nil)
	require.NoError(t, err)

	s, err := authn.Login("Madam", "pw-one")
	require.NoError(t, err)
	assert.Equal(t, "madam", s.User)
	assert.Equal(t, "meliora", s.Partner)

	_, err = authn.Login("Meliora", "pw-two")
	require.NoError(t, err)
}

func TestMaxMessageBytes(t *testing.T) {
	dir := writeConfig(t, `
grpc:
  max_message_bytes: 1048576
auth:
  users: {alice: one, bob: two}
`)
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 1<<20, cfg.GRPC.MaxMessageBytes)

	cfg, err = Load(writeConfig(t, `
auth:
  users: {alice: one, bob: two}
`))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxMessageBytes, cfg.GRPC.MaxMessageBytes)

	_, err = Load(writeConfig(t, `
grpc:
  max_message_bytes: 100
auth:
  users: {alice: one, bob: two}
`))
	assert.Error(t, err)
}
