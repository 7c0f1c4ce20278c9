package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindflow/mindflow/pkg/serialization"
)

// chdir runs the test in an empty directory so no stray mindflow.yaml or
// .env is picked up
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "mindflow:", cfg.Storage.Redis.Namespace)
	assert.Equal(t, "json", cfg.Serialization.Codec)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoad_Environment(t *testing.T) {
	chdir(t)
	t.Setenv("MINDFLOW_STORAGE_DRIVER", "bolt")
	t.Setenv("MINDFLOW_STORAGE_PATH", "/tmp/flows.db")
	t.Setenv("MINDFLOW_SERVER_READ_TIMEOUT", "3s")
	t.Setenv("MINDFLOW_SERIALIZATION_CODEC", "msgpack")
	t.Setenv("MINDFLOW_SERIALIZATION_COMPRESSION", "zstd")
	t.Setenv("MINDFLOW_ENVIRONMENT", "development")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverBolt, cfg.Storage.Driver)
	assert.Equal(t, "/tmp/flows.db", cfg.Storage.Path)
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
	assert.True(t, cfg.IsDevelopment())

	sc, err := cfg.Serialization.SerializerConfig()
	require.NoError(t, err)
	assert.Equal(t, "msgpack", sc.Codec.Name())
	assert.Equal(t, serialization.CompressionZstd, sc.Compression)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "mindflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  driver: sqlite
  path: flows.sqlite
  table: graphs
log:
  level: debug
`), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "graphs", cfg.Storage.Table)
	assert.Equal(t, "debug", cfg.Log.Level)

	t.Setenv("MINDFLOW_LOG_LEVEL", "warn")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level, "environment beats the config file")
}

func TestLoad_EnvFile(t *testing.T) {
	dir := chdir(t)
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("MINDFLOW_STORAGE_DRIVER=redis\nMINDFLOW_STORAGE_REDIS_ADDR=cache:6379\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("MINDFLOW_STORAGE_DRIVER")
		os.Unsetenv("MINDFLOW_STORAGE_REDIS_ADDR")
	})

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, "cache:6379", cfg.Storage.Redis.Addr)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	chdir(t)
	_, err := Load("does-not-exist.yaml")
	assert.ErrorContains(t, err, "read config file")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:        ServerConfig{Addr: ":8080"},
			Storage:       StorageConfig{Driver: DriverMemory},
			Serialization: SerializationConfig{Codec: "json"},
		}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "etcd" }, `unknown storage driver "etcd"`},
		{"bolt without path", func(c *Config) { c.Storage.Driver = DriverBolt }, "storage.path is required"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }, "storage.dsn is required"},
		{"dynamodb without table", func(c *Config) { c.Storage.Driver = DriverDynamoDB }, "storage.table is required"},
		{"negative limit", func(c *Config) { c.Storage.MaxRecordBytes = -1 }, "must not be negative"},
		{"no addr", func(c *Config) { c.Server.Addr = "" }, "server.addr is required"},
		{"bad codec", func(c *Config) { c.Serialization.Codec = "xml" }, "serialization.codec"},
		{"bad compression", func(c *Config) { c.Serialization.Compression = "lz4" }, "serialization.compression"},
		{"bad key encoding", func(c *Config) { c.Serialization.EncryptKey = "zz" }, "must be hex"},
		{"bad key size", func(c *Config) { c.Serialization.EncryptKey = "abcd" }, "serialization"},
		{"good key", func(c *Config) { c.Serialization.EncryptKey = "000102030405060708090a0b0c0d0e0f" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
