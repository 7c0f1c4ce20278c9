// Package config loads MindFlow configuration from defaults, an optional
// mindflow.yaml, a .env file and MINDFLOW_* environment variables.
package config

import (
	"encoding/hex"
	"io/fs"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mindflow/mindflow/pkg/serialization"
)

// EnvPrefix prefixes every environment override, e.g. MINDFLOW_STORAGE_DRIVER
const EnvPrefix = "MINDFLOW"

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverDynamoDB = "dynamodb"
)

// Config holds all configuration options
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Serialization SerializationConfig `mapstructure:"serialization"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type StorageConfig struct {
	Driver         string         `mapstructure:"driver"`
	Path           string         `mapstructure:"path"`  // bolt and sqlite
	DSN            string         `mapstructure:"dsn"`   // postgres
	Table          string         `mapstructure:"table"` // sqlite, postgres and dynamodb
	MaxRecordBytes int            `mapstructure:"max_record_bytes"`
	Breaker        bool           `mapstructure:"breaker"`
	Redis          RedisConfig    `mapstructure:"redis"`
	DynamoDB       DynamoDBConfig `mapstructure:"dynamodb"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

type DynamoDBConfig struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"` // local emulators
}

type SerializationConfig struct {
	Codec       string `mapstructure:"codec"`
	Compression string `mapstructure:"compression"`
	EncryptKey  string `mapstructure:"encrypt_key"` // hex encoded AES key
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "production")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("log.level", "info")

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.path", "mindflow.db")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.table", "flows")
	v.SetDefault("storage.max_record_bytes", 0)
	v.SetDefault("storage.breaker", false)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.namespace", "mindflow:")
	v.SetDefault("storage.dynamodb.region", "")
	v.SetDefault("storage.dynamodb.endpoint", "")

	v.SetDefault("serialization.codec", "json")
	v.SetDefault("serialization.compression", "none")
	v.SetDefault("serialization.encrypt_key", "")
}

// Load reads configuration. Precedence, highest first: environment, .env
// files, the config file, defaults. An empty configFile looks for
// mindflow.yaml in the working directory; missing .env files are ignored.
func Load(configFile string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(err, "load env file %s", file)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", configFile)
		}
	} else {
		v.SetConfigName("mindflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config file")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &cfg, nil
}

// Validate checks that the configuration describes something runnable
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverRedis:
	case DriverBolt, DriverSQLite:
		if c.Storage.Path == "" {
			return errors.Newf("storage.path is required for the %s driver", c.Storage.Driver)
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	case DriverDynamoDB:
		if c.Storage.Table == "" {
			return errors.New("storage.table is required for the dynamodb driver")
		}
	default:
		return errors.Newf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.MaxRecordBytes < 0 {
		return errors.New("storage.max_record_bytes must not be negative")
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if _, err := c.Serialization.SerializerConfig(); err != nil {
		return err
	}
	return nil
}

// SerializerConfig resolves the serialization section into a pipeline config
func (s SerializationConfig) SerializerConfig() (serialization.Config, error) {
	codec, err := serialization.CodecByName(s.Codec)
	if err != nil {
		return serialization.Config{}, errors.Wrap(err, "serialization.codec")
	}
	compression, err := serialization.ParseCompression(s.Compression)
	if err != nil {
		return serialization.Config{}, errors.Wrap(err, "serialization.compression")
	}
	config := serialization.Config{Codec: codec, Compression: compression}
	if s.EncryptKey != "" {
		key, err := hex.DecodeString(s.EncryptKey)
		if err != nil {
			return serialization.Config{}, errors.Wrap(err, "serialization.encrypt_key must be hex")
		}
		config.EncryptKey = key
	}
	if err := config.Validate(); err != nil {
		return serialization.Config{}, errors.Wrap(err, "serialization")
	}
	return config, nil
}

// IsDevelopment reports whether development logging and defaults apply
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}
