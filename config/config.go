package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"

	MQBackendNone     = "none"
	MQBackendRabbitMQ = "rabbitmq"
	MQBackendPubSub   = "pubsub"

	StorageBackendMinio = "minio"
	StorageBackendGCS   = "gcs"
)

const minSigningSecretLen = 32

type Config struct {
	ServerPort   int
	StoreBackend string
	Database     DatabaseConfig
	JWT          JWTConfig
	Hasher       HasherConfig
	Events       EventsConfig
	MQBackend    string
	RabbitMQ     RabbitMQConfig
	PubSub       PubSubConfig
	Storage      StorageConfig
	Log          LogConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	UseSSL   bool
}

// JWTConfig holds the token issuer settings. AccessTokenTTL is short (minutes),
// RefreshTokenDays bounds a session between two logins.
type JWTConfig struct {
	Secret           string
	Issuer           string
	Audience         string
	AccessTokenTTL   time.Duration
	RefreshTokenDays int
}

// RefreshTokenTTL converts RefreshTokenDays to a duration.
func (c JWTConfig) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenDays) * 24 * time.Hour
}

type HasherConfig struct {
	Cost    int
	Workers int
}

type EventsConfig struct {
	ActivityChannel string
	NotifyChannel   string
}

type RabbitMQConfig struct {
	URL             string
	QueueDurable    bool
	QueueAutoDelete bool
	PrefetchCount   int
}

type PubSubConfig struct {
	ProjectID          string
	CredentialsFile    string
	SubscriptionSuffix string
}

type StorageConfig struct {
	Backend string
	Minio   MinioConfig
	GCS     GCSConfig
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type GCSConfig struct {
	Bucket          string
	ProjectID       string
	CredentialsFile string
}

type LogConfig struct {
	Level  string
	Format string
}

func LoadConfig() Config {
	if os.Getenv("ENV") == "dev" {
		godotenv.Load()
	}

	dbConfig := DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "ridged"),
		Password: getEnv("DB_PASSWORD", "password"),
		DBName:   getEnv("DB_NAME", "ridged_auth"),
		UseSSL:   getEnvBool("DB_SSL", false),
	}

	jwtConfig := JWTConfig{
		Secret:           strings.TrimSpace(getEnv("JWT_SECRET", "")),
		Issuer:           getEnv("JWT_ISSUER", "ridged-auth"),
		Audience:         getEnv("JWT_AUDIENCE", "ridged-api"),
		AccessTokenTTL:   time.Duration(getEnvInt("ACCESS_TOKEN_MINUTES", 15)) * time.Minute,
		RefreshTokenDays: getEnvInt("REFRESH_TOKEN_DAYS", 7),
	}

	return Config{
		ServerPort:   getEnvInt("SERVER_PORT", 8080),
		StoreBackend: getEnv("STORE_BACKEND", StoreBackendPostgres),
		Database:     dbConfig,
		JWT:          jwtConfig,
		Hasher: HasherConfig{
			Cost:    getEnvInt("BCRYPT_COST", 12),
			Workers: getEnvInt("HASH_WORKERS", runtime.GOMAXPROCS(0)),
		},
		Events: EventsConfig{
			ActivityChannel: getEnv("EVENTS_ACTIVITY_CHANNEL", "account.activity"),
			NotifyChannel:   getEnv("EVENTS_NOTIFY_CHANNEL", "account.notifications"),
		},
		MQBackend: getEnv("MQ_BACKEND", MQBackendNone),
		RabbitMQ: RabbitMQConfig{
			URL:             getEnv("RABBITMQ_URL", ""),
			QueueDurable:    getEnvBool("RABBITMQ_QUEUE_DURABLE", true),
			QueueAutoDelete: getEnvBool("RABBITMQ_QUEUE_AUTO_DELETE", false),
			PrefetchCount:   getEnvInt("RABBITMQ_PREFETCH", 10),
		},
		PubSub: PubSubConfig{
			ProjectID:          getEnv("PUBSUB_PROJECT_ID", ""),
			CredentialsFile:    getEnv("PUBSUB_CREDENTIALS_FILE", ""),
			SubscriptionSuffix: getEnv("PUBSUB_SUBSCRIPTION_SUFFIX", "-sub"),
		},
		Storage: StorageConfig{
			Backend: getEnv("STORAGE_BACKEND", StorageBackendMinio),
			Minio: MinioConfig{
				Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
				AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
				SecretKey: getEnv("MINIO_SECRET_KEY", ""),
				Bucket:    getEnv("MINIO_BUCKET", "ridged-activity"),
				UseSSL:    getEnvBool("MINIO_USE_SSL", false),
			},
			GCS: GCSConfig{
				Bucket:          getEnv("GCS_BUCKET", ""),
				ProjectID:       getEnv("GCS_PROJECT_ID", ""),
				CredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
			},
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// Validate reports the first setting that would prevent the server from starting.
func (c Config) Validate() error {
	if len(c.JWT.Secret) < minSigningSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", minSigningSecretLen)
	}
	if c.JWT.Issuer == "" || c.JWT.Audience == "" {
		return errors.New("JWT_ISSUER and JWT_AUDIENCE are required")
	}
	if c.JWT.AccessTokenTTL <= 0 {
		return errors.New("ACCESS_TOKEN_MINUTES must be positive")
	}
	if c.JWT.RefreshTokenDays <= 0 {
		return errors.New("REFRESH_TOKEN_DAYS must be positive")
	}
	if c.Hasher.Workers < 1 {
		return errors.New("HASH_WORKERS must be at least 1")
	}

	switch c.StoreBackend {
	case StoreBackendPostgres, StoreBackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.MQBackend {
	case MQBackendNone, MQBackendRabbitMQ, MQBackendPubSub:
	default:
		return fmt.Errorf("unknown MQ_BACKEND %q", c.MQBackend)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		var value int
		fmt.Sscanf(valueStr, "%d", &value)
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
		if err != nil {
			return defaultValue
		}
		return value
	}
	return defaultValue
}
