package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストアの種別
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreDriver string
	DatabaseURL string
	MongoURI    string
	MongoDB     string

	// Auth
	JWTSecret string

	// Redis（空なら変更通知・閲覧重複排除はプロセス内で行う）
	RedisURL string

	// Kafka（空ならドメインイベントはKafkaへ送らない）
	KafkaBrokers []string
	KafkaTopic   string

	// MinIO（空ならメディアはメモリに保存する）
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioPublicURL string
	MinioRegion    string
	MediaMaxSize   int64
	// MediaPublicURL はメモリ保存時の公開URLの基点。空なら http://localhost:{PORT}/media
	MediaPublicURL string

	// Tracing
	OTLPEndpoint    string
	OTELSampleRatio float64
	Environment     string

	// Consistency
	TxMaxAttempts   int
	LookupChunkSize int
	MaxBatchWrites  int
	EditWindow      time.Duration

	// Feed / Views
	FeedPageSize   int
	ViewSessionTTL time.Duration

	// Worker
	ReconcileInterval time.Duration

	// Rate Limit
	RateLimitGeneral int
	RateLimitWrite   int

	// Server
	ServerPort        string
	CORSAllowedOrigin string
	LogLevel          string
}

// Load は.envがあれば読み込んだうえで、環境変数からConfigを読み込む。
// 既に設定済みの環境変数は.envで上書きしない。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".env の読み込みに失敗しました: %w", err)
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	cfg.StoreDriver = strings.ToLower(getEnvString("STORE_DRIVER", StoreMemory))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.MongoURI = os.Getenv("MONGO_URI")
	switch cfg.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case StoreMongo:
		if cfg.MongoURI == "" {
			missing = append(missing, "MONGO_URI")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER: %q", cfg.StoreDriver)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.MongoDB = getEnvString("MONGO_DB", "socialfeed")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.KafkaBrokers = getEnvList("KAFKA_BROKERS")
	cfg.KafkaTopic = getEnvString("KAFKA_TOPIC", "socialfeed.events")
	cfg.MinioEndpoint = os.Getenv("MINIO_ENDPOINT")
	cfg.MinioAccessKey = os.Getenv("MINIO_ACCESS_KEY")
	cfg.MinioSecretKey = os.Getenv("MINIO_SECRET_KEY")
	cfg.MinioBucket = getEnvString("MINIO_BUCKET", "media")
	cfg.MinioUseSSL = getEnvBool("MINIO_USE_SSL", false)
	cfg.MinioPublicURL = os.Getenv("MINIO_PUBLIC_URL")
	cfg.MinioRegion = getEnvString("MINIO_REGION", "us-east-1")
	cfg.MediaPublicURL = os.Getenv("MEDIA_PUBLIC_URL")
	cfg.MediaMaxSize = getEnvInt64("MEDIA_MAX_SIZE", 10<<20)
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.OTELSampleRatio = getEnvFloat("OTEL_SAMPLE_RATIO", 1.0)
	cfg.Environment = getEnvString("APP_ENV", "development")
	cfg.TxMaxAttempts = getEnvInt("TX_MAX_ATTEMPTS", 5)
	cfg.LookupChunkSize = getEnvInt("LOOKUP_CHUNK_SIZE", 30)
	cfg.MaxBatchWrites = getEnvInt("MAX_BATCH_WRITES", 500)
	cfg.EditWindow = getEnvDuration("EDIT_WINDOW", 15*time.Minute)
	cfg.FeedPageSize = getEnvInt("FEED_PAGE_SIZE", 20)
	cfg.ViewSessionTTL = getEnvDuration("VIEW_SESSION_TTL", 30*time.Minute)
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitWrite = getEnvInt("RATE_LIMIT_WRITE", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
