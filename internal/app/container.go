package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/socialfeed/internal/changefeed"
	"github.com/hitoshi/socialfeed/internal/collection"
	"github.com/hitoshi/socialfeed/internal/comment"
	"github.com/hitoshi/socialfeed/internal/config"
	"github.com/hitoshi/socialfeed/internal/database"
	"github.com/hitoshi/socialfeed/internal/engagement"
	"github.com/hitoshi/socialfeed/internal/events"
	"github.com/hitoshi/socialfeed/internal/feed"
	"github.com/hitoshi/socialfeed/internal/graph"
	"github.com/hitoshi/socialfeed/internal/hashtag"
	"github.com/hitoshi/socialfeed/internal/media"
	"github.com/hitoshi/socialfeed/internal/metrics"
	"github.com/hitoshi/socialfeed/internal/notification"
	"github.com/hitoshi/socialfeed/internal/poll"
	"github.com/hitoshi/socialfeed/internal/post"
	"github.com/hitoshi/socialfeed/internal/repository"
	"github.com/hitoshi/socialfeed/internal/security"
	"github.com/hitoshi/socialfeed/internal/viewcount"
)

// changeChannel はRedis Pub/Subで変更通知を流すチャネル名。
const changeChannel = "socialfeed:changes"

// txBaseBackoff は競合時の再試行の初回待ち時間。
const txBaseBackoff = 10 * time.Millisecond

// bucketInitTimeout は起動時のバケット確認・作成の上限時間。
const bucketInitTimeout = 10 * time.Second

// container は1プロセス分の依存関係をまとめたもの。
type container struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector

	repos *repository.Repositories
	hub   changefeed.Hub
	// ping はストアへの疎通確認。メモリストアではnil。
	ping func(ctx context.Context) error
	// mediaFiles はメモリ保存したメディアの配信。MinIO利用時はnil。
	mediaFiles http.Handler

	users         *graph.Service
	posts         *post.Service
	engagement    *engagement.Service
	polls         *poll.Service
	comments      *comment.Service
	collections   *collection.Service
	notifications *notification.Service
	hashtags      *hashtag.Service
	feed          *feed.Service
	media         *media.Service

	closers []func() error
}

// newContainer は設定に従ってストア・外部接続・サービスを組み立てる。
// 途中で失敗した場合は、それまでに開いた接続を閉じてからエラーを返す。
func newContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *container, err error) {
	c := &container{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.registry = prometheus.NewRegistry()
	c.metrics = metrics.NewCollector(c.registry)

	retry := repository.RetryPolicy{
		MaxAttempts: cfg.TxMaxAttempts,
		BaseBackoff: txBaseBackoff,
		OnConflict:  c.metrics.RecordTxConflict,
	}
	if c.repos, err = c.openStore(ctx, retry); err != nil {
		return nil, err
	}

	var views viewcount.Tracker
	if cfg.RedisURL != "" {
		client, err := c.openRedis(ctx)
		if err != nil {
			return nil, err
		}
		c.hub = changefeed.NewRedisHub(client, changeChannel, logger)
		views = viewcount.NewRedisTracker(client, cfg.ViewSessionTTL)
	} else {
		c.hub = changefeed.NewMemoryHub()
		views = viewcount.NewMemoryTracker(cfg.ViewSessionTTL)
	}

	publisher := events.Multi{c.hub}
	if len(cfg.KafkaBrokers) > 0 {
		kafka := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		c.closers = append(c.closers, kafka.Close)
		publisher = append(publisher, kafka)
		logger.Info("kafka publisher enabled", slog.String("topic", cfg.KafkaTopic))
	}

	objects, err := c.openObjectStore(ctx)
	if err != nil {
		return nil, err
	}

	guard := security.NewURLGuard()
	sanitizer := security.NewTextSanitizer()

	c.notifications = notification.NewService(c.repos, c.metrics, logger)
	c.hashtags = hashtag.NewService(c.repos, c.metrics, logger)
	c.users = graph.NewService(c.repos, c.notifications, publisher, sanitizer, guard, c.metrics, logger, cfg.LookupChunkSize)
	c.posts = post.NewService(c.repos, c.notifications, c.hashtags, views, publisher, sanitizer, guard, c.metrics, logger, post.Options{
		EditWindow:     cfg.EditWindow,
		MaxBatchWrites: cfg.MaxBatchWrites,
		ChunkSize:      cfg.LookupChunkSize,
		MediaBaseURL:   objects.BaseURL(),
	})
	c.engagement = engagement.NewService(c.repos, c.notifications, publisher, c.metrics, logger)
	c.polls = poll.NewService(c.repos, publisher, c.metrics, logger)
	c.comments = comment.NewService(c.repos, c.notifications, publisher, sanitizer, c.metrics, logger)
	c.collections = collection.NewService(c.repos, publisher, sanitizer, c.metrics, logger, cfg.LookupChunkSize)
	c.feed = feed.NewService(c.repos, c.hub, c.metrics, logger, feed.Options{
		PageSize:  cfg.FeedPageSize,
		ChunkSize: cfg.LookupChunkSize,
	})
	c.media = media.NewService(objects, guard, cfg.MediaMaxSize, logger)

	return c, nil
}

// openStore はSTORE_DRIVERに応じたストアを開く。
func (c *container) openStore(ctx context.Context, retry repository.RetryPolicy) (*repository.Repositories, error) {
	switch c.cfg.StoreDriver {
	case config.StorePostgres:
		db, err := database.Connect(ctx, c.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, db.Close)
		c.ping = db.PingContext
		c.logger.Info("database connection established",
			slog.String("database_url", maskDatabaseURL(c.cfg.DatabaseURL)),
		)
		return repository.NewPostgresStore(db, retry).Repositories(), nil

	case config.StoreMongo:
		client, err := database.OpenMongo(ctx, c.cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() error {
			return client.Disconnect(context.Background())
		})
		c.ping = func(ctx context.Context) error { return client.Ping(ctx, nil) }
		store := repository.NewMongoStore(client, c.cfg.MongoDB, retry)
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure mongo indexes: %w", err)
		}
		c.logger.Info("mongodb connection established", slog.String("database", c.cfg.MongoDB))
		return store.Repositories(), nil

	default:
		c.logger.Warn("using in-memory store; data is lost on restart")
		return repository.NewMemoryStore(retry).Repositories(), nil
	}
}

// openRedis はREDIS_URLからクライアントを生成し、疎通を確認する。
func (c *container) openRedis(ctx context.Context) (*redis.Client, error) {
	opts, err := redis.ParseURL(c.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	c.closers = append(c.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	c.logger.Info("redis connection established", slog.String("addr", opts.Addr))
	return client, nil
}

// openObjectStore はMINIO_ENDPOINTがあればMinIOを、なければメモリを保存先にする。
// MinIOではバケットが無ければ作成する。
func (c *container) openObjectStore(ctx context.Context) (media.ObjectStore, error) {
	if c.cfg.MinioEndpoint == "" {
		base := c.cfg.MediaPublicURL
		if base == "" {
			base = "http://localhost:" + c.cfg.ServerPort + "/media"
		}
		store := media.NewMemoryStore(base)
		c.mediaFiles = store
		return store, nil
	}
	store, err := media.NewMinioStore(media.MinioConfig{
		Endpoint:      c.cfg.MinioEndpoint,
		AccessKey:     c.cfg.MinioAccessKey,
		SecretKey:     c.cfg.MinioSecretKey,
		UseSSL:        c.cfg.MinioUseSSL,
		Bucket:        c.cfg.MinioBucket,
		Region:        c.cfg.MinioRegion,
		PublicBaseURL: c.cfg.MinioPublicURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init media store: %w", err)
	}
	ectx, cancel := context.WithTimeout(ctx, bucketInitTimeout)
	defer cancel()
	if err := store.EnsureBucket(ectx); err != nil {
		return nil, err
	}
	c.logger.Info("media bucket ready", slog.String("bucket", c.cfg.MinioBucket))
	return store, nil
}

// Close は開いた接続を逆順に閉じる。
func (c *container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
