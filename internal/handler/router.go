package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hitoshi/socialfeed/internal/metrics"
	"github.com/hitoshi/socialfeed/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	JWTSecret         []byte
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Metrics           metrics.Recorder
	// MetricsHandler はnilなら /metrics を公開しない。
	MetricsHandler http.Handler
	// HealthCheck はストアへの疎通確認。nilなら常にokを返す。
	HealthCheck func(ctx context.Context) error
	// MediaFiles はメモリ保存したメディアの配信。nilなら /media を公開しない。
	MediaFiles http.Handler

	Users         UserServiceInterface
	Posts         PostServiceInterface
	Engagement    EngagementServiceInterface
	Polls         PollServiceInterface
	Comments      CommentServiceInterface
	Collections   CollectionServiceInterface
	Feed          FeedServiceInterface
	Notifications NotificationServiceInterface
	Hashtags      HashtagServiceInterface
	Media         MediaServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したハンドラーを返す。
//
// ミドルウェアスタックの実行順序:
//
//	otelhttp → RequestID → Recovery → Logging → Metrics → SecurityHeaders → CORS
//	  → (/api) Auth → RateLimit(General) → RateLimit(Write)
//
// /health と /metrics と /media は認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	userHandler := NewUserHandler(deps.Users)
	postHandler := NewPostHandler(deps.Posts, deps.Engagement, deps.Polls)
	commentHandler := NewCommentHandler(deps.Comments)
	collectionHandler := NewCollectionHandler(deps.Collections)
	feedHandler := NewFeedHandler(deps.Feed)
	notificationHandler := NewNotificationHandler(deps.Notifications, deps.Hashtags)
	mediaHandler := NewMediaHandler(deps.Media)

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler(deps.HealthCheck, deps.Logger))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	if deps.MediaFiles != nil {
		r.Handle("/media/*", http.StripPrefix("/media", deps.MediaFiles))
	}

	// --- 認証が必要なルート ---
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.JWTSecret))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(deps.RateLimiter.WriteMiddleware())

		r.Route("/users", func(r chi.Router) {
			r.Post("/", userHandler.Register)
			r.Patch("/me", userHandler.UpdateProfile)
			r.Put("/me/preferences/{type}", userHandler.SetPreference)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", userHandler.GetUser)
				r.Post("/follow", userHandler.Follow)
				r.Delete("/follow", userHandler.Unfollow)
				r.Post("/block", userHandler.Block)
				r.Delete("/block", userHandler.Unblock)
				r.Get("/followers", userHandler.ListFollowers)
				r.Get("/following", userHandler.ListFollowing)
				r.Get("/posts", postHandler.ListByAuthor)
			})
		})
		r.Get("/handles/{handle}", userHandler.ResolveHandle)

		r.Route("/posts", func(r chi.Router) {
			r.Post("/", postHandler.CreatePost)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", postHandler.GetPost)
				r.Patch("/", postHandler.EditPost)
				r.Delete("/", postHandler.DeletePost)
				r.Post("/like", postHandler.Like)
				r.Post("/retweet", postHandler.Retweet)
				r.Post("/vote", postHandler.Vote)
				r.Get("/poll", postHandler.PollResults)
				r.Post("/view", postHandler.RecordView)
				r.Post("/pin", postHandler.PinPost)
				r.Get("/comments", commentHandler.List)
				r.Post("/comments", commentHandler.Create)
			})
		})

		r.Route("/comments/{id}", func(r chi.Router) {
			r.Delete("/", commentHandler.Delete)
			r.Post("/like", postHandler.LikeComment)
		})

		r.Get("/feed", feedHandler.GetFeed)
		r.Get("/feed/stream", feedHandler.Stream)

		r.Route("/collections", func(r chi.Router) {
			r.Get("/", collectionHandler.List)
			r.Post("/", collectionHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Patch("/", collectionHandler.Rename)
				r.Delete("/", collectionHandler.Delete)
				r.Get("/posts", collectionHandler.Posts)
				r.Post("/posts/{postID}", collectionHandler.ToggleSave)
			})
		})

		r.Get("/notifications", notificationHandler.List)
		r.Post("/notifications/read", notificationHandler.MarkRead)
		r.Get("/hashtags/trending", notificationHandler.Trending)

		r.Post("/media", mediaHandler.Upload)
		r.Post("/media/import", mediaHandler.Import)
	})

	return otelhttp.NewHandler(r, "socialfeed",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}),
	)
}

// healthCheckTimeout はストア疎通確認の待ち時間。
const healthCheckTimeout = 2 * time.Second

func healthHandler(check func(context.Context) error, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := check(ctx); err != nil {
				logger.Warn("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
