package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/socialfeed/internal/model"
)

// 制限の種類。ログとメトリクスのラベルに使う。
const (
	limitGeneral = "general"
	limitWrite   = "write"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）
	GeneralBurst    int           // API全般のバーストサイズ
	WriteRate       rate.Limit    // 更新系リクエストのレート（req/sec）
	WriteBurst      int           // 更新系リクエストのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔

	// OnLimited は拒否のたびに制限の種類を渡して呼ばれる。nilなら何もしない。
	OnLimited func(limit string)
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/user、更新系 30 req/min/user
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0),
		GeneralBurst:    120,
		WriteRate:       rate.Limit(30.0 / 60.0),
		WriteBurst:      30,
		CleanupInterval: 5 * time.Minute,
	}
}

// limiterSet はユーザーごとのトークンバケットを保持する。
type limiterSet struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{limit: limit, burst: burst, entries: make(map[string]*limiterEntry)}
}

// take はuserIDのバケットから1トークン消費する。
// 足りなければ次のトークンまでの待ち時間を返す。
func (s *limiterSet) take(userID string, now time.Time) (bool, time.Duration) {
	s.mu.Lock()
	e, ok := s.entries[userID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.entries[userID] = e
	}
	e.lastAccess = now
	s.mu.Unlock()

	if e.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return false, delay
}

// prune はttlを超えてアクセスのないエントリを削除する。
func (s *limiterSet) prune(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, e := range s.entries {
		if now.Sub(e.lastAccess) > ttl {
			delete(s.entries, userID)
		}
	}
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RateLimiter はユーザーごとのレート制限を管理する。
// API全般のレート制限と更新系リクエストのレート制限の2種類を提供する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterSet
	write   *limiterSet

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultRateLimiterConfig().CleanupInterval
	}
	rl := &RateLimiter{
		config:  config,
		general: newLimiterSet(config.GeneralRate, config.GeneralBurst),
		write:   newLimiterSet(config.WriteRate, config.WriteBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// AuthMiddlewareの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(limitGeneral, rl.general, func(*http.Request) bool { return true })
}

// WriteMiddleware は更新系リクエスト（GET/HEAD/OPTIONS以外）のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) WriteMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(limitWrite, rl.write, func(r *http.Request) bool {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return false
		}
		return true
	})
}

func (rl *RateLimiter) middleware(kind string, set *limiterSet, applies func(*http.Request) bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !applies(r) {
				next.ServeHTTP(w, r)
				return
			}

			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ok, wait := set.take(userID, time.Now())
			if !ok {
				slog.WarnContext(r.Context(), "rate limit exceeded",
					slog.String("user_id", userID),
					slog.String("limit_type", kind),
				)
				if rl.config.OnLimited != nil {
					rl.config.OnLimited(kind)
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
				WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds は待ち時間を切り上げた秒数にする。最低1秒。
func retryAfterSeconds(wait time.Duration) int {
	sec := int(math.Ceil(wait.Seconds()))
	if sec < 1 {
		return 1
	}
	return sec
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// WriteLimiterCount は現在管理されている更新系リミッターのエントリ数を返す。
func (rl *RateLimiter) WriteLimiterCount() int {
	return rl.write.len()
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	// 最終アクセスからCleanupIntervalの2倍を過ぎたエントリを捨てる
	ttl := rl.config.CleanupInterval * 2
	for {
		select {
		case now := <-ticker.C:
			rl.general.prune(now, ttl)
			rl.write.prune(now, ttl)
		case <-rl.stopCh:
			return
		}
	}
}
