// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス記録のインターフェース。
// サービス層・ワーカー・HTTPミドルウェアから利用する。
type Recorder interface {
	RecordEngagement(kind string, engaged bool)
	RecordVote(accepted bool)
	RecordTxConflict(attempt int)
	RecordNotification(written bool)
	RecordBestEffortFailure(subsystem string)
	RecordFeedComposition(scope string, duration time.Duration)
	RecordReconciled(kind string, count int)
	RecordHTTPStatus(statusCode int)
	RecordRateLimited(limit string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	engagements       *prometheus.CounterVec
	votes             *prometheus.CounterVec
	txConflicts       prometheus.Counter
	txRetryAttempts   prometheus.Histogram
	notifications     *prometheus.CounterVec
	bestEffortFailure *prometheus.CounterVec
	feedCompositions  *prometheus.CounterVec
	feedLatency       prometheus.Histogram
	reconciled        *prometheus.CounterVec
	httpStatus        *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		engagements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialfeed_engagement_toggles_total",
			Help: "いいね・リツイートの切り替え回数",
		}, []string{"kind", "direction"}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialfeed_poll_votes_total",
			Help: "投票の受付結果別の件数",
		}, []string{"result"}),
		txConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "socialfeed_tx_conflicts_total",
			Help: "楽観的トランザクションの競合検出回数",
		}),
		txRetryAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "socialfeed_tx_conflict_attempt",
			Help:    "競合を検出した試行の回数目",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialfeed_notifications_total",
			Help: "通知の書き込み・抑止の件数",
		}, []string{"result"}),
		bestEffortFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialfeed_best_effort_failures_total",
			Help: "ロールバックしない副作用の失敗件数",
		}, []string{"subsystem"}),
		feedCompositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialfeed_feed_compositions_total",
			Help: "フィード構成の回数",
		}, []string{"scope"}),
		feedLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "socialfeed_feed_composition_seconds",
			Help:    "フィード1ページの構成にかかった時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialfeed_reconciled_total",
			Help: "整合性回復ジョブで修正した件数",
		}, []string{"kind"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialfeed_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialfeed_rate_limited_total",
			Help: "レート制限で拒否したリクエスト数",
		}, []string{"limit"}),
	}

	reg.MustRegister(
		c.engagements,
		c.votes,
		c.txConflicts,
		c.txRetryAttempts,
		c.notifications,
		c.bestEffortFailure,
		c.feedCompositions,
		c.feedLatency,
		c.reconciled,
		c.httpStatus,
		c.rateLimited,
	)

	return c
}

// RecordEngagement はエンゲージメントの切り替えを記録する。
func (c *Collector) RecordEngagement(kind string, engaged bool) {
	direction := "off"
	if engaged {
		direction = "on"
	}
	c.engagements.WithLabelValues(kind, direction).Inc()
}

// RecordVote は投票の受付結果を記録する。
func (c *Collector) RecordVote(accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	c.votes.WithLabelValues(result).Inc()
}

// RecordTxConflict は楽観的トランザクションの競合を記録する。
func (c *Collector) RecordTxConflict(attempt int) {
	c.txConflicts.Inc()
	c.txRetryAttempts.Observe(float64(attempt))
}

// RecordNotification は通知の書き込み（true）または設定による抑止（false）を記録する。
func (c *Collector) RecordNotification(written bool) {
	result := "suppressed"
	if written {
		result = "written"
	}
	c.notifications.WithLabelValues(result).Inc()
}

// RecordBestEffortFailure は失敗してもロールバックしない副作用の失敗を記録する。
func (c *Collector) RecordBestEffortFailure(subsystem string) {
	c.bestEffortFailure.WithLabelValues(subsystem).Inc()
}

// RecordFeedComposition はフィード構成の回数と所要時間を記録する。
func (c *Collector) RecordFeedComposition(scope string, duration time.Duration) {
	c.feedCompositions.WithLabelValues(scope).Inc()
	c.feedLatency.Observe(duration.Seconds())
}

// RecordReconciled は整合性回復ジョブの修正件数を記録する。
func (c *Collector) RecordReconciled(kind string, count int) {
	c.reconciled.WithLabelValues(kind).Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRateLimited はレート制限による拒否を制限の種類（general/write）別に記録する。
func (c *Collector) RecordRateLimited(limit string) {
	c.rateLimited.WithLabelValues(limit).Inc()
}

// Nop は何も記録しないRecorder。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordEngagement(string, bool)               {}
func (Nop) RecordVote(bool)                             {}
func (Nop) RecordTxConflict(int)                        {}
func (Nop) RecordNotification(bool)                     {}
func (Nop) RecordBestEffortFailure(string)              {}
func (Nop) RecordFeedComposition(string, time.Duration) {}
func (Nop) RecordReconciled(string, int)                {}
func (Nop) RecordHTTPStatus(int)                        {}
func (Nop) RecordRateLimited(string)                    {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
