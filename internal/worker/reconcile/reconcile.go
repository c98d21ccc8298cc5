// Package reconcile は非正規化データの整合性を回復する定期ジョブを提供する。
// ハッシュタグ件数の再計算と、参照先の投稿が消えた再投稿の掃除を行う。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/socialfeed/internal/metrics"
	"github.com/hitoshi/socialfeed/internal/repository"
)

// DefaultSweepBatch は孤立した再投稿を1回のバッチで削除する件数のデフォルト値。
const DefaultSweepBatch = 500

// HashtagRecounter はハッシュタグ件数の再計算。
type HashtagRecounter interface {
	Recount(ctx context.Context) (int, error)
}

// Job は整合性回復ジョブ。
// どちらの処理も冪等で、ずれが無ければ何も書き込まない。
type Job struct {
	hashtags   HashtagRecounter
	reposts    repository.RepostRepository
	batches    repository.BatchCommitter
	metrics    metrics.Recorder
	logger     *slog.Logger
	SweepBatch int
}

// NewJob は新しいJobを生成する。
func NewJob(hashtags HashtagRecounter, repos *repository.Repositories, recorder metrics.Recorder, logger *slog.Logger) *Job {
	return &Job{
		hashtags:   hashtags,
		reposts:    repos.Reposts,
		batches:    repos.Batches,
		metrics:    recorder,
		logger:     logger,
		SweepBatch: DefaultSweepBatch,
	}
}

// Start はintervalごとにRunを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("整合性回復ジョブを開始しました", slog.Duration("interval", interval))

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("整合性回復ジョブを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Job) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("整合性回復ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// Run はハッシュタグの再計算と孤立再投稿の掃除を1回ずつ実行する。
// 片方が失敗してももう片方は実行し、両方のエラーをまとめて返す。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()

	fixed, recountErr := j.hashtags.Recount(ctx)
	if recountErr == nil {
		j.metrics.RecordReconciled("hashtags", fixed)
	}

	swept, sweepErr := j.SweepOrphanReposts(ctx)
	if swept > 0 {
		j.metrics.RecordReconciled("reposts", swept)
	}

	if err := errors.Join(recountErr, sweepErr); err != nil {
		return err
	}

	j.logger.Info("整合性回復ジョブが完了しました",
		slog.Int("hashtags_fixed", fixed),
		slog.Int("orphan_reposts_deleted", swept),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// SweepOrphanReposts は参照先の投稿が存在しない再投稿を削除し、削除件数を返す。
// 投稿削除時の一括削除が途中で失敗した場合に残ったものを回収する。
func (j *Job) SweepOrphanReposts(ctx context.Context) (int, error) {
	limit := j.SweepBatch
	if limit <= 0 {
		limit = DefaultSweepBatch
	}

	total := 0
	for {
		orphans, err := j.reposts.ListOrphans(ctx, limit)
		if err != nil {
			return total, fmt.Errorf("孤立した再投稿の取得に失敗しました: %w", err)
		}
		if len(orphans) == 0 {
			return total, nil
		}

		b := repository.NewBatch()
		for _, rp := range orphans {
			b.Add(repository.DeleteReposts{PostID: rp.PostID, UserID: rp.UserID})
		}
		if err := j.batches.Commit(ctx, b); err != nil {
			return total, fmt.Errorf("孤立した再投稿の削除に失敗しました: %w", err)
		}
		total += len(orphans)

		if len(orphans) < limit {
			return total, nil
		}
	}
}
