// Package poll は投稿に埋め込まれた投票への投票と集計を提供する。
//
// 投票は投稿ドキュメントの読み取り→変更→版数条件付き書き込みで行い、
// 1ユーザー1投票と sum(votes) == len(voters) を保つ。
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hitoshi/socialfeed/internal/events"
	"github.com/hitoshi/socialfeed/internal/metrics"
	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/hitoshi/socialfeed/internal/repository"
	"github.com/hitoshi/socialfeed/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Result は投票の集計結果。
type Result struct {
	Options []string   `json:"options"`
	Votes   []int      `json:"votes"`
	Total   int        `json:"total"`
	EndsAt  *time.Time `json:"ends_at,omitempty"`
	Closed  bool       `json:"closed"`
	// ViewerChoice は閲覧者が選んだ選択肢の位置。未投票ならnil。
	ViewerChoice *int `json:"viewer_choice,omitempty"`
}

// Service は投票のサービス層。
type Service struct {
	repos     *repository.Repositories
	publisher events.Publisher
	metrics   metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repos *repository.Repositories, publisher events.Publisher, recorder metrics.Recorder, logger *slog.Logger) *Service {
	return &Service{
		repos:     repos,
		publisher: publisher,
		metrics:   recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// CastVote はoptionIndexの選択肢に投票する。
// 既に投票済みの場合は何も変更せずfalseを返す。
func (s *Service) CastVote(ctx context.Context, postID, userID string, optionIndex int) (_ bool, err error) {
	ctx, span := telemetry.Start(ctx, "poll.cast_vote", attribute.String("post_id", postID))
	defer func() { telemetry.End(span, err) }()

	voter, err := s.repos.Users.FindByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if voter == nil {
		return false, model.NewUserNotFoundError(userID)
	}

	var accepted bool
	err = s.repos.Tx.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		accepted = false
		p, err := tx.GetPost(ctx, postID)
		if err != nil {
			return err
		}
		if p == nil {
			return model.NewPostNotFoundError(postID)
		}
		if p.Poll == nil {
			return model.NewPollNotFoundError(postID)
		}
		// 投票済みなら締切や選択肢に関係なく何もしない
		if _, voted := p.Poll.Voters[userID]; voted {
			return nil
		}
		if p.AuthorID != userID && voter.HasBlockRelation(p.AuthorID) {
			return model.NewBlockedError()
		}
		if p.Poll.Closed(s.now()) {
			return model.NewPollClosedError()
		}
		if optionIndex < 0 || optionIndex >= len(p.Poll.Options) {
			return model.NewValidationError(fmt.Sprintf("選択肢の位置が範囲外です: %d", optionIndex))
		}

		if p.Poll.Voters == nil {
			p.Poll.Voters = map[string]int{}
		}
		p.Poll.Votes[optionIndex]++
		p.Poll.Voters[userID] = optionIndex
		tx.PutPost(p)
		accepted = true
		return nil
	})
	if err != nil {
		return false, repository.Classify(err, model.NewPostNotFoundError(postID))
	}

	s.metrics.RecordVote(accepted)
	if accepted {
		if err := s.publisher.Publish(ctx, events.Event{
			Type:    events.PollVoted,
			ActorID: userID,
			PostID:  postID,
			At:      s.now(),
		}); err != nil {
			s.metrics.RecordBestEffortFailure("events")
			s.logger.Warn("イベントの発行に失敗しました",
				slog.String("type", string(events.PollVoted)),
				slog.String("error", err.Error()),
			)
		}
	}
	return accepted, nil
}

// Results は投票の集計と閲覧者の選択を返す。
func (s *Service) Results(ctx context.Context, viewerID, postID string) (*Result, error) {
	p, err := s.repos.Posts.FindByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if p == nil {
		return nil, model.NewPostNotFoundError(postID)
	}
	if p.Poll == nil {
		return nil, model.NewPollNotFoundError(postID)
	}

	r := &Result{
		Options: slices.Clone(p.Poll.Options),
		Votes:   slices.Clone(p.Poll.Votes),
		Total:   p.Poll.TotalVotes(),
		EndsAt:  p.Poll.EndsAt,
		Closed:  p.Poll.Closed(s.now()),
	}
	if choice, ok := p.Poll.Voters[viewerID]; ok {
		r.ViewerChoice = &choice
	}
	return r, nil
}
