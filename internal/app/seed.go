package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"

	"github.com/hitoshi/socialfeed/internal/config"
	"github.com/hitoshi/socialfeed/internal/middleware"
	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/hitoshi/socialfeed/internal/post"
)

const (
	defaultSeedUsers = 10
	maxSeedUsers     = 500
	seedPostsPerUser = 3
	seedMaxFollows   = 4
	seedTokenTTL     = 24 * time.Hour
)

var seedHashtags = []string{"golang", "coffee", "travel", "music", "design", "running", "books"}

// seedResult は投入したデータの概要。
type seedResult struct {
	Users []*model.User
	Posts []*model.Post
	Votes int
}

// parseSeedCount は "seed 25" のようにコマンドの後ろに渡された件数を読む。
func parseSeedCount(args []string) int {
	if len(args) < 2 {
		return defaultSeedUsers
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n <= 0 {
		return defaultSeedUsers
	}
	return min(n, maxSeedUsers)
}

// seed はサービス層を通してダミーのユーザー・フォロー・投稿・反応・投票を作る。
// 通知やハッシュタグ件数も通常の書き込みと同じ経路で更新される。
func seed(ctx context.Context, c *container, faker *gofakeit.Faker, n int) (*seedResult, error) {
	res := &seedResult{}

	for i := range n {
		handle := seedHandle(faker.FirstName(), i)
		u, err := c.users.RegisterUser(ctx, uuid.NewString(), faker.Name(), handle)
		if err != nil {
			return nil, fmt.Errorf("ユーザーの作成に失敗しました (%s): %w", handle, err)
		}
		res.Users = append(res.Users, u)
	}

	for i, u := range res.Users {
		for range faker.Number(1, seedMaxFollows) {
			target := res.Users[faker.Number(0, len(res.Users)-1)]
			if target.ID == u.ID {
				continue
			}
			if _, err := c.users.Follow(ctx, u.ID, target.ID); err != nil {
				return nil, fmt.Errorf("フォローに失敗しました (%d): %w", i, err)
			}
		}
	}

	for _, u := range res.Users {
		for range seedPostsPerUser {
			content := fmt.Sprintf("%s #%s", faker.Sentence(8), faker.RandomString(seedHashtags))
			p, err := c.posts.CreatePost(ctx, u.ID, post.NewPost{Content: content, Location: faker.City()})
			if err != nil {
				return nil, fmt.Errorf("投稿の作成に失敗しました: %w", err)
			}
			res.Posts = append(res.Posts, p)
		}
	}

	for _, p := range res.Posts {
		for _, u := range res.Users {
			if u.ID == p.AuthorID || !faker.Bool() {
				continue
			}
			kind := model.EngagementLike
			if faker.Number(0, 3) == 0 {
				kind = model.EngagementRetweet
			}
			if _, err := c.engagement.Toggle(ctx, p.ID, u.ID, kind); err != nil {
				return nil, fmt.Errorf("エンゲージメントの登録に失敗しました: %w", err)
			}
		}
	}

	if len(res.Users) > 0 {
		author := res.Users[0]
		options := []string{faker.Color(), faker.Animal(), faker.Fruit()}
		p, err := c.posts.CreatePost(ctx, author.ID, post.NewPost{
			Content: "どれが好き？ #" + faker.RandomString(seedHashtags),
			Poll:    &post.NewPoll{Options: options, Duration: 24 * time.Hour},
		})
		if err != nil {
			return nil, fmt.Errorf("投票付き投稿の作成に失敗しました: %w", err)
		}
		res.Posts = append(res.Posts, p)

		for _, u := range res.Users[1:] {
			accepted, err := c.polls.CastVote(ctx, p.ID, u.ID, faker.Number(0, len(options)-1))
			if err != nil {
				return nil, fmt.Errorf("投票に失敗しました: %w", err)
			}
			if accepted {
				res.Votes++
			}
		}
	}

	return res, nil
}

// seedHandle は名前からhandleとして使える文字だけを残し、連番を付ける。
func seedHandle(name string, i int) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
		if b.Len() >= 20 {
			break
		}
	}
	base := b.String()
	if base == "" {
		base = "user"
	}
	return fmt.Sprintf("%s_%03d", base, i)
}

// runSeed はダミーデータを投入し、ユーザーごとのトークンをwへ出力する。
func runSeed(ctx context.Context, cfg *config.Config, w io.Writer, n int) error {
	logger := slog.Default()
	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn("seeding the in-memory store; data disappears when this command exits")
	}

	c, err := newContainer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := seed(ctx, c, gofakeit.New(0), n)
	if err != nil {
		return err
	}

	for _, u := range res.Users {
		token, err := middleware.IssueToken(u.ID, []byte(cfg.JWTSecret), seedTokenTTL)
		if err != nil {
			return fmt.Errorf("トークンの発行に失敗しました: %w", err)
		}
		fmt.Fprintf(w, "%s\t@%s\t%s\n", u.ID, u.Handle, token)
	}

	logger.Info("seed completed",
		slog.Int("users", len(res.Users)),
		slog.Int("posts", len(res.Posts)),
		slog.Int("votes", res.Votes),
	)
	return nil
}
