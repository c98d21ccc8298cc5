package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/hitoshi/socialfeed/internal/security"
)

// DefaultMaxBytes は受け付けるメディアの最大サイズのデフォルト値。
const DefaultMaxBytes = 10 << 20

// importTimeout は外部URLからの取り込みのタイムアウト。
const importTimeout = 15 * time.Second

// allowedTypes は受け付けるContent-Typeと保存時の拡張子。
var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"video/mp4":  ".mp4",
}

// Service はメディアのアップロードとURL取り込みのサービス層。
type Service struct {
	store    ObjectStore
	guard    security.URLGuard
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(store ObjectStore, guard security.URLGuard, maxBytes int64, logger *slog.Logger) *Service {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Service{
		store:    store,
		guard:    guard,
		client:   guard.NewSafeClient(importTimeout),
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// Upload は利用者がアップロードしたメディアを保存し、公開URLを返す。
// Content-Typeは申告値ではなく先頭バイトから判定する。
func (s *Service) Upload(ctx context.Context, userID string, r io.Reader) (string, error) {
	return s.save(ctx, userID, r)
}

// Import は外部URLのメディアを取得して保存し、公開URLを返す。
// 内部ネットワークへのアクセスはURLの静的検証と接続時のIP検証の両方で拒否する。
func (s *Service) Import(ctx context.Context, userID, rawURL string) (string, error) {
	if err := s.guard.ValidateURL(rawURL); err != nil {
		if errors.Is(err, security.ErrBlockedHost) {
			return "", model.NewSSRFBlockedError()
		}
		return "", model.NewInvalidURLError(err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", model.NewInvalidURLError(err.Error())
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("メディアの取得に失敗しました",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return "", model.NewMediaRejectedError("取得できませんでした")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", model.NewMediaRejectedError(fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	if resp.ContentLength > s.maxBytes {
		return "", model.NewMediaRejectedError("サイズが大きすぎます")
	}
	return s.save(ctx, userID, resp.Body)
}

func (s *Service) save(ctx context.Context, userID string, r io.Reader) (string, error) {
	// 上限+1バイトまで読み、超えたら拒否する
	limited := io.LimitReader(r, s.maxBytes+1)
	br := bufio.NewReaderSize(limited, 512)
	head, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", fmt.Errorf("メディアの読み取りに失敗しました: %w", err)
	}
	if len(head) == 0 {
		return "", model.NewMediaRejectedError("空のファイルです")
	}

	contentType := http.DetectContentType(head)
	ext, ok := allowedTypes[contentType]
	if !ok {
		return "", model.NewMediaRejectedError(contentType)
	}

	data, err := io.ReadAll(br)
	if err != nil {
		return "", fmt.Errorf("メディアの読み取りに失敗しました: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return "", model.NewMediaRejectedError("サイズが大きすぎます")
	}

	key := path.Join(userID, uuid.NewString()+ext)
	url, err := s.store.Put(ctx, key, contentType, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("メディアの保存に失敗しました: %w", err)
	}
	return url, nil
}
