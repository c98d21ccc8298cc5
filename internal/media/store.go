// Package media は投稿に添付するメディアの保存と外部URLからの取り込みを提供する。
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore はメディアのオブジェクトを保存し、公開URLを返す。
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, error)
	// BaseURL は公開URLの基点。Putが返すURLはすべてこの配下になる。
	BaseURL() string
}

// defaultRegion はRegion未指定時に使う。指定しておくとバケット位置の問い合わせを省ける。
const defaultRegion = "us-east-1"

// MinioConfig はMinIO（S3互換ストレージ）の接続設定。
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Region    string
	// PublicBaseURL は公開URLの基点。空ならエンドポイントから組み立てる。
	PublicBaseURL string
}

// MinioStore はMinIOにメディアを保存するObjectStore。
type MinioStore struct {
	client  *minio.Client
	bucket  string
	region  string
	baseURL string
}

// NewMinioStore はMinioStoreを生成する。
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	base := cfg.PublicBaseURL
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s/%s", scheme, endpoint, cfg.Bucket)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, region: region, baseURL: strings.TrimSuffix(base, "/")}, nil
}

// BaseURL は公開URLの基点を返す。
func (s *MinioStore) BaseURL() string { return s.baseURL }

// EnsureBucket はバケットが無ければ作成する。
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		// 別プロセスが先に作成した場合
		if minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// Put はオブジェクトを保存して公開URLを返す。
func (s *MinioStore) Put(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000, immutable",
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return publicURL(s.baseURL, key), nil
}

// MemoryStore はプロセス内メモリにオブジェクトを保持するObjectStore。開発用。
type MemoryStore struct {
	mu      sync.Mutex
	baseURL string
	objects map[string]Object
}

// Object は保存されたオブジェクト。
type Object struct {
	ContentType string
	Data        []byte
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{baseURL: strings.TrimSuffix(baseURL, "/"), objects: map[string]Object{}}
}

// Put はオブジェクトを保存して公開URLを返す。
func (s *MemoryStore) Put(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.objects[key] = Object{ContentType: contentType, Data: buf.Bytes()}
	s.mu.Unlock()
	return publicURL(s.baseURL, key), nil
}

// BaseURL は公開URLの基点を返す。
func (s *MemoryStore) BaseURL() string { return s.baseURL }

// ServeHTTP はパスをキーとして保存済みのオブジェクトを返す。
// 公開URLのパス接頭辞はhttp.StripPrefixで取り除いてから渡す。
func (s *MemoryStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o, ok := s.Get(strings.TrimPrefix(r.URL.Path, "/"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", o.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Write(o.Data)
}

// Get は保存済みのオブジェクトを返す。
func (s *MemoryStore) Get(key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	return o, ok
}

func publicURL(base, key string) string {
	return base + "/" + (&url.URL{Path: key}).EscapedPath()
}

// compile-time interface check
var (
	_ ObjectStore  = (*MinioStore)(nil)
	_ ObjectStore  = (*MemoryStore)(nil)
	_ http.Handler = (*MemoryStore)(nil)
)
