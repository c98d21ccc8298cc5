package repository

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultLookupChunkSize は1回のID指定検索に含めるIDの上限のデフォルト値。
const DefaultLookupChunkSize = 30

// lookupConcurrency は分割検索を並行に実行する上限。
const lookupConcurrency = 4

// LookupChunked はidsを重複除去してchunkSize件ずつに分割し、fetchを並行に呼び出した結果を連結して返す。
// いずれかの呼び出しが失敗した場合はそのエラーを返す。
func LookupChunked[T any](ctx context.Context, ids []string, chunkSize int, fetch func(ctx context.Context, ids []string) ([]T, error)) ([]T, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultLookupChunkSize
	}

	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return nil, nil
	}

	var chunks [][]string
	for start := 0; start < len(unique); start += chunkSize {
		end := min(start+chunkSize, len(unique))
		chunks = append(chunks, unique[start:end])
	}

	results := make([][]T, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupConcurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			found, err := fetch(gctx, chunk)
			if err != nil {
				return err
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []T
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}
