package repository

import (
	"errors"

	"github.com/hitoshi/socialfeed/internal/model"
)

// Classify はリポジトリのエラーを呼び出し元に返すAPIErrorへ変換する。
// 再試行上限に達した競合はCONCURRENT_MODIFICATION、ErrNotFoundはnotFound（nilでなければ）になる。
// それ以外のエラーはそのまま返す。
func Classify(err error, notFound *model.APIError) error {
	var apiErr *model.APIError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, ErrConflict):
		return model.NewConflictError()
	case notFound != nil && errors.Is(err, ErrNotFound):
		return notFound
	}
	return err
}
