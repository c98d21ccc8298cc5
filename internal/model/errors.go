// Package model はドメインモデルを定義する。
package model

import "fmt"

// ErrorKind はエラーの分類。HTTPステータスへの対応付けに使う。
type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindConflict         ErrorKind = "conflict"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindValidation       ErrorKind = "validation"
	KindUnauthorized     ErrorKind = "unauthorized"
	KindRateLimited      ErrorKind = "rate_limited"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string    // エラーコード
	Message  string    // エラーメッセージ
	Category string    // カテゴリ: auth, validation, content, social, system
	Action   string    // ユーザー向け対処方法
	Kind     ErrorKind // 分類
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUserNotFound        = "USER_NOT_FOUND"
	ErrCodePostNotFound        = "POST_NOT_FOUND"
	ErrCodePostUnavailable     = "POST_UNAVAILABLE"
	ErrCodePollNotFound        = "POLL_NOT_FOUND"
	ErrCodeCommentNotFound     = "COMMENT_NOT_FOUND"
	ErrCodeCollectionNotFound  = "COLLECTION_NOT_FOUND"
	ErrCodeHandleTaken         = "HANDLE_TAKEN"
	ErrCodeCollectionNameTaken = "COLLECTION_NAME_TAKEN"
	ErrCodeConflict            = "CONCURRENT_MODIFICATION"
	ErrCodeReservedCollection  = "RESERVED_COLLECTION"
	ErrCodeNotAuthor           = "NOT_AUTHOR"
	ErrCodeEditWindowExpired   = "EDIT_WINDOW_EXPIRED"
	ErrCodeBlocked             = "BLOCKED"
	ErrCodePollClosed          = "POLL_CLOSED"
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeInvalidURL          = "INVALID_URL"
	ErrCodeSSRFBlocked         = "SSRF_BLOCKED"
	ErrCodeMediaRejected       = "MEDIA_REJECTED"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeRateLimited         = "RATE_LIMIT_EXCEEDED"
)

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("ユーザーが見つかりません: %s", userID),
		Category: "social",
		Action:   "ユーザーIDを確認してください。",
		Kind:     KindNotFound,
	}
}

// NewPostNotFoundError は投稿が見つからない場合のエラーを生成する。
func NewPostNotFoundError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された投稿が見つかりません: %s", postID),
		Category: "content",
		Action:   "投稿が削除されていないか確認してください。",
		Kind:     KindNotFound,
	}
}

// NewPostUnavailableError はエンゲージメント対象の投稿が既に存在しない場合のエラーを生成する。
func NewPostUnavailableError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePostUnavailable,
		Message:  fmt.Sprintf("この投稿は利用できません: %s", postID),
		Category: "content",
		Action:   "フィードを再読み込みしてください。",
		Kind:     KindNotFound,
	}
}

// NewPollNotFoundError は投稿に投票が無い場合のエラーを生成する。
func NewPollNotFoundError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePollNotFound,
		Message:  fmt.Sprintf("投稿に投票がありません: %s", postID),
		Category: "content",
		Action:   "投稿IDを確認してください。",
		Kind:     KindNotFound,
	}
}

// NewCommentNotFoundError はコメントが見つからない場合のエラーを生成する。
func NewCommentNotFoundError(commentID string) *APIError {
	return &APIError{
		Code:     ErrCodeCommentNotFound,
		Message:  fmt.Sprintf("指定されたコメントが見つかりません: %s", commentID),
		Category: "content",
		Action:   "コメントが削除されていないか確認してください。",
		Kind:     KindNotFound,
	}
}

// NewCollectionNotFoundError はコレクションが見つからない場合のエラーを生成する。
func NewCollectionNotFoundError(collectionID string) *APIError {
	return &APIError{
		Code:     ErrCodeCollectionNotFound,
		Message:  fmt.Sprintf("指定されたコレクションが見つかりません: %s", collectionID),
		Category: "content",
		Action:   "コレクション一覧を再読み込みしてください。",
		Kind:     KindNotFound,
	}
}

// NewHandleTakenError はハンドルが既に使われている場合のエラーを生成する。
func NewHandleTakenError(handle string) *APIError {
	return &APIError{
		Code:     ErrCodeHandleTaken,
		Message:  fmt.Sprintf("このハンドルは既に使用されています: @%s", handle),
		Category: "social",
		Action:   "別のハンドルを指定してください。",
		Kind:     KindConflict,
	}
}

// NewCollectionNameTakenError は同名のコレクションが既にある場合のエラーを生成する。
func NewCollectionNameTakenError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeCollectionNameTaken,
		Message:  fmt.Sprintf("同じ名前のコレクションが既にあります: %s", name),
		Category: "content",
		Action:   "別の名前を指定してください。",
		Kind:     KindConflict,
	}
}

// NewConflictError は楽観的トランザクションが再試行上限に達した場合のエラーを生成する。
func NewConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  "同時に更新が行われたため処理を完了できませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Kind:     KindConflict,
	}
}

// NewReservedCollectionError は予約コレクションを変更しようとした場合のエラーを生成する。
func NewReservedCollectionError() *APIError {
	return &APIError{
		Code:     ErrCodeReservedCollection,
		Message:  "保存済みコレクションは名前変更・削除できません。",
		Category: "content",
		Action:   "別のコレクションを選択してください。",
		Kind:     KindPermissionDenied,
	}
}

// NewNotAuthorError は投稿者以外が投稿を変更しようとした場合のエラーを生成する。
func NewNotAuthorError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthor,
		Message:  "この操作は投稿者のみ実行できます。",
		Category: "content",
		Action:   "自分の投稿に対して操作してください。",
		Kind:     KindPermissionDenied,
	}
}

// NewEditWindowExpiredError は編集可能期間を過ぎた場合のエラーを生成する。
func NewEditWindowExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeEditWindowExpired,
		Message:  "投稿から5分を過ぎたため編集できません。",
		Category: "content",
		Action:   "投稿を削除して新しく投稿してください。",
		Kind:     KindPermissionDenied,
	}
}

// NewBlockedError はブロック関係により操作できない場合のエラーを生成する。
func NewBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeBlocked,
		Message:  "ブロック関係にあるユーザーには操作できません。",
		Category: "social",
		Action:   "ブロックを解除してから再度お試しください。",
		Kind:     KindPermissionDenied,
	}
}

// NewPollClosedError は締め切られた投票に投票しようとした場合のエラーを生成する。
func NewPollClosedError() *APIError {
	return &APIError{
		Code:     ErrCodePollClosed,
		Message:  "この投票は締め切られています。",
		Category: "content",
		Action:   "結果を確認してください。",
		Kind:     KindPermissionDenied,
	}
}

// NewValidationError は入力値が不正な場合のエラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
		Kind:     KindValidation,
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（https:// で始まるURL）を入力してください。",
		Kind:     KindValidation,
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。",
		Kind:     KindPermissionDenied,
	}
}

// NewMediaRejectedError はメディアの形式やサイズが受け付けられない場合のエラーを生成する。
func NewMediaRejectedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeMediaRejected,
		Message:  fmt.Sprintf("メディアを受け付けられません: %s", reason),
		Category: "validation",
		Action:   "画像（JPEG/PNG/GIF/WebP）または動画（MP4）を選択してください。",
		Kind:     KindValidation,
	}
}

// NewUnauthorizedError は認証されていない場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
		Kind:     KindUnauthorized,
	}
}

// NewRateLimitedError はレート制限を超えた場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterの秒数だけ待ってから再度お試しください。",
		Kind:     KindRateLimited,
	}
}
