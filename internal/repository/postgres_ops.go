package repository

import (
	"context"
	"fmt"
)

// execOp はBatchの1操作をSQLとして実行する。
func execOp(ctx context.Context, ex execer, op Op) error {
	switch o := op.(type) {
	case InsertPost:
		return insertPost(ctx, ex, o.Post)

	case DeletePost:
		err := expectRows(ex.ExecContext(ctx, `DELETE FROM posts WHERE id = $1`, o.PostID))
		return wrapOpError("post", o.PostID, err)

	case UpdatePostSet:
		col, err := engagementColumn(o.Set)
		if err != nil {
			return err
		}
		err = expectRows(ex.ExecContext(ctx, setUpdateSQL("posts", col, o.Add, true), o.PostID, o.UserID))
		return wrapOpError("post", o.PostID, err)

	case IncrementPostCounter:
		var col string
		switch o.Counter {
		case CounterComments:
			col = "comments"
		case CounterViews:
			col = "views"
		default:
			return fmt.Errorf("unknown post counter: %s", o.Counter)
		}
		err := expectRows(ex.ExecContext(ctx,
			`UPDATE posts SET `+col+` = GREATEST(`+col+` + $2, 0), version = version + 1 WHERE id = $1`,
			o.PostID, o.Delta,
		))
		return wrapOpError("post", o.PostID, err)

	case InsertRepost:
		rp := o.Repost
		_, err := ex.ExecContext(ctx,
			`INSERT INTO reposts (`+repostColumns+`)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (user_id, post_id) DO NOTHING`,
			rp.ID, rp.UserID, rp.PostID, rp.OriginalPostAuthorID, rp.CreatedAt,
		)
		return err

	case DeleteReposts:
		_, err := ex.ExecContext(ctx,
			`DELETE FROM reposts WHERE post_id = $1 AND ($2 = '' OR user_id = $2)`,
			o.PostID, o.UserID,
		)
		return err

	case InsertComment:
		return insertComment(ctx, ex, o.Comment)

	case DeleteComment:
		err := expectRows(ex.ExecContext(ctx, `DELETE FROM comments WHERE id = $1`, o.CommentID))
		return wrapOpError("comment", o.CommentID, err)

	case DeleteCommentsByPost:
		_, err := ex.ExecContext(ctx, `DELETE FROM comments WHERE post_id = $1`, o.PostID)
		return err

	case UpdateCommentSet:
		col, err := engagementColumn(o.Set)
		if err != nil {
			return err
		}
		err = expectRows(ex.ExecContext(ctx, setUpdateSQL("comments", col, o.Add, false), o.CommentID, o.UserID))
		return wrapOpError("comment", o.CommentID, err)

	case IncrementCommentReplies:
		err := expectRows(ex.ExecContext(ctx,
			`UPDATE comments SET replies = GREATEST(replies + $2, 0) WHERE id = $1`,
			o.CommentID, o.Delta,
		))
		return wrapOpError("comment", o.CommentID, err)

	case UpdateUserSet:
		var col string
		switch o.Set {
		case SetFollowing, SetFollowers, SetBlocked, SetBlockedBy:
			col = string(o.Set)
		default:
			return fmt.Errorf("unknown user set: %s", o.Set)
		}
		err := expectRows(ex.ExecContext(ctx, setUpdateSQL("users", col, o.Add, true), o.UserID, o.MemberID))
		return wrapOpError("user", o.UserID, err)

	case SetUserPreference:
		err := expectRows(ex.ExecContext(ctx,
			`UPDATE users
			 SET notification_preferences = jsonb_set(notification_preferences, ARRAY[$2::text], to_jsonb($3::boolean)),
			     version = version + 1, updated_at = now()
			 WHERE id = $1`,
			o.UserID, string(o.Type), o.Enabled,
		))
		return wrapOpError("user", o.UserID, err)

	case ClearPinnedPost:
		_, err := ex.ExecContext(ctx,
			`UPDATE users SET pinned_post_id = NULL, version = version + 1, updated_at = now()
			 WHERE id = $1 AND pinned_post_id = $2`,
			o.UserID, o.PostID,
		)
		return err

	case InsertNotification:
		return insertNotification(ctx, ex, o.Notification)

	default:
		return fmt.Errorf("unsupported batch operation: %T", op)
	}
}

func engagementColumn(set PostSet) (string, error) {
	switch set {
	case SetLikes:
		return "likes", nil
	case SetRetweets:
		return "retweets", nil
	}
	return "", fmt.Errorf("unknown engagement set: %s", set)
}

// setUpdateSQL は配列列への集合の和・差を行うUPDATE文を返す。$1がID、$2が要素。
// colは呼び出し側で許可済みの列名に限ること。
func setUpdateSQL(table, col string, add, versioned bool) string {
	expr := "array_remove(" + col + ", $2)"
	if add {
		expr = "CASE WHEN $2 = ANY(" + col + ") THEN " + col + " ELSE array_append(" + col + ", $2) END"
	}
	sql := "UPDATE " + table + " SET " + col + " = " + expr
	if versioned {
		sql += ", version = version + 1"
	}
	if table == "users" {
		sql += ", updated_at = now()"
	}
	return sql + " WHERE id = $1"
}

func wrapOpError(kind, id string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s: %w", kind, id, err)
}
