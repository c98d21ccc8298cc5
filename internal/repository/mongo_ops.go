package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// execOp はBatchの1操作をトランザクション内で実行する。
func (s *MongoStore) execOp(ctx context.Context, op Op, now time.Time) error {
	switch o := op.(type) {
	case InsertPost:
		p := o.Post.Clone()
		p.Version = 1
		_, err := s.coll(collPosts).InsertOne(ctx, p)
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("post %s: %w", p.ID, ErrDuplicate)
		}
		return err

	case DeletePost:
		return deleteOne(ctx, s.coll(collPosts), "post", o.PostID)

	case UpdatePostSet:
		col, err := engagementColumn(o.Set)
		if err != nil {
			return err
		}
		update := setUpdate(col, o.UserID, o.Add)
		update["$inc"] = bson.M{"version": 1}
		return updateExisting(ctx, s.coll(collPosts), "post", o.PostID, update)

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
		return updateExisting(ctx, s.coll(collPosts), "post", o.PostID, clampedIncrement(col, o.Delta, true))

	case InsertRepost:
		rp := o.Repost
		_, err := s.coll(collReposts).UpdateOne(ctx,
			bson.M{"user_id": rp.UserID, "post_id": rp.PostID},
			bson.M{"$setOnInsert": bson.M{
				"_id":                     rp.ID,
				"original_post_author_id": rp.OriginalPostAuthorID,
				"created_at":              rp.CreatedAt,
			}},
			options.UpdateOne().SetUpsert(true),
		)
		return err

	case DeleteReposts:
		filter := bson.M{"post_id": o.PostID}
		if o.UserID != "" {
			filter["user_id"] = o.UserID
		}
		_, err := s.coll(collReposts).DeleteMany(ctx, filter)
		return err

	case InsertComment:
		_, err := s.coll(collComments).InsertOne(ctx, o.Comment)
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("comment %s: %w", o.Comment.ID, ErrDuplicate)
		}
		return err

	case DeleteComment:
		return deleteOne(ctx, s.coll(collComments), "comment", o.CommentID)

	case DeleteCommentsByPost:
		_, err := s.coll(collComments).DeleteMany(ctx, bson.M{"post_id": o.PostID})
		return err

	case UpdateCommentSet:
		col, err := engagementColumn(o.Set)
		if err != nil {
			return err
		}
		return updateExisting(ctx, s.coll(collComments), "comment", o.CommentID, setUpdate(col, o.UserID, o.Add))

	case IncrementCommentReplies:
		return updateExisting(ctx, s.coll(collComments), "comment", o.CommentID, clampedIncrement("replies", o.Delta, false))

	case UpdateUserSet:
		switch o.Set {
		case SetFollowing, SetFollowers, SetBlocked, SetBlockedBy:
		default:
			return fmt.Errorf("unknown user set: %s", o.Set)
		}
		update := setUpdate(string(o.Set), o.MemberID, o.Add)
		update["$inc"] = bson.M{"version": 1}
		update["$set"] = bson.M{"updated_at": now}
		return updateExisting(ctx, s.coll(collUsers), "user", o.UserID, update)

	case SetUserPreference:
		return updateExisting(ctx, s.coll(collUsers), "user", o.UserID, bson.M{
			"$set": bson.M{
				"notification_preferences." + string(o.Type): o.Enabled,
				"updated_at": now,
			},
			"$inc": bson.M{"version": 1},
		})

	case ClearPinnedPost:
		_, err := s.coll(collUsers).UpdateOne(ctx,
			bson.M{"_id": o.UserID, "pinned_post_id": o.PostID},
			bson.M{
				"$set": bson.M{"pinned_post_id": "", "updated_at": now},
				"$inc": bson.M{"version": 1},
			},
		)
		return err

	case InsertNotification:
		n := o.Notification
		_, err := s.coll(collNotifications).UpdateOne(ctx,
			bson.M{"_id": n.ID},
			bson.M{"$setOnInsert": bson.M{
				"to_user_id":   n.ToUserID,
				"from_user_id": n.FromUserID,
				"from":         n.From,
				"type":         n.Type,
				"payload":      n.Payload,
				"read":         n.Read,
				"created_at":   n.CreatedAt,
			}},
			options.UpdateOne().SetUpsert(true),
		)
		return err

	default:
		return fmt.Errorf("unsupported batch operation: %T", op)
	}
}

// setUpdate は配列フィールドへの集合の和・差を行う更新ドキュメントを返す。
func setUpdate(field, member string, add bool) bson.M {
	if add {
		return bson.M{"$addToSet": bson.M{field: member}}
	}
	return bson.M{"$pull": bson.M{field: member}}
}

// clampedIncrement は0未満にならない加算を行うパイプライン更新を返す。
func clampedIncrement(field string, delta int, versioned bool) mongo.Pipeline {
	set := bson.D{{Key: field, Value: bson.D{{Key: "$max", Value: bson.A{
		0,
		bson.D{{Key: "$add", Value: bson.A{"$" + field, delta}}},
	}}}}}
	if versioned {
		set = append(set, bson.E{Key: "version", Value: bson.D{{Key: "$add", Value: bson.A{"$version", 1}}}})
	}
	return mongo.Pipeline{{{Key: "$set", Value: set}}}
}

func updateExisting(ctx context.Context, c *mongo.Collection, kind, id string, update any) error {
	res, err := c.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", kind, id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func deleteOne(ctx context.Context, c *mongo.Collection, kind, id string) error {
	res, err := c.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
