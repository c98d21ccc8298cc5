package repository

import (
	"context"
	"fmt"

	"github.com/hitoshi/socialfeed/internal/model"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// findAll はfilterに一致するドキュメントをすべて復元する。
func findAll[T any](ctx context.Context, c *mongo.Collection, filter any, opts ...options.Lister[options.FindOptions]) ([]*T, error) {
	cur, err := c.Find(ctx, filter, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", c.Name(), err)
	}
	var out []*T
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", c.Name(), err)
	}
	return out, nil
}

func aggregateAll[T any](ctx context.Context, c *mongo.Collection, pipeline mongo.Pipeline) ([]*T, error) {
	cur, err := c.Aggregate(ctx, pipeline, options.Aggregate())
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate %s: %w", c.Name(), err)
	}
	var out []*T
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", c.Name(), err)
	}
	return out, nil
}

type mongoUserRepo struct{ s *MongoStore }

func (r *mongoUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if found, err := findOne(ctx, r.s.coll(collUsers), bson.M{"_id": id}, &u); err != nil || !found {
		return nil, err
	}
	return &u, nil
}

func (r *mongoUserRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return findAll[model.User](ctx, r.s.coll(collUsers), bson.M{"_id": bson.M{"$in": ids}})
}

func (r *mongoUserRepo) FindByHandle(ctx context.Context, handle string) (*model.User, error) {
	var u model.User
	if found, err := findOne(ctx, r.s.coll(collUsers), bson.M{"handle": handle}, &u); err != nil || !found {
		return nil, err
	}
	return &u, nil
}

func (r *mongoUserRepo) Create(ctx context.Context, user *model.User) error {
	c := user.Clone()
	c.Version = 1
	if _, err := r.s.coll(collUsers).InsertOne(ctx, c); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("user %s: %w", user.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	user.Version = 1
	return nil
}

type mongoPostRepo struct{ s *MongoStore }

func (r *mongoPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	var p model.Post
	if found, err := findOne(ctx, r.s.coll(collPosts), bson.M{"_id": id}, &p); err != nil || !found {
		return nil, err
	}
	return &p, nil
}

func (r *mongoPostRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.Post, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return findAll[model.Post](ctx, r.s.coll(collPosts), bson.M{"_id": bson.M{"$in": ids}})
}

func (r *mongoPostRepo) List(ctx context.Context, q PostQuery) ([]*model.Post, error) {
	if q.AuthorIDs != nil && len(q.AuthorIDs) == 0 {
		return nil, nil
	}
	filter := bson.M{}
	if q.AuthorIDs != nil {
		filter["author_id"] = bson.M{"$in": q.AuthorIDs}
	}
	if c := q.Before; c != nil {
		idOp := "$lt"
		if c.Inclusive {
			idOp = "$lte"
		}
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$lt": c.CreatedAt}},
			bson.M{"created_at": c.CreatedAt, "_id": bson.M{idOp: c.ID}},
		}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	return findAll[model.Post](ctx, r.s.coll(collPosts), filter, opts)
}

func (r *mongoPostRepo) CountHashtags(ctx context.Context) (map[string]int, error) {
	type tagCount struct {
		Tag   string `bson:"_id"`
		Count int    `bson:"count"`
	}
	rows, err := aggregateAll[tagCount](ctx, r.s.coll(collPosts), mongo.Pipeline{
		{{Key: "$unwind", Value: "$hashtags"}},
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$hashtags"}, {Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
	})
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Tag] = row.Count
	}
	return counts, nil
}

type mongoRepostRepo struct{ s *MongoStore }

var repostSort = bson.D{{Key: "created_at", Value: -1}, {Key: "post_id", Value: -1}, {Key: "user_id", Value: -1}}

func (r *mongoRepostRepo) List(ctx context.Context, q RepostQuery) ([]*model.Repost, error) {
	if q.UserIDs != nil && len(q.UserIDs) == 0 {
		return nil, nil
	}
	filter := bson.M{}
	if q.UserIDs != nil {
		filter["user_id"] = bson.M{"$in": q.UserIDs}
	}
	if c := q.Before; c != nil {
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$lt": c.CreatedAt}},
			bson.M{"created_at": c.CreatedAt, "post_id": bson.M{"$lt": c.PostID}},
			bson.M{"created_at": c.CreatedAt, "post_id": c.PostID, "user_id": bson.M{"$lt": c.UserID}},
		}
	}
	opts := options.Find().SetSort(repostSort)
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	return findAll[model.Repost](ctx, r.s.coll(collReposts), filter, opts)
}

func (r *mongoRepostRepo) FindByUserAndPost(ctx context.Context, userID, postID string) (*model.Repost, error) {
	var rp model.Repost
	if found, err := findOne(ctx, r.s.coll(collReposts), bson.M{"user_id": userID, "post_id": postID}, &rp); err != nil || !found {
		return nil, err
	}
	return &rp, nil
}

func (r *mongoRepostRepo) ListOrphans(ctx context.Context, limit int) ([]*model.Repost, error) {
	return aggregateAll[model.Repost](ctx, r.s.coll(collReposts), mongo.Pipeline{
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: collPosts},
			{Key: "localField", Value: "post_id"},
			{Key: "foreignField", Value: "_id"},
			{Key: "as", Value: "post"},
		}}},
		{{Key: "$match", Value: bson.D{{Key: "post", Value: bson.D{{Key: "$size", Value: 0}}}}}},
		{{Key: "$sort", Value: repostSort}},
		{{Key: "$limit", Value: limit}},
		{{Key: "$project", Value: bson.D{{Key: "post", Value: 0}}}},
	})
}

type mongoCommentRepo struct{ s *MongoStore }

func (r *mongoCommentRepo) FindByID(ctx context.Context, id string) (*model.Comment, error) {
	var c model.Comment
	if found, err := findOne(ctx, r.s.coll(collComments), bson.M{"_id": id}, &c); err != nil || !found {
		return nil, err
	}
	return &c, nil
}

func (r *mongoCommentRepo) ListByPost(ctx context.Context, postID string) ([]*model.Comment, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	return findAll[model.Comment](ctx, r.s.coll(collComments), bson.M{"post_id": postID}, opts)
}

type mongoNotificationRepo struct{ s *MongoStore }

func (r *mongoNotificationRepo) ListByUser(ctx context.Context, userID string, before *NotificationCursor, limit int) ([]*model.Notification, error) {
	filter := bson.M{"to_user_id": userID}
	if before != nil {
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$lt": before.CreatedAt}},
			bson.M{"created_at": before.CreatedAt, "_id": bson.M{"$lt": before.ID}},
		}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return findAll[model.Notification](ctx, r.s.coll(collNotifications), filter, opts)
}

func (r *mongoNotificationRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	n, err := r.s.coll(collNotifications).CountDocuments(ctx, bson.M{"to_user_id": userID, "read": false})
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return int(n), nil
}

func (r *mongoNotificationRepo) MarkRead(ctx context.Context, userID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return r.markRead(ctx, bson.M{"to_user_id": userID, "_id": bson.M{"$in": ids}, "read": false})
}

func (r *mongoNotificationRepo) MarkAllRead(ctx context.Context, userID string) (int, error) {
	return r.markRead(ctx, bson.M{"to_user_id": userID, "read": false})
}

func (r *mongoNotificationRepo) markRead(ctx context.Context, filter bson.M) (int, error) {
	res, err := r.s.coll(collNotifications).UpdateMany(ctx, filter, bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return int(res.ModifiedCount), nil
}

type mongoHashtagRepo struct{ s *MongoStore }

func (r *mongoHashtagRepo) FindByName(ctx context.Context, name string) (*model.Hashtag, error) {
	var h model.Hashtag
	if found, err := findOne(ctx, r.s.coll(collHashtags), bson.M{"_id": name}, &h); err != nil || !found {
		return nil, err
	}
	return &h, nil
}

func (r *mongoHashtagRepo) ListTop(ctx context.Context, limit int) ([]*model.Hashtag, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "count", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	return findAll[model.Hashtag](ctx, r.s.coll(collHashtags), bson.M{"count": bson.M{"$gt": 0}}, opts)
}

func (r *mongoHashtagRepo) ListAll(ctx context.Context) ([]*model.Hashtag, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	return findAll[model.Hashtag](ctx, r.s.coll(collHashtags), bson.M{}, opts)
}

// EnsureIndexes はクエリとキーセットページングに必要なインデックスを作成する。
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		collUsers: {
			{Keys: bson.D{{Key: "handle", Value: 1}}, Options: options.Index().SetUnique(true).SetName("uniq_handle")},
		},
		collPosts: {
			{Keys: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}, Options: options.Index().SetName("createdAt_id")},
			{Keys: bson.D{{Key: "author_id", Value: 1}, {Key: "created_at", Value: -1}}, Options: options.Index().SetName("authorId_createdAt")},
		},
		collReposts: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "post_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName("uniq_user_post")},
			{Keys: repostSort, Options: options.Index().SetName("createdAt_postId_userId")},
			{Keys: bson.D{{Key: "post_id", Value: 1}}, Options: options.Index().SetName("postId")},
		},
		collComments: {
			{Keys: bson.D{{Key: "post_id", Value: 1}, {Key: "created_at", Value: 1}}, Options: options.Index().SetName("postId_createdAt")},
		},
		collNotifications: {
			{Keys: bson.D{{Key: "to_user_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}, Options: options.Index().SetName("toUserId_createdAt")},
		},
		collHashtags: {
			{Keys: bson.D{{Key: "count", Value: -1}}, Options: options.Index().SetName("count")},
		},
	}
	for name, models := range indexes {
		if _, err := s.coll(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", name, err)
		}
	}
	return nil
}

// compile-time interface check
var (
	_ UserRepository         = (*mongoUserRepo)(nil)
	_ PostRepository         = (*mongoPostRepo)(nil)
	_ RepostRepository       = (*mongoRepostRepo)(nil)
	_ CommentRepository      = (*mongoCommentRepo)(nil)
	_ NotificationRepository = (*mongoNotificationRepo)(nil)
	_ HashtagRepository      = (*mongoHashtagRepo)(nil)
)
