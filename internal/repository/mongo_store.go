package repository

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/hitoshi/socialfeed/internal/model"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// コレクション名
const (
	collUsers         = "users"
	collPosts         = "posts"
	collReposts       = "reposts"
	collComments      = "comments"
	collNotifications = "notifications"
	collHashtags      = "hashtags"
)

// MongoStore はMongoDB上でBatchの確定と楽観的トランザクションを提供する。
// マルチドキュメントトランザクションを使うため、接続先はレプリカセットであること。
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	retry  RetryPolicy
	now    func() time.Time
}

// NewMongoStore はMongoStoreを生成する。
func NewMongoStore(client *mongo.Client, dbName string, retry RetryPolicy) *MongoStore {
	return &MongoStore{
		client: client,
		db:     client.Database(dbName),
		retry:  retry,
		now:    time.Now,
	}
}

func (s *MongoStore) coll(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// Repositories はこのストアを使うリポジトリ一式を返す。
func (s *MongoStore) Repositories() *Repositories {
	return &Repositories{
		Users:         &mongoUserRepo{s: s},
		Posts:         &mongoPostRepo{s: s},
		Reposts:       &mongoRepostRepo{s: s},
		Comments:      &mongoCommentRepo{s: s},
		Notifications: &mongoNotificationRepo{s: s},
		Hashtags:      &mongoHashtagRepo{s: s},
		Batches:       s,
		Tx:            s,
	}
}

// withTransaction はfnをマルチドキュメントトランザクション内で実行する。
func (s *MongoStore) withTransaction(ctx context.Context, fn func(sc context.Context) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc context.Context) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// Commit はBatchの全操作を1つのトランザクションで適用する。
func (s *MongoStore) Commit(ctx context.Context, b *Batch) error {
	now := s.now()
	return s.withTransaction(ctx, func(sc context.Context) error {
		for _, op := range b.Ops() {
			if err := s.execOp(sc, op, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunTransaction はfnを実行し、書き込み対象の版数が読み取り時から変わっていなければ確定する。
func (s *MongoStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	return s.retry.run(ctx, func(ctx context.Context) error {
		tx := &mongoTx{
			s:        s,
			users:    map[string]*model.User{},
			posts:    map[string]*model.Post{},
			hashtags: map[string]*model.Hashtag{},
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return tx.commit(ctx)
	})
}

type mongoTx struct {
	s        *MongoStore
	users    map[string]*model.User
	posts    map[string]*model.Post
	hashtags map[string]*model.Hashtag
	ops      []Op
}

func (t *mongoTx) Add(op Op) { t.ops = append(t.ops, op) }

func (t *mongoTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	if u, ok := t.users[id]; ok {
		return u.Clone(), nil
	}
	var u model.User
	if found, err := findOne(ctx, t.s.coll(collUsers), bson.M{"_id": id}, &u); err != nil || !found {
		return nil, err
	}
	return &u, nil
}

func (t *mongoTx) GetPost(ctx context.Context, id string) (*model.Post, error) {
	if p, ok := t.posts[id]; ok {
		return p.Clone(), nil
	}
	var p model.Post
	if found, err := findOne(ctx, t.s.coll(collPosts), bson.M{"_id": id}, &p); err != nil || !found {
		return nil, err
	}
	return &p, nil
}

func (t *mongoTx) GetHashtag(ctx context.Context, name string) (*model.Hashtag, error) {
	if h, ok := t.hashtags[name]; ok {
		c := *h
		return &c, nil
	}
	var h model.Hashtag
	if found, err := findOne(ctx, t.s.coll(collHashtags), bson.M{"_id": name}, &h); err != nil || !found {
		return nil, err
	}
	return &h, nil
}

func (t *mongoTx) PutUser(u *model.User)       { t.users[u.ID] = u }
func (t *mongoTx) PutPost(p *model.Post)       { t.posts[p.ID] = p }
func (t *mongoTx) PutHashtag(h *model.Hashtag) { t.hashtags[h.Name] = h }

func (t *mongoTx) commit(ctx context.Context) error {
	now := t.s.now()
	return t.s.withTransaction(ctx, func(sc context.Context) error {
		for _, id := range slices.Sorted(maps.Keys(t.users)) {
			u := t.users[id].Clone()
			u.UpdatedAt = now
			if u.CreatedAt.IsZero() {
				u.CreatedAt = now
			}
			if err := replaceVersioned(sc, t.s.coll(collUsers), id, u.Version, u, &u.Version); err != nil {
				return err
			}
		}
		for _, id := range slices.Sorted(maps.Keys(t.posts)) {
			p := t.posts[id].Clone()
			if err := replaceVersioned(sc, t.s.coll(collPosts), id, p.Version, p, &p.Version); err != nil {
				return err
			}
		}
		for _, name := range slices.Sorted(maps.Keys(t.hashtags)) {
			h := *t.hashtags[name]
			h.UpdatedAt = now
			if err := replaceVersioned(sc, t.s.coll(collHashtags), name, h.Version, &h, &h.Version); err != nil {
				return err
			}
		}
		for _, op := range t.ops {
			if err := t.s.execOp(sc, op, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// replaceVersioned はexpectedが0なら新規作成、それ以外は版数が一致する場合のみ置き換える。
// versionは書き込むドキュメントの版数フィールドを指し、書き込み前に次の版数へ更新する。
func replaceVersioned(ctx context.Context, c *mongo.Collection, id string, expected int64, doc any, version *int64) error {
	*version = expected + 1
	if expected == 0 {
		_, err := c.InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			return ErrConflict
		}
		return err
	}
	res, err := c.ReplaceOne(ctx, bson.M{"_id": id, "version": expected}, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%v: %w", err, ErrDuplicate)
		}
		return err
	}
	if res.MatchedCount == 0 {
		return ErrConflict
	}
	return nil
}

// findOne はfilterに一致する1件をoutへ復元する。見つからない場合はfalseを返す。
func findOne(ctx context.Context, c *mongo.Collection, filter any, out any) (bool, error) {
	err := c.FindOne(ctx, filter).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to find %s document: %w", c.Name(), err)
	}
	return true, nil
}

// compile-time interface check
var (
	_ BatchCommitter = (*MongoStore)(nil)
	_ Transactor     = (*MongoStore)(nil)
)
