package repository

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/socialfeed/internal/model"
)

// MemoryStore はプロセス内メモリにドキュメントを保持するストア。
// 開発用の起動モードとテストの決定的なテストダブルとして使う。
type MemoryStore struct {
	mu sync.RWMutex

	users         map[string]*model.User
	posts         map[string]*model.Post
	comments      map[string]*model.Comment
	reposts       map[string]*model.Repost // キー: repostKey(userID, postID)
	notifications map[string]*model.Notification
	hashtags      map[string]*model.Hashtag

	retry RetryPolicy
	now   func() time.Time
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore(retry RetryPolicy) *MemoryStore {
	return &MemoryStore{
		users:         map[string]*model.User{},
		posts:         map[string]*model.Post{},
		comments:      map[string]*model.Comment{},
		reposts:       map[string]*model.Repost{},
		notifications: map[string]*model.Notification{},
		hashtags:      map[string]*model.Hashtag{},
		retry:         retry,
		now:           time.Now,
	}
}

// Repositories はこのストアを使うリポジトリ一式を返す。
func (s *MemoryStore) Repositories() *Repositories {
	return &Repositories{
		Users:         &memoryUserRepo{s: s},
		Posts:         &memoryPostRepo{s: s},
		Reposts:       &memoryRepostRepo{s: s},
		Comments:      &memoryCommentRepo{s: s},
		Notifications: &memoryNotificationRepo{s: s},
		Hashtags:      &memoryHashtagRepo{s: s},
		Batches:       s,
		Tx:            s,
	}
}

func repostKey(userID, postID string) string {
	return userID + "\x00" + postID
}

func shallow[T any](v *T) *T {
	c := *v
	return &c
}

// --- Batch ---

// Commit はBatchの全操作を作業用のビュー上で適用し、全て成功した場合のみ反映する。
func (s *MemoryStore) Commit(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.newView()
	for _, op := range b.Ops() {
		if err := v.apply(op); err != nil {
			return err
		}
	}
	v.merge()
	return nil
}

// --- Transaction ---

// RunTransaction はfnを実行し、書き込み対象の版数が読み取り時から変わっていなければ確定する。
func (s *MemoryStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	return s.retry.run(ctx, func(ctx context.Context) error {
		tx := &memoryTx{
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

type memoryTx struct {
	s        *MemoryStore
	users    map[string]*model.User
	posts    map[string]*model.Post
	hashtags map[string]*model.Hashtag
	ops      []Op
}

func (t *memoryTx) Add(op Op) { t.ops = append(t.ops, op) }

func (t *memoryTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	if u, ok := t.users[id]; ok {
		return u.Clone(), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if u, ok := t.s.users[id]; ok {
		return u.Clone(), nil
	}
	return nil, nil
}

func (t *memoryTx) GetPost(ctx context.Context, id string) (*model.Post, error) {
	if p, ok := t.posts[id]; ok {
		return p.Clone(), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if p, ok := t.s.posts[id]; ok {
		return p.Clone(), nil
	}
	return nil, nil
}

func (t *memoryTx) GetHashtag(ctx context.Context, name string) (*model.Hashtag, error) {
	if h, ok := t.hashtags[name]; ok {
		return shallow(h), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if h, ok := t.s.hashtags[name]; ok {
		return shallow(h), nil
	}
	return nil, nil
}

func (t *memoryTx) PutUser(u *model.User)       { t.users[u.ID] = u }
func (t *memoryTx) PutPost(p *model.Post)       { t.posts[p.ID] = p }
func (t *memoryTx) PutHashtag(h *model.Hashtag) { t.hashtags[h.Name] = h }

// checkVersion はVersionが0なら未作成、それ以外は現在の版数と一致することを確認する。
func checkVersion(exists bool, current, expected int64) error {
	if expected == 0 {
		if exists {
			return ErrConflict
		}
		return nil
	}
	if !exists || current != expected {
		return ErrConflict
	}
	return nil
}

func (t *memoryTx) commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	v := s.newView()
	for id, u := range t.users {
		cur, ok := s.users[id]
		var curVer int64
		if ok {
			curVer = cur.Version
		}
		if err := checkVersion(ok, curVer, u.Version); err != nil {
			return err
		}
		nu := u.Clone()
		nu.Version = u.Version + 1
		nu.UpdatedAt = now
		v.users[id] = nu
	}
	if err := t.checkHandles(); err != nil {
		return err
	}
	for id, p := range t.posts {
		cur, ok := s.posts[id]
		var curVer int64
		if ok {
			curVer = cur.Version
		}
		if err := checkVersion(ok, curVer, p.Version); err != nil {
			return err
		}
		np := p.Clone()
		np.Version = p.Version + 1
		v.posts[id] = np
	}
	for name, h := range t.hashtags {
		cur, ok := s.hashtags[name]
		var curVer int64
		if ok {
			curVer = cur.Version
		}
		if err := checkVersion(ok, curVer, h.Version); err != nil {
			return err
		}
		nh := shallow(h)
		nh.Version = h.Version + 1
		nh.UpdatedAt = now
		v.hashtags[name] = nh
	}
	for _, op := range t.ops {
		if err := v.apply(op); err != nil {
			return err
		}
	}
	v.merge()
	return nil
}

// checkHandles は変更されたハンドルが他のユーザーと重複しないことを確認する。
// s.muを保持した状態で呼ぶ。
func (t *memoryTx) checkHandles() error {
	changed := map[string]string{} // handle -> userID
	for id, u := range t.users {
		if cur, ok := t.s.users[id]; ok && cur.Handle == u.Handle {
			continue
		}
		if other, ok := changed[u.Handle]; ok && other != id {
			return fmt.Errorf("handle %s: %w", u.Handle, ErrDuplicate)
		}
		changed[u.Handle] = id
	}
	if len(changed) == 0 {
		return nil
	}
	for id, u := range t.s.users {
		if staged, ok := t.users[id]; ok && staged.Handle != u.Handle {
			continue
		}
		if owner, ok := changed[u.Handle]; ok && owner != id {
			return fmt.Errorf("handle %s: %w", u.Handle, ErrDuplicate)
		}
	}
	return nil
}

// --- 作業用ビュー ---

// memoryView は確定前の変更を保持する。値がnilのエントリは削除を表す。
type memoryView struct {
	s             *MemoryStore
	now           time.Time
	users         map[string]*model.User
	posts         map[string]*model.Post
	comments      map[string]*model.Comment
	reposts       map[string]*model.Repost
	notifications map[string]*model.Notification
	hashtags      map[string]*model.Hashtag
}

func (s *MemoryStore) newView() *memoryView {
	return &memoryView{
		s:             s,
		now:           s.now(),
		users:         map[string]*model.User{},
		posts:         map[string]*model.Post{},
		comments:      map[string]*model.Comment{},
		reposts:       map[string]*model.Repost{},
		notifications: map[string]*model.Notification{},
		hashtags:      map[string]*model.Hashtag{},
	}
}

// lookup はビューの変更を優先して値を取得し、初回はコピーをビューに載せる。
func lookup[T any](base, over map[string]*T, key string, clone func(*T) *T) *T {
	if v, ok := over[key]; ok {
		return v
	}
	b, ok := base[key]
	if !ok {
		return nil
	}
	c := clone(b)
	over[key] = c
	return c
}

func mergeInto[T any](base, over map[string]*T) {
	for k, v := range over {
		if v == nil {
			delete(base, k)
		} else {
			base[k] = v
		}
	}
}

// visible はビューの変更を反映した上で条件に合う値のキーを返す。
func visible[T any](base, over map[string]*T, match func(*T) bool) []string {
	var keys []string
	for k, v := range over {
		if v != nil && match(v) {
			keys = append(keys, k)
		}
	}
	for k, v := range base {
		if _, touched := over[k]; touched {
			continue
		}
		if match(v) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (v *memoryView) user(id string) *model.User {
	return lookup(v.s.users, v.users, id, (*model.User).Clone)
}

func (v *memoryView) post(id string) *model.Post {
	return lookup(v.s.posts, v.posts, id, (*model.Post).Clone)
}

func (v *memoryView) comment(id string) *model.Comment {
	return lookup(v.s.comments, v.comments, id, (*model.Comment).Clone)
}

func (v *memoryView) merge() {
	mergeInto(v.s.users, v.users)
	mergeInto(v.s.posts, v.posts)
	mergeInto(v.s.comments, v.comments)
	mergeInto(v.s.reposts, v.reposts)
	mergeInto(v.s.notifications, v.notifications)
	mergeInto(v.s.hashtags, v.hashtags)
}

func applySet(set model.IDSet, id string, add bool) model.IDSet {
	if add {
		return set.Add(id)
	}
	return set.Remove(id)
}

func (v *memoryView) apply(op Op) error {
	switch o := op.(type) {
	case InsertPost:
		if v.post(o.Post.ID) != nil {
			return fmt.Errorf("post %s: %w", o.Post.ID, ErrDuplicate)
		}
		p := o.Post.Clone()
		p.Version = 1
		v.posts[p.ID] = p

	case DeletePost:
		if v.post(o.PostID) == nil {
			return fmt.Errorf("post %s: %w", o.PostID, ErrNotFound)
		}
		v.posts[o.PostID] = nil

	case UpdatePostSet:
		p := v.post(o.PostID)
		if p == nil {
			return fmt.Errorf("post %s: %w", o.PostID, ErrNotFound)
		}
		if o.Set == SetRetweets {
			p.Retweets = applySet(p.Retweets, o.UserID, o.Add)
		} else {
			p.Likes = applySet(p.Likes, o.UserID, o.Add)
		}
		p.Version++

	case IncrementPostCounter:
		p := v.post(o.PostID)
		if p == nil {
			return fmt.Errorf("post %s: %w", o.PostID, ErrNotFound)
		}
		if o.Counter == CounterViews {
			p.Views = max(p.Views+o.Delta, 0)
		} else {
			p.Comments = max(p.Comments+o.Delta, 0)
		}
		p.Version++

	case InsertRepost:
		key := repostKey(o.Repost.UserID, o.Repost.PostID)
		if lookup(v.s.reposts, v.reposts, key, shallow[model.Repost]) == nil {
			v.reposts[key] = shallow(o.Repost)
		}

	case DeleteReposts:
		keys := visible(v.s.reposts, v.reposts, func(r *model.Repost) bool {
			return r.PostID == o.PostID && (o.UserID == "" || r.UserID == o.UserID)
		})
		for _, k := range keys {
			v.reposts[k] = nil
		}

	case InsertComment:
		if v.comment(o.Comment.ID) != nil {
			return fmt.Errorf("comment %s: %w", o.Comment.ID, ErrDuplicate)
		}
		v.comments[o.Comment.ID] = o.Comment.Clone()

	case DeleteComment:
		if v.comment(o.CommentID) == nil {
			return fmt.Errorf("comment %s: %w", o.CommentID, ErrNotFound)
		}
		v.comments[o.CommentID] = nil

	case DeleteCommentsByPost:
		keys := visible(v.s.comments, v.comments, func(c *model.Comment) bool {
			return c.PostID == o.PostID
		})
		for _, k := range keys {
			v.comments[k] = nil
		}

	case UpdateCommentSet:
		c := v.comment(o.CommentID)
		if c == nil {
			return fmt.Errorf("comment %s: %w", o.CommentID, ErrNotFound)
		}
		if o.Set == SetRetweets {
			c.Retweets = applySet(c.Retweets, o.UserID, o.Add)
		} else {
			c.Likes = applySet(c.Likes, o.UserID, o.Add)
		}

	case IncrementCommentReplies:
		c := v.comment(o.CommentID)
		if c == nil {
			return fmt.Errorf("comment %s: %w", o.CommentID, ErrNotFound)
		}
		c.Replies = max(c.Replies+o.Delta, 0)

	case UpdateUserSet:
		u := v.user(o.UserID)
		if u == nil {
			return fmt.Errorf("user %s: %w", o.UserID, ErrNotFound)
		}
		switch o.Set {
		case SetFollowing:
			u.Following = applySet(u.Following, o.MemberID, o.Add)
		case SetFollowers:
			u.Followers = applySet(u.Followers, o.MemberID, o.Add)
		case SetBlocked:
			u.Blocked = applySet(u.Blocked, o.MemberID, o.Add)
		case SetBlockedBy:
			u.BlockedBy = applySet(u.BlockedBy, o.MemberID, o.Add)
		default:
			return fmt.Errorf("unknown user set: %s", o.Set)
		}
		u.Version++
		u.UpdatedAt = v.now

	case SetUserPreference:
		u := v.user(o.UserID)
		if u == nil {
			return fmt.Errorf("user %s: %w", o.UserID, ErrNotFound)
		}
		if u.NotificationPreferences == nil {
			u.NotificationPreferences = map[model.NotificationType]bool{}
		}
		u.NotificationPreferences[o.Type] = o.Enabled
		u.Version++
		u.UpdatedAt = v.now

	case ClearPinnedPost:
		u := v.user(o.UserID)
		if u != nil && u.PinnedPostID == o.PostID {
			u.PinnedPostID = ""
			u.Version++
			u.UpdatedAt = v.now
		}

	case InsertNotification:
		n := o.Notification
		if lookup(v.s.notifications, v.notifications, n.ID, shallow[model.Notification]) == nil {
			v.notifications[n.ID] = shallow(n)
		}

	default:
		return fmt.Errorf("unsupported batch operation: %T", op)
	}
	return nil
}

// --- 読み取り用リポジトリ ---

type memoryUserRepo struct{ s *MemoryStore }

func (r *memoryUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if u, ok := r.s.users[id]; ok {
		return u.Clone(), nil
	}
	return nil, nil
}

func (r *memoryUserRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*model.User
	for _, id := range ids {
		if u, ok := r.s.users[id]; ok {
			out = append(out, u.Clone())
		}
	}
	return out, nil
}

func (r *memoryUserRepo) FindByHandle(ctx context.Context, handle string) (*model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, u := range r.s.users {
		if u.Handle == handle {
			return u.Clone(), nil
		}
	}
	return nil, nil
}

func (r *memoryUserRepo) Create(ctx context.Context, user *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[user.ID]; ok {
		return fmt.Errorf("user %s: %w", user.ID, ErrDuplicate)
	}
	for _, u := range r.s.users {
		if u.Handle == user.Handle {
			return fmt.Errorf("handle %s: %w", user.Handle, ErrDuplicate)
		}
	}
	c := user.Clone()
	c.Version = 1
	r.s.users[c.ID] = c
	user.Version = 1
	return nil
}

type memoryPostRepo struct{ s *MemoryStore }

func (r *memoryPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if p, ok := r.s.posts[id]; ok {
		return p.Clone(), nil
	}
	return nil, nil
}

func (r *memoryPostRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.Post, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*model.Post
	for _, id := range ids {
		if p, ok := r.s.posts[id]; ok {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func comparePostDesc(a, b *model.Post) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(b.ID, a.ID)
}

func (r *memoryPostRepo) List(ctx context.Context, q PostQuery) ([]*model.Post, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var authors map[string]bool
	if q.AuthorIDs != nil {
		authors = make(map[string]bool, len(q.AuthorIDs))
		for _, id := range q.AuthorIDs {
			authors[id] = true
		}
	}

	var out []*model.Post
	for _, p := range r.s.posts {
		if authors != nil && !authors[p.AuthorID] {
			continue
		}
		if c := q.Before; c != nil {
			cmpv := p.CreatedAt.Compare(c.CreatedAt)
			if cmpv == 0 {
				cmpv = strings.Compare(p.ID, c.ID)
			}
			if cmpv > 0 || (cmpv == 0 && !c.Inclusive) {
				continue
			}
		}
		out = append(out, p)
	}
	slices.SortFunc(out, comparePostDesc)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	for i, p := range out {
		out[i] = p.Clone()
	}
	return out, nil
}

func (r *memoryPostRepo) CountHashtags(ctx context.Context) (map[string]int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	counts := map[string]int{}
	for _, p := range r.s.posts {
		for _, tag := range p.Hashtags {
			counts[tag]++
		}
	}
	return counts, nil
}

type memoryRepostRepo struct{ s *MemoryStore }

func compareRepostDesc(a, b *model.Repost) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	if c := strings.Compare(b.PostID, a.PostID); c != 0 {
		return c
	}
	return strings.Compare(b.UserID, a.UserID)
}

func (r *memoryRepostRepo) List(ctx context.Context, q RepostQuery) ([]*model.Repost, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var users map[string]bool
	if q.UserIDs != nil {
		users = make(map[string]bool, len(q.UserIDs))
		for _, id := range q.UserIDs {
			users[id] = true
		}
	}

	var out []*model.Repost
	for _, rp := range r.s.reposts {
		if users != nil && !users[rp.UserID] {
			continue
		}
		if c := q.Before; c != nil {
			bound := &model.Repost{CreatedAt: c.CreatedAt, PostID: c.PostID, UserID: c.UserID}
			// 降順比較で境界以前（境界を含む）は除外
			if compareRepostDesc(rp, bound) <= 0 {
				continue
			}
		}
		out = append(out, rp)
	}
	slices.SortFunc(out, compareRepostDesc)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	for i, rp := range out {
		out[i] = shallow(rp)
	}
	return out, nil
}

func (r *memoryRepostRepo) FindByUserAndPost(ctx context.Context, userID, postID string) (*model.Repost, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if rp, ok := r.s.reposts[repostKey(userID, postID)]; ok {
		return shallow(rp), nil
	}
	return nil, nil
}

func (r *memoryRepostRepo) ListOrphans(ctx context.Context, limit int) ([]*model.Repost, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*model.Repost
	for _, rp := range r.s.reposts {
		if _, ok := r.s.posts[rp.PostID]; !ok {
			out = append(out, shallow(rp))
		}
	}
	slices.SortFunc(out, compareRepostDesc)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryCommentRepo struct{ s *MemoryStore }

func (r *memoryCommentRepo) FindByID(ctx context.Context, id string) (*model.Comment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if c, ok := r.s.comments[id]; ok {
		return c.Clone(), nil
	}
	return nil, nil
}

func (r *memoryCommentRepo) ListByPost(ctx context.Context, postID string) ([]*model.Comment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*model.Comment
	for _, c := range r.s.comments {
		if c.PostID == postID {
			out = append(out, c.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *model.Comment) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

type memoryNotificationRepo struct{ s *MemoryStore }

func (r *memoryNotificationRepo) ListByUser(ctx context.Context, userID string, before *NotificationCursor, limit int) ([]*model.Notification, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*model.Notification
	for _, n := range r.s.notifications {
		if n.ToUserID != userID {
			continue
		}
		if before != nil {
			c := n.CreatedAt.Compare(before.CreatedAt)
			if c == 0 {
				c = strings.Compare(n.ID, before.ID)
			}
			if c >= 0 {
				continue
			}
		}
		out = append(out, shallow(n))
	}
	slices.SortFunc(out, func(a, b *model.Notification) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryNotificationRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	n := 0
	for _, nt := range r.s.notifications {
		if nt.ToUserID == userID && !nt.Read {
			n++
		}
	}
	return n, nil
}

func (r *memoryNotificationRepo) MarkRead(ctx context.Context, userID string, ids []string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	updated := 0
	for _, id := range ids {
		n, ok := r.s.notifications[id]
		if !ok || n.ToUserID != userID || n.Read {
			continue
		}
		c := shallow(n)
		c.Read = true
		r.s.notifications[id] = c
		updated++
	}
	return updated, nil
}

func (r *memoryNotificationRepo) MarkAllRead(ctx context.Context, userID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	updated := 0
	for id, n := range r.s.notifications {
		if n.ToUserID != userID || n.Read {
			continue
		}
		c := shallow(n)
		c.Read = true
		r.s.notifications[id] = c
		updated++
	}
	return updated, nil
}

type memoryHashtagRepo struct{ s *MemoryStore }

func (r *memoryHashtagRepo) FindByName(ctx context.Context, name string) (*model.Hashtag, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if h, ok := r.s.hashtags[name]; ok {
		return shallow(h), nil
	}
	return nil, nil
}

func (r *memoryHashtagRepo) ListTop(ctx context.Context, limit int) ([]*model.Hashtag, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := slices.DeleteFunc(all, func(h *model.Hashtag) bool { return h.Count <= 0 })
	slices.SortFunc(out, func(a, b *model.Hashtag) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryHashtagRepo) ListAll(ctx context.Context) ([]*model.Hashtag, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*model.Hashtag, 0, len(r.s.hashtags))
	for _, h := range r.s.hashtags {
		out = append(out, shallow(h))
	}
	slices.SortFunc(out, func(a, b *model.Hashtag) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// compile-time interface check
var (
	_ BatchCommitter         = (*MemoryStore)(nil)
	_ Transactor             = (*MemoryStore)(nil)
	_ UserRepository         = (*memoryUserRepo)(nil)
	_ PostRepository         = (*memoryPostRepo)(nil)
	_ RepostRepository       = (*memoryRepostRepo)(nil)
	_ CommentRepository      = (*memoryCommentRepo)(nil)
	_ NotificationRepository = (*memoryNotificationRepo)(nil)
	_ HashtagRepository      = (*memoryHashtagRepo)(nil)
)
