package feed

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/socialfeed/internal/model"
)

var errMalformedCursor = errors.New("malformed cursor")

// encodeCursor は並び順キーを不透明なカーソル文字列にする。
func encodeCursor(k model.FeedKey) string {
	raw := strings.Join([]string{strconv.FormatInt(k.At.UnixNano(), 10), k.PostID, k.ReposterID}, "|")
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (*model.FeedKey, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 || parts[1] == "" {
		return nil, errMalformedCursor
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, errMalformedCursor
	}
	return &model.FeedKey{At: time.Unix(0, nanos).UTC(), PostID: parts[1], ReposterID: parts[2]}, nil
}
