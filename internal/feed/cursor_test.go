package feed

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/hitoshi/socialfeed/internal/model"
)

func encodeRaw(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func TestCursorRoundTrip(t *testing.T) {
	k := model.FeedKey{At: t0.Add(123 * time.Nanosecond), PostID: "p1", ReposterID: "u1"}
	got, err := decodeCursor(encodeCursor(k))
	if err != nil || got.Compare(k) != 0 {
		t.Errorf("decodeCursor = %+v, %v", got, err)
	}
}

func TestDecodeCursor_Empty(t *testing.T) {
	k, err := decodeCursor("")
	if k != nil || err != nil {
		t.Errorf("decodeCursor(\"\") = %+v, %v", k, err)
	}
}
