package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewCollector_ReturnsNonNil(t *testing.T) {
	if NewCollector(prometheus.NewRegistry()) == nil {
		t.Fatal("expected non-nil Collector")
	}
}

func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	defer func() {
		if recover() == nil {
			t.Error("同じレジストリへの二重登録はpanicするべき")
		}
	}()
	NewCollector(reg)
}

func TestRecordEngagement_LabelsByDirection(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordEngagement("like", true)
	c.RecordEngagement("like", true)
	c.RecordEngagement("like", false)
	c.RecordEngagement("retweet", true)

	if got := testutil.ToFloat64(c.engagements.WithLabelValues("like", "on")); got != 2 {
		t.Errorf("like/on = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.engagements.WithLabelValues("like", "off")); got != 1 {
		t.Errorf("like/off = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.engagements.WithLabelValues("retweet", "on")); got != 1 {
		t.Errorf("retweet/on = %v, want 1", got)
	}
}

func TestRecordVoteAndNotification(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordVote(true)
	c.RecordVote(false)
	c.RecordVote(false)
	c.RecordNotification(true)
	c.RecordNotification(false)

	if got := testutil.ToFloat64(c.votes.WithLabelValues("accepted")); got != 1 {
		t.Errorf("votes{accepted} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.votes.WithLabelValues("rejected")); got != 2 {
		t.Errorf("votes{rejected} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.notifications.WithLabelValues("suppressed")); got != 1 {
		t.Errorf("notifications{suppressed} = %v, want 1", got)
	}
}

func TestRecordTxConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTxConflict(1)
	c.RecordTxConflict(2)

	if got := testutil.ToFloat64(c.txConflicts); got != 2 {
		t.Errorf("tx_conflicts_total = %v, want 2", got)
	}
	if n := testutil.CollectAndCount(c.txRetryAttempts); n != 1 {
		t.Errorf("histogram series = %d, want 1", n)
	}
}

func TestRecordBestEffortFailureAndReconciled(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordBestEffortFailure("hashtag")
	c.RecordReconciled("hashtag", 3)
	c.RecordReconciled("orphan_repost", 0)

	if got := testutil.ToFloat64(c.bestEffortFailure.WithLabelValues("hashtag")); got != 1 {
		t.Errorf("best_effort_failures{hashtag} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.reconciled.WithLabelValues("hashtag")); got != 3 {
		t.Errorf("reconciled{hashtag} = %v, want 3", got)
	}
}

func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(409)

	if got := testutil.ToFloat64(c.httpStatus.WithLabelValues("200")); got != 2 {
		t.Errorf("http_status_total{200} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.httpStatus.WithLabelValues("409")); got != 1 {
		t.Errorf("http_status_total{409} = %v, want 1", got)
	}
}

func TestRecordRateLimited_CountsByLimit(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordRateLimited("write")
	c.RecordRateLimited("write")
	c.RecordRateLimited("general")

	if got := testutil.ToFloat64(c.rateLimited.WithLabelValues("write")); got != 2 {
		t.Errorf("rate_limited_total{write} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.rateLimited.WithLabelValues("general")); got != 1 {
		t.Errorf("rate_limited_total{general} = %v, want 1", got)
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordFeedComposition("global", 120*time.Millisecond)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{
		"socialfeed_feed_compositions_total",
		"socialfeed_feed_composition_seconds",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("レスポンスに %s が含まれていない", name)
		}
	}
}
