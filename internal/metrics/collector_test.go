package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeQueue int

func (q fakeQueue) QueueDepth() int { return int(q) }

type fakeBus int

func (b fakeBus) SubscriberCount() int { return int(b) }

func TestCollectorReportsLiveGauges(t *testing.T) {
	c := NewCollector(nil, fakeQueue(3), fakeBus(2))

	expected := `
# HELP audioscribe_sse_subscribers_active Current number of SSE subscribers.
# TYPE audioscribe_sse_subscribers_active gauge
audioscribe_sse_subscribers_active 2
# HELP audioscribe_transcription_queue_depth Jobs waiting for a transcription worker.
# TYPE audioscribe_transcription_queue_depth gauge
audioscribe_transcription_queue_depth 3
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"audioscribe_transcription_queue_depth", "audioscribe_sse_subscribers_active")
	if err != nil {
		t.Fatal(err)
	}
}

func TestCollectorNilSources(t *testing.T) {
	c := NewCollector(nil, nil, nil)
	if n := testutil.CollectAndCount(c); n != 5 {
		t.Errorf("metric count = %d, want 5", n)
	}
}
