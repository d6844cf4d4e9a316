package metrics

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ContentType is the media type of the exposition output
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

type snapshot struct {
	id           string
	lockTimeouts int64
	waitSumMs    float64
	waitCount    int64
	buckets      []int64
}

func (r *Recorder) snapshot() []snapshot {
	r.mu.RLock()
	out := make([]snapshot, 0, len(r.auctions))
	for id, s := range r.auctions {
		snap := snapshot{
			id:           id,
			lockTimeouts: s.lockTimeouts.Load(),
			waitSumMs:    s.waitSumMs.Load(),
			waitCount:    s.waitCount.Load(),
			buckets:      make([]int64, len(s.buckets)),
		}
		for i, b := range s.buckets {
			snap.buckets[i] = b.Load()
		}
		out = append(out, snap)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// WriteTo renders all series followed by the "# EOF" marker line
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: bufio.NewWriter(w)}
	snaps := r.snapshot()

	fmt.Fprintln(cw, "# HELP auction_lock_timeouts_total Lock acquisitions that timed out, per auction.")
	fmt.Fprintln(cw, "# TYPE auction_lock_timeouts_total counter")
	for _, s := range snaps {
		fmt.Fprintf(cw, "auction_lock_timeouts_total{auction_id=\"%s\"} %d\n", labelEscaper.Replace(s.id), s.lockTimeouts)
	}

	fmt.Fprintln(cw, "# HELP auction_lock_wait_ms Time spent waiting for the auction lock in milliseconds.")
	fmt.Fprintln(cw, "# TYPE auction_lock_wait_ms histogram")
	for _, s := range snaps {
		id := labelEscaper.Replace(s.id)
		var cumulative int64
		for i, le := range r.bucketsMs {
			cumulative += s.buckets[i]
			fmt.Fprintf(cw, "auction_lock_wait_ms_bucket{auction_id=\"%s\",le=\"%s\"} %d\n", id, formatFloat(le), cumulative)
		}
		cumulative += s.buckets[len(r.bucketsMs)]
		fmt.Fprintf(cw, "auction_lock_wait_ms_bucket{auction_id=\"%s\",le=\"+Inf\"} %d\n", id, cumulative)
		fmt.Fprintf(cw, "auction_lock_wait_ms_sum{auction_id=\"%s\"} %s\n", id, formatFloat(s.waitSumMs))
		fmt.Fprintf(cw, "auction_lock_wait_ms_count{auction_id=\"%s\"} %d\n", id, s.waitCount)
	}

	fmt.Fprintln(cw, "# HELP bid_lock_timeout_429_total Bid submissions rejected because the auction lock was contended.")
	fmt.Fprintln(cw, "# TYPE bid_lock_timeout_429_total counter")
	fmt.Fprintf(cw, "bid_lock_timeout_429_total %d\n", r.lockTimeoutRejects.Load())

	fmt.Fprintln(cw, "# HELP rate_limit_429_total Bid submissions rejected by the rate limiter.")
	fmt.Fprintln(cw, "# TYPE rate_limit_429_total counter")
	fmt.Fprintf(cw, "rate_limit_429_total %d\n", r.rateLimitRejects.Load())

	fmt.Fprintln(cw, "# EOF")

	if err := cw.w.Flush(); err != nil && cw.err == nil {
		cw.err = err
	}
	return cw.n, cw.err
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// countingWriter keeps the first write error so the renderer can stay linear
type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
