package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache() *Cache {
	return NewCache(4, 100*time.Millisecond, 1<<20)
}

func drain(sub *Subscriber) []Frame {
	var frames []Frame
	for f := range sub.Frames() {
		frames = append(frames, f)
	}
	return frames
}

func TestLookupMissCreatesOrigin(t *testing.T) {
	c := newTestCache()
	kind, h, _, _ := c.Lookup("fp1")
	require.Equal(t, LookupMiss, kind)
	assert.Equal(t, "fp1", h.Fingerprint())

	// Second lookup attaches instead of creating a second origin.
	kind2, _, sub, _ := c.Lookup("fp1")
	require.Equal(t, LookupInflight, kind2)
	require.NotNil(t, sub)
}

func TestSubscriberSeesBackfillAndLive(t *testing.T) {
	c := newTestCache()
	_, h, _, _ := c.Lookup("fp1")

	c.Begin(h, 200, "application/json", false)
	c.Append(h, []byte("chunk-1"))

	// Attach after the first chunk: backfill expected.
	kind, _, sub, _ := c.Lookup("fp1")
	require.Equal(t, LookupInflight, kind)

	c.Append(h, []byte("chunk-2"))
	c.Complete(h)

	frames := drain(sub)
	require.Len(t, frames, 4)
	assert.Equal(t, FrameMeta, frames[0].Kind)
	assert.Equal(t, 200, frames[0].Status)
	assert.Equal(t, "chunk-1", string(frames[1].Data))
	assert.Equal(t, "chunk-2", string(frames[2].Data))
	assert.Equal(t, FrameEnd, frames[3].Kind)
}

func TestCompletedEntryReplaysWithinTTL(t *testing.T) {
	c := newTestCache()
	_, h, _, _ := c.Lookup("fp1")
	c.Begin(h, 200, "application/json", false)
	c.Append(h, []byte("body"))
	c.Complete(h)

	kind, _, _, rec := c.Lookup("fp1")
	require.Equal(t, LookupDone, kind)
	require.NotNil(t, rec)
	assert.Equal(t, 200, rec.Status)
	require.Len(t, rec.Events, 1)
	assert.Equal(t, "body", string(rec.Events[0]))
	assert.False(t, rec.Streamed)
}

func TestCompletedEntryExpiresAfterTTL(t *testing.T) {
	c := newTestCache()
	_, h, _, _ := c.Lookup("fp1")
	c.Begin(h, 200, "application/json", false)
	c.Complete(h)

	time.Sleep(150 * time.Millisecond)
	kind, _, _, _ := c.Lookup("fp1")
	assert.Equal(t, LookupMiss, kind, "expired entry must miss and restart as origin")
}

func TestFailedEntriesAreNotReplayed(t *testing.T) {
	c := newTestCache()
	_, h, _, _ := c.Lookup("fp1")
	c.Begin(h, 200, "application/json", false)
	c.Fail(h, fmt.Errorf("upstream died"))

	kind, _, _, _ := c.Lookup("fp1")
	assert.Equal(t, LookupMiss, kind)
}

func TestSubscriberReceivesFailure(t *testing.T) {
	c := newTestCache()
	_, h, _, _ := c.Lookup("fp1")
	_, _, sub, _ := c.Lookup("fp1")

	c.Begin(h, 200, "text/event-stream", true)
	c.Fail(h, fmt.Errorf("boom"))

	frames := drain(sub)
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, FrameError, last.Kind)
	assert.ErrorContains(t, last.Err, "boom")
}

func TestCancelPromotesBeforeFirstByte(t *testing.T) {
	c := newTestCache()
	_, h, _, _ := c.Lookup("fp1")
	_, _, sub, _ := c.Lookup("fp1")

	promoted := c.Cancel(h)
	require.True(t, promoted)

	frames := drain(sub)
	require.Len(t, frames, 1)
	assert.Equal(t, FramePromote, frames[0].Kind)

	// The promoted subscriber keeps using the same handle.
	c.Begin(frames[0].Handle, 200, "application/json", false)
	c.Append(frames[0].Handle, []byte("late"))
	c.Complete(frames[0].Handle)

	kind, _, _, rec := c.Lookup("fp1")
	require.Equal(t, LookupDone, kind)
	assert.Equal(t, "late", string(rec.Events[0]))
}

func TestCancelAfterFirstByteEndsForAll(t *testing.T) {
	c := newTestCache()
	_, h, _, _ := c.Lookup("fp1")
	_, _, sub, _ := c.Lookup("fp1")

	c.Begin(h, 200, "text/event-stream", true)
	c.Append(h, []byte("partial"))

	promoted := c.Cancel(h)
	require.False(t, promoted)

	frames := drain(sub)
	last := frames[len(frames)-1]
	assert.Equal(t, FrameError, last.Kind)
	assert.ErrorIs(t, last.Err, ErrOriginCancelled)

	kind, _, _, _ := c.Lookup("fp1")
	assert.Equal(t, LookupMiss, kind)
}

func TestLRUEvictionSparesInflight(t *testing.T) {
	c := NewCache(2, time.Minute, 1<<20)

	// Two completed entries fill the cache.
	for _, fp := range []string{"a", "b"} {
		_, h, _, _ := c.Lookup(fp)
		c.Begin(h, 200, "application/json", false)
		c.Complete(h)
	}
	// An in-flight entry pushes the cache over capacity.
	c.Lookup("c")

	// A further completion forces eviction of the LRU completed entries,
	// never the in-flight one.
	_, h4, _, _ := c.Lookup("d")
	c.Begin(h4, 200, "application/json", false)
	c.Complete(h4)

	assert.Equal(t, 2, c.Len())
	kindC, _, _, _ := c.Lookup("c")
	assert.Equal(t, LookupInflight, kindC, "in-flight entry must survive eviction")
	kindA, _, _, _ := c.Lookup("a")
	assert.Equal(t, LookupMiss, kindA, "oldest completed entry should have been evicted")
}

func TestOverflowDisablesReplay(t *testing.T) {
	c := NewCache(4, time.Minute, 8)
	_, h, _, _ := c.Lookup("fp1")
	c.Begin(h, 200, "text/event-stream", true)

	assert.True(t, c.Append(h, []byte("12345")))
	assert.False(t, c.Append(h, []byte("67890")), "second append exceeds the buffer cap")

	// Late subscribers are refused rather than given a truncated stream.
	_, _, sub, _ := c.Lookup("fp1")
	frames := drain(sub)
	require.Len(t, frames, 1)
	assert.ErrorIs(t, frames[0].Err, ErrBufferOverflow)

	c.Complete(h)
	kind, _, _, _ := c.Lookup("fp1")
	assert.Equal(t, LookupMiss, kind, "overflowed entries must not be replayable")
}

func TestStaleHandleIsIgnored(t *testing.T) {
	c := newTestCache()
	_, h, _, _ := c.Lookup("fp1")
	c.Begin(h, 200, "application/json", false)
	c.Fail(h, fmt.Errorf("gone"))

	// A new origin takes the fingerprint; the old handle must not reach it.
	kind, h2, _, _ := c.Lookup("fp1")
	require.Equal(t, LookupMiss, kind)

	c.Append(h, []byte("stale write"))
	c.Complete(h)

	c.Begin(h2, 200, "application/json", false)
	c.Append(h2, []byte("fresh"))
	c.Complete(h2)

	kind, _, _, rec := c.Lookup("fp1")
	require.Equal(t, LookupDone, kind)
	require.Len(t, rec.Events, 1)
	assert.Equal(t, "fresh", string(rec.Events[0]))
}

func TestReap(t *testing.T) {
	c := newTestCache()
	_, h, _, _ := c.Lookup("fp1")
	c.Begin(h, 200, "application/json", false)
	c.Complete(h)

	time.Sleep(150 * time.Millisecond)
	c.Reap()
	assert.Equal(t, 0, c.Len())
}
