// Package dedup coalesces concurrent identical requests onto a single
// upstream send and replays recently completed responses. The cache owns the
// entries; forwarders hold opaque handles (key plus generation counter), so no
// back-pointers exist between the two.
package dedup

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

var (
	// ErrOriginCancelled terminates subscribers when the origin client
	// disconnected after bytes were already committed to the wire.
	ErrOriginCancelled = errors.New("origin request cancelled mid-stream")
	// ErrBufferOverflow terminates late subscribers when the replay buffer
	// limit was exceeded before they attached.
	ErrBufferOverflow = errors.New("stream replay buffer exceeded")
	// ErrSlowSubscriber terminates a subscriber that stopped draining frames.
	ErrSlowSubscriber = errors.New("subscriber not consuming frames")
)

// FrameKind discriminates subscriber channel frames.
type FrameKind int

const (
	// FrameMeta carries the response status and content type, always first.
	FrameMeta FrameKind = iota
	// FrameData carries one payload chunk (an SSE event, or the whole body).
	FrameData
	// FrameEnd marks normal completion.
	FrameEnd
	// FrameError marks abnormal termination; Err is set.
	FrameError
	// FramePromote tells the subscriber it is now the origin: re-issue the
	// upstream send using its existing handle.
	FramePromote
)

type Frame struct {
	Kind        FrameKind
	Status      int
	ContentType string
	Data        []byte
	Err         error
	// Handle is set on FramePromote: the subscriber adopts it as origin.
	Handle Handle
}

// Subscriber receives the origin's output from its attach point onward,
// backfilled from the replay buffer.
type Subscriber struct {
	ch chan Frame
}

// Frames returns the subscriber's frame stream. It is closed after a
// terminal frame (End, Error, Promote).
func (s *Subscriber) Frames() <-chan Frame { return s.ch }

const subscriberBuffer = 4096

// Recorded is the snapshot replayed for completed-entry hits.
type Recorded struct {
	Status      int
	ContentType string
	Events      [][]byte
	Streamed    bool
}

// Handle is the forwarder's opaque reference to an in-flight entry.
type Handle struct {
	key string
	gen uint64
}

// Fingerprint returns the entry's fingerprint, for logging.
func (h Handle) Fingerprint() string { return h.key }

type entry struct {
	key  string
	gen  uint64
	elem *list.Element

	inflight    bool
	started     bool
	status      int
	contentType string
	streamed    bool

	events   [][]byte
	bufBytes int
	overflow bool

	subs        []*Subscriber
	completedAt time.Time
}

// Cache is the dedup and replay cache. Lookup and publish critical sections
// are O(1) in the number of entries; Reap and eviction walk the completed
// entries. No critical section spans I/O.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // completed entries, most recent front
	nextGen uint64

	maxEntries int
	ttl        time.Duration
	bufCap     int
	now        func() time.Time
}

func NewCache(maxEntries int, ttl time.Duration, streamBufferBytes int) *Cache {
	return &Cache{
		entries:    make(map[string]*entry),
		lru:        list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
		bufCap:     streamBufferBytes,
		now:        time.Now,
	}
}

// LookupKind is the outcome of a cache lookup.
type LookupKind int

const (
	// LookupMiss made the caller the origin; it must eventually call exactly
	// one of Complete, Fail, or Cancel on the returned handle.
	LookupMiss LookupKind = iota
	// LookupInflight attached the caller as a subscriber.
	LookupInflight
	// LookupDone returned a recorded response for replay.
	LookupDone
)

// Lookup resolves a fingerprint against the cache.
func (c *Cache) Lookup(fp string) (LookupKind, Handle, *Subscriber, *Recorded) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fp]
	if ok && e.inflight {
		sub := &Subscriber{ch: make(chan Frame, subscriberBuffer)}
		if e.overflow || len(e.events)+2 > subscriberBuffer {
			sub.ch <- Frame{Kind: FrameError, Err: ErrBufferOverflow}
			close(sub.ch)
			return LookupInflight, Handle{}, sub, nil
		}
		// Backfill the buffered prefix, then the subscriber rides live.
		if e.started {
			sub.ch <- Frame{Kind: FrameMeta, Status: e.status, ContentType: e.contentType}
			for _, ev := range e.events {
				sub.ch <- Frame{Kind: FrameData, Data: ev}
			}
		}
		e.subs = append(e.subs, sub)
		return LookupInflight, Handle{}, sub, nil
	}
	if ok && !e.inflight {
		if c.now().Sub(e.completedAt) < c.ttl {
			c.lru.MoveToFront(e.elem)
			return LookupDone, Handle{}, nil, &Recorded{
				Status:      e.status,
				ContentType: e.contentType,
				Events:      e.events,
				Streamed:    e.streamed,
			}
		}
		c.removeLocked(e)
	}

	c.nextGen++
	e = &entry{key: fp, gen: c.nextGen, inflight: true}
	c.entries[fp] = e
	return LookupMiss, Handle{key: fp, gen: e.gen}, nil, nil
}

// resolve maps a handle to its live entry. Stale generations return nil.
func (c *Cache) resolve(h Handle) *entry {
	e, ok := c.entries[h.key]
	if !ok || e.gen != h.gen {
		return nil
	}
	return e
}

// Begin records the response status and content type and fans it out.
func (c *Cache) Begin(h Handle, status int, contentType string, streamed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.resolve(h)
	if e == nil || !e.inflight {
		return
	}
	e.started = true
	e.status = status
	e.contentType = contentType
	e.streamed = streamed
	c.fanout(e, Frame{Kind: FrameMeta, Status: status, ContentType: contentType})
}

// Append records one payload chunk and fans it out to subscribers. Returns
// false once the replay buffer limit is exceeded; live subscribers keep
// receiving, but the entry will not be replayable and late subscribers are
// refused.
func (c *Cache) Append(h Handle, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.resolve(h)
	if e == nil || !e.inflight {
		return false
	}
	if !e.overflow {
		if e.bufBytes+len(data) > c.bufCap {
			e.overflow = true
			e.events = nil
		} else {
			buf := make([]byte, len(data))
			copy(buf, data)
			e.events = append(e.events, buf)
			e.bufBytes += len(data)
		}
	}
	c.fanout(e, Frame{Kind: FrameData, Data: data})
	return !e.overflow
}

// Complete publishes normal completion. The entry stays replayable for the
// TTL unless its buffer overflowed.
func (c *Cache) Complete(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.resolve(h)
	if e == nil || !e.inflight {
		return
	}
	c.fanout(e, Frame{Kind: FrameEnd})
	c.closeSubs(e)

	if e.overflow {
		delete(c.entries, e.key)
		return
	}
	e.inflight = false
	e.completedAt = c.now()
	e.elem = c.lru.PushFront(e)
	c.evictLocked()
}

// Fail publishes abnormal termination. Failures are never replayed.
func (c *Cache) Fail(h Handle, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.resolve(h)
	if e == nil || !e.inflight {
		return
	}
	c.fanout(e, Frame{Kind: FrameError, Err: err})
	c.closeSubs(e)
	delete(c.entries, e.key)
}

// Cancel handles origin client disconnect. If no byte has been committed and
// subscribers remain, the first subscriber is promoted to origin and true is
// returned; the handle stays valid for the promoted subscriber. Otherwise the
// stream ends for everyone with a synthetic error.
func (c *Cache) Cancel(h Handle) (promoted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.resolve(h)
	if e == nil || !e.inflight {
		return false
	}
	if !e.started && len(e.subs) > 0 {
		next := e.subs[0]
		e.subs = e.subs[1:]
		next.ch <- Frame{Kind: FramePromote, Handle: h}
		close(next.ch)
		return true
	}
	if e.started {
		c.fanout(e, Frame{Kind: FrameError, Err: ErrOriginCancelled})
	}
	c.closeSubs(e)
	delete(c.entries, e.key)
	return false
}

// Reap drops completed entries past their TTL. Run periodically by the proxy.
func (c *Cache) Reap() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.lru.Back(); el != nil; {
		e := el.Value.(*entry)
		prev := el.Prev()
		if c.now().Sub(e.completedAt) >= c.ttl {
			c.removeLocked(e)
		}
		el = prev
	}
}

// Len reports the current number of entries, in-flight included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// fanout delivers a frame to every subscriber without blocking. A subscriber
// that stopped draining is cut off with a synthetic error rather than stalling
// the origin.
func (c *Cache) fanout(e *entry, f Frame) {
	kept := e.subs[:0]
	for _, sub := range e.subs {
		select {
		case sub.ch <- f:
			kept = append(kept, sub)
		default:
			select {
			case sub.ch <- dropFrame():
			default:
			}
			close(sub.ch)
		}
	}
	e.subs = kept
}

func dropFrame() Frame {
	return Frame{Kind: FrameError, Err: ErrSlowSubscriber}
}

func (c *Cache) closeSubs(e *entry) {
	for _, sub := range e.subs {
		close(sub.ch)
	}
	e.subs = nil
}

// evictLocked enforces the entry cap via LRU. In-flight entries are not on the
// LRU list and are never evicted.
func (c *Cache) evictLocked() {
	for len(c.entries) > c.maxEntries {
		el := c.lru.Back()
		if el == nil {
			return
		}
		c.removeLocked(el.Value.(*entry))
	}
}

func (c *Cache) removeLocked(e *entry) {
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	delete(c.entries, e.key)
}
