package streaming

import "sync"

// SendBuffer is one user-supplied byte chunk queued for transmission.
// OnComplete, if set, fires exactly once: with nil once every byte has been
// handed off to the packet layer, or with the stream's terminal error if the
// buffer is cancelled before that happens.
type SendBuffer struct {
	data       []byte
	offset     int
	OnComplete func(error)
}

// NewSendBuffer wraps data for queuing. data is not copied; callers must not
// mutate it after handing it to a SendBufferQueue.
func NewSendBuffer(data []byte, onComplete func(error)) *SendBuffer {
	return &SendBuffer{data: data, OnComplete: onComplete}
}

// Remaining returns the number of undrained bytes left in this buffer.
func (b *SendBuffer) Remaining() int {
	return len(b.data) - b.offset
}

func (b *SendBuffer) fire(err error) {
	if b.OnComplete != nil {
		b.OnComplete(err)
		b.OnComplete = nil
	}
}

// SendBufferQueue is an ordered FIFO of SendBuffers with a running byte
// total. It is the queue a Stream's pacing timer drains MTU-sized chunks
// from on the way to becoming outgoing Packets. Not safe for concurrent use;
// callers serialize access the same way they serialize all other stream
// state (the destination's scheduler goroutine, or a connection-level mutex
// in the net.Conn-compatible synchronous path).
type SendBufferQueue struct {
	mu         sync.Mutex
	bufs       []*SendBuffer
	totalBytes int
}

// NewSendBufferQueue returns an empty queue.
func NewSendBufferQueue() *SendBufferQueue {
	return &SendBufferQueue{}
}

// Append pushes buf onto the tail of the queue.
func (q *SendBufferQueue) Append(buf *SendBuffer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bufs = append(q.bufs, buf)
	q.totalBytes += buf.Remaining()
}

// Len returns the total number of undrained bytes across all queued buffers.
func (q *SendBufferQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalBytes
}

// Empty reports whether the queue holds no undrained bytes.
func (q *SendBufferQueue) Empty() bool {
	return q.Len() == 0
}

// Drain pulls up to n contiguous bytes off the head of the queue, splitting
// the head buffer if it holds more than the remaining budget. Buffers that
// become fully drained are popped and their completion callback fired with
// nil. Returns fewer than n bytes only when the queue itself holds fewer.
func (q *SendBufferQueue) Drain(n int) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]byte, 0, n)
	for len(out) < n && len(q.bufs) > 0 {
		head := q.bufs[0]
		need := n - len(out)
		avail := head.Remaining()

		take := avail
		if take > need {
			take = need
		}

		out = append(out, head.data[head.offset:head.offset+take]...)
		head.offset += take
		q.totalBytes -= take

		if head.Remaining() == 0 {
			q.bufs = q.bufs[1:]
			head.fire(nil)
		}
	}
	return out
}

// CancelAll fires every remaining buffer's completion callback with err and
// empties the queue.
func (q *SendBufferQueue) CancelAll(err error) {
	q.mu.Lock()
	pending := q.bufs
	q.bufs = nil
	q.totalBytes = 0
	q.mu.Unlock()

	for _, b := range pending {
		b.fire(err)
	}
}
