package streaming

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// AsyncSend queues data for transmission without blocking on window space.
// onComplete, if non-nil, fires exactly once: with nil once every byte of
// data has been handed off to the packet layer, or with the connection's
// terminal error if the stream closes first with bytes still queued.
//
// Unlike Write, AsyncSend never blocks the caller; it hands data to the
// stream's SendBufferQueue and returns immediately. A single background
// drain goroutine per connection (started lazily on first AsyncSend) pulls
// MTU-sized chunks and sends them through the same windowed path Write
// uses.
func (s *StreamConn) AsyncSend(data []byte, onComplete func(error)) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		if onComplete != nil {
			onComplete(fmt.Errorf("connection closed"))
		}
		return
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	s.sendBuf.Append(NewSendBuffer(cp, onComplete))

	s.mu.Lock()
	alreadyRunning := s.asyncSendRunning
	s.asyncSendRunning = true
	s.mu.Unlock()

	if !alreadyRunning {
		go s.runAsyncSendLoop()
	}
}

// runAsyncSendLoop drains s.sendBuf in MTU-sized chunks until it is empty or
// the connection closes, then marks itself stopped.
func (s *StreamConn) runAsyncSendLoop() {
	for {
		s.mu.Lock()
		if s.closed {
			s.asyncSendRunning = false
			s.mu.Unlock()
			s.sendBuf.CancelAll(fmt.Errorf("connection closed"))
			return
		}
		mtu := int(s.getNegotiatedMTULocked())
		s.mu.Unlock()

		chunk := s.sendBuf.Drain(mtu)
		if len(chunk) == 0 {
			s.mu.Lock()
			s.asyncSendRunning = false
			s.mu.Unlock()
			return
		}

		if _, err := s.Write(chunk); err != nil {
			log.Warn().Err(err).
				Uint32("localStreamID", s.localStreamID).
				Msg("async send chunk failed")
			s.sendBuf.CancelAll(err)
			s.mu.Lock()
			s.asyncSendRunning = false
			s.mu.Unlock()
			return
		}
	}
}

// AsyncReceive delivers the next complete Read() without blocking the
// caller: it spawns a goroutine that performs a blocking Read into a
// freshly allocated buffer sized maxLen and invokes cb with the result
// exactly once.
func (s *StreamConn) AsyncReceive(maxLen int, cb func([]byte, error)) {
	go func() {
		buf := make([]byte, maxLen)
		n, err := s.Read(buf)
		cb(buf[:n], err)
	}()
}

// SendPing sends a ping to the connection's remote destination and blocks
// until a pong arrives, the connection's manager has no ping support
// configured, or the default ping timeout elapses.
func (s *StreamConn) SendPing(payload []byte) *PingResult {
	if s.manager == nil || s.manager.pingMgr == nil {
		return &PingResult{Err: fmt.Errorf("ping not available: no stream manager")}
	}
	return s.manager.Ping(s.ctx, s.dest, payload)
}

// Terminate abruptly tears down the connection: sends RESET if not already
// terminated, cancels all timers, and releases buffered state. Unlike
// Close, it does not wait for outstanding data to be acknowledged.
func (s *StreamConn) Terminate() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	alreadyReset := s.state == StateClosed
	s.mu.Unlock()

	if !alreadyReset {
		_ = s.sendRaw(FlagRESET, nil)
	}

	s.mu.Lock()
	s.closed = true
	s.setState(StateClosed)
	s.cleanupConnectionLocked()
	s.mu.Unlock()

	s.sendBuf.CancelAll(fmt.Errorf("stream terminated"))
	s.cancel()
	return nil
}
