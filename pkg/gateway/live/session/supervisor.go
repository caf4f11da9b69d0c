package session

import "time"

// superviseLoop owns the link for the session's lifetime: it runs the receive
// loop and, when the link drops, reconnects with bounded exponential backoff.
func (s *Session) superviseLoop() {
	defer s.wg.Done()
	defer s.cancel()

	for {
		link := s.currentLink()
		if link == nil {
			return
		}
		end := s.listen(link)
		if s.ctx.Err() != nil {
			return
		}
		s.dropLink(link)

		if end == endFatal {
			s.markDisconnected("client error")
			return
		}
		if !s.reconnect() {
			s.markDisconnected("reconnect attempts exhausted")
			return
		}
	}
}

// reconnect retries the connection until it succeeds or the attempt budget
// is spent. A failed dial counts as another disconnect.
func (s *Session) reconnect() bool {
	for {
		s.mu.Lock()
		if s.reconnectAttempts >= s.cfg.MaxReconnectAttempts {
			attempts := s.reconnectAttempts
			s.mu.Unlock()
			s.logger.Error("giving up on realtime link", "attempt", attempts)
			s.recorder.ReconnectAttempt("exhausted")
			return false
		}
		s.reconnectAttempts++
		attempt := s.reconnectAttempts
		s.mu.Unlock()

		delay := backoffDelay(s.cfg.BackoffUnit, attempt)
		s.logger.Warn("realtime link lost; reconnecting", "attempt", attempt, "delay", delay)
		if err := s.sleep(s.ctx, delay); err != nil {
			return false
		}
		if err := s.connect(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				return false
			}
			s.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			s.recorder.ReconnectAttempt("failed")
			continue
		}

		s.mu.Lock()
		s.awaitingRoundTrip = true
		s.mu.Unlock()
		s.recorder.ReconnectAttempt("connected")
		s.logger.Info("realtime link re-established", "attempt", attempt)
		return true
	}
}

// backoffDelay is unit * 2^attempt: 2s, 4s, 8s for attempts 1..3.
func backoffDelay(unit time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return unit * time.Duration(int64(1)<<uint(attempt))
}

func (s *Session) dropLink(link Link) {
	s.mu.Lock()
	if s.link == link {
		s.link = nil
	}
	s.mu.Unlock()
	_ = link.Close()
}

func (s *Session) markDisconnected(reason string) {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.logger.Warn("session disconnected", "reason", reason)
}
