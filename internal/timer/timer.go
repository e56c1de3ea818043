// Package timer enforces per-session wall-clock limits independently of
// the transport connection.
package timer

import (
	"log/slog"
	"sync"
	"time"
)

// Service tracks one warning and one expiry deadline per session token.
// Deadlines are anchored to the session's recorded start time, so a
// restart after reconnection re-schedules against the original deadline
// instead of extending it.
type Service struct {
	mu         sync.Mutex
	schedules  map[string]*schedule
	warnBefore time.Duration
	now        func() time.Time
}

type schedule struct {
	startedAt time.Time
	duration  time.Duration
	warn      *time.Timer
	expire    *time.Timer
}

// NewService creates a timer service. warnBefore is how far ahead of
// expiry the warning callback fires.
func NewService(warnBefore time.Duration) *Service {
	return &Service{
		schedules:  make(map[string]*schedule),
		warnBefore: warnBefore,
		now:        time.Now,
	}
}

// Start schedules the warning and expiry callbacks for a token. Calling
// Start again for the same token first clears any prior schedule, so a
// reconnection restarts cleanly. The warning carries the time remaining at
// the moment it fires; a warning point already in the past is skipped. An
// expiry point already in the past fires immediately.
func (s *Service) Start(token string, startedAt time.Time, duration time.Duration, onWarning func(remaining time.Duration), onExpiry func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked(token)

	now := s.now()
	deadline := startedAt.Add(duration)
	sched := &schedule{startedAt: startedAt, duration: duration}

	warnAt := deadline.Add(-s.warnBefore)
	if warnAt.After(now) && onWarning != nil {
		remaining := s.warnBefore
		sched.warn = time.AfterFunc(warnAt.Sub(now), func() {
			onWarning(remaining)
		})
	}

	expireIn := deadline.Sub(now)
	if expireIn < 0 {
		expireIn = 0
	}
	if onExpiry != nil {
		sched.expire = time.AfterFunc(expireIn, onExpiry)
	}

	s.schedules[token] = sched
	slog.Debug("session timer started", "token", token, "deadline", deadline)
}

// Clear cancels both scheduled callbacks for a token atomically. Clearing
// a nonexistent timer is a no-op.
func (s *Service) Clear(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked(token)
}

func (s *Service) clearLocked(token string) {
	sched, ok := s.schedules[token]
	if !ok {
		return
	}
	if sched.warn != nil {
		sched.warn.Stop()
	}
	if sched.expire != nil {
		sched.expire.Stop()
	}
	delete(s.schedules, token)
}

// Close cancels every scheduled callback. Used on shutdown.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token := range s.schedules {
		s.clearLocked(token)
	}
}

// IsExpired reports whether a token's wall-clock limit has passed. The
// answer is recomputed from the recorded start time and duration, not from
// whether the scheduled callback already fired, so a slow process still
// reports an overdue session correctly. Unknown tokens are not expired.
func (s *Service) IsExpired(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[token]
	if !ok {
		return false
	}
	return !s.now().Before(sched.startedAt.Add(sched.duration))
}

// Remaining returns the time left for a token, or zero when expired or
// unknown.
func (s *Service) Remaining(token string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[token]
	if !ok {
		return 0
	}
	left := sched.startedAt.Add(sched.duration).Sub(s.now())
	if left < 0 {
		return 0
	}
	return left
}
