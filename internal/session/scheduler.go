package session

import (
	"context"
	"errors"
	"time"

	"github.com/wadahiro/sessiongate/internal/idp"
)

// startSchedulerLocked starts the background refresher unless it is running.
// e.mu must be held.
func (e *Engine) startSchedulerLocked() {
	if e.schedCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.schedCancel, e.schedDone = cancel, done
	go e.runScheduler(ctx, done)
}

// stopSchedulerLocked signals the refresher to stop without waiting for it.
// e.mu must be held.
func (e *Engine) stopSchedulerLocked() {
	if e.schedCancel == nil {
		return
	}
	e.schedCancel()
	e.schedCancel = nil
	e.schedDone = nil
}

func (e *Engine) runScheduler(ctx context.Context, done chan struct{}) {
	defer func() {
		// Release the slot so the next session can start a refresher.
		e.mu.Lock()
		if e.schedDone == done {
			e.schedCancel()
			e.schedCancel, e.schedDone = nil, nil
		}
		e.mu.Unlock()
		close(done)
	}()
	timer := time.NewTimer(e.nextWake())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := e.tick(ctx); err != nil {
			return
		}
		timer.Reset(e.nextWake())
	}
}

// tick refreshes when the token is within the skew margin. Any failure ends
// the session, network errors included, so the scheduler never retries
// silently.
func (e *Engine) tick(ctx context.Context) error {
	e.mu.RLock()
	sess := e.session
	ok := e.valid(sess)
	e.mu.RUnlock()
	if sess == nil {
		return ErrNotAuthenticated
	}
	if ok {
		return nil
	}

	err := e.Refresh(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	e.mu.RLock()
	replaced := e.session != nil && e.session != sess
	e.mu.RUnlock()
	if replaced {
		// A new login took over; keep refreshing for it.
		e.logger.Debug("Scheduled refresh failed for a replaced session", "error", err)
		return nil
	}
	if errors.Is(err, idp.ErrNetwork) {
		e.logger.Warn("Scheduled refresh could not reach the provider, ending session", "error", err)
		e.destroyIf(ctx, sess, NoticeSessionExpired)
	}
	return err
}

// nextWake returns the refresh interval, shortened so the scheduler wakes
// when the token enters the skew margin.
func (e *Engine) nextWake() time.Duration {
	wait := e.interval
	minWait := min(e.interval, time.Second)

	e.mu.RLock()
	sess := e.session
	e.mu.RUnlock()
	if sess == nil {
		return wait
	}
	until := time.UnixMilli(sess.ExpiresAt).Add(-e.skew).Sub(e.now())
	if until < wait {
		wait = max(until, minWait)
	}
	return wait
}
