// Package reconnect keeps a transport session alive from the outside: the
// connection manager only knows single-shot connects, the retry loop and its
// backoff live here.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/npezzotti/gochat-realtime/internal/stats"
)

var ErrGaveUp = errors.New("gave up reconnecting")

// Policy describes the retry schedule: delay = Base * 2^attempt, capped at
// Max, for at most MaxAttempts consecutive failures.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.Max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay returns the wait before retry number attempt, counting from zero.
func (p Policy) Delay(attempt int) time.Duration {
	b := p.backOff()
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Session is the part of a live transport session the loop watches.
type Session interface {
	Done() <-chan struct{}
	Err() error
}

type ConnectFunc func(ctx context.Context) (Session, error)

type Supervisor struct {
	connect ConnectFunc
	policy  Policy
	log     *log.Logger
	stats   stats.StatsProvider

	// OnGiveUp is called once with the terminal error before Run returns it.
	OnGiveUp func(error)
	// OnRetry is called with every scheduled delay.
	OnRetry func(attempt int, delay time.Duration)

	sleep func(ctx context.Context, d time.Duration) error

	lock    sync.Mutex
	attempt int
}

func NewSupervisor(connect ConnectFunc, p Policy, l *log.Logger, su stats.StatsProvider) *Supervisor {
	su.RegisterMetric(stats.Reconnects)

	return &Supervisor{
		connect: connect,
		policy:  p,
		log:     l,
		stats:   su,
		sleep:   sleepContext,
	}
}

// Attempts returns the number of consecutive failed connects.
func (s *Supervisor) Attempts() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.attempt
}

func (s *Supervisor) nextAttempt() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := s.attempt
	s.attempt++
	return n
}

func (s *Supervisor) resetAttempts() {
	s.lock.Lock()
	s.attempt = 0
	s.lock.Unlock()
}

// Run connects and reconnects until ctx is cancelled, a session is closed
// cleanly, or MaxAttempts consecutive connects fail. A successful session
// resets the attempt count.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		sess, err := s.connect(ctx)
		if err == nil {
			s.resetAttempts()
			select {
			case <-sess.Done():
			case <-ctx.Done():
				return ctx.Err()
			}

			if err = sess.Err(); err == nil {
				s.log.Println("session closed, reconnect loop exiting")
				return nil
			}
			s.log.Printf("session lost: %v", err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt := s.nextAttempt()
		if attempt >= s.policy.MaxAttempts {
			gaveUp := fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, attempt, err)
			s.log.Println("real-time updates unavailable:", gaveUp)
			if s.OnGiveUp != nil {
				s.OnGiveUp(gaveUp)
			}
			return gaveUp
		}

		delay := s.policy.Delay(attempt)
		s.log.Printf("reconnecting in %s (attempt %d/%d)", delay, attempt+1, s.policy.MaxAttempts)
		if s.OnRetry != nil {
			s.OnRetry(attempt, delay)
		}
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
		s.stats.Incr(stats.Reconnects)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
