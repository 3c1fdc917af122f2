package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is an interface for reading simulation time, so components can
// depend on a clock abstraction rather than the controller.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime paces ticks against the wall clock, scaled by the speed factor.
	RealTime Mode = iota
	// Accelerated advances as quickly as listeners return, still stepping by Tick.
	Accelerated
)

// Speed bounds for RealTime pacing.
const (
	MinSpeed = 0.1
	MaxSpeed = 100.0
)

// TimeController drives simulation time and notifies registered listeners.
// Every tick advances the simulation by exactly Tick regardless of mode, so
// runs are reproducible; mode and speed only change wall-clock pacing.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	speed       float64

	listeners []func(time.Time)
}

// NewTimeController constructs a controller at speed 1.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
		speed:       1,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime jumps the simulation clock. Listeners are not invoked.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	tc.mu.Unlock()
}

// Speed returns the RealTime pacing factor.
func (tc *TimeController) Speed() float64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.speed
}

// SetSpeed sets the RealTime pacing factor, clamped to [MinSpeed, MaxSpeed],
// and returns the value applied.
func (tc *TimeController) SetSpeed(s float64) float64 {
	s = min(max(s, MinSpeed), MaxSpeed)
	tc.mu.Lock()
	tc.speed = s
	tc.mu.Unlock()
	return s
}

// AddListener registers a callback invoked on every tick. Listeners run on
// the ticking goroutine, one after another, in registration order.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// Step advances the clock by one Tick, runs the listeners and returns the
// new simulation time.
func (tc *TimeController) Step() time.Time {
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(tc.Tick)
	now := tc.currentTime
	listeners := append([]func(time.Time){}, tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
	return now
}

// Start runs the controller for the specified duration in a separate
// goroutine. It returns a channel that is closed when the controller
// finishes. A zero duration runs forever.
func (tc *TimeController) Start(duration time.Duration) <-chan struct{} {
	return tc.Run(context.Background(), duration)
}

// Run is Start with cancellation: the loop also stops when ctx is done.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		elapsed := time.Duration(0)
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			if duration > 0 && elapsed >= duration {
				return
			}
			if tc.Mode == RealTime {
				wait := time.Duration(float64(tc.Tick) / tc.Speed())
				if timer == nil {
					timer = time.NewTimer(wait)
				} else {
					timer.Reset(wait)
				}
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
				}
			} else if ctx.Err() != nil {
				return
			}

			tc.Step()
			elapsed += tc.Tick
		}
	}()
	return done
}
