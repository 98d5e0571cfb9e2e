// Package engine provides the frame loop that drives the swarm.
//
// Every swarm access, ticks and commands alike, happens on the goroutine
// running Run. Other goroutines reach the swarm through Do.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TicksPerSecond is the nominal frame rate at speed 1.0.
const TicksPerSecond = 60

// DefaultInterval is one frame at TicksPerSecond.
const DefaultInterval = time.Second / TicksPerSecond

// pausePoll is how often a paused loop re-checks its speed.
const pausePoll = 100 * time.Millisecond

// ErrStopped is returned by Do once the loop has stopped.
var ErrStopped = errors.New("engine stopped")

type command struct {
	fn   func()
	done chan struct{}
}

// Engine drives the simulation forward.
//
// Tick and Speed belong to the loop goroutine once Run has started; read or
// change them from elsewhere only inside Do.
type Engine struct {
	Tick     uint64        // Frames stepped so far (monotonic)
	Speed    float64       // Multiplier: 1.0 = real-time, 0 = paused
	Interval time.Duration // Base frame interval

	// Callbacks, populated during setup.
	OnTick   func(tick uint64) // Every frame
	OnSecond func(tick uint64) // Every TicksPerSecond frames

	cmds     chan command
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewEngine creates a frame loop with default settings.
func NewEngine() *Engine {
	return &Engine{
		Speed:    1.0,
		Interval: DefaultInterval,
		cmds:     make(chan command),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run starts the loop. Blocks until Stop() is called. Run may be called once.
func (e *Engine) Run() {
	e.running.Store(true)
	defer func() {
		e.running.Store(false)
		close(e.done)
	}()
	slog.Info("frame loop started", "tick", e.Tick, "speed", e.Speed, "interval", e.Interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-e.stop:
			slog.Info("frame loop stopped", "tick", e.Tick, "sim_time", SimTime(e.Tick))
			return

		case c := <-e.cmds:
			c.fn()
			close(c.done)

		case <-timer.C:
			if e.Speed <= 0 {
				// Paused; commands are still served.
				timer.Reset(pausePoll)
				continue
			}

			start := time.Now()
			e.step()

			// Sleep for the remainder of the frame, adjusted for speed.
			wait := time.Duration(float64(e.Interval)/e.Speed) - time.Since(start)
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
		}
	}
}

// Stop halts the loop. Safe to call more than once and from any goroutine.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Running reports whether Run is executing.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Do runs fn on the loop goroutine between frames and waits for it to
// finish. It blocks until Run is serving, and returns ErrStopped once the
// loop has been stopped.
func (e *Engine) Do(fn func()) error {
	c := command{fn: fn, done: make(chan struct{})}
	select {
	case e.cmds <- c:
	case <-e.stop:
		return ErrStopped
	}
	<-c.done
	return nil
}

// SetSpeed changes the speed multiplier from any goroutine.
func (e *Engine) SetSpeed(speed float64) error {
	if speed < 0 {
		return fmt.Errorf("speed %v must not be negative", speed)
	}
	return e.Do(func() {
		slog.Info("speed changed", "from", e.Speed, "to", speed, "tick", e.Tick)
		e.Speed = speed
	})
}

// step advances the simulation by one frame.
func (e *Engine) step() {
	e.Tick++

	if e.OnTick != nil {
		e.OnTick(e.Tick)
	}

	if e.Tick%TicksPerSecond == 0 && e.OnSecond != nil {
		e.OnSecond(e.Tick)
	}
}

// SimTime returns the simulated clock for a frame count at the nominal rate.
func SimTime(tick uint64) string {
	frame := tick % TicksPerSecond
	seconds := tick / TicksPerSecond
	minutes := seconds / 60
	hours := minutes / 60
	return fmt.Sprintf("%d:%02d:%02d+%02df", hours, minutes%60, seconds%60, frame)
}
