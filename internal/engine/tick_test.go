package engine

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	go e.Run()
	t.Cleanup(func() {
		e.Stop()
		<-e.Done()
	})
}

func TestRunStepsAndFiresCallbacks(t *testing.T) {
	e := NewEngine()
	e.Interval = time.Millisecond

	var ticks, seconds atomic.Uint64
	e.OnTick = func(uint64) { ticks.Add(1) }
	e.OnSecond = func(tick uint64) {
		if tick%TicksPerSecond != 0 {
			t.Errorf("OnSecond at tick %d", tick)
		}
		seconds.Add(1)
	}
	startEngine(t, e)

	deadline := time.Now().Add(5 * time.Second)
	for seconds.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d seconds after %d ticks", seconds.Load(), ticks.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	var tick uint64
	if err := e.Do(func() { tick = e.Tick }); err != nil {
		t.Fatal(err)
	}
	if tick < 2*TicksPerSecond {
		t.Errorf("tick = %d, want >= %d", tick, 2*TicksPerSecond)
	}
}

func TestPausedEngineServesCommands(t *testing.T) {
	e := NewEngine()
	e.Speed = 0
	e.OnTick = func(uint64) { t.Error("ticked while paused") }
	startEngine(t, e)

	ran := false
	if err := e.Do(func() { ran = true }); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("command did not run")
	}
	if !e.Running() {
		t.Error("Running = false while serving")
	}
}

func TestSetSpeed(t *testing.T) {
	e := NewEngine()
	e.Speed = 0
	startEngine(t, e)

	if err := e.SetSpeed(-1); err == nil {
		t.Error("negative speed accepted")
	}
	if err := e.SetSpeed(2.5); err != nil {
		t.Fatal(err)
	}
	var speed float64
	_ = e.Do(func() { speed = e.Speed })
	if speed != 2.5 {
		t.Errorf("speed = %v, want 2.5", speed)
	}
}

func TestDoAfterStop(t *testing.T) {
	e := NewEngine()
	go e.Run()
	e.Stop()
	e.Stop()
	<-e.Done()

	if err := e.Do(func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Do after stop = %v, want ErrStopped", err)
	}
	if e.Running() {
		t.Error("Running = true after stop")
	}
}

func TestSimTime(t *testing.T) {
	tests := []struct {
		tick uint64
		want string
	}{
		{0, "0:00:00+00f"},
		{59, "0:00:00+59f"},
		{60, "0:00:01+00f"},
		{60*3600 + 61, "1:00:01+01f"},
	}
	for _, tt := range tests {
		if got := SimTime(tt.tick); got != tt.want {
			t.Errorf("SimTime(%d) = %q, want %q", tt.tick, got, tt.want)
		}
	}
}
