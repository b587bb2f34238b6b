// Package helper contains small utilities shared by the hub and its clients.
package helper

import "time"

// Ticker signals on C once an interval passed since the last Reset. The listener reconnecting
// to Postgres and the synchronizer reconnecting its tip watch wait on one between attempts.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset()
}

type timerTicker struct {
	*time.Timer
	interval time.Duration
}

// NewTimerTicker returns a stopped Ticker firing interval after each Reset.
func NewTimerTicker(interval time.Duration) Ticker {
	t := &timerTicker{Timer: time.NewTimer(time.Hour), interval: interval}
	t.Stop()
	return t
}

func (t *timerTicker) C() <-chan time.Time { return t.Timer.C }

func (t *timerTicker) Stop() { t.Timer.Stop() }

// Reset drops a tick nobody received and restarts the interval.
func (t *timerTicker) Reset() {
	if !t.Timer.Stop() {
		select {
		case <-t.Timer.C:
		default:
		}
	}
	t.Timer.Reset(t.interval)
}

// ManualTicker ticks only when Tick is called. Tests drive reconnect loops with it.
type ManualTicker struct {
	ticks     chan time.Time
	StopFunc  func()
	ResetFunc func()
}

// NewManualTicker returns a ManualTicker whose Stop and Reset do nothing.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{
		ticks:     make(chan time.Time, 1),
		StopFunc:  func() {},
		ResetFunc: func() {},
	}
}

// NewCountTicker returns a ManualTicker ticking on each of the first n Resets. The Reset
// after those calls done instead.
func NewCountTicker(n int, done func()) *ManualTicker {
	t := NewManualTicker()
	t.ResetFunc = func() {
		if n == 0 {
			done()
			return
		}
		n--
		t.Tick()
	}
	return t
}

func (t *ManualTicker) C() <-chan time.Time { return t.ticks }

func (t *ManualTicker) Stop() { t.StopFunc() }

func (t *ManualTicker) Reset() { t.ResetFunc() }

// Tick sends a tick, blocking while an earlier one was not received.
func (t *ManualTicker) Tick() { t.ticks <- time.Now() }
