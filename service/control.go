package service

import (
	"context"
	"errors"
	"sync"
	"time"
)

type sweepMode string

const (
	sweepModeRun   sweepMode = "run"
	sweepModePause sweepMode = "pause"
)

type sweepStatus struct {
	Mode        sweepMode     `json:"mode"`
	Interval    time.Duration `json:"-"`
	IntervalMS  int64         `json:"interval_ms"`
	IntervalStr string        `json:"interval_text"`
}

// sweepController paces the background sweep loop. It can be paused, resumed
// and retuned at runtime, and a sweep can be triggered immediately without
// waiting for the next tick.
type sweepController struct {
	mu       sync.RWMutex
	mode     sweepMode
	interval time.Duration
	notify   chan struct{}
	trigger  chan struct{}
}

func newSweepController(interval time.Duration) *sweepController {
	if interval <= 0 {
		interval = time.Minute
	}
	return &sweepController{
		mode:     sweepModeRun,
		interval: interval,
		notify:   make(chan struct{}, 1),
		trigger:  make(chan struct{}, 1),
	}
}

// Wait blocks until the next sweep is due. Explicit triggers fire in both
// modes, the timer only runs while the controller is in run mode.
func (c *sweepController) Wait(ctx context.Context) (time.Time, error) {
	for {
		c.mu.RLock()
		mode := c.mode
		interval := c.interval
		c.mu.RUnlock()

		switch mode {
		case sweepModeRun:
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return time.Time{}, ctx.Err()
			case <-timer.C:
				return time.Now(), nil
			case <-c.trigger:
				if !timer.Stop() {
					<-timer.C
				}
				return time.Now(), nil
			case <-c.notify:
				if !timer.Stop() {
					<-timer.C
				}
				continue
			}
		case sweepModePause:
			select {
			case <-ctx.Done():
				return time.Time{}, ctx.Err()
			case <-c.trigger:
				return time.Now(), nil
			case <-c.notify:
				continue
			}
		default:
			return time.Time{}, errors.New("unknown sweep mode")
		}
	}
}

func (c *sweepController) SetMode(mode sweepMode) {
	c.mu.Lock()
	if c.mode == mode {
		c.mu.Unlock()
		return
	}
	c.mode = mode
	c.mu.Unlock()
	c.signal()
}

// Trigger requests an immediate sweep without changing the mode.
func (c *sweepController) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *sweepController) SetInterval(d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	c.mu.Lock()
	if c.interval == d {
		c.mu.Unlock()
		return
	}
	c.interval = d
	c.mu.Unlock()
	c.signal()
}

func (c *sweepController) Status() sweepStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sweepStatus{
		Mode:        c.mode,
		Interval:    c.interval,
		IntervalMS:  int64(c.interval / time.Millisecond),
		IntervalStr: c.interval.String(),
	}
}

func (c *sweepController) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
