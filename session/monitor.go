package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Monitor timing. The tick is fixed and independent of the total timeout:
// with the enforced 5-minute minimum, a 30-second tick bounds worst-case
// expiry-detection latency to one tick.
const (
	monitorTick      = 30 * time.Second
	warningThreshold = 5 * time.Minute
)

// MonitorState is the monitor's lifecycle state.
type MonitorState int

const (
	MonitorIdle     MonitorState = iota // No timer scheduled
	MonitorArmed                        // Next check scheduled
	MonitorChecking                     // Check callback executing
	MonitorExpired                      // Session expired, terminal for this run
)

func (s MonitorState) String() string {
	switch s {
	case MonitorIdle:
		return "idle"
	case MonitorArmed:
		return "armed"
	case MonitorChecking:
		return "checking"
	case MonitorExpired:
		return "expired"
	}
	return "unknown"
}

// Monitor is the self-rescheduling expiry watchdog. It polls the stored
// session, fires the warning signal at the threshold, and force-clears the
// session once the deadline passes. It only ever reads session state; the one
// mutation it performs is the clear on expiry, routed through the manager.
//
// Every Start cancels the previous handle before scheduling, so repeated
// logins can never leave two loops running.
type Monitor struct {
	manager   *Manager
	scheduler Scheduler
	logger    zerolog.Logger

	mu     sync.Mutex
	state  MonitorState
	cancel CancelFunc
}

func newMonitor(m *Manager) *Monitor {
	return &Monitor{
		manager:   m,
		scheduler: m.scheduler,
		logger:    m.logger,
		state:     MonitorIdle,
	}
}

// State returns the monitor's current state.
func (mon *Monitor) State() MonitorState {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.state
}

// Start arms the monitor, running the first check immediately. Any previously
// scheduled check is cancelled first.
func (mon *Monitor) Start() {
	mon.arm(0)
}

// Stop cancels any scheduled check and returns the monitor to idle.
func (mon *Monitor) Stop() {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	if mon.cancel != nil {
		mon.cancel()
		mon.cancel = nil
	}
	mon.state = MonitorIdle
}

func (mon *Monitor) arm(delay time.Duration) {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	if mon.cancel != nil {
		mon.cancel()
	}
	mon.state = MonitorArmed
	mon.cancel = mon.scheduler.Schedule(delay, mon.check)
}

// check is one monitor tick.
func (mon *Monitor) check() {
	mon.mu.Lock()
	mon.state = MonitorChecking
	mon.cancel = nil
	mon.mu.Unlock()

	remaining, warned, ok := mon.manager.monitorSnapshot()
	if !ok {
		// Session gone (logout raced the tick); nothing left to watch.
		mon.mu.Lock()
		mon.state = MonitorIdle
		mon.mu.Unlock()
		return
	}

	if remaining <= 0 {
		mon.mu.Lock()
		mon.state = MonitorExpired
		mon.mu.Unlock()
		mon.logger.Debug().Msg("monitor detected expiry")
		mon.manager.expire()
		return
	}

	switch {
	case remaining <= warningThreshold && !warned:
		mon.manager.setWarningShown(true)
		mon.manager.signalWarning(remaining)
	case remaining > warningThreshold && warned:
		// Remaining time climbed back above the threshold (e.g. a timeout
		// policy increase); re-arm so the next countdown warns again.
		mon.manager.setWarningShown(false)
	}

	mon.arm(monitorTick)
}
