package session

import "time"

// CancelFunc cancels a scheduled task. Calling it after the task has run, or
// calling it twice, is harmless.
type CancelFunc func()

// Scheduler runs a function once after a delay and hands back a cancel handle.
// The monitor always cancels the previous handle before scheduling the next
// check, so a loop can never fork into two. A virtual-clock fake lives in
// schedulerfakes for tests.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) CancelFunc
}

// TimerScheduler is the production Scheduler, backed by time.AfterFunc.
type TimerScheduler struct{}

func (TimerScheduler) Schedule(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

var _ Scheduler = TimerScheduler{}
