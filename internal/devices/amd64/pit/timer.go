package pit

import "time"

// timerHandle is an already-armed, cancellable one-shot callback.
type timerHandle interface {
	Stop()
}

type timerHandleFunc func()

func (f timerHandleFunc) Stop() {
	if f != nil {
		f()
	}
}

// timerFactory arms a callback to fire once, after d elapses. Only channel
// 0 ever owns a timer; the scheduler re-arms a fresh one-shot on every
// pass rather than relying on a periodic timer, since the period between
// transitions is not fixed for every mode.
type timerFactory func(d time.Duration, cb func()) timerHandle

func defaultTimerFactory(d time.Duration, cb func()) timerHandle {
	if d <= 0 || cb == nil {
		return nil
	}
	t := time.AfterFunc(d, cb)
	return timerHandleFunc(func() { t.Stop() })
}
