package pit

import "time"

// rescheduleChannel0Locked runs the IRQ scheduler's five-step procedure for
// channel 0 at the given virtual instant. It must be called with the
// device lock held, after every event that can change channel 0's future
// output trajectory: a count load, a gate rising edge, host-timer expiry,
// an HPET re-enable, or a reset. Channels 1 and 2 never pass through here:
// they have no irq line and no timer, so updating their state is a no-op
// on real hardware too.
func (p *PIT) rescheduleChannel0Locked(now int64) {
	ch := p.channels[0]

	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}

	d := ch.ticksSince(now)
	out := ch.mode.getOut(ch.count, d)
	p.irq.SetIRQ(p.cfg.IRQ, out)

	ticks, ok := ch.mode.nextTransition(ch.count, d)
	if !ok {
		ch.hasNextTransition = false
		ch.nextTransitionTime = 0
		return
	}

	expire := ch.countLoadTime + int64(muldiv64(ticks, ticksPerSecond, pitFreq))
	if expire <= now {
		expire = now + 1
	}

	ch.hasNextTransition = true
	ch.nextTransitionTime = expire

	ch.timer = p.timerFactory(time.Duration(expire-now), func() {
		p.handleChannel0Expiry(expire)
	})
}

// handleChannel0Expiry is the host-timer callback. It re-enters the
// scheduler using the predicted expiry time it was armed for as "now",
// rather than the host's current wall-clock reading, which keeps
// long-run phase stable under host-scheduling jitter.
func (p *PIT) handleChannel0Expiry(expire int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rescheduleChannel0Locked(expire)
}
