package pit

// controlWord decodes a byte written to the control port (offset 3).
type controlWord byte

// isReadBack reports whether this is an SC=3 read-back command rather than
// a per-channel control word.
func (c controlWord) isReadBack() bool { return c>>6 == 3 }

// selectChannel returns the channel index (0..2) a non-read-back control
// word targets.
func (c controlWord) selectChannel() int { return int(c >> 6) }

// access returns the raw two-bit access field (bits 5-4): 0=latch,
// 1=LSB, 2=MSB, 3=LSB-then-MSB.
func (c controlWord) access() accessState { return accessState((c >> 4) & 0x3) }

// rawMode returns the raw 3-bit mode field (bits 3-1), not yet normalized.
func (c controlWord) rawMode() byte { return byte(c>>1) & 0x7 }

// bcd returns bit 0.
func (c controlWord) bcd() bool { return c&0x1 == 1 }

// readBackCommand decodes the alternate SC=3 layout of the control word.
type readBackCommand byte

func (c readBackCommand) latchCount() bool  { return (byte(c)>>5)&1 == 0 }
func (c readBackCommand) latchStatus() bool { return (byte(c)>>4)&1 == 0 }
func (c readBackCommand) counter0() bool    { return (byte(c)>>1)&1 == 1 }
func (c readBackCommand) counter1() bool    { return (byte(c)>>2)&1 == 1 }
func (c readBackCommand) counter2() bool    { return (byte(c)>>3)&1 == 1 }

// setControl applies a per-channel control word's access/mode/bcd fields.
// Per the programming model, the IRQ schedule is not touched here: it is
// only recomputed once a fresh count is loaded.
func (ch *channel) setControl(access accessState, m mode, bcd bool) {
	ch.rwMode = access
	ch.readState = access
	ch.writeState = access
	ch.mode = m
	ch.bcd = bcd
}

// writeCounterByte dispatches a counter-port write on write_state and
// reports whether a full count load just completed (v == 0 is treated as
// 65536).
func (ch *channel) writeCounterByte(value byte, now int64) bool {
	switch ch.writeState {
	case accessLSB:
		ch.loadCount(uint16(value), now)
		return true
	case accessMSB:
		ch.loadCount(uint16(value)<<8, now)
		return true
	case accessWord0:
		ch.writeLatch = value
		ch.writeState = accessWord1
		return false
	case accessWord1:
		ch.loadCount(uint16(ch.writeLatch)|(uint16(value)<<8), now)
		ch.writeState = accessWord0
		return true
	default:
		return false
	}
}

// readCounterByte dispatches a counter-port read: a pending latched status
// byte takes priority, then a pending latched count, then the live view
// per read_state.
func (ch *channel) readCounterByte(now int64) byte {
	if ch.statusLatched {
		ch.statusLatched = false
		return ch.status
	}
	if ch.countLatched != accessNone {
		return ch.consumeLatchedCount()
	}
	return ch.readLiveByte(now)
}

func (ch *channel) consumeLatchedCount() byte {
	switch ch.countLatched {
	case accessLSB:
		ch.countLatched = accessNone
		return byte(ch.latchedCount)
	case accessMSB:
		ch.countLatched = accessNone
		return byte(ch.latchedCount >> 8)
	case accessWord0:
		ch.countLatched = accessWord1
		return byte(ch.latchedCount)
	case accessWord1:
		ch.countLatched = accessNone
		return byte(ch.latchedCount >> 8)
	default:
		return 0
	}
}

func (ch *channel) readLiveByte(now int64) byte {
	switch ch.readState {
	case accessLSB:
		return byte(ch.getCount(now))
	case accessMSB:
		return byte(ch.getCount(now) >> 8)
	case accessWord0:
		ch.readState = accessWord1
		return byte(ch.getCount(now))
	case accessWord1:
		ch.readState = accessWord0
		return byte(ch.getCount(now) >> 8)
	default:
		return byte(ch.getCount(now))
	}
}

// latchCount snapshots the live counter for a subsequent byte-pair read. A
// second latch while one is already pending is silently ignored.
func (ch *channel) latchCount(now int64) {
	if ch.countLatched != accessNone {
		return
	}
	ch.latchedCount = ch.getCount(now)
	ch.countLatched = ch.rwMode
}

// latchStatus snapshots the channel's status byte for a single subsequent
// read. Repeated read-back status latches before a read are a no-op for
// that channel, matching the count-latch idempotence rule.
func (ch *channel) latchStatus(now int64) {
	if ch.statusLatched {
		return
	}
	ch.statusLatched = true
	ch.status = ch.statusByte(now)
}

// setGate stores the new gate level and reports whether this was a rising
// edge that must reload the counter (modes 1, 2, 3, 5 only; modes 0 and 4
// ignore the gate entirely, a documented limitation).
func (ch *channel) setGate(level bool, now int64) bool {
	rising := !ch.gate && level
	reload := false
	if rising {
		switch ch.mode {
		case mode1, mode2, mode3, mode5:
			ch.countLoadTime = now
			reload = true
		}
	}
	ch.gate = level
	return reload
}
