package pit

// accessState enumerates the positions of the 8254 byte-transfer sequencer.
// It is also the value stored directly as rw_mode: LSB=1, MSB=2, and a
// LSB/MSB transfer begins at WORD0=3 and alternates with WORD1=4.
type accessState uint8

const (
	accessNone  accessState = 0
	accessLSB   accessState = 1
	accessMSB   accessState = 2
	accessWord0 accessState = 3
	accessWord1 accessState = 4
)

// channel holds the full programmable state of one of the PIT's three
// 16-bit down-counters.
type channel struct {
	count         uint32 // 1..=65536; a loaded value of 0 is stored as 65536
	countLoadTime int64  // nanoseconds on the virtual clock

	mode mode
	bcd  bool
	gate bool

	rwMode     accessState
	readState  accessState
	writeState accessState
	writeLatch byte

	latchedCount uint16
	countLatched accessState // accessNone when no latch is pending

	statusLatched bool
	status        byte

	nextTransitionTime int64
	hasNextTransition  bool

	// timer is non-nil only for channel 0, which is the only channel that
	// owns a scheduled host callback.
	timer timerHandle
}

// newChannel returns a channel with every field zeroed; reset must be
// called before it is used so the documented power-on state applies.
func newChannel() *channel {
	return &channel{}
}

// reset applies the documented lifecycle reset: mode 3, gate on for
// channels 0 and 1 (off for channel 2), and a fresh load of count 0 (i.e.
// 65536) stamped at now.
func (ch *channel) reset(index int, now int64) {
	ch.mode = mode3
	ch.bcd = false
	ch.gate = index != 2
	ch.rwMode = accessNone
	ch.readState = accessNone
	ch.writeState = accessNone
	ch.writeLatch = 0
	ch.latchedCount = 0
	ch.countLatched = accessNone
	ch.statusLatched = false
	ch.status = 0
	ch.hasNextTransition = false
	ch.nextTransitionTime = 0
	ch.loadCount(0, now)
}

// loadCount stores v as the channel's count (encoding 0 as 65536) and
// stamps countLoadTime. It does not touch the byte sequencer or reschedule
// anything; callers decide when a load is complete.
func (ch *channel) loadCount(v uint16, now int64) {
	count := uint32(v)
	if count == 0 {
		count = 1 << 16
	}
	ch.count = count
	ch.countLoadTime = now
}

// ticksSince returns d, the number of elapsed PIT ticks between
// countLoadTime and now.
func (ch *channel) ticksSince(now int64) uint64 {
	elapsed := now - ch.countLoadTime
	if elapsed < 0 {
		elapsed = 0
	}
	return muldiv64(uint64(elapsed), pitFreq, ticksPerSecond)
}

// getCount returns the live 16-bit counter snapshot at now.
func (ch *channel) getCount(now int64) uint16 {
	return ch.mode.getCount(ch.count, ch.ticksSince(now))
}

// getOut returns the live output-line level at now.
func (ch *channel) getOut(now int64) bool {
	return ch.mode.getOut(ch.count, ch.ticksSince(now))
}

// statusByte computes the read-back status byte for the channel's current
// state at now. The null-count bit (bit 6) is never modeled; it always
// reads as 0.
func (ch *channel) statusByte(now int64) byte {
	status := byte(0)
	if ch.getOut(now) {
		status |= 1 << 7
	}
	status |= byte(ch.rwMode&0x3) << 4
	status |= byte(ch.mode&0x7) << 1
	if ch.bcd {
		status |= 1
	}
	return status
}
