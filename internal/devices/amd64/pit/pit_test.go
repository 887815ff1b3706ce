package pit

import (
	"testing"
	"time"
)

// manualClock is a fake Clock a test advances explicitly, so assertions
// never depend on host scheduling.
type manualClock struct {
	now int64
}

func (c *manualClock) read() int64 { return c.now }
func (c *manualClock) advance(d time.Duration) {
	c.now += int64(d)
}

// manualTimer records the duration and callback it was armed with, and
// lets a test fire it synchronously instead of waiting on a real host
// timer.
type manualTimer struct {
	d        time.Duration
	cb       func()
	stopped  bool
	firedAny bool
}

// manualTimerFactory hands out one manualTimer per arm call and keeps the
// latest in current, since only channel 0 ever owns a live timer.
type manualTimerFactory struct {
	current *manualTimer
}

func (f *manualTimerFactory) factory() timerFactory {
	return func(d time.Duration, cb func()) timerHandle {
		t := &manualTimer{d: d, cb: cb}
		f.current = t
		return timerHandleFunc(func() { t.stopped = true })
	}
}

// fire invokes the most recently armed, unstopped timer's callback and
// advances the manual clock to the instant it was armed for.
func (f *manualTimerFactory) fire(clock *manualClock) {
	t := f.current
	if t == nil || t.stopped {
		return
	}
	t.firedAny = true
	clock.advance(t.d)
	t.cb()
}

func newTestPIT(clock *manualClock, tf *manualTimerFactory) *PIT {
	var lastIRQ struct {
		line  uint8
		level bool
		n     int
	}
	irq := IRQLineFunc(func(line uint8, level bool) {
		lastIRQ.line = line
		lastIRQ.level = level
		lastIRQ.n++
	})
	return New(DefaultConfig(), irq, WithClock(clock.read), WithTimerFactory(tf.factory()))
}

func writeControl(p *PIT, value byte) {
	_ = p.WriteIOPort(p.cfg.IOBase+portControl, []byte{value})
}

func writeCounter(p *PIT, channel int, value byte) {
	_ = p.WriteIOPort(p.cfg.IOBase+uint16(channel), []byte{value})
}

func readCounter(p *PIT, channel int) byte {
	buf := []byte{0}
	_ = p.ReadIOPort(p.cfg.IOBase+uint16(channel), buf)
	return buf[0]
}

// controlByte builds an SC/RW/MODE/BCD control word for the given channel, LSB-then-MSB access.
func controlByte(channel int, m byte, bcd bool) byte {
	v := byte(channel)<<6 | 0x3<<4 | (m&0x7)<<1
	if bcd {
		v |= 1
	}
	return v
}

func TestCounterRangeInvariant(t *testing.T) {
	clock := &manualClock{}
	tf := &manualTimerFactory{}
	p := newTestPIT(clock, tf)

	writeControl(p, controlByte(0, 2, false))
	writeCounter(p, 0, 0)
	writeCounter(p, 0, 0)

	count, err := p.GetInitialCount(0)
	if err != nil {
		t.Fatalf("GetInitialCount: %v", err)
	}
	if count != 1<<16 {
		t.Fatalf("loading 0 must store 65536, got %d", count)
	}
}

func TestMode2Periodicity(t *testing.T) {
	clock := &manualClock{}
	tf := &manualTimerFactory{}
	p := newTestPIT(clock, tf)

	writeControl(p, controlByte(0, 2, false))
	writeCounter(p, 0, 10)
	writeCounter(p, 0, 0)

	out, err := p.GetOutput(0)
	if err != nil || out {
		t.Fatalf("mode 2 output must start low, got %v err=%v", out, err)
	}

	// Rounded up: the floored conversion lands one tick short of the boundary.
	period := time.Duration(muldiv64(10, ticksPerSecond, pitFreq) + 1)
	clock.advance(period - 1)
	out, _ = p.GetOutput(0)
	if out {
		t.Fatalf("mode 2 output must stay low until the last tick of the period")
	}

	clock.advance(1)
	out, _ = p.GetOutput(0)
	if !out {
		t.Fatalf("mode 2 output must pulse high exactly at the period boundary")
	}
}

func TestMode3SquareWaveSymmetryForEvenCount(t *testing.T) {
	clock := &manualClock{}
	tf := &manualTimerFactory{}
	p := newTestPIT(clock, tf)

	writeControl(p, controlByte(0, 3, false))
	writeCounter(p, 0, 10)
	writeCounter(p, 0, 0)

	// Rounded up so that n*tickDur always reaches tick n.
	tickDur := time.Duration(muldiv64(1, ticksPerSecond, pitFreq) + 1)
	half := 5

	out, _ := p.GetOutput(0)
	if !out {
		t.Fatalf("mode 3 output must start high")
	}
	clock.advance(tickDur * time.Duration(half-1))
	out, _ = p.GetOutput(0)
	if !out {
		t.Fatalf("mode 3 output must stay high through the first half period")
	}
	clock.advance(tickDur)
	out, _ = p.GetOutput(0)
	if out {
		t.Fatalf("mode 3 output must flip low at the half-period boundary")
	}
}

func TestNextTransitionStrictlyFuture(t *testing.T) {
	ch := newChannel()
	ch.mode = mode2
	ch.count = 10

	for d := uint64(0); d < 30; d++ {
		next, ok := ch.mode.nextTransition(ch.count, d)
		if !ok {
			t.Fatalf("mode 2 always has a next transition, d=%d", d)
		}
		if next <= d {
			t.Fatalf("nextTransition(%d) = %d, want strictly greater than d", d, next)
		}
	}
}

func TestRoundTripCountLoad(t *testing.T) {
	clock := &manualClock{}
	tf := &manualTimerFactory{}
	p := newTestPIT(clock, tf)

	writeControl(p, controlByte(1, 0, false))
	writeCounter(p, 1, 0x34)
	writeCounter(p, 1, 0x12)

	count, err := p.GetInitialCount(1)
	if err != nil {
		t.Fatalf("GetInitialCount: %v", err)
	}
	if count != 0x1234 {
		t.Fatalf("round-tripped count = 0x%x, want 0x1234", count)
	}
}

func TestLatchIdempotence(t *testing.T) {
	clock := &manualClock{}
	tf := &manualTimerFactory{}
	p := newTestPIT(clock, tf)

	writeControl(p, controlByte(0, 2, false))
	writeCounter(p, 0, 100)
	writeCounter(p, 0, 0)

	// One nanosecond past the floored conversion, so exactly 10 ticks elapse.
	clock.advance(time.Duration(muldiv64(10, ticksPerSecond, pitFreq) + 1))

	// Latch command (access=0) for channel 0.
	writeControl(p, 0<<6)
	latchedLo := readCounter(p, 0)

	clock.advance(time.Duration(muldiv64(10, ticksPerSecond, pitFreq)))
	// A second latch before the pair is fully read must be ignored.
	writeControl(p, 0<<6)
	latchedHi := readCounter(p, 0)

	got := uint16(latchedLo) | uint16(latchedHi)<<8
	if got != 90 {
		t.Fatalf("latched count = %d, want 90 (unaffected by the second, ignored, latch)", got)
	}
}

func TestReadSequencingWordMode(t *testing.T) {
	clock := &manualClock{}
	tf := &manualTimerFactory{}
	p := newTestPIT(clock, tf)

	writeControl(p, controlByte(2, 0, false))
	writeCounter(p, 2, 0x00)
	writeCounter(p, 2, 0x10) // count = 0x1000

	lo := readCounter(p, 2)
	hi := readCounter(p, 2)
	got := uint16(lo) | uint16(hi)<<8
	if got != 0x1000 {
		t.Fatalf("read-sequenced count = 0x%x, want 0x1000", got)
	}
}

// S1: mode 0, interrupt on terminal count.
func TestScenarioMode0TerminalCount(t *testing.T) {
	clock := &manualClock{}
	tf := &manualTimerFactory{}
	p := newTestPIT(clock, tf)

	writeControl(p, controlByte(0, 0, false))
	writeCounter(p, 0, 4)
	writeCounter(p, 0, 0)

	out, _ := p.GetOutput(0)
	if out {
		t.Fatalf("mode 0 output must start low")
	}

	// The first expiry is the floored terminal-count instant, one tick short;
	// the scheduler then re-arms one nanosecond later, at terminal count.
	tf.fire(clock)
	tf.fire(clock)
	out, _ = p.GetOutput(0)
	if !out {
		t.Fatalf("mode 0 output must go high at terminal count")
	}
}

// S2: mode 2, rate generator producing a steady pulse train.
func TestScenarioMode2PulseTrain(t *testing.T) {
	clock := &manualClock{}
	tf := &manualTimerFactory{}
	p := newTestPIT(clock, tf)

	writeControl(p, controlByte(0, 2, false))
	writeCounter(p, 0, 3)
	writeCounter(p, 0, 0)

	for i := 0; i < 5; i++ {
		tf.fire(clock)
	}
	// Each fire re-arms, so the latest timer is a fresh one that has not fired.
	if tf.current == nil || tf.current.stopped || tf.current.firedAny {
		t.Fatalf("mode 2 scheduler must keep re-arming the one-shot timer")
	}
}

// S3: mode 3 square wave with an odd count, preserving the documented
// imprecision rather than correcting it.
func TestScenarioMode3OddCountImprecision(t *testing.T) {
	ch := newChannel()
	ch.mode = mode3
	ch.count = 9

	c := uint64(9)
	half := (c + 1) / 2 // 5
	for d := uint64(0); d < half; d++ {
		if !ch.mode.getOut(ch.count, d) {
			t.Fatalf("odd-count mode 3: expected high at d=%d", d)
		}
	}
	if ch.mode.getOut(ch.count, half) {
		t.Fatalf("odd-count mode 3: expected low at d=%d", half)
	}
}

// S4: gate rising edge reloads in mode 2 but is ignored in mode 0.
func TestScenarioGateReloadByMode(t *testing.T) {
	clock := &manualClock{}
	tf := &manualTimerFactory{}
	p := newTestPIT(clock, tf)

	writeControl(p, controlByte(1, 2, false))
	writeCounter(p, 1, 20)
	writeCounter(p, 1, 0)

	_ = p.SetGate(1, false)
	clock.advance(time.Duration(muldiv64(5, ticksPerSecond, pitFreq)))
	_ = p.SetGate(1, true)

	count, _ := p.GetInitialCount(1)
	if count != 20 {
		t.Fatalf("gate rising edge must not change the stored count, got %d", count)
	}

	writeControl(p, controlByte(2, 0, false))
	writeCounter(p, 2, 20)
	writeCounter(p, 2, 0)
	_ = p.SetGate(2, false)
	clock.advance(time.Duration(muldiv64(5, ticksPerSecond, pitFreq)))
	_ = p.SetGate(2, true)
	out2, _ := p.GetOutput(2)
	out2Again, _ := p.GetOutput(2)
	if out2 != out2Again {
		t.Fatalf("mode 0 output must be deterministic across repeated reads")
	}
}

// S5: read-back command latches count and status across multiple channels
// in one write.
func TestScenarioReadBackMultiChannel(t *testing.T) {
	clock := &manualClock{}
	tf := &manualTimerFactory{}
	p := newTestPIT(clock, tf)

	writeControl(p, controlByte(0, 2, false))
	writeCounter(p, 0, 50)
	writeCounter(p, 0, 0)
	writeControl(p, controlByte(1, 3, false))
	writeCounter(p, 1, 60)
	writeCounter(p, 1, 0)

	// Read-back: latch both count and status for channels 0 and 1.
	readBack := byte(0xC0) | 1<<1 | 1<<2
	writeControl(p, readBack)

	status0 := readCounter(p, 0)
	wantMode0 := byte(mode2&0x7) << 1
	if status0&(0x7<<1) != wantMode0 {
		t.Fatalf("channel 0 read-back status mode bits = 0x%x, want 0x%x", status0&(0x7<<1), wantMode0)
	}

	status1 := readCounter(p, 1)
	wantMode1 := byte(mode3&0x7) << 1
	if status1&(0x7<<1) != wantMode1 {
		t.Fatalf("channel 1 read-back status mode bits = 0x%x, want 0x%x", status1&(0x7<<1), wantMode1)
	}
}

// S6: save/restore preserves the observable counter trajectory across a
// v2 snapshot round trip.
func TestScenarioSnapshotRoundTrip(t *testing.T) {
	clock := &manualClock{}
	tf := &manualTimerFactory{}
	p := newTestPIT(clock, tf)

	writeControl(p, controlByte(0, 2, false))
	writeCounter(p, 0, 0xE8)
	writeCounter(p, 0, 0x03) // count = 1000
	clock.advance(time.Duration(muldiv64(100, ticksPerSecond, pitFreq)))

	before, err := p.GetOutput(0)
	if err != nil {
		t.Fatalf("GetOutput: %v", err)
	}
	countBefore, _ := p.GetInitialCount(0)

	blob := p.EncodeSnapshot()

	restored := newTestPIT(clock, tf)
	if err := restored.DecodeSnapshot(blob, clock.read()); err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	after, err := restored.GetOutput(0)
	if err != nil {
		t.Fatalf("GetOutput after restore: %v", err)
	}
	countAfter, _ := restored.GetInitialCount(0)

	if before != after {
		t.Fatalf("restored output level = %v, want %v", after, before)
	}
	if countBefore != countAfter {
		t.Fatalf("restored count = %d, want %d", countAfter, countBefore)
	}
}

func TestSnapshotRejectsUnknownVersion(t *testing.T) {
	clock := &manualClock{}
	tf := &manualTimerFactory{}
	p := newTestPIT(clock, tf)

	blob := p.EncodeSnapshot()
	blob[4] = 99 // corrupt the version field

	if err := p.DecodeSnapshot(blob, clock.read()); err == nil {
		t.Fatalf("expected an error restoring an unsupported snapshot version")
	}
}

func TestHPETLegacyDisableStopsChannel0Timer(t *testing.T) {
	clock := &manualClock{}
	tf := &manualTimerFactory{}
	p := newTestPIT(clock, tf)

	writeControl(p, controlByte(0, 2, false))
	writeCounter(p, 0, 10)
	writeCounter(p, 0, 0)

	if tf.current == nil || tf.current.stopped {
		t.Fatalf("channel 0 must have a live timer before Disable")
	}

	p.Disable()
	if !tf.current.stopped {
		t.Fatalf("Disable must stop channel 0's pending timer")
	}

	p.Enable()
	if tf.current.stopped {
		t.Fatalf("Enable must arm a fresh timer")
	}
}
