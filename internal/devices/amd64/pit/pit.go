// Package pit emulates the three-channel Intel 8253/8254 Programmable
// Interval Timer as seen by a virtualized x86 guest.
package pit

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/vmpit/pit8254/internal/hv"
)

const (
	portCounter0 = 0
	portCounter1 = 1
	portCounter2 = 2
	portControl  = 3
)

// Config carries the two properties a PIT instance is configured with: the
// guest interrupt line channel 0's output is wired to, and the base I/O
// port the four registers are mapped at.
type Config struct {
	IRQ    uint8
	IOBase uint16
}

// DefaultConfig matches the legacy PC wiring: IRQ 0, base port 0x40.
func DefaultConfig() Config {
	return Config{IRQ: 0, IOBase: 0x40}
}

// PIT emulates the 8254 Programmable Interval Timer: three independent
// down-counters sharing a single four-port register interface, with
// channel 0's output line connected to a guest interrupt request line.
type PIT struct {
	mu sync.Mutex

	cfg          Config
	clock        Clock
	log          *slog.Logger
	irq          irqLine
	timerFactory timerFactory

	channels [3]*channel
}

// Option customizes a PIT instance; the clock and timer-factory overrides
// exist principally so tests can drive virtual time deterministically.
type Option func(*PIT)

// WithClock overrides the virtual clock source.
func WithClock(clock Clock) Option {
	return func(p *PIT) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithTimerFactory overrides how the scheduler arms its one-shot host
// timer.
func WithTimerFactory(factory timerFactory) Option {
	return func(p *PIT) {
		if factory != nil {
			p.timerFactory = factory
		}
	}
}

// WithLogger overrides the lifecycle logger; the hot register path never
// logs regardless of this setting.
func WithLogger(log *slog.Logger) Option {
	return func(p *PIT) {
		if log != nil {
			p.log = log
		}
	}
}

// New builds a PIT wired to irq, configured per cfg, with every channel in
// its documented power-on state.
func New(cfg Config, irq irqLine, opts ...Option) *PIT {
	p := &PIT{
		cfg:          cfg,
		clock:        systemClock,
		log:          slog.Default(),
		irq:          irq,
		timerFactory: defaultTimerFactory,
	}
	if p.irq == nil {
		p.irq = noopIRQLine{}
	}
	for i := range p.channels {
		p.channels[i] = newChannel()
	}
	for _, opt := range opts {
		opt(p)
	}

	p.mu.Lock()
	now := p.clock()
	for i, ch := range p.channels {
		ch.reset(i, now)
	}
	p.rescheduleChannel0Locked(now)
	p.mu.Unlock()

	p.log.Debug("pit: constructed", "irq", cfg.IRQ, "iobase", fmt.Sprintf("0x%x", cfg.IOBase))
	return p
}

// Init implements hv.Device.
func (p *PIT) Init(vm hv.VirtualMachine) error {
	return nil
}

// IOPorts implements hv.X86IOPortDevice.
func (p *PIT) IOPorts() []uint16 {
	base := p.cfg.IOBase
	return []uint16{base + portCounter0, base + portCounter1, base + portCounter2, base + portControl}
}

// Reset restores every channel to its documented power-on state: mode 3,
// gate on for channels 0 and 1, off for channel 2, and a fresh load of
// count 65536, then reschedules channel 0.
func (p *PIT) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	for i, ch := range p.channels {
		if ch.timer != nil {
			ch.timer.Stop()
			ch.timer = nil
		}
		ch.reset(i, now)
	}
	p.rescheduleChannel0Locked(now)
	p.log.Debug("pit: reset")
}

// ReadIOPort implements hv.X86IOPortDevice.
func (p *PIT) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pit: invalid read size %d", len(data))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx, err := p.channelIndex(port)
	if err != nil {
		if p.offset(port) == portControl {
			// Control port is write-only; hardware returns an
			// unspecified value on read.
			data[0] = 0xFF
			return nil
		}
		return err
	}

	now := p.clock()
	data[0] = p.channels[idx].readCounterByte(now)
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (p *PIT) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("pit: invalid write size %d", len(data))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.offset(port) == portControl {
		p.writeControlLocked(data[0])
		return nil
	}

	idx, err := p.channelIndex(port)
	if err != nil {
		return err
	}

	now := p.clock()
	if p.channels[idx].writeCounterByte(data[0], now) && idx == 0 {
		p.rescheduleChannel0Locked(now)
	}
	return nil
}

func (p *PIT) offset(port uint16) int {
	return int(port - p.cfg.IOBase)
}

func (p *PIT) channelIndex(port uint16) (int, error) {
	off := p.offset(port)
	if off < portCounter0 || off > portCounter2 {
		return 0, fmt.Errorf("pit: invalid port 0x%04x", port)
	}
	return off, nil
}

func (p *PIT) writeControlLocked(value byte) {
	cw := controlWord(value)
	if cw.isReadBack() {
		p.handleReadBackLocked(readBackCommand(value))
		return
	}

	idx := cw.selectChannel()
	access := cw.access()
	now := p.clock()

	if access == accessNone {
		p.channels[idx].latchCount(now)
		return
	}

	p.channels[idx].setControl(access, normalizeMode(cw.rawMode()), cw.bcd())
}

func (p *PIT) handleReadBackLocked(cmd readBackCommand) {
	now := p.clock()
	selected := [3]bool{cmd.counter0(), cmd.counter1(), cmd.counter2()}
	for idx, sel := range selected {
		if !sel {
			continue
		}
		ch := p.channels[idx]
		if cmd.latchStatus() {
			ch.latchStatus(now)
		}
		if cmd.latchCount() {
			ch.latchCount(now)
		}
	}
}

// SetGate implements the gate input from the device bus: a rising edge in
// modes 1, 2, 3, and 5 reloads the channel; modes 0 and 4 record the level
// without pausing counting.
func (p *PIT) SetGate(channel int, level bool) error {
	if channel < 0 || channel > 2 {
		return fmt.Errorf("pit: invalid channel %d", channel)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	if p.channels[channel].setGate(level, now) && channel == 0 {
		p.rescheduleChannel0Locked(now)
	}
	return nil
}

// GetGate returns the channel's current gate level.
func (p *PIT) GetGate(channel int) (bool, error) {
	if channel < 0 || channel > 2 {
		return false, fmt.Errorf("pit: invalid channel %d", channel)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels[channel].gate, nil
}

// GetInitialCount returns the count the channel was last loaded with (0
// reported as 65536, never as 0, matching the stored representation).
func (p *PIT) GetInitialCount(channel int) (uint32, error) {
	if channel < 0 || channel > 2 {
		return 0, fmt.Errorf("pit: invalid channel %d", channel)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels[channel].count, nil
}

// GetMode returns the channel's normalized operating mode (0..5).
func (p *PIT) GetMode(channel int) (uint8, error) {
	if channel < 0 || channel > 2 {
		return 0, fmt.Errorf("pit: invalid channel %d", channel)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint8(p.channels[channel].mode), nil
}

// GetOutput returns the channel's live output-line level at the current
// virtual time.
func (p *PIT) GetOutput(channel int) (bool, error) {
	if channel < 0 || channel > 2 {
		return false, fmt.Errorf("pit: invalid channel %d", channel)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels[channel].getOut(p.clock()), nil
}

// Disable is the HPET legacy-replacement hook: it cancels channel 0's
// pending host timer. The device keeps no disabled state: a later channel 0
// count load or gate rising edge, a Reset, or a snapshot restore re-arms the
// timer and asserts the IRQ line again, just as Enable does.
func (p *PIT) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch0 := p.channels[0]
	if ch0.timer != nil {
		ch0.timer.Stop()
		ch0.timer = nil
	}
	p.log.Debug("pit: disabled by hpet legacy-replacement route")
}

// Enable is the HPET legacy-replacement hook: it restores channel 0 to
// mode 3, gate 1, a fresh load of count 65536, and reschedules.
func (p *PIT) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock()
	ch0 := p.channels[0]
	ch0.mode = mode3
	ch0.bcd = false
	ch0.gate = true
	ch0.loadCount(0, now)
	p.rescheduleChannel0Locked(now)
	p.log.Debug("pit: re-enabled by hpet legacy-replacement route")
}

// DeviceId implements hv.DeviceSnapshotter: a stable name keyed on this
// PIT's I/O base, so a bus holding more than one instance never collides.
func (p *PIT) DeviceId() string {
	return fmt.Sprintf("pit@0x%02x", p.cfg.IOBase)
}

// CaptureSnapshot implements hv.DeviceSnapshotter.
func (p *PIT) CaptureSnapshot() ([]byte, error) {
	return p.EncodeSnapshot(), nil
}

// RestoreSnapshot implements hv.DeviceSnapshotter, restoring against the
// device's own virtual clock reading at call time.
func (p *PIT) RestoreSnapshot(data []byte) error {
	p.mu.Lock()
	now := p.clock()
	p.mu.Unlock()
	return p.DecodeSnapshot(data, now)
}

var (
	_ hv.X86IOPortDevice   = (*PIT)(nil)
	_ hv.Device            = (*PIT)(nil)
	_ hv.DeviceSnapshotter = (*PIT)(nil)
)
