// Package hpet emulates a minimal High Precision Event Timer, enough to
// drive the legacy-replacement route that disables and re-enables the PIT's
// channel 0.
package hpet

import (
	"fmt"
	"sync"
	"time"

	"github.com/vmpit/pit8254/internal/hv"
)

// InterruptSink defines where the HPET sends its signals (usually the
// IOAPIC or a forwarding adapter over the interrupt controller).
type InterruptSink interface {
	SetIRQ(irq uint32, level bool) error
}

// LegacyTimer is the PIT-shaped collaborator the HPET's legacy-replacement
// route disables and re-enables.
type LegacyTimer interface {
	Disable()
	Enable()
}

const (
	clockPeriodFemtoseconds = 10_000_000 // 10ns
	vendorID                = 0x8086
	numTimers               = 3

	timerConfIntType     uint64 = 1 << 1
	timerConfIntEnable   uint64 = 1 << 2
	timerConfPeriodic    uint64 = 1 << 3
	timerConfPeriodicCap uint64 = 1 << 4
	timerConfSizeCap     uint64 = 1 << 5
	timerConfValSet      uint64 = 1 << 6
	timerConf32Bit       uint64 = 1 << 8

	timerConfIntRouteShift uint64 = 9
	timerConfIntRouteMask  uint64 = 0x1F << timerConfIntRouteShift

	timerConfFSBEnable uint64 = 1 << 14
	timerConfFSBCap    uint64 = 1 << 15

	timerWritableMask = timerConfIntType | timerConfIntEnable | timerConfPeriodic |
		timerConfValSet | timerConf32Bit | timerConfIntRouteMask | timerConfFSBEnable

	legacyReplacementCap = uint64(1 << 15)
	legacyReplacementBit = uint64(1 << 1)
	enableBit            = uint64(1 << 0)

	hpetPollInterval = 100 * time.Microsecond

	regGenCap      = 0x000
	regGenConfig   = 0x010
	regIntStatus   = 0x020
	regMainCounter = 0x0F0
	regTimerConfig = 0x100
	timerStride    = 0x20

	MMIOWindowSize = 0x400
)

type timer struct {
	config     uint64
	caps       uint64
	comparator uint64
	period     uint64
	fsRoute    uint64
}

// Device is a memory-mapped HPET exposing the general configuration,
// interrupt status, main counter, and per-timer registers.
type Device struct {
	bases  []uint64
	sink   InterruptSink
	legacy LegacyTimer

	mu            sync.Mutex
	generalConfig uint64
	intStatus     uint64
	counter       uint64
	lastUpdate    time.Time
	enabled       bool
	legacyRoute   bool

	timers [numTimers]timer

	ticker *time.Ticker

	debugTimerIRQs [numTimers]int
}

// New constructs an HPET device mapped at base (and optional aliases).
// legacy, if non-nil, is disabled/enabled as the legacy-replacement route
// bit toggles.
func New(base uint64, sink InterruptSink, legacy LegacyTimer, aliases ...uint64) *Device {
	bases := make([]uint64, 0, 1+len(aliases))
	seen := make(map[uint64]struct{}, 1+len(aliases))
	add := func(addr uint64) {
		if addr == 0 {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		bases = append(bases, addr)
	}
	add(base)
	for _, a := range aliases {
		add(a)
	}

	dev := &Device{
		bases:      bases,
		sink:       sink,
		legacy:     legacy,
		lastUpdate: time.Now(),
	}

	for i := range dev.timers {
		caps := timerConfPeriodicCap | timerConfSizeCap | (uint64(0xffffffff) << 32)
		caps &^= timerConfFSBCap
		dev.timers[i].caps = caps
		dev.timers[i].config = caps
	}

	dev.ticker = time.NewTicker(hpetPollInterval)
	go dev.run()

	return dev
}

func (d *Device) Init(vm hv.VirtualMachine) error { return nil }

func (d *Device) MMIORegions() []hv.MMIORegion {
	regs := make([]hv.MMIORegion, 0, len(d.bases))
	for _, base := range d.bases {
		regs = append(regs, hv.MMIORegion{Address: base, Size: MMIOWindowSize})
	}
	return regs
}

func (d *Device) offsetFor(addr uint64) (uint64, error) {
	for _, base := range d.bases {
		if addr >= base && addr < base+MMIOWindowSize {
			return addr - base, nil
		}
	}
	return 0, fmt.Errorf("hpet: address 0x%x outside configured MMIO windows", addr)
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.advanceCounterLocked(time.Now())

	offset, err := d.offsetFor(addr)
	if err != nil {
		return err
	}
	val := uint64(0)

	switch {
	case offset == regGenCap:
		val = uint64(clockPeriodFemtoseconds)<<32 | uint64(vendorID)<<16 | uint64(1)<<13 | (numTimers - 1) | legacyReplacementCap
	case offset == regGenConfig:
		val = d.generalConfig
	case offset == regIntStatus:
		val = d.intStatus
	case offset == regMainCounter:
		val = d.counter
	case offset >= regTimerConfig:
		idx := (offset - regTimerConfig) / timerStride
		if idx >= numTimers {
			return nil
		}
		reg := (offset - regTimerConfig) % timerStride
		t := &d.timers[idx]
		switch reg {
		case 0x00:
			val = t.config
		case 0x08:
			val = t.comparator
		case 0x10:
			val = t.fsRoute
		}
	}

	if len(data) > 8 {
		return fmt.Errorf("hpet: invalid read size %d", len(data))
	}
	for i := 0; i < len(data); i++ {
		data[i] = byte(val >> (i * 8))
	}
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	d.advanceCounterLocked(now)

	offset, err := d.offsetFor(addr)
	if err != nil {
		return err
	}
	var val uint64
	for i := 0; i < len(data) && i < 8; i++ {
		val |= uint64(data[i]) << (i * 8)
	}

	switch {
	case offset == regGenConfig:
		d.generalConfig = val & 0x3
		enabled := (d.generalConfig & enableBit) != 0
		legacyRoute := (d.generalConfig & legacyReplacementBit) != 0

		if enabled && !d.enabled {
			d.lastUpdate = now
		}
		d.enabled = enabled

		if legacyRoute != d.legacyRoute {
			d.legacyRoute = legacyRoute
			d.applyLegacyRouteLocked()
		}
	case offset == regIntStatus:
		d.intStatus &= ^val
	case offset == regMainCounter:
		d.counter = val
		if d.enabled {
			d.lastUpdate = now
		}
	case offset >= regTimerConfig:
		idx := (offset - regTimerConfig) / timerStride
		if idx >= numTimers {
			return nil
		}
		reg := (offset - regTimerConfig) % timerStride
		t := &d.timers[idx]
		switch reg {
		case 0x00:
			t.config = (val & timerWritableMask) | t.caps
			if (t.config & timerConf32Bit) != 0 {
				t.comparator &= 0xffffffff
				t.period &= 0xffffffff
			}
		case 0x08:
			if (t.config & timerConf32Bit) != 0 {
				val &= 0xffffffff
			}
			t.comparator = val
			t.period = val
		case 0x10:
			t.fsRoute = val
		}
	}
	return nil
}

// applyLegacyRouteLocked toggles the PIT's legacy-replacement hooks when
// the legacy-replacement route bit transitions. Entering legacy-replacement
// mode disables the PIT's channel-0 timer (the HPET's own timer 0 now owns
// the system-timer interrupt); leaving it re-enables the PIT.
func (d *Device) applyLegacyRouteLocked() {
	if d.legacy == nil {
		return
	}
	if d.legacyRoute {
		d.legacy.Disable()
	} else {
		d.legacy.Enable()
	}
}

func (d *Device) advanceCounterLocked(now time.Time) {
	if now.Before(d.lastUpdate) {
		d.lastUpdate = now
		return
	}

	prev := d.counter
	if d.enabled {
		elapsed := now.Sub(d.lastUpdate)
		ticks := (uint64(elapsed.Nanoseconds()) * 1_000_000) / clockPeriodFemtoseconds
		d.counter += ticks
	}
	d.lastUpdate = now

	if d.enabled {
		d.checkTimersLocked(prev)
	}
}

func (d *Device) checkTimersLocked(prev uint64) {
	current := d.counter
	for i := range d.timers {
		t := &d.timers[i]
		if (t.config & timerConfIntEnable) == 0 {
			continue
		}
		if (t.config & timerConfFSBEnable) != 0 {
			// MSI/FSB delivery is not implemented.
			continue
		}

		period := t.period
		if (t.config&timerConfPeriodic) != 0 && period == 0 {
			period = t.comparator
		}

		if (t.config&timerConfPeriodic) == 0 || period == 0 {
			if prev < t.comparator && current >= t.comparator {
				d.raiseIRQLocked(i, t)
			}
			continue
		}

		fired := false
		comp := t.comparator
		for period > 0 && current >= comp {
			fired = true
			comp += period
		}
		t.comparator = comp
		t.period = period
		if fired {
			d.raiseIRQLocked(i, t)
		}
	}
}

func (d *Device) raiseIRQLocked(idx int, t *timer) {
	irq := d.routeForTimerLocked(idx, t)
	d.intStatus |= 1 << idx
	if d.debugTimerIRQs[idx] < 8 {
		d.debugTimerIRQs[idx]++
	}
	if d.sink == nil {
		return
	}
	_ = d.sink.SetIRQ(uint32(irq), true)
	_ = d.sink.SetIRQ(uint32(irq), false)
}

func (d *Device) routeForTimerLocked(idx int, t *timer) int {
	if d.legacyRoute {
		if idx == 0 {
			return 0
		}
		if idx == 1 {
			return 8
		}
	}
	route := (t.config & timerConfIntRouteMask) >> timerConfIntRouteShift
	return int(route)
}

func (d *Device) run() {
	for now := range d.ticker.C {
		d.mu.Lock()
		d.advanceCounterLocked(now)
		d.mu.Unlock()
	}
}

var (
	_ hv.MemoryMappedIODevice = (*Device)(nil)
)
