// Package bus provides the minimal I/O-port and MMIO dispatch fabric that
// routes guest accesses to registered devices. It is the concrete stand-in
// for the "I/O-port dispatch fabric" and "device registration" collaborator
// a PIT-class device treats as external.
package bus

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/vmpit/pit8254/internal/hv"
)

// InterruptSink receives interrupt line assertions, typically forwarding
// them to a guest interrupt controller.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

type mmioBinding struct {
	region hv.MMIORegion
	device hv.MemoryMappedIODevice
}

// Builder registers devices before producing an immutable Bus.
type Builder struct {
	portDevices map[uint16]hv.X86IOPortDevice
	mmio        []mmioBinding
	devices     []hv.Device
	snapshotted []hv.DeviceSnapshotter
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{portDevices: make(map[uint16]hv.X86IOPortDevice)}
}

// RegisterPortIODevice wires every port dev.IOPorts() reports to dev.
func (b *Builder) RegisterPortIODevice(dev hv.X86IOPortDevice) error {
	if dev == nil {
		return fmt.Errorf("bus: nil port I/O device")
	}
	for _, port := range dev.IOPorts() {
		if _, exists := b.portDevices[port]; exists {
			return fmt.Errorf("bus: I/O port 0x%04x already registered", port)
		}
		b.portDevices[port] = dev
	}
	b.devices = append(b.devices, dev)
	b.trackSnapshotter(dev)
	return nil
}

// trackSnapshotter records dev for Bus.CaptureSnapshots/RestoreSnapshots if
// it participates in save/restore.
func (b *Builder) trackSnapshotter(dev hv.Device) {
	if s, ok := dev.(hv.DeviceSnapshotter); ok {
		b.snapshotted = append(b.snapshotted, s)
	}
}

// RegisterMMIODevice wires every region dev.MMIORegions() reports to dev.
func (b *Builder) RegisterMMIODevice(dev hv.MemoryMappedIODevice) error {
	if dev == nil {
		return fmt.Errorf("bus: nil MMIO device")
	}
	for _, region := range dev.MMIORegions() {
		if region.Size == 0 {
			return fmt.Errorf("bus: MMIO region at 0x%x has zero size", region.Address)
		}
		for _, existing := range b.mmio {
			if regionsOverlap(region, existing.region) {
				return fmt.Errorf("bus: MMIO region 0x%x-0x%x overlaps existing region 0x%x-0x%x",
					region.Address, region.Address+region.Size-1,
					existing.region.Address, existing.region.Address+existing.region.Size-1)
			}
		}
		b.mmio = append(b.mmio, mmioBinding{region: region, device: dev})
	}
	b.devices = append(b.devices, dev)
	b.trackSnapshotter(dev)
	return nil
}

func regionsOverlap(a, b hv.MMIORegion) bool {
	aEnd := a.Address + a.Size
	bEnd := b.Address + b.Size
	return a.Address < bEnd && b.Address < aEnd
}

// Build finalizes device registration into an immutable Bus.
func (b *Builder) Build() *Bus {
	ports := make(map[uint16]hv.X86IOPortDevice, len(b.portDevices))
	for port, dev := range b.portDevices {
		ports[port] = dev
	}
	mmio := make([]mmioBinding, len(b.mmio))
	copy(mmio, b.mmio)
	devices := make([]hv.Device, len(b.devices))
	copy(devices, b.devices)
	snapshotted := make([]hv.DeviceSnapshotter, len(b.snapshotted))
	copy(snapshotted, b.snapshotted)

	return &Bus{ports: ports, mmio: mmio, devices: devices, snapshotted: snapshotted}
}

// Bus dispatches guest I/O accesses to the devices registered with its
// Builder.
type Bus struct {
	ports       map[uint16]hv.X86IOPortDevice
	mmio        []mmioBinding
	devices     []hv.Device
	snapshotted []hv.DeviceSnapshotter
}

// Init calls Init on every registered device concurrently and, once all of
// them have returned, reports the first error encountered. Independent
// device bring-up has no natural ordering dependency, so this runs them as
// a group rather than serially; a failing Init does not cancel the others.
func (bus *Bus) Init(ctx context.Context, vm hv.VirtualMachine) error {
	g, _ := errgroup.WithContext(ctx)
	for _, dev := range bus.devices {
		dev := dev
		g.Go(func() error {
			return dev.Init(vm)
		})
	}
	return g.Wait()
}

// In dispatches a guest IN instruction to the registered port device.
func (bus *Bus) In(port uint16, data []byte) error {
	dev, ok := bus.ports[port]
	if !ok {
		return fmt.Errorf("bus: no device registered for I/O port 0x%04x", port)
	}
	return dev.ReadIOPort(port, data)
}

// Out dispatches a guest OUT instruction to the registered port device.
func (bus *Bus) Out(port uint16, data []byte) error {
	dev, ok := bus.ports[port]
	if !ok {
		return fmt.Errorf("bus: no device registered for I/O port 0x%04x", port)
	}
	return dev.WriteIOPort(port, data)
}

// ReadMMIO dispatches a guest memory read to the device owning addr.
func (bus *Bus) ReadMMIO(addr uint64, data []byte) error {
	dev, err := bus.mmioDeviceFor(addr, len(data))
	if err != nil {
		return err
	}
	return dev.ReadMMIO(addr, data)
}

// WriteMMIO dispatches a guest memory write to the device owning addr.
func (bus *Bus) WriteMMIO(addr uint64, data []byte) error {
	dev, err := bus.mmioDeviceFor(addr, len(data))
	if err != nil {
		return err
	}
	return dev.WriteMMIO(addr, data)
}

func (bus *Bus) mmioDeviceFor(addr uint64, size int) (hv.MemoryMappedIODevice, error) {
	end := addr + uint64(size)
	for _, binding := range bus.mmio {
		start := binding.region.Address
		regionEnd := start + binding.region.Size
		if addr >= start && end <= regionEnd {
			return binding.device, nil
		}
	}
	return nil, fmt.Errorf("bus: no device registered for MMIO address 0x%016x", addr)
}

// CaptureSnapshots gathers a save-state blob from every registered device
// that participates in save/restore, keyed by its DeviceId.
func (bus *Bus) CaptureSnapshots() (map[string][]byte, error) {
	out := make(map[string][]byte, len(bus.snapshotted))
	for _, dev := range bus.snapshotted {
		blob, err := dev.CaptureSnapshot()
		if err != nil {
			return nil, fmt.Errorf("bus: capture snapshot for %q: %w", dev.DeviceId(), err)
		}
		out[dev.DeviceId()] = blob
	}
	return out, nil
}

// RestoreSnapshots restores every registered snapshotting device from the
// blob CaptureSnapshots produced for it. A device with no entry in blobs is
// left untouched.
func (bus *Bus) RestoreSnapshots(blobs map[string][]byte) error {
	for _, dev := range bus.snapshotted {
		blob, ok := blobs[dev.DeviceId()]
		if !ok {
			continue
		}
		if err := dev.RestoreSnapshot(blob); err != nil {
			return fmt.Errorf("bus: restore snapshot for %q: %w", dev.DeviceId(), err)
		}
	}
	return nil
}

// PortList returns the sorted set of registered I/O ports, for diagnostics.
func (bus *Bus) PortList() []uint16 {
	ports := make([]uint16, 0, len(bus.ports))
	for port := range bus.ports {
		ports = append(ports, port)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

var _ InterruptSink = InterruptSinkFunc(nil)

// InterruptSinkFunc adapts a function to InterruptSink.
type InterruptSinkFunc func(line uint8, level bool)

// SetIRQ implements InterruptSink.
func (f InterruptSinkFunc) SetIRQ(line uint8, level bool) {
	if f != nil {
		f(line, level)
	}
}
