// Command pitdemo drives a PIT+HPET pair through the documented
// scenarios and prints a trace of register writes and IRQ transitions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/vmpit/pit8254/internal/bus"
	"github.com/vmpit/pit8254/internal/devices/amd64/pit"
	"github.com/vmpit/pit8254/internal/devices/hpet"
)

// fileConfig is the on-disk shape a -config YAML file is loaded into; it
// mirrors pit.Config plus the HPET MMIO base this demo also needs.
type fileConfig struct {
	IRQ      uint8  `yaml:"irq"`
	IOBase   uint16 `yaml:"io_base"`
	HPETBase uint64 `yaml:"hpet_base"`
	Ticks    int    `yaml:"ticks"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{IRQ: 0, IOBase: 0x40, HPETBase: 0xFED00000, Ticks: 8}
}

func loadConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("pitdemo: open config: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("pitdemo: decode config: %w", err)
	}
	return cfg, nil
}

// trace renders colored register-write and IRQ-transition lines, falling
// back to plain text when stdout isn't a terminal or colors are disabled.
type trace struct {
	profile colorprofile.Profile
}

func newTrace() *trace {
	profile := colorprofile.Detect(os.Stdout, os.Environ())
	return &trace{profile: profile}
}

func (t *trace) colorize(code int, s string) string {
	if t.profile == colorprofile.NoTTY || t.profile == colorprofile.Ascii {
		return s
	}
	return ansi.Style{}.ForegroundColor(ansi.ExtendedColor(code)).Styled(s)
}

func (t *trace) write(label string, color int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Printf("%s %s\n", t.colorize(color, "["+label+"]"), msg)
}

func (t *trace) irq(line uint8, level bool) {
	state := "low"
	color := 1
	if level {
		state = "high"
		color = 2
	}
	t.write("irq", color, "line %d -> %s", line, state)
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config overriding irq/io_base/hpet_base/ticks")
	plain := flag.Bool("plain", false, "force plain-text output even on a color terminal")
	flag.Parse()

	if err := run(*configPath, *plain); err != nil {
		fmt.Fprintf(os.Stderr, "pitdemo: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, plain bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	tr := newTrace()
	if plain {
		tr.profile = colorprofile.Ascii
	}
	isTTY := term.IsTerminal(int(os.Stdout.Fd()))

	irqSink := pit.IRQLineFunc(func(line uint8, level bool) {
		tr.irq(line, level)
	})

	device := pit.New(pit.Config{IRQ: cfg.IRQ, IOBase: cfg.IOBase}, irqSink)
	hpetDev := hpet.New(cfg.HPETBase, nil, device)

	builder := bus.NewBuilder()
	if err := builder.RegisterPortIODevice(device); err != nil {
		return err
	}
	if err := builder.RegisterMMIODevice(hpetDev); err != nil {
		return err
	}
	b := builder.Build()

	if err := b.Init(context.Background(), nil); err != nil {
		return fmt.Errorf("pitdemo: init devices: %w", err)
	}

	runScenarios(b, device, tr, isTTY, cfg.Ticks)

	snapshots, err := b.CaptureSnapshots()
	if err != nil {
		return fmt.Errorf("pitdemo: capture snapshots: %w", err)
	}
	tr.write("snapshot", 5, "captured %d device record(s)", len(snapshots))
	if err := b.RestoreSnapshots(snapshots); err != nil {
		return fmt.Errorf("pitdemo: restore snapshots: %w", err)
	}
	tr.write("snapshot", 5, "restored from captured record(s)")

	return nil
}

func writeControl(b *bus.Bus, port uint16, value byte, tr *trace) {
	tr.write("write", 4, "control = 0x%02x", value)
	_ = b.Out(port, []byte{value})
}

func writeCounter(b *bus.Bus, port uint16, value byte, tr *trace) {
	tr.write("write", 4, "port 0x%02x = 0x%02x", port, value)
	_ = b.Out(port, []byte{value})
}

// runScenarios programs channel 0 into a rate generator and channel 1
// into a square-wave generator through the bus, then polls output state
// across a tick countdown, visualized with a progress bar when stdout is a
// terminal.
func runScenarios(b *bus.Bus, p *pit.PIT, tr *trace, isTTY bool, ticks int) {
	ports := p.IOPorts()

	// SC=0, RW=3 (LSB then MSB), MODE=2 (rate generator), binary.
	writeControl(b, ports[3], 0x00|0x30|0x04, tr)
	writeCounter(b, ports[0], 100, tr)
	writeCounter(b, ports[0], 0, tr)

	// SC=1, RW=3, MODE=3 (square wave), binary.
	writeControl(b, ports[3], 0x40|0x30|0x06, tr)
	writeCounter(b, ports[1], 40, tr)
	writeCounter(b, ports[1], 0, tr)

	var bar *progressbar.ProgressBar
	if isTTY {
		bar = progressbar.Default(int64(ticks), "ticking")
		defer bar.Close()
	}

	readBuf := []byte{0}
	for i := 0; i < ticks; i++ {
		time.Sleep(time.Millisecond)
		_ = b.In(ports[0], readBuf)
		out0, _ := p.GetOutput(0)
		out1, _ := p.GetOutput(1)
		tr.write("poll", 6, "ch0.live=0x%02x ch0.out=%v ch1.out=%v", readBuf[0], out0, out1)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
}
