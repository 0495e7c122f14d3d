package emu

import (
	"errors"
	"io"
	"os"

	"github.com/haukurs/gbcore/internal/apu"
	"github.com/haukurs/gbcore/internal/bus"
	"github.com/haukurs/gbcore/internal/cart"
	"github.com/haukurs/gbcore/internal/cpu"
	"github.com/haukurs/gbcore/internal/ppu"
)

// CyclesPerFrame is the master-cycle budget of one ~60 Hz frame.
const CyclesPerFrame = bus.ClockSpeed / 60

// Buttons is the abstract input state the host feeds in once per frame.
type Buttons struct {
	A, B, Start, Select   bool
	Up, Down, Left, Right bool
}

// Machine ties the CPU, bus, PPU and APU to the master clock and drives
// them one frame at a time.
type Machine struct {
	cfg     Config
	bus     *bus.Bus
	cpu     *cpu.CPU
	bootROM []byte
	romPath string

	// cycle surplus carried into the next frame
	frameCycles int

	frameListener ppu.FrameListener
	audioSink     apu.AudioSink
	serialWriter  io.Writer
}

func New(cfg Config) *Machine {
	return &Machine{cfg: cfg}
}

// LoadCartridge installs a ROM image, rebuilding the bus and CPU around
// it. With a usable boot ROM, execution starts at 0x0000 under the boot
// overlay; otherwise the post-boot register and I/O state is applied and
// execution starts at 0x0100.
func (m *Machine) LoadCartridge(rom []byte) error {
	if _, err := cart.ParseHeader(rom); err != nil {
		return err
	}
	b := bus.New(rom)
	c := cpu.New(b)

	useBoot := len(m.bootROM) >= 0x100 && !m.cfg.SkipBoot
	if useBoot {
		b.SetBootROM(m.bootROM)
		c.Reset()
	} else {
		c.ResetNoBoot()
	}

	m.bus = b
	m.cpu = c
	m.frameCycles = 0
	if !useBoot {
		m.applyPostBootIO()
	}
	if m.frameListener != nil {
		b.PPU().SetFrameListener(m.frameListener)
	}
	if m.audioSink != nil {
		b.APU().SetSink(m.audioSink)
	}
	if m.serialWriter != nil {
		b.SetSerialWriter(m.serialWriter)
	}
	return nil
}

// LoadROMFromFile replaces the current cartridge with a ROM from disk.
func (m *Machine) LoadROMFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := m.LoadCartridge(data); err != nil {
		return err
	}
	m.romPath = path
	return nil
}

// ROMPath returns the currently loaded ROM file path, if any.
func (m *Machine) ROMPath() string { return m.romPath }

// SetBootROM installs the 256-byte boot ROM used by subsequent loads.
func (m *Machine) SetBootROM(data []byte) {
	if len(data) >= 0x100 {
		m.bootROM = make([]byte, 0x100)
		copy(m.bootROM, data[:0x100])
	} else {
		m.bootROM = nil
	}
}

// SetFrameListener installs the host hook that receives each finished
// framebuffer on VBlank entry.
func (m *Machine) SetFrameListener(fn ppu.FrameListener) {
	m.frameListener = fn
	if m.bus != nil {
		m.bus.PPU().SetFrameListener(fn)
	}
}

// SetAudioSink attaches the host audio sink; its queue depth paces the
// emulation.
func (m *Machine) SetAudioSink(s apu.AudioSink) {
	m.audioSink = s
	if m.bus != nil {
		m.bus.APU().SetSink(s)
	}
}

// SetSerialWriter connects an io.Writer to the serial debug port.
func (m *Machine) SetSerialWriter(w io.Writer) {
	m.serialWriter = w
	if m.bus != nil {
		m.bus.SetSerialWriter(w)
	}
}

// Bus exposes the bus for tests and tools.
func (m *Machine) Bus() *bus.Bus { return m.bus }

// CPU exposes the processor for tests and tools.
func (m *Machine) CPU() *cpu.CPU { return m.cpu }

// ErrNoCartridge is returned by StepFrame before a ROM is loaded.
var ErrNoCartridge = errors.New("emu: no cartridge loaded")

// StepFrame runs the core loop for one frame: execute an instruction,
// feed its cycles to the timer, PPU and APU (inside cpu.Step), and
// repeat until a frame's worth of cycles has elapsed. Surplus cycles
// carry into the next frame.
func (m *Machine) StepFrame() error {
	if m.cpu == nil {
		return ErrNoCartridge
	}
	for m.frameCycles < CyclesPerFrame {
		m.frameCycles += m.cpu.Step()
	}
	m.frameCycles -= CyclesPerFrame
	return nil
}

// Framebuffer returns the 160x144 RGBA framebuffer.
func (m *Machine) Framebuffer() []byte {
	if m.bus == nil {
		return nil
	}
	return m.bus.PPU().Framebuffer()
}

// SetButtons applies the host's current input state to the joypad.
func (m *Machine) SetButtons(b Buttons) {
	if m.bus == nil {
		return
	}
	var mask byte
	if b.Right {
		mask |= bus.JoypRight
	}
	if b.Left {
		mask |= bus.JoypLeft
	}
	if b.Up {
		mask |= bus.JoypUp
	}
	if b.Down {
		mask |= bus.JoypDown
	}
	if b.A {
		mask |= bus.JoypA
	}
	if b.B {
		mask |= bus.JoypB
	}
	if b.Select {
		mask |= bus.JoypSelectBtn
	}
	if b.Start {
		mask |= bus.JoypStart
	}
	m.bus.SetJoypadState(mask)
}

// SaveBattery returns a copy of the cartridge RAM when the mapper is
// battery backed.
func (m *Machine) SaveBattery() ([]byte, bool) {
	if m == nil || m.bus == nil {
		return nil, false
	}
	if bb, ok := m.bus.Cart().(cart.BatteryBacked); ok {
		data := bb.SaveRAM()
		if len(data) == 0 {
			return nil, false
		}
		return data, true
	}
	return nil, false
}

// LoadBattery restores cartridge RAM saved earlier.
func (m *Machine) LoadBattery(data []byte) bool {
	if m == nil || m.bus == nil {
		return false
	}
	if bb, ok := m.bus.Cart().(cart.BatteryBacked); ok {
		bb.LoadRAM(data)
		return true
	}
	return false
}

// applyPostBootIO sets the I/O registers to the state the boot ROM
// leaves behind, so games can start from PC=0x0100 without one.
func (m *Machine) applyPostBootIO() {
	b := m.bus
	b.Write(0xFF00, 0xCF) // JOYP: no group selected
	b.Write(0xFF05, 0x00) // TIMA
	b.Write(0xFF06, 0x00) // TMA
	b.Write(0xFF07, 0x00) // TAC
	b.Write(0xFF40, 0x91) // LCDC: LCD on, BG on, tile data 8000
	b.Write(0xFF42, 0x00) // SCY
	b.Write(0xFF43, 0x00) // SCX
	b.Write(0xFF45, 0x00) // LYC
	b.Write(0xFF47, 0xFC) // BGP
	b.Write(0xFF48, 0xFF) // OBP0
	b.Write(0xFF49, 0xFF) // OBP1
	b.Write(0xFF4A, 0x00) // WY
	b.Write(0xFF4B, 0x00) // WX
	b.Write(0xFFFF, 0x00) // IE
	b.Write(0xFF26, 0x80) // NR52: APU on
	b.Write(0xFF24, 0x77) // NR50: full volume both sides
	b.Write(0xFF25, 0xFF) // NR51: all channels to both sides
}
