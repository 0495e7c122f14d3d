package cart

// MBC1 implements ROM banking up to 2MB and RAM banking up to 32KB.
// Writes into ROM space are banking commands, not stores.
type MBC1 struct {
	rom []byte
	ram []byte

	romBank    byte // effective 7-bit ROM bank number (low 5 + high 2)
	ramBank    byte // 0..3, only meaningful in RAM mode
	ramEnabled bool
	ramMode    bool // false: ROM banking mode (default), true: RAM banking mode
}

func NewMBC1(rom []byte, ramSize int) *MBC1 {
	m := &MBC1{rom: rom, romBank: 1}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	return m
}

func (m *MBC1) Read(addr uint16) byte {
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		off := int(m.romBank)*0x4000 + int(addr-0x4000)
		if off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		// Reads are not gated by the RAM enable; only writes are.
		off := int(m.ramBank)*0x2000 + int(addr-0xA000)
		if off < len(m.ram) {
			return m.ram[off]
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBC1) Write(addr uint16, value byte) {
	switch {
	case addr < 0x2000:
		// RAM gate: low nibble must be 0x0A
		m.ramEnabled = (value & 0x0F) == 0x0A
	case addr < 0x4000:
		m.romBank = fixupBank((m.romBank & 0xE0) | (value & 0x1F))
	case addr < 0x6000:
		if m.ramMode {
			m.ramBank = value & 0x03
		} else {
			m.romBank = (value&0x03)<<5 | (m.romBank & 0x1F)
			if m.romBank == 0 {
				m.romBank = 1
			}
		}
	case addr < 0x8000:
		m.ramMode = (value & 0x01) != 0
		if !m.ramMode {
			m.ramBank = 0
		}
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return
		}
		off := int(m.ramBank)*0x2000 + int(addr-0xA000)
		if off < len(m.ram) {
			m.ram[off] = value
		}
	}
}

// fixupBank remaps the banks the chip can never select. Banks 0x00, 0x20,
// 0x40 and 0x60 alias one bank higher.
func fixupBank(bank byte) byte {
	switch bank {
	case 0x00, 0x20, 0x40, 0x60:
		return bank + 1
	}
	return bank
}

// ROMBank reports the currently selected switchable bank.
func (m *MBC1) ROMBank() byte { return m.romBank }

// RAMEnabled reports whether external RAM is gated open.
func (m *MBC1) RAMEnabled() bool { return m.ramEnabled }

func (m *MBC1) SaveRAM() []byte {
	if len(m.ram) == 0 {
		return nil
	}
	out := make([]byte, len(m.ram))
	copy(out, m.ram)
	return out
}

func (m *MBC1) LoadRAM(data []byte) {
	copy(m.ram, data)
}
