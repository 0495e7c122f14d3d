package cpu

import (
	"fmt"

	"github.com/haukurs/gbcore/internal/bus"
)

// CPU is the SM83 core: eight 8-bit registers pairable into AF/BC/DE/HL,
// SP, PC, the IME/HALT flip-flops, and a cycle accumulator. Step decodes
// and executes one instruction and reports the master cycles it took.
type CPU struct {
	A, F byte
	B, C byte
	D, E byte
	H, L byte

	SP uint16
	PC uint16

	IME    bool
	halted bool
	// EI enables IME after the following instruction
	eiPending bool

	// Clock counts total elapsed master cycles.
	Clock uint64

	bus *bus.Bus
}

// New creates a CPU wired to the given bus, starting at 0x0000 for a
// boot-ROM run.
func New(b *bus.Bus) *CPU {
	return &CPU{bus: b, SP: 0xFFFE, PC: 0x0000}
}

// SetPC sets the program counter; for tests and boot stubs.
func (c *CPU) SetPC(pc uint16) { c.PC = pc }

// Bus exposes the underlying bus for tests and tools.
func (c *CPU) Bus() *bus.Bus { return c.bus }

// Reset zeroes the register file and clock for a boot-ROM start.
func (c *CPU) Reset() {
	c.A, c.F, c.B, c.C, c.D, c.E, c.H, c.L = 0, 0, 0, 0, 0, 0, 0, 0
	c.SP = 0x0000
	c.PC = 0x0000
	c.IME = false
	c.halted = false
	c.eiPending = false
	c.Clock = 0
}

// ResetNoBoot sets the registers to the DMG post-boot state, for running
// without a boot ROM.
func (c *CPU) ResetNoBoot() {
	c.A, c.F = 0x01, 0xB0
	c.B, c.C = 0x00, 0x13
	c.D, c.E = 0x00, 0xD8
	c.H, c.L = 0x01, 0x4D
	c.SP = 0xFFFE
	c.PC = 0x0100
	c.IME = false
	c.halted = false
	c.eiPending = false
	c.Clock = 0
}

// Flag bits in F. The low nibble of F is always zero.
const (
	flagZ byte = 1 << 7
	flagN byte = 1 << 6
	flagH byte = 1 << 5
	flagC byte = 1 << 4
)

func (c *CPU) setZNHC(z, n, h, carry bool) {
	var f byte
	if z {
		f |= flagZ
	}
	if n {
		f |= flagN
	}
	if h {
		f |= flagH
	}
	if carry {
		f |= flagC
	}
	c.F = f
}

func (c *CPU) carrySet() bool { return c.F&flagC != 0 }

// --- 8-bit ALU helpers, each returning the result and the flag tuple ---

func add8(a, b byte) (res byte, z, n, h, cy bool) {
	r := uint16(a) + uint16(b)
	res = byte(r)
	return res, res == 0, false, (a&0x0F)+(b&0x0F) > 0x0F, r > 0xFF
}

func adc8(a, b byte, carryIn bool) (res byte, z, n, h, cy bool) {
	ci := byte(0)
	if carryIn {
		ci = 1
	}
	r := uint16(a) + uint16(b) + uint16(ci)
	res = byte(r)
	return res, res == 0, false, (a&0x0F)+(b&0x0F)+ci > 0x0F, r > 0xFF
}

func sub8(a, b byte) (res byte, z, n, h, cy bool) {
	res = a - b
	return res, res == 0, true, a&0x0F < b&0x0F, a < b
}

func sbc8(a, b byte, carryIn bool) (res byte, z, n, h, cy bool) {
	ci := byte(0)
	if carryIn {
		ci = 1
	}
	r := int16(a) - int16(b) - int16(ci)
	res = byte(r)
	return res, res == 0, true, int16(a&0x0F)-int16(b&0x0F)-int16(ci) < 0, r < 0
}

// --- memory access ---

func (c *CPU) read8(addr uint16) byte     { return c.bus.Read(addr) }
func (c *CPU) write8(addr uint16, v byte) { c.bus.Write(addr, v) }

func (c *CPU) fetch8() byte {
	b := c.read8(c.PC)
	c.PC++
	return b
}

func (c *CPU) fetch16() uint16 {
	lo := uint16(c.fetch8())
	hi := uint16(c.fetch8())
	return lo | hi<<8
}

func (c *CPU) read16(addr uint16) uint16 {
	lo := uint16(c.read8(addr))
	hi := uint16(c.read8(addr + 1))
	return lo | hi<<8
}

func (c *CPU) write16(addr uint16, v uint16) {
	c.write8(addr, byte(v))
	c.write8(addr+1, byte(v>>8))
}

// --- register pairs ---

func (c *CPU) getAF() uint16  { return uint16(c.A)<<8 | uint16(c.F&0xF0) }
func (c *CPU) setAF(v uint16) { c.A = byte(v >> 8); c.F = byte(v) & 0xF0 }
func (c *CPU) getBC() uint16  { return uint16(c.B)<<8 | uint16(c.C) }
func (c *CPU) setBC(v uint16) { c.B = byte(v >> 8); c.C = byte(v) }
func (c *CPU) getDE() uint16  { return uint16(c.D)<<8 | uint16(c.E) }
func (c *CPU) setDE(v uint16) { c.D = byte(v >> 8); c.E = byte(v) }
func (c *CPU) getHL() uint16  { return uint16(c.H)<<8 | uint16(c.L) }
func (c *CPU) setHL(v uint16) { c.H = byte(v >> 8); c.L = byte(v) }

// getR reads the register selected by a 3-bit opcode field; index 6 is
// the byte at (HL).
func (c *CPU) getR(idx byte) byte {
	switch idx {
	case 0:
		return c.B
	case 1:
		return c.C
	case 2:
		return c.D
	case 3:
		return c.E
	case 4:
		return c.H
	case 5:
		return c.L
	case 6:
		return c.read8(c.getHL())
	default:
		return c.A
	}
}

func (c *CPU) setR(idx byte, v byte) {
	switch idx {
	case 0:
		c.B = v
	case 1:
		c.C = v
	case 2:
		c.D = v
	case 3:
		c.E = v
	case 4:
		c.H = v
	case 5:
		c.L = v
	case 6:
		c.write8(c.getHL(), v)
	default:
		c.A = v
	}
}

// cond evaluates the condition field of conditional jumps: NZ, Z, NC, C.
func (c *CPU) cond(idx byte) bool {
	switch idx {
	case 0:
		return c.F&flagZ == 0
	case 1:
		return c.F&flagZ != 0
	case 2:
		return c.F&flagC == 0
	default:
		return c.F&flagC != 0
	}
}

func (c *CPU) push16(v uint16) {
	c.SP -= 2
	c.write16(c.SP, v)
}

func (c *CPU) pop16() uint16 {
	v := c.read16(c.SP)
	c.SP += 2
	return v
}

// pending returns the masked set of requested-and-enabled interrupts.
func (c *CPU) pending() byte {
	return c.bus.Read(0xFF0F) & c.bus.Read(0xFFFF) & 0x1F
}

// serviceInterrupt dispatches the highest-priority pending interrupt:
// IME and the IF bit are cleared, PC is pushed, and execution continues
// at the vector. Returns 0 when nothing fired.
func (c *CPU) serviceInterrupt() int {
	p := c.pending()
	if p == 0 {
		return 0
	}
	var bit uint
	for bit = 0; bit < 5; bit++ {
		if p&(1<<bit) != 0 {
			break
		}
	}
	ifReg := c.bus.Read(0xFF0F) & 0x1F
	c.bus.Write(0xFF0F, ifReg&^(1<<bit))
	c.halted = false
	c.IME = false
	c.push16(c.PC)
	c.PC = 0x40 + uint16(bit)*8
	return 20
}

// Step executes one instruction (or services an interrupt) and returns
// the master cycles consumed. The bus peripherals are advanced by that
// amount before Step returns, so interrupts they raise are seen by the
// following Step.
func (c *CPU) Step() (cycles int) {
	// An EI executed by the previous Step takes effect once this Step's
	// instruction has run.
	enableIME := c.eiPending
	defer func() {
		c.Clock += uint64(cycles)
		if c.bus != nil && cycles > 0 {
			c.bus.Tick(cycles)
		}
		if enableIME && c.eiPending {
			c.IME = true
			c.eiPending = false
		}
	}()

	if c.halted {
		if c.pending() != 0 {
			c.halted = false
		} else {
			return 4
		}
	}

	if c.IME {
		if cyc := c.serviceInterrupt(); cyc != 0 {
			return cyc
		}
	}

	op := c.fetch8()
	switch op {
	case 0x00: // NOP
		return 4
	case 0x10: // STOP consumes its padding byte
		c.PC++
		return 4
	case 0x76: // HALT
		if !c.IME && c.pending() != 0 {
			// Pending interrupt with IME clear: do not enter HALT
			return 4
		}
		c.halted = true
		return 4

	// LD r,d8 / LD (HL),d8
	case 0x06, 0x0E, 0x16, 0x1E, 0x26, 0x2E, 0x36, 0x3E:
		idx := (op >> 3) & 7
		c.setR(idx, c.fetch8())
		if idx == 6 {
			return 12
		}
		return 8

	// LD r,r' and the (HL) variants
	case 0x40, 0x41, 0x42, 0x43, 0x44, 0x45, 0x46, 0x47,
		0x48, 0x49, 0x4A, 0x4B, 0x4C, 0x4D, 0x4E, 0x4F,
		0x50, 0x51, 0x52, 0x53, 0x54, 0x55, 0x56, 0x57,
		0x58, 0x59, 0x5A, 0x5B, 0x5C, 0x5D, 0x5E, 0x5F,
		0x60, 0x61, 0x62, 0x63, 0x64, 0x65, 0x66, 0x67,
		0x68, 0x69, 0x6A, 0x6B, 0x6C, 0x6D, 0x6E, 0x6F,
		0x70, 0x71, 0x72, 0x73, 0x74, 0x75, 0x77,
		0x78, 0x79, 0x7A, 0x7B, 0x7C, 0x7D, 0x7E, 0x7F:
		d := (op >> 3) & 7
		s := op & 7
		c.setR(d, c.getR(s))
		if d == 6 || s == 6 {
			return 8
		}
		return 4

	// 16-bit immediate loads
	case 0x01:
		c.setBC(c.fetch16())
		return 12
	case 0x11:
		c.setDE(c.fetch16())
		return 12
	case 0x21:
		c.setHL(c.fetch16())
		return 12
	case 0x31:
		c.SP = c.fetch16()
		return 12
	case 0x08: // LD (a16),SP
		c.write16(c.fetch16(), c.SP)
		return 20

	// Indirect loads via BC/DE
	case 0x02:
		c.write8(c.getBC(), c.A)
		return 8
	case 0x12:
		c.write8(c.getDE(), c.A)
		return 8
	case 0x0A:
		c.A = c.read8(c.getBC())
		return 8
	case 0x1A:
		c.A = c.read8(c.getDE())
		return 8

	// Post-increment/decrement HL loads
	case 0x22: // LD (HL+),A
		hl := c.getHL()
		c.write8(hl, c.A)
		c.setHL(hl + 1)
		return 8
	case 0x2A: // LD A,(HL+)
		hl := c.getHL()
		c.A = c.read8(hl)
		c.setHL(hl + 1)
		return 8
	case 0x32: // LD (HL-),A
		hl := c.getHL()
		c.write8(hl, c.A)
		c.setHL(hl - 1)
		return 8
	case 0x3A: // LD A,(HL-)
		hl := c.getHL()
		c.A = c.read8(hl)
		c.setHL(hl - 1)
		return 8

	// High-page loads
	case 0xE0:
		c.write8(0xFF00+uint16(c.fetch8()), c.A)
		return 12
	case 0xF0:
		c.A = c.read8(0xFF00 + uint16(c.fetch8()))
		return 12
	case 0xE2:
		c.write8(0xFF00+uint16(c.C), c.A)
		return 8
	case 0xF2:
		c.A = c.read8(0xFF00 + uint16(c.C))
		return 8
	case 0xEA: // LD (a16),A
		c.write8(c.fetch16(), c.A)
		return 16
	case 0xFA: // LD A,(a16)
		c.A = c.read8(c.fetch16())
		return 16

	// SP/HL transfers
	case 0xF8: // LD HL,SP+e8
		off := int8(c.fetch8())
		_, _, _, h, cy := add8(byte(c.SP), byte(off))
		c.setHL(uint16(int32(c.SP) + int32(off)))
		c.setZNHC(false, false, h, cy)
		return 12
	case 0xF9: // LD SP,HL
		c.SP = c.getHL()
		return 8
	case 0xE8: // ADD SP,e8
		off := int8(c.fetch8())
		_, _, _, h, cy := add8(byte(c.SP), byte(off))
		c.SP = uint16(int32(c.SP) + int32(off))
		c.setZNHC(false, false, h, cy)
		return 16

	// PUSH/POP
	case 0xC5:
		c.push16(c.getBC())
		return 16
	case 0xD5:
		c.push16(c.getDE())
		return 16
	case 0xE5:
		c.push16(c.getHL())
		return 16
	case 0xF5:
		c.push16(c.getAF())
		return 16
	case 0xC1:
		c.setBC(c.pop16())
		return 12
	case 0xD1:
		c.setDE(c.pop16())
		return 12
	case 0xE1:
		c.setHL(c.pop16())
		return 12
	case 0xF1: // POP AF masks the low nibble of F
		c.setAF(c.pop16())
		return 12

	// INC r / INC (HL): C is preserved
	case 0x04, 0x0C, 0x14, 0x1C, 0x24, 0x2C, 0x34, 0x3C:
		idx := (op >> 3) & 7
		v := c.getR(idx)
		r := v + 1
		c.setR(idx, r)
		c.setZNHC(r == 0, false, v&0x0F == 0x0F, c.carrySet())
		if idx == 6 {
			return 12
		}
		return 4

	// DEC r / DEC (HL): C is preserved
	case 0x05, 0x0D, 0x15, 0x1D, 0x25, 0x2D, 0x35, 0x3D:
		idx := (op >> 3) & 7
		v := c.getR(idx)
		r := v - 1
		c.setR(idx, r)
		c.setZNHC(r == 0, true, v&0x0F == 0x00, c.carrySet())
		if idx == 6 {
			return 12
		}
		return 4

	// 16-bit INC/DEC: no flags
	case 0x03:
		c.setBC(c.getBC() + 1)
		return 8
	case 0x13:
		c.setDE(c.getDE() + 1)
		return 8
	case 0x23:
		c.setHL(c.getHL() + 1)
		return 8
	case 0x33:
		c.SP++
		return 8
	case 0x0B:
		c.setBC(c.getBC() - 1)
		return 8
	case 0x1B:
		c.setDE(c.getDE() - 1)
		return 8
	case 0x2B:
		c.setHL(c.getHL() - 1)
		return 8
	case 0x3B:
		c.SP--
		return 8

	// ADD HL,rr: Z preserved, H from bit 11, C from bit 15
	case 0x09, 0x19, 0x29, 0x39:
		hl := c.getHL()
		var rr uint16
		switch op {
		case 0x09:
			rr = c.getBC()
		case 0x19:
			rr = c.getDE()
		case 0x29:
			rr = hl
		case 0x39:
			rr = c.SP
		}
		r := uint32(hl) + uint32(rr)
		h := (hl&0x0FFF)+(rr&0x0FFF) > 0x0FFF
		c.setHL(uint16(r))
		c.setZNHC(c.F&flagZ != 0, false, h, r > 0xFFFF)
		return 8

	// ALU A,r for the whole 0x80-0xBF block
	case 0x80, 0x81, 0x82, 0x83, 0x84, 0x85, 0x86, 0x87,
		0x88, 0x89, 0x8A, 0x8B, 0x8C, 0x8D, 0x8E, 0x8F,
		0x90, 0x91, 0x92, 0x93, 0x94, 0x95, 0x96, 0x97,
		0x98, 0x99, 0x9A, 0x9B, 0x9C, 0x9D, 0x9E, 0x9F,
		0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7,
		0xA8, 0xA9, 0xAA, 0xAB, 0xAC, 0xAD, 0xAE, 0xAF,
		0xB0, 0xB1, 0xB2, 0xB3, 0xB4, 0xB5, 0xB6, 0xB7,
		0xB8, 0xB9, 0xBA, 0xBB, 0xBC, 0xBD, 0xBE, 0xBF:
		idx := op & 7
		c.alu((op>>3)&7, c.getR(idx))
		if idx == 6 {
			return 8
		}
		return 4

	// ALU A,d8
	case 0xC6, 0xCE, 0xD6, 0xDE, 0xE6, 0xEE, 0xF6, 0xFE:
		c.alu((op>>3)&7, c.fetch8())
		return 8

	// Accumulator rotates: Z always cleared
	case 0x07: // RLCA
		bit := c.A >> 7
		c.A = c.A<<1 | bit
		c.setZNHC(false, false, false, bit == 1)
		return 4
	case 0x0F: // RRCA
		bit := c.A & 1
		c.A = c.A>>1 | bit<<7
		c.setZNHC(false, false, false, bit == 1)
		return 4
	case 0x17: // RLA
		bit := c.A >> 7
		carry := byte(0)
		if c.carrySet() {
			carry = 1
		}
		c.A = c.A<<1 | carry
		c.setZNHC(false, false, false, bit == 1)
		return 4
	case 0x1F: // RRA
		bit := c.A & 1
		carry := byte(0)
		if c.carrySet() {
			carry = 1
		}
		c.A = c.A>>1 | carry<<7
		c.setZNHC(false, false, false, bit == 1)
		return 4

	case 0x27: // DAA
		a := c.A
		cf := c.carrySet()
		if c.F&flagN == 0 { // after addition
			if cf || a > 0x99 {
				a += 0x60
				cf = true
			}
			if c.F&flagH != 0 || a&0x0F > 0x09 {
				a += 0x06
			}
		} else { // after subtraction
			if cf {
				a -= 0x60
			}
			if c.F&flagH != 0 {
				a -= 0x06
			}
		}
		c.A = a
		c.setZNHC(a == 0, c.F&flagN != 0, false, cf)
		return 4
	case 0x2F: // CPL: N and H set, Z and C unchanged
		c.A = ^c.A
		c.F = (c.F & (flagZ | flagC)) | flagN | flagH
		return 4
	case 0x37: // SCF
		c.F = (c.F & flagZ) | flagC
		return 4
	case 0x3F: // CCF
		c.F = (c.F & (flagZ | flagC)) ^ flagC
		return 4

	// Jumps
	case 0xC3: // JP a16
		c.PC = c.fetch16()
		return 16
	case 0xE9: // JP HL
		c.PC = c.getHL()
		return 4
	case 0x18: // JR e8
		off := int8(c.fetch8())
		c.PC = uint16(int32(c.PC) + int32(off))
		return 12
	case 0x20, 0x28, 0x30, 0x38: // JR cc,e8
		off := int8(c.fetch8())
		if c.cond((op >> 3) & 3) {
			c.PC = uint16(int32(c.PC) + int32(off))
			return 12
		}
		return 8
	case 0xC2, 0xCA, 0xD2, 0xDA: // JP cc,a16
		addr := c.fetch16()
		if c.cond((op >> 3) & 3) {
			c.PC = addr
			return 16
		}
		return 12

	// Calls and returns
	case 0xCD: // CALL a16
		addr := c.fetch16()
		c.push16(c.PC)
		c.PC = addr
		return 24
	case 0xC4, 0xCC, 0xD4, 0xDC: // CALL cc,a16
		addr := c.fetch16()
		if c.cond((op >> 3) & 3) {
			c.push16(c.PC)
			c.PC = addr
			return 24
		}
		return 12
	case 0xC9: // RET
		c.PC = c.pop16()
		return 16
	case 0xD9: // RETI: IME restored immediately
		c.PC = c.pop16()
		c.IME = true
		return 16
	case 0xC0, 0xC8, 0xD0, 0xD8: // RET cc
		if c.cond((op >> 3) & 3) {
			c.PC = c.pop16()
			return 20
		}
		return 8
	case 0xC7, 0xCF, 0xD7, 0xDF, 0xE7, 0xEF, 0xF7, 0xFF: // RST t
		c.push16(c.PC)
		c.PC = uint16(op & 0x38)
		return 16

	case 0xF3: // DI
		c.IME = false
		c.eiPending = false
		return 4
	case 0xFB: // EI takes effect after the next instruction
		c.eiPending = true
		return 4

	case 0xCB:
		return c.stepCB()

	default:
		// D3, DB, DD, E3, E4, EB, EC, ED, F4, FC, FD trap on hardware;
		// hitting one means the decoder or the program is broken.
		panic(fmt.Sprintf("cpu: undefined opcode %02X at PC=%04X", op, c.PC-1))
	}
}

// alu applies the 3-bit ALU operation field to A and the operand:
// ADD, ADC, SUB, SBC, AND, XOR, OR, CP.
func (c *CPU) alu(opIdx, v byte) {
	switch opIdx {
	case 0:
		r, z, n, h, cy := add8(c.A, v)
		c.A = r
		c.setZNHC(z, n, h, cy)
	case 1:
		r, z, n, h, cy := adc8(c.A, v, c.carrySet())
		c.A = r
		c.setZNHC(z, n, h, cy)
	case 2:
		r, z, n, h, cy := sub8(c.A, v)
		c.A = r
		c.setZNHC(z, n, h, cy)
	case 3:
		r, z, n, h, cy := sbc8(c.A, v, c.carrySet())
		c.A = r
		c.setZNHC(z, n, h, cy)
	case 4:
		c.A &= v
		c.setZNHC(c.A == 0, false, true, false)
	case 5:
		c.A ^= v
		c.setZNHC(c.A == 0, false, false, false)
	case 6:
		c.A |= v
		c.setZNHC(c.A == 0, false, false, false)
	case 7: // CP discards the result
		_, z, n, h, cy := sub8(c.A, v)
		c.setZNHC(z, n, h, cy)
	}
}

// stepCB decodes the 0xCB-prefixed page: rotates/shifts/SWAP, BIT, RES
// and SET over the standard register field.
func (c *CPU) stepCB() int {
	op := c.fetch8()
	reg := op & 7
	y := (op >> 3) & 7

	cycles := 8
	if reg == 6 {
		cycles = 16
	}

	switch (op >> 6) & 3 {
	case 0: // rotate/shift group
		v := c.getR(reg)
		var out byte
		var bit byte
		switch y {
		case 0: // RLC
			bit = v >> 7
			out = v<<1 | bit
		case 1: // RRC
			bit = v & 1
			out = v>>1 | bit<<7
		case 2: // RL
			bit = v >> 7
			ci := byte(0)
			if c.carrySet() {
				ci = 1
			}
			out = v<<1 | ci
		case 3: // RR
			bit = v & 1
			ci := byte(0)
			if c.carrySet() {
				ci = 1
			}
			out = v>>1 | ci<<7
		case 4: // SLA
			bit = v >> 7
			out = v << 1
		case 5: // SRA
			bit = v & 1
			out = v>>1 | v&0x80
		case 6: // SWAP
			bit = 0
			out = v<<4 | v>>4
		case 7: // SRL
			bit = v & 1
			out = v >> 1
		}
		c.setR(reg, out)
		c.setZNHC(out == 0, false, false, bit == 1)
	case 1: // BIT y,r: Z from the tested bit, C preserved
		v := c.getR(reg)
		c.F = (c.F & flagC) | flagH
		if v&(1<<y) == 0 {
			c.F |= flagZ
		}
		if reg == 6 {
			cycles = 12
		}
	case 2: // RES y,r
		c.setR(reg, c.getR(reg)&^(1<<y))
	case 3: // SET y,r
		c.setR(reg, c.getR(reg)|1<<y)
	}
	return cycles
}
