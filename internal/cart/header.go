package cart

import (
	"encoding/binary"
	"errors"
	"strings"
)

const headerEnd = 0x014F

var nintendoLogo = [48]byte{
	0xCE, 0xED, 0x66, 0x66, 0xCC, 0x0D, 0x00, 0x0B, 0x03, 0x73, 0x00, 0x83, 0x00, 0x0C, 0x00, 0x0D,
	0x00, 0x08, 0x11, 0x1F, 0x88, 0x89, 0x00, 0x0E, 0xDC, 0xCC, 0x6E, 0xE6, 0xDD, 0xDD, 0xD9, 0x99,
	0xBB, 0xBB, 0x67, 0x63, 0x6E, 0x0E, 0xEC, 0xCC, 0xDD, 0xDC, 0x99, 0x9F, 0xBB, 0xB9, 0x33, 0x3E,
}

// Header is the decoded cartridge header at 0x0100–0x014F.
type Header struct {
	Title          string // trimmed ASCII, 0x0134–0x0143
	CartType       byte   // 0x0147
	ROMSizeCode    byte   // 0x0148
	RAMSizeCode    byte   // 0x0149
	Destination    byte   // 0x014A
	ROMVersion     byte   // 0x014C
	HeaderChecksum byte   // 0x014D
	GlobalChecksum uint16 // 0x014E–0x014F

	// Decoded helpers
	ROMSizeBytes int
	ROMBanks     int
	RAMSizeBytes int
	CartTypeStr  string
}

func ParseHeader(rom []byte) (*Header, error) {
	if len(rom) < headerEnd+1 {
		return nil, errors.New("ROM too small to contain header")
	}

	rawTitle := rom[0x0134:0x0144]
	title := strings.TrimRight(string(rawTitle), "\x00")

	h := &Header{
		Title:          title,
		CartType:       rom[0x0147],
		ROMSizeCode:    rom[0x0148],
		RAMSizeCode:    rom[0x0149],
		Destination:    rom[0x014A],
		ROMVersion:     rom[0x014C],
		HeaderChecksum: rom[0x014D],
		GlobalChecksum: binary.BigEndian.Uint16(rom[0x014E:0x0150]),
	}
	h.ROMSizeBytes, h.ROMBanks = decodeROMSize(h.ROMSizeCode)
	h.RAMSizeBytes = decodeRAMSize(h.RAMSizeCode)
	h.CartTypeStr = cartTypeString(h.CartType)
	return h, nil
}

// HeaderChecksumOK verifies the 8-bit checksum over 0x0134–0x014C.
func HeaderChecksumOK(rom []byte) bool {
	if len(rom) < 0x014E {
		return false
	}
	var sum byte
	for addr := 0x0134; addr <= 0x014C; addr++ {
		sum = sum - rom[addr] - 1
	}
	return sum == rom[0x014D]
}

func decodeROMSize(code byte) (size, banks int) {
	if code <= 0x08 {
		banks = 2 << code
		return banks * 0x4000, banks
	}
	return 0, 0
}

func decodeRAMSize(code byte) int {
	switch code {
	case 0x02:
		return 8 * 1024
	case 0x03:
		return 32 * 1024
	case 0x04:
		return 128 * 1024
	case 0x05:
		return 64 * 1024
	default:
		return 0
	}
}

func cartTypeString(code byte) string {
	switch code {
	case 0x00:
		return "ROM ONLY"
	case 0x01, 0x02, 0x03:
		return "MBC1 (variants)"
	case 0x05, 0x06:
		return "MBC2 (unsupported)"
	case 0x0F, 0x10, 0x11, 0x12, 0x13:
		return "MBC3 (unsupported)"
	case 0x19, 0x1A, 0x1B, 0x1C, 0x1D, 0x1E:
		return "MBC5 (unsupported)"
	default:
		return "Other/unknown"
	}
}
