package main

import (
	"flag"
	"fmt"
	"hash/crc32"
	"image"
	"image/png"
	"log"
	"os"
	"strings"

	"github.com/haukurs/gbcore/internal/cart"
	"github.com/haukurs/gbcore/internal/emu"
	"github.com/haukurs/gbcore/internal/ui"
)

type cliFlags struct {
	ROMPath  string
	BootROM  string
	Scale    int
	Title    string
	Mute     bool
	SaveRAM  bool
	SkipBoot bool

	// headless
	Headless bool
	Frames   int
	PNGOut   string
	Expect   string // expected framebuffer CRC32 hex
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.ROMPath, "rom", "", "path to ROM (.gb)")
	flag.StringVar(&f.BootROM, "bootrom", "", "optional DMG boot ROM")
	flag.IntVar(&f.Scale, "scale", 3, "window scale")
	flag.StringVar(&f.Title, "title", "gbcore", "window title")
	flag.BoolVar(&f.Mute, "mute", false, "disable audio output")
	flag.BoolVar(&f.SaveRAM, "save", true, "persist battery RAM to ROM.sav")
	flag.BoolVar(&f.SkipBoot, "skipboot", false, "start at 0x0100 even with a boot ROM")

	flag.BoolVar(&f.Headless, "headless", false, "run without a window")
	flag.IntVar(&f.Frames, "frames", 300, "frames to run in headless mode")
	flag.StringVar(&f.PNGOut, "outpng", "", "write last framebuffer to PNG at path")
	flag.StringVar(&f.Expect, "expect", "", "assert framebuffer CRC32 (hex)")
	flag.Parse()
	return f
}

func runHeadless(m *emu.Machine, frames int, pngPath, expectCRC string) error {
	if frames <= 0 {
		frames = 1
	}
	for i := 0; i < frames; i++ {
		if err := m.StepFrame(); err != nil {
			return err
		}
	}

	fb := m.Framebuffer()
	crc := crc32.ChecksumIEEE(fb)
	log.Printf("headless: frames=%d fb_crc32=%08x", frames, crc)

	if pngPath != "" {
		if err := saveFramePNG(fb, 160, 144, pngPath); err != nil {
			return fmt.Errorf("write PNG: %w", err)
		}
		log.Printf("wrote %s", pngPath)
	}
	if expectCRC != "" {
		want := strings.TrimPrefix(strings.ToLower(expectCRC), "0x")
		got := fmt.Sprintf("%08x", crc)
		if got != want {
			return fmt.Errorf("checksum mismatch: got %s, want %s", got, want)
		}
	}
	return nil
}

func saveFramePNG(pix []byte, w, h int, path string) error {
	img := &image.RGBA{
		Pix:    make([]byte, len(pix)),
		Stride: 4 * w,
		Rect:   image.Rect(0, 0, w, h),
	}
	copy(img.Pix, pix)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func mustRead(path string) []byte {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read %s: %v", path, err)
	}
	return b
}

func main() {
	f := parseFlags()
	if f.ROMPath == "" {
		log.Fatal("-rom is required")
	}
	rom := mustRead(f.ROMPath)
	if h, err := cart.ParseHeader(rom); err == nil {
		log.Printf("ROM: %q type=%s banks=%d ram=%dB", h.Title, h.CartTypeStr, h.ROMBanks, h.RAMSizeBytes)
	}

	m := emu.New(emu.Config{SkipBoot: f.SkipBoot})
	if boot := mustRead(f.BootROM); len(boot) >= 0x100 {
		m.SetBootROM(boot)
	}
	if err := m.LoadROMFromFile(f.ROMPath); err != nil {
		log.Fatalf("load cart: %v", err)
	}

	var savPath string
	if f.SaveRAM {
		savPath = strings.TrimSuffix(f.ROMPath, ".gb") + ".sav"
		if data, err := os.ReadFile(savPath); err == nil {
			if m.LoadBattery(data) {
				log.Printf("loaded save RAM: %s (%d bytes)", savPath, len(data))
			}
		}
	}

	saveBattery := func() {
		if !f.SaveRAM || savPath == "" {
			return
		}
		if data, ok := m.SaveBattery(); ok {
			if err := os.WriteFile(savPath, data, 0644); err == nil {
				log.Printf("wrote %s", savPath)
			}
		}
	}

	if f.Headless {
		if err := runHeadless(m, f.Frames, f.PNGOut, f.Expect); err != nil {
			log.Fatal(err)
		}
		saveBattery()
		return
	}

	app := ui.NewApp(ui.Config{Title: f.Title, Scale: f.Scale, Mute: f.Mute}, m)
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
	saveBattery()
}
