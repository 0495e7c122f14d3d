package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/haukurs/gbcore/internal/bus"
	"github.com/haukurs/gbcore/internal/cpu"
)

// cpurunner executes a test ROM headless and watches its serial output
// for pass/fail markers, the reporting convention of the usual CPU
// conformance suites.
func main() {
	romPath := flag.String("rom", "", "path to ROM (.gb)")
	bootPath := flag.String("bootrom", "", "optional DMG boot ROM to run from 0x0000")
	steps := flag.Int("steps", 5_000_000, "max CPU steps to run")
	startPC := flag.Int("pc", 0x0100, "initial PC value")
	trace := flag.Bool("trace", false, "print PC/opcodes")
	until := flag.String("until", "Passed", "stop when serial output contains this substring; empty to disable")
	auto := flag.Bool("auto", false, "detect 'Passed' or 'Failed N tests' and exit 0/1")
	timeout := flag.Duration("timeout", 0, "optional wall-clock timeout; 0 disables")
	flag.Parse()

	if *romPath == "" {
		log.Fatal("-rom is required")
	}
	rom, err := os.ReadFile(*romPath)
	if err != nil {
		log.Fatalf("read rom: %v", err)
	}
	var boot []byte
	if *bootPath != "" {
		if boot, err = os.ReadFile(*bootPath); err != nil {
			log.Fatalf("read bootrom: %v", err)
		}
	}

	b := bus.New(rom)
	var ser bytes.Buffer
	w := io.Writer(os.Stdout)
	if *until != "" || *auto {
		w = io.MultiWriter(os.Stdout, &ser)
	}
	b.SetSerialWriter(w)

	c := cpu.New(b)
	if len(boot) >= 0x100 {
		b.SetBootROM(boot)
		c.Reset()
	} else {
		c.ResetNoBoot()
		c.SetPC(uint16(*startPC))
		// Minimal post-boot IO: LCD on, palettes set, timers off
		b.Write(0xFF00, 0xCF)
		b.Write(0xFF07, 0x00)
		b.Write(0xFF40, 0x91)
		b.Write(0xFF47, 0xFC)
		b.Write(0xFF48, 0xFF)
		b.Write(0xFF49, 0xFF)
		b.Write(0xFFFF, 0x00)
	}

	start := time.Now()
	var deadline time.Time
	if *timeout > 0 {
		deadline = start.Add(*timeout)
	}
	failRe := regexp.MustCompile(`(?i)failed\s+(\d+)\s+tests?`)

	done := func(i int, code int) {
		fmt.Printf("\nDone: steps=%d cycles=%d elapsed=%s\n", i, c.Clock, time.Since(start).Truncate(time.Millisecond))
		os.Exit(code)
	}

	for i := 0; i < *steps; i++ {
		if *trace {
			pc := c.PC
			op := b.Read(pc)
			cyc := c.Step()
			fmt.Printf("PC=%04X OP=%02X cyc=%d A=%02X F=%02X BC=%02X%02X DE=%02X%02X HL=%02X%02X SP=%04X IME=%t\n",
				pc, op, cyc, c.A, c.F, c.B, c.C, c.D, c.E, c.H, c.L, c.SP, c.IME)
		} else {
			c.Step()
		}

		if *auto {
			s := ser.String()
			if strings.Contains(strings.ToLower(s), "passed") {
				fmt.Printf("\nDetected PASS in serial output.\n")
				done(i+1, 0)
			}
			if m := failRe.FindString(s); m != "" {
				fmt.Printf("\nDetected %q in serial output.\n", m)
				done(i+1, 1)
			}
		} else if *until != "" {
			if strings.Contains(strings.ToLower(ser.String()), strings.ToLower(*until)) {
				fmt.Printf("\nDetected %q in serial output.\n", *until)
				done(i+1, 0)
			}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			fmt.Printf("\nTimeout after %s.\n", time.Since(start).Truncate(time.Millisecond))
			done(i+1, 2)
		}
	}
	fmt.Printf("\nDone: steps=%d cycles=%d elapsed=%s\n", *steps, c.Clock, time.Since(start).Truncate(time.Millisecond))
}
