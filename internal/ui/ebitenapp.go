package ui

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/audio"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"github.com/haukurs/gbcore/internal/apu"
	"github.com/haukurs/gbcore/internal/emu"
	"github.com/haukurs/gbcore/internal/ppu"
)

// Config holds the window settings.
type Config struct {
	Title string
	Scale int
	Mute  bool
}

// App is the ebiten front-end: keyboard input, framebuffer blit, and the
// audio player fed by the APU sink.
type App struct {
	cfg    Config
	m      *emu.Machine
	tex    *ebiten.Image
	paused bool
	fast   bool

	stream *sinkStream
	player *audio.Player
}

func NewApp(cfg Config, m *emu.Machine) *App {
	if cfg.Scale <= 0 {
		cfg.Scale = 3
	}
	ebiten.SetWindowTitle(cfg.Title)
	ebiten.SetWindowSize(ppu.ScreenW*cfg.Scale, ppu.ScreenH*cfg.Scale)
	a := &App{cfg: cfg, m: m}
	if !cfg.Mute {
		a.stream = &sinkStream{}
		m.SetAudioSink(a.stream)
	}
	return a
}

func (a *App) Run() error {
	if a.stream != nil {
		ctx := audio.NewContext(apu.SampleRate)
		p, err := ctx.NewPlayer(a.stream)
		if err != nil {
			return err
		}
		p.SetBufferSize(40 * time.Millisecond)
		p.Play()
		a.player = p
	}
	return ebiten.RunGame(a)
}

func (a *App) Update() error {
	var btn emu.Buttons
	if ebiten.IsKeyPressed(ebiten.KeyRight) {
		btn.Right = true
	}
	if ebiten.IsKeyPressed(ebiten.KeyLeft) {
		btn.Left = true
	}
	if ebiten.IsKeyPressed(ebiten.KeyUp) {
		btn.Up = true
	}
	if ebiten.IsKeyPressed(ebiten.KeyDown) {
		btn.Down = true
	}
	if ebiten.IsKeyPressed(ebiten.KeyZ) {
		btn.A = true
	}
	if ebiten.IsKeyPressed(ebiten.KeyX) {
		btn.B = true
	}
	if ebiten.IsKeyPressed(ebiten.KeyEnter) {
		btn.Start = true
	}
	if ebiten.IsKeyPressed(ebiten.KeyShiftRight) {
		btn.Select = true
	}
	a.m.SetButtons(btn)

	if inpututil.IsKeyJustPressed(ebiten.KeyP) {
		a.paused = !a.paused
	}
	a.fast = ebiten.IsKeyPressed(ebiten.KeyTab)

	// Frame-step while paused
	if a.paused && inpututil.IsKeyJustPressed(ebiten.KeyN) {
		if err := a.m.StepFrame(); err != nil {
			return err
		}
	}

	if inpututil.IsKeyJustPressed(ebiten.KeyF12) {
		_ = a.saveScreenshot()
	}

	if !a.paused {
		frames := 1
		if a.fast {
			frames = 5
		}
		for i := 0; i < frames; i++ {
			if err := a.m.StepFrame(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *App) Draw(screen *ebiten.Image) {
	if a.tex == nil {
		a.tex = ebiten.NewImage(ppu.ScreenW, ppu.ScreenH)
	}
	if fb := a.m.Framebuffer(); fb != nil {
		a.tex.WritePixels(fb)
	}
	screen.DrawImage(a.tex, nil)
}

func (a *App) Layout(outW, outH int) (int, int) { return ppu.ScreenW, ppu.ScreenH }

func (a *App) saveScreenshot() error {
	fb := a.m.Framebuffer()
	if fb == nil {
		return nil
	}
	img := &image.RGBA{
		Pix:    make([]byte, len(fb)),
		Stride: 4 * ppu.ScreenW,
		Rect:   image.Rect(0, 0, ppu.ScreenW, ppu.ScreenH),
	}
	copy(img.Pix, fb)
	name := fmt.Sprintf("screenshot_%s.png", time.Now().Format("20060102_150405"))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}
