package ppu

// renderScanline rasterises the current line into the framebuffer: the
// background, then the window, then the sprites. The background and
// window record their color indices in scanRow so sprite priority can be
// resolved against them.
func (p *PPU) renderScanline() {
	if !p.lcdEnable {
		return
	}
	for i := range p.scanRow {
		p.scanRow[i] = 0
	}
	if p.bgEnable {
		p.renderBackground()
	} else {
		// BG disabled: the line shows color 0
		off := int(p.line) * ScreenW * 4
		for x := 0; x < ScreenW; x++ {
			p.putPixel(off+x*4, p.bgPal[0])
		}
	}
	if p.winEnable {
		p.renderWindow()
	}
	if p.objEnable {
		p.renderSprites()
	}
}

func (p *PPU) renderBackground() {
	mapBase := uint16(0x9800)
	if p.bgMapAlt {
		mapBase = 0x9C00
	}
	off := int(p.line) * ScreenW * 4
	pxY := (int(p.scy) + int(p.line)) & 0xFF
	tileRow := pxY / 8
	fineY := pxY % 8
	for col := 0; col < ScreenW; col++ {
		pxX := (int(p.scx) + col) & 0xFF
		tileIdxAddr := mapBase + uint16(tileRow*32+pxX/8)
		tile := p.resolveTile(p.vram[tileIdxAddr-0x8000])
		ci := p.tileSet[tile][fineY][pxX%8]
		p.scanRow[col] = ci
		p.putPixel(off+col*4, p.bgPal[ci])
	}
}

func (p *PPU) renderWindow() {
	if int(p.line) < int(p.wy) || int(p.wy) >= ScreenH {
		return
	}
	startX := int(p.wx) - 7
	if startX >= ScreenW {
		return
	}
	mapBase := uint16(0x9800)
	if p.winMapAlt {
		mapBase = 0x9C00
	}
	winY := int(p.line) - int(p.wy)
	tileRow := winY / 8
	fineY := winY % 8
	off := int(p.line) * ScreenW * 4
	for col := max(0, startX); col < ScreenW; col++ {
		winX := col - startX
		tileIdxAddr := mapBase + uint16(tileRow*32+winX/8)
		tile := p.resolveTile(p.vram[tileIdxAddr-0x8000])
		ci := p.tileSet[tile][fineY][winX%8]
		p.scanRow[col] = ci
		p.putPixel(off+col*4, p.bgPal[ci])
	}
}

// renderSprites paints every sprite covering the line in OAM order, so a
// later entry overdraws an earlier one where both are opaque.
func (p *PPU) renderSprites() {
	height := 8
	if p.objDoubled {
		height = 16
	}
	line := int(p.line)
	for i := range p.sprites {
		s := p.sprites[i]
		if line < s.Y || line >= s.Y+height {
			continue
		}
		row := line - s.Y
		if s.FlipY {
			row = (height - 1) - row
		}
		tile := int(s.Tile)
		if p.objDoubled {
			tile &= 0xFE
			if row >= 8 {
				tile++
			}
		}
		pal := &p.obj0Pal
		if !s.ZeroPalette {
			pal = &p.obj1Pal
		}
		for x := 0; x < 8; x++ {
			sx := s.X + x
			if sx < 0 || sx >= ScreenW {
				continue
			}
			col := x
			if s.FlipX {
				col = 7 - x
			}
			ci := p.tileSet[tile][row&7][col]
			if ci == 0 {
				continue
			}
			if !s.Prioritized && p.scanRow[sx] != 0 {
				continue
			}
			p.putPixel((line*ScreenW+sx)*4, pal[ci])
		}
	}
}

// resolveTile maps a tile-map byte to a tile cache index, honoring the
// 0x8800 signed addressing mode when LCDC bit4 is clear.
func (p *PPU) resolveTile(num byte) int {
	tile := int(num)
	if !p.bgTileUnsign && tile < 128 {
		tile += 256
	}
	return tile
}

func (p *PPU) putPixel(off int, rgba [4]byte) {
	p.fb[off+0] = rgba[0]
	p.fb[off+1] = rgba[1]
	p.fb[off+2] = rgba[2]
	p.fb[off+3] = rgba[3]
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
