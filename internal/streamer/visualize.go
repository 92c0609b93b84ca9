package streamer

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gogpu/tilestream/internal/tile"
)

// Mode selects substitute tile data for debugging residency.
type Mode uint8

const (
	// ModeOff streams file data.
	ModeOff Mode = iota

	// ModeMipColors fills each tile with the color of its mip level.
	ModeMipColors

	// ModeTileColors fills each tile with a rotating color.
	ModeTileColors
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "Off"
	case ModeMipColors:
		return "MipColors"
	case ModeTileColors:
		return "TileColors"
	default:
		return fmt.Sprintf("Mode(%d)", m)
	}
}

// numColors is the palette size. Color indices wrap.
const numColors = 16

var baseColors = [numColors][3]float64{
	{1, 1, 1},
	{1, 0.25, 0.25},
	{0.25, 1, 0.25},
	{0.25, 0.25, 1},

	{1, 0.25, 1},
	{1, 1, 0.25},
	{0.25, 1, 1},
	{0.9, 0.5, 0.2},

	{0.59, 0.48, 0.8},
	{0.53, 0.25, 0.11},
	{0.8, 0.48, 0.53},
	{0.64, 0.8, 0.48},

	{0.48, 0.75, 0.8},
	{0.5, 0.25, 0.75},
	{0.99, 0.68, 0.42},
	{0.4, 0.5, 0.6},
}

// palette holds one full tile of solid color per format and color index.
type palette struct {
	rgba [numColors][]byte
	bc1  [numColors][]byte
	bc7  [numColors][]byte
}

var colorPalette = sync.OnceValue(func() *palette {
	p := &palette{}
	for i, c := range baseColors {
		// Contrast curve.
		r, g, b := math.Pow(c[0], 1.5), math.Pow(c[1], 1.5), math.Pow(c[2], 1.5)
		p.rgba[i] = fillTile([]byte{quantize(r, 0xff), quantize(g, 0xff), quantize(b, 0xff), 0xff})
		p.bc1[i] = fillTile(bc1Block(r, g, b))
		p.bc7[i] = fillTile(bc7Block(r, g, b))
	}
	return p
})

// paletteBlock returns a tile of solid color for a format. The returned
// slice is shared and must not be modified.
func paletteBlock(f tile.Format, color uint32) []byte {
	p := colorPalette()
	i := color % numColors
	switch f {
	case tile.FormatBC1:
		return p.bc1[i]
	case tile.FormatRGBA8:
		return p.rgba[i]
	default:
		return p.bc7[i]
	}
}

func quantize(v float64, maxValue uint64) uint8 {
	return uint8(min(uint64(v*float64(maxValue)), maxValue)) //nolint:gosec // clamped
}

func fillTile(block []byte) []byte {
	t := make([]byte, tile.SizeInBytes)
	for off := 0; off < len(t); off += len(block) {
		copy(t[off:], block)
	}
	return t
}

// bc1Block encodes a 4x4 BC1 block with every texel at color 0.
func bc1Block(r, g, b float64) []byte {
	c := uint16(quantize(r, 0x1f))<<11 | uint16(quantize(g, 0x3f))<<5 | uint16(quantize(b, 0x1f))
	block := make([]byte, 8)
	binary.LittleEndian.PutUint16(block, c)
	return block
}

// bc7Block encodes a 4x4 BC7 mode 3 block with every endpoint at the
// given 7-bit color and all indices zero.
func bc7Block(r, g, b float64) []byte {
	rep := func(v uint8) uint64 {
		c := uint64(v)
		return c | c<<7 | c<<14 | c<<21
	}
	r4 := rep(quantize(r, 0x7f))
	g4 := rep(quantize(g, 0x7f))
	b4 := rep(quantize(b, 0x7f))

	// Mode bits, then 6 partition bits; endpoints start at bit 10.
	lo := uint64(0x08) | r4<<10 | g4<<38
	hi := g4>>26 | b4<<2

	block := make([]byte, 16)
	binary.LittleEndian.PutUint64(block, lo)
	binary.LittleEndian.PutUint64(block[8:], hi)
	return block
}
