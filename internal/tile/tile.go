// Package tile describes the tile geometry of sparse textures.
//
// A sparse texture is divided into fixed-size 64 KiB tiles. Mip levels that
// cover at least one full tile in both dimensions are "standard" mips and are
// streamed tile by tile. All smaller mips are "packed": they are loaded once,
// as a single unit, and stay resident for the lifetime of the texture.
package tile

import (
	"errors"
	"fmt"
	"math/bits"
)

// SizeInBytes is the size of one physical tile (one heap page).
const SizeInBytes = 64 * 1024

// MaxMipLevels bounds the mip chain of a streamed texture (16384 texels).
const MaxMipLevels = 15

// Layout errors.
var (
	// ErrInvalidFormat is returned for an unknown pixel format.
	ErrInvalidFormat = errors.New("tile: invalid pixel format")

	// ErrInvalidDimensions is returned for zero or oversized dimensions.
	ErrInvalidDimensions = errors.New("tile: invalid texture dimensions")
)

// Format is the pixel format of a streamed texture.
type Format uint32

const (
	// FormatRGBA8 is 8 bits per channel RGBA, 4 bytes per texel.
	FormatRGBA8 Format = iota + 1

	// FormatBC1 is block-compressed RGB, 8 bytes per 4x4 block.
	FormatBC1

	// FormatBC7 is block-compressed RGBA, 16 bytes per 4x4 block.
	FormatBC7
)

// String returns a human-readable name for the format.
func (f Format) String() string {
	switch f {
	case FormatRGBA8:
		return "RGBA8"
	case FormatBC1:
		return "BC1"
	case FormatBC7:
		return "BC7"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(f))
	}
}

// Valid reports whether f is a known format.
func (f Format) Valid() bool {
	return f >= FormatRGBA8 && f <= FormatBC7
}

// IsBlockCompressed reports whether the format stores 4x4 texel blocks.
func (f Format) IsBlockCompressed() bool {
	return f == FormatBC1 || f == FormatBC7
}

// bytesPerBlock returns bytes per texel for RGBA8, or bytes per 4x4 block.
func (f Format) bytesPerBlock() uint64 {
	switch f {
	case FormatBC1:
		return 8
	case FormatBC7:
		return 16
	default:
		return 4
	}
}

// Shape returns the standard tile shape in texels for the format.
// Every shape holds exactly SizeInBytes of data.
func (f Format) Shape() (width, height uint32) {
	switch f {
	case FormatBC1:
		return 512, 256
	case FormatBC7:
		return 256, 256
	default:
		return 128, 128
	}
}

// MipBytes returns the size in bytes of a width x height image in format f.
func (f Format) MipBytes(width, height uint32) uint64 {
	if f.IsBlockCompressed() {
		bw := uint64(DivRoundUp(width, 4))
		bh := uint64(DivRoundUp(height, 4))
		return bw * bh * f.bytesPerBlock()
	}
	return uint64(width) * uint64(height) * f.bytesPerBlock()
}

// Coord addresses one tile of a sparse texture.
type Coord struct {
	Mip   uint32
	X     uint32
	Y     uint32
	Slice uint32
}

// String returns a compact representation of the coordinate.
func (c Coord) String() string {
	return fmt.Sprintf("mip%d(%d,%d)", c.Mip, c.X, c.Y)
}

// Subresource returns the flat subresource index of the coordinate.
func (c Coord) Subresource(mipLevels uint32) uint32 {
	return c.Slice*mipLevels + c.Mip
}

// Layout is the tile grid of one sparse texture. It is immutable.
type Layout struct {
	format     Format
	width      uint32
	height     uint32
	mipLevels  uint32
	tileWidth  uint32
	tileHeight uint32

	numStandardMips uint32
	tilesX          []uint32
	tilesY          []uint32
	base            []int // flat index of the first tile of each standard mip
	numTiles        int
}

// NumMipLevels returns the length of the full mip chain for the given size.
func NumMipLevels(width, height uint32) uint32 {
	m := max(width, height)
	if m == 0 {
		return 0
	}
	return uint32(bits.Len32(m))
}

// NewLayout computes the tile grid for a texture. A mipLevels of zero
// selects the full mip chain.
func NewLayout(format Format, width, height, mipLevels uint32) (*Layout, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidFormat, uint32(format))
	}
	full := NumMipLevels(width, height)
	if width == 0 || height == 0 || full > MaxMipLevels {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	if mipLevels == 0 || mipLevels > full {
		mipLevels = full
	}

	tw, th := format.Shape()
	l := &Layout{
		format:     format,
		width:      width,
		height:     height,
		mipLevels:  mipLevels,
		tileWidth:  tw,
		tileHeight: th,
	}

	for mip := uint32(0); mip < mipLevels; mip++ {
		w, h := l.MipSize(mip)
		if w < tw || h < th {
			break
		}
		l.tilesX = append(l.tilesX, DivRoundUp(w, tw))
		l.tilesY = append(l.tilesY, DivRoundUp(h, th))
		l.base = append(l.base, l.numTiles)
		l.numTiles += int(l.tilesX[mip] * l.tilesY[mip])
		l.numStandardMips++
	}
	return l, nil
}

// Format returns the pixel format.
func (l *Layout) Format() Format { return l.format }

// Width returns the width of mip 0 in texels.
func (l *Layout) Width() uint32 { return l.width }

// Height returns the height of mip 0 in texels.
func (l *Layout) Height() uint32 { return l.height }

// MipLevels returns the number of mip levels.
func (l *Layout) MipLevels() uint32 { return l.mipLevels }

// TileShape returns the tile size in texels.
func (l *Layout) TileShape() (width, height uint32) { return l.tileWidth, l.tileHeight }

// NumStandardMips returns the number of individually streamed mips.
func (l *Layout) NumStandardMips() uint32 { return l.numStandardMips }

// NumPackedMips returns the number of mips loaded as a single packed unit.
func (l *Layout) NumPackedMips() uint32 { return l.mipLevels - l.numStandardMips }

// NumTiles returns the number of streamable tiles across all standard mips.
func (l *Layout) NumTiles() int { return l.numTiles }

// MipSize returns the dimensions of a mip level in texels.
func (l *Layout) MipSize(mip uint32) (width, height uint32) {
	return max(l.width>>mip, 1), max(l.height>>mip, 1)
}

// TilesX returns the number of tile columns of a standard mip.
func (l *Layout) TilesX(mip uint32) uint32 {
	if mip >= l.numStandardMips {
		return 0
	}
	return l.tilesX[mip]
}

// TilesY returns the number of tile rows of a standard mip.
func (l *Layout) TilesY(mip uint32) uint32 {
	if mip >= l.numStandardMips {
		return 0
	}
	return l.tilesY[mip]
}

// FeedbackSize returns the dimensions of the min-mip feedback map, one
// entry per mip 0 tile. Textures without standard mips use a 1x1 map.
func (l *Layout) FeedbackSize() (width, height uint32) {
	if l.numStandardMips == 0 {
		return 1, 1
	}
	return l.tilesX[0], l.tilesY[0]
}

// Contains reports whether c addresses a streamable tile.
func (l *Layout) Contains(c Coord) bool {
	return c.Slice == 0 && c.Mip < l.numStandardMips &&
		c.X < l.tilesX[c.Mip] && c.Y < l.tilesY[c.Mip]
}

// Index returns the flat index of a streamable tile, or -1.
func (l *Layout) Index(c Coord) int {
	if !l.Contains(c) {
		return -1
	}
	return l.base[c.Mip] + int(c.Y*l.tilesX[c.Mip]+c.X)
}

// Coord returns the coordinate of a flat tile index.
func (l *Layout) Coord(index int) Coord {
	for mip := int(l.numStandardMips) - 1; mip >= 0; mip-- {
		if index >= l.base[mip] {
			i := uint32(index - l.base[mip])
			return Coord{Mip: uint32(mip), X: i % l.tilesX[mip], Y: i / l.tilesX[mip]}
		}
	}
	return Coord{}
}

// Covering returns the tile of a standard mip that covers the mip 0 tile
// at (x, y).
func (l *Layout) Covering(mip, x, y uint32) Coord {
	c := Coord{Mip: mip, X: x >> mip, Y: y >> mip}
	c.X = min(c.X, l.tilesX[mip]-1)
	c.Y = min(c.Y, l.tilesY[mip]-1)
	return c
}

// PackedMipsSize returns the size of the packed mip blob in bytes.
func (l *Layout) PackedMipsSize() uint64 {
	var size uint64
	for mip := l.numStandardMips; mip < l.mipLevels; mip++ {
		w, h := l.MipSize(mip)
		size += l.format.MipBytes(w, h)
	}
	return size
}
