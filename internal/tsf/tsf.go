// Package tsf reads and writes tiled streaming files.
//
// A tsf file holds one texture laid out for tile streaming: a fixed
// little-endian header, a table locating every standard-mip tile, the
// packed mip blob and the tile payloads. Payloads may be zstd compressed;
// each decompresses to at most one 64 KiB tile.
//
//	magic       [4]byte "TSF1"
//	version     uint32
//	format      uint32  tile.Format
//	width       uint32
//	height      uint32
//	mipLevels   uint32
//	compression uint32  Compression
//	packedOff   uint64
//	packedSize  uint32
//	numTiles    uint32
//	tiles       numTiles x {offset uint64, size uint32}, (mip, y, x) order
package tsf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gogpu/tilestream/internal/tile"
)

// Version is the file format version written by Write.
const Version = 1

var magic = [4]byte{'T', 'S', 'F', '1'}

// File errors.
var (
	// ErrBadMagic is returned for files that are not tsf files.
	ErrBadMagic = errors.New("tsf: bad magic")

	// ErrVersion is returned for unsupported format versions.
	ErrVersion = errors.New("tsf: unsupported version")

	// ErrCorrupt is returned when the header or tile table is inconsistent.
	ErrCorrupt = errors.New("tsf: corrupt file")

	// ErrTooLarge is returned for payloads larger than their destination.
	ErrTooLarge = errors.New("tsf: payload too large")
)

// Compression identifies the payload encoding.
type Compression uint32

const (
	// None stores payloads uncompressed.
	None Compression = 0

	// Zstd stores payloads as independent zstd frames.
	Zstd Compression = 1
)

// String returns the compression name.
func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", c)
	}
}

// Header describes the texture stored in a file.
type Header struct {
	Format      tile.Format
	Width       uint32
	Height      uint32
	MipLevels   uint32
	Compression Compression
}

// Entry locates one payload in the file.
type Entry struct {
	Offset uint64
	Size   uint32
}

// File is a parsed tsf header and tile table.
type File struct {
	Header
	Layout *tile.Layout
	Packed Entry
	Tiles  []Entry
}

// fixedHeader is the on-disk header.
type fixedHeader struct {
	Magic       [4]byte
	Version     uint32
	Format      uint32
	Width       uint32
	Height      uint32
	MipLevels   uint32
	Compression uint32
	PackedOff   uint64
	PackedSize  uint32
	NumTiles    uint32
}

const (
	fixedHeaderSize = 4 + 4*6 + 8 + 4 + 4
	entrySize       = 12
)

// Read parses the header and tile table of a tsf file of size bytes.
// Every payload must lie within the file and be no larger than the
// stored bound of its decoded size.
func Read(r io.ReaderAt, size int64) (*File, error) {
	var m [4]byte
	if n, _ := r.ReadAt(m[:], 0); n < len(m) || m != magic {
		return nil, ErrBadMagic
	}
	var fh fixedHeader
	if err := binary.Read(io.NewSectionReader(r, 0, fixedHeaderSize), binary.LittleEndian, &fh); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorrupt, err)
	}
	if fh.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, fh.Version)
	}
	comp := Compression(fh.Compression)
	if comp != None && comp != Zstd {
		return nil, fmt.Errorf("%w: compression %d", ErrCorrupt, fh.Compression)
	}

	layout, err := tile.NewLayout(tile.Format(fh.Format), fh.Width, fh.Height, fh.MipLevels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if int(fh.NumTiles) != layout.NumTiles() {
		return nil, fmt.Errorf("%w: %d tiles, layout has %d", ErrCorrupt, fh.NumTiles, layout.NumTiles())
	}
	tableEnd := int64(fixedHeaderSize) + int64(fh.NumTiles)*entrySize
	if tableEnd > size {
		return nil, fmt.Errorf("%w: tile table ends at %d, file is %d bytes", ErrCorrupt, tableEnd, size)
	}

	table := make([]byte, int(fh.NumTiles)*entrySize)
	if _, err := r.ReadAt(table, fixedHeaderSize); err != nil {
		return nil, fmt.Errorf("%w: tile table: %w", ErrCorrupt, err)
	}
	f := &File{
		Header: Header{
			Format:      layout.Format(),
			Width:       fh.Width,
			Height:      fh.Height,
			MipLevels:   layout.MipLevels(),
			Compression: comp,
		},
		Layout: layout,
		Packed: Entry{Offset: fh.PackedOff, Size: fh.PackedSize},
		Tiles:  make([]Entry, fh.NumTiles),
	}
	if err := checkEntry(f.Packed, layout.PackedMipsSize(), size); err != nil {
		return nil, fmt.Errorf("packed mips: %w", err)
	}
	for i := range f.Tiles {
		e := table[i*entrySize:]
		f.Tiles[i] = Entry{
			Offset: binary.LittleEndian.Uint64(e),
			Size:   binary.LittleEndian.Uint32(e[8:]),
		}
		if err := checkEntry(f.Tiles[i], tile.SizeInBytes, size); err != nil {
			return nil, fmt.Errorf("tile %s: %w", layout.Coord(i), err)
		}
	}
	return f, nil
}

// checkEntry validates a payload entry against its decoded size bound and
// the file size.
func checkEntry(e Entry, decoded uint64, size int64) error {
	if uint64(e.Size) > MaxStoredSize(decoded) {
		return fmt.Errorf("%w: %d bytes stored, at most %d decoded", ErrCorrupt, e.Size, decoded)
	}
	if e.Offset > uint64(size) || uint64(e.Size) > uint64(size)-e.Offset { //nolint:gosec // size is a file length
		return fmt.Errorf("%w: payload %d+%d past end of file (%d bytes)", ErrCorrupt, e.Offset, e.Size, size)
	}
	return nil
}

// Tile returns the entry of a standard-mip tile.
func (f *File) Tile(c tile.Coord) (Entry, bool) {
	i := f.Layout.Index(c)
	if i < 0 {
		return Entry{}, false
	}
	return f.Tiles[i], true
}

// Write writes a tsf file. tiles holds the uncompressed payload of every
// standard-mip tile in layout index order; packed is the uncompressed
// packed mip blob. Payloads are compressed per h.Compression.
func Write(w io.Writer, h Header, packed []byte, tiles [][]byte) error {
	layout, err := tile.NewLayout(h.Format, h.Width, h.Height, h.MipLevels)
	if err != nil {
		return err
	}
	if len(tiles) != layout.NumTiles() {
		return fmt.Errorf("tsf: %d tiles, layout has %d", len(tiles), layout.NumTiles())
	}
	if uint64(len(packed)) != layout.PackedMipsSize() {
		return fmt.Errorf("tsf: packed mips are %d bytes, want %d", len(packed), layout.PackedMipsSize())
	}

	payloads := make([][]byte, 0, len(tiles)+1)
	for i, t := range tiles {
		if len(t) > tile.SizeInBytes {
			return fmt.Errorf("tsf: tile %s is %d bytes", layout.Coord(i), len(t))
		}
		p, err := Encode(h.Compression, t)
		if err != nil {
			return err
		}
		payloads = append(payloads, p)
	}
	pp, err := Encode(h.Compression, packed)
	if err != nil {
		return err
	}

	offset := uint64(fixedHeaderSize + len(tiles)*entrySize)
	fh := fixedHeader{
		Magic:       magic,
		Version:     Version,
		Format:      uint32(layout.Format()),
		Width:       h.Width,
		Height:      h.Height,
		MipLevels:   layout.MipLevels(),
		Compression: uint32(h.Compression),
		PackedOff:   offset,
		PackedSize:  uint32(len(pp)),    //nolint:gosec // packed mips are far below 4 GiB
		NumTiles:    uint32(len(tiles)), //nolint:gosec // bounded by layout
	}
	if err := binary.Write(w, binary.LittleEndian, &fh); err != nil {
		return fmt.Errorf("tsf: write header: %w", err)
	}

	offset += uint64(len(pp))
	table := make([]byte, len(tiles)*entrySize)
	for i, p := range payloads {
		binary.LittleEndian.PutUint64(table[i*entrySize:], offset)
		binary.LittleEndian.PutUint32(table[i*entrySize+8:], uint32(len(p))) //nolint:gosec // bounded by tile size
		offset += uint64(len(p))
	}
	if _, err := w.Write(table); err != nil {
		return fmt.Errorf("tsf: write tile table: %w", err)
	}
	if _, err := w.Write(pp); err != nil {
		return fmt.Errorf("tsf: write packed mips: %w", err)
	}
	for _, p := range payloads {
		if _, err := w.Write(p); err != nil {
			return fmt.Errorf("tsf: write tile: %w", err)
		}
	}
	return nil
}
