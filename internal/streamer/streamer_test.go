package streamer

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/tilestream/internal/tile"
	"github.com/gogpu/tilestream/internal/tsf"
)

var (
	_ Streamer = (*Reference)(nil)
	_ Streamer = (*Accelerated)(nil)
)

// writeTestFile writes a tsf file whose tile payloads are filled with
// their tile index.
func writeTestFile(t *testing.T, dir, name string, comp tsf.Compression) string {
	t.Helper()
	h := tsf.Header{Format: tile.FormatRGBA8, Width: 512, Height: 512, Compression: comp}
	l, err := tile.NewLayout(h.Format, h.Width, h.Height, 0)
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	tiles := make([][]byte, l.NumTiles())
	for i := range tiles {
		tiles[i] = bytes.Repeat([]byte{byte(i + 1)}, 4096)
	}
	var buf bytes.Buffer
	if err := tsf.Write(&buf, h, make([]byte, l.PackedMipsSize()), tiles); err != nil {
		t.Fatalf("tsf.Write: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// sink records the data written to it.
type sink struct {
	mu   sync.Mutex
	data []byte
	err  error
}

func (s *sink) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append([]byte(nil), data...)
	return s.err
}

func (s *sink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

func waitCompleted(t *testing.T, s Streamer, fv uint64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !s.Completed(fv) {
		if time.Now().After(deadline) {
			t.Fatalf("fence value %d not completed", fv)
		}
		time.Sleep(time.Millisecond)
	}
}

type factory struct {
	name string
	new  func(opts ...Option) Streamer
}

var factories = []factory{
	{"Reference", func(opts ...Option) Streamer { return NewReference(append(opts, WithWorkers(2))...) }},
	{"Accelerated", func(opts ...Option) Streamer { return NewAccelerated(opts...) }},
}

// =============================================================================
// OpenFile Tests
// =============================================================================

func TestOpenFileNotFound(t *testing.T) {
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			s := f.new()
			defer s.Close()
			_, err := s.OpenFile(filepath.Join(t.TempDir(), "missing.tsf"))
			if !errors.Is(err, ErrFileNotFound) {
				t.Errorf("OpenFile(missing) = %v, want ErrFileNotFound", err)
			}
		})
	}
}

func TestOpenFileNotTSF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.tsf")
	if err := os.WriteFile(path, []byte("not a tile file at all, really not"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewReference()
	defer s.Close()
	if _, err := s.OpenFile(path); !errors.Is(err, tsf.ErrBadMagic) {
		t.Errorf("OpenFile(junk) = %v, want tsf.ErrBadMagic", err)
	}
}

// =============================================================================
// Submit Tests
// =============================================================================

func TestSubmitCopiesTiles(t *testing.T) {
	for _, f := range factories {
		for _, comp := range []tsf.Compression{tsf.None, tsf.Zstd} {
			t.Run(f.name+"/"+comp.String(), func(t *testing.T) {
				dir := t.TempDir()
				path := writeTestFile(t, dir, "tex.tsf", comp)
				s := f.new()
				defer s.Close()

				h, err := s.OpenFile(path)
				if err != nil {
					t.Fatalf("OpenFile: %v", err)
				}
				l := h.Layout()
				sinks := make([]*sink, l.NumTiles())
				reqs := make([]Request, l.NumTiles())
				for i := range reqs {
					sinks[i] = &sink{}
					reqs[i] = Request{File: h, Coord: l.Coord(i), Resource: 1, Dest: sinks[i]}
				}
				packed := &sink{}
				reqs = append(reqs, Request{File: h, Packed: true, Resource: 1, Dest: packed})

				sub, err := s.Submit(reqs)
				if err != nil {
					t.Fatalf("Submit: %v", err)
				}
				waitCompleted(t, s, sub.FenceValue)

				if n := sub.Failed(); n != 0 {
					t.Fatalf("Failed() = %d, errs %v", n, sub.Errs)
				}
				for i, sk := range sinks {
					got := sk.bytes()
					if len(got) != 4096 || got[0] != byte(i+1) {
						t.Errorf("tile %d: got %d bytes", i, len(got))
					}
				}
				if uint64(len(packed.bytes())) != l.PackedMipsSize() {
					t.Errorf("packed = %d bytes, want %d", len(packed.bytes()), l.PackedMipsSize())
				}
			})
		}
	}
}

func TestSubmitPerRequestErrors(t *testing.T) {
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			path := writeTestFile(t, t.TempDir(), "tex.tsf", tsf.None)
			s := f.new()
			defer s.Close()
			h, _ := s.OpenFile(path)

			good := &sink{}
			failing := &sink{err: errors.New("device lost")}
			reqs := []Request{
				{File: h, Coord: tile.Coord{Mip: 0, X: 0, Y: 0}, Dest: good},
				{File: h, Coord: tile.Coord{Mip: 0, X: 9, Y: 9}, Dest: &sink{}},
				{File: h, Coord: tile.Coord{Mip: 1, X: 0, Y: 0}, Dest: failing},
			}
			sub, err := s.Submit(reqs)
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			waitCompleted(t, s, sub.FenceValue)

			if sub.Errs[0] != nil {
				t.Errorf("Errs[0] = %v, want nil", sub.Errs[0])
			}
			if !errors.Is(sub.Errs[1], ErrBadRequest) {
				t.Errorf("Errs[1] = %v, want ErrBadRequest", sub.Errs[1])
			}
			if sub.Errs[2] == nil {
				t.Error("Errs[2] = nil, want destination error")
			}
			if sub.Failed() != 2 {
				t.Errorf("Failed() = %d, want 2", sub.Failed())
			}
		})
	}
}

func TestSubmitEmptyAndClosed(t *testing.T) {
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			s := f.new()
			if _, err := s.Submit(nil); !errors.Is(err, ErrEmptySubmission) {
				t.Errorf("Submit(nil) = %v, want ErrEmptySubmission", err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if err := s.Close(); err != nil {
				t.Errorf("second Close: %v", err)
			}
			if _, err := s.Submit([]Request{{}}); !errors.Is(err, ErrClosed) {
				t.Errorf("Submit after Close = %v, want ErrClosed", err)
			}
		})
	}
}

// TestFenceMonotonic checks that completion is observed in submission
// order: once a value is complete, every earlier value is complete.
func TestFenceMonotonic(t *testing.T) {
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			path := writeTestFile(t, t.TempDir(), "tex.tsf", tsf.Zstd)
			s := f.new()
			defer s.Close()
			h, _ := s.OpenFile(path)
			l := h.Layout()

			var subs []*Submission
			for i := range 20 {
				sub, err := s.Submit([]Request{{File: h, Coord: l.Coord(i % l.NumTiles()), Dest: &sink{}}})
				if err != nil {
					t.Fatalf("Submit: %v", err)
				}
				if len(subs) > 0 && sub.FenceValue <= subs[len(subs)-1].FenceValue {
					t.Fatalf("fence value %d after %d", sub.FenceValue, subs[len(subs)-1].FenceValue)
				}
				subs = append(subs, sub)
			}

			deadline := time.Now().Add(5 * time.Second)
			for !s.Completed(subs[len(subs)-1].FenceValue) {
				for i := len(subs) - 1; i > 0; i-- {
					if s.Completed(subs[i].FenceValue) && !s.Completed(subs[i-1].FenceValue) {
						t.Fatalf("value %d complete before %d", subs[i].FenceValue, subs[i-1].FenceValue)
					}
				}
				if time.Now().After(deadline) {
					t.Fatal("submissions did not complete")
				}
			}
		})
	}
}

func TestSubmitTruncatedFile(t *testing.T) {
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			path := writeTestFile(t, t.TempDir(), "tex.tsf", tsf.None)
			s := f.new()
			defer s.Close()
			h, err := s.OpenFile(path)
			if err != nil {
				t.Fatalf("OpenFile: %v", err)
			}

			// Tiles are stored in index order; cut the file inside the last one.
			l := h.Layout()
			last := l.Coord(l.NumTiles() - 1)
			e, _ := h.Info().Tile(last)
			if err := os.Truncate(path, int64(e.Offset)+100); err != nil {
				t.Fatalf("Truncate: %v", err)
			}

			dst := &sink{}
			reqs := []Request{
				{File: h, Coord: l.Coord(l.NumTiles() - 2), Dest: &sink{}},
				{File: h, Coord: last, Dest: dst},
			}
			sub, err := s.Submit(reqs)
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			waitCompleted(t, s, sub.FenceValue)

			if !errors.Is(sub.Errs[1], io.ErrUnexpectedEOF) {
				t.Errorf("Errs[1] = %v, want io.ErrUnexpectedEOF", sub.Errs[1])
			}
			if dst.bytes() != nil {
				t.Errorf("truncated tile wrote %d bytes", len(dst.bytes()))
			}
			if sub.Failed() == 0 {
				t.Error("Failed() = 0 after a short read")
			}
		})
	}
}

func TestAcceleratedMergesAdjacentReads(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "tex.tsf", tsf.None)
	s := NewAccelerated()
	defer s.Close()
	h, _ := s.OpenFile(path)

	// The last row of mip 0 is stored back to back; submit it shuffled.
	reqs := []Request{
		{File: h, Coord: tile.Coord{Mip: 0, X: 3, Y: 3}, Dest: &sink{}},
		{File: h, Coord: tile.Coord{Mip: 0, X: 1, Y: 3}, Dest: &sink{}},
		{File: h, Coord: tile.Coord{Mip: 0, X: 2, Y: 3}, Dest: &sink{}},
		{File: h, Coord: tile.Coord{Mip: 0, X: 0, Y: 3}, Dest: &sink{}},
	}
	sub, err := s.Submit(reqs)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitCompleted(t, s, sub.FenceValue)

	if sub.Failed() != 0 {
		t.Fatalf("errs %v", sub.Errs)
	}
	if st := s.Stats(); st.Reads != 1 {
		t.Errorf("Reads = %d, want 1", st.Reads)
	}
	for i, r := range reqs {
		want := byte(h.Layout().Index(r.Coord) + 1)
		if got := r.Dest.(*sink).bytes(); len(got) == 0 || got[0] != want {
			t.Errorf("request %d: wrong payload", i)
		}
	}
}

// =============================================================================
// Visualization Tests
// =============================================================================

func TestVisualizationMipColors(t *testing.T) {
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			path := writeTestFile(t, t.TempDir(), "tex.tsf", tsf.Zstd)
			s := f.new()
			defer s.Close()
			h, _ := s.OpenFile(path)
			s.SetVisualizationMode(ModeMipColors)

			dst := &sink{}
			sub, _ := s.Submit([]Request{{File: h, Coord: tile.Coord{Mip: 1}, Dest: dst}})
			waitCompleted(t, s, sub.FenceValue)

			if !bytes.Equal(dst.bytes(), paletteBlock(tile.FormatRGBA8, 1)) {
				t.Error("tile data is not the mip 1 palette color")
			}
		})
	}
}

func TestPaletteBlocks(t *testing.T) {
	for _, f := range []tile.Format{tile.FormatRGBA8, tile.FormatBC1, tile.FormatBC7} {
		b := paletteBlock(f, 3)
		if len(b) != tile.SizeInBytes {
			t.Errorf("%s block = %d bytes, want %d", f, len(b), tile.SizeInBytes)
		}
	}
	if &paletteBlock(tile.FormatBC7, 2)[0] != &paletteBlock(tile.FormatBC7, 18)[0] {
		t.Error("color indices should wrap at 16")
	}

	// White in BC7 mode 3: mode bit 3 set, all 7-bit endpoints 0x7f.
	w := paletteBlock(tile.FormatBC7, 0)
	if w[0]&0x0f != 0x08 {
		t.Errorf("BC7 mode bits = %#x, want 0x08", w[0]&0x0f)
	}
	rgba := paletteBlock(tile.FormatRGBA8, 0)
	if !bytes.Equal(rgba[:4], []byte{0xff, 0xff, 0xff, 0xff}) {
		t.Errorf("RGBA8 white = %v", rgba[:4])
	}
}
