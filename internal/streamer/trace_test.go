package streamer

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/gogpu/tilestream/internal/tile"
	"github.com/gogpu/tilestream/internal/tsf"
)

func submitThree(t *testing.T, s Streamer, h *FileHandle, resource uint64) {
	t.Helper()
	reqs := make([]Request, 3)
	for i := range reqs {
		reqs[i] = Request{File: h, Coord: tile.Coord{Mip: 0, X: uint32(i)}, Resource: resource, Dest: &sink{}}
	}
	sub, err := s.Submit(reqs)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitCompleted(t, s, sub.FenceValue)
}

func TestTraceTwoSubmissions(t *testing.T) {
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeTestFile(t, dir, "tex.tsf", tsf.Zstd)
			s := f.new(WithTraceDir(dir), WithSession("test-session"))
			h, err := s.OpenFile(path)
			if err != nil {
				t.Fatalf("OpenFile: %v", err)
			}

			s.CaptureTrace(true)
			submitThree(t, s, h, 42)
			submitThree(t, s, h, 42)
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			doc, err := ReadTrace(filepath.Join(dir, "uploadTraceFile_1.json"))
			if err != nil {
				t.Fatalf("ReadTrace: %v", err)
			}
			if len(doc.Submits) != 2 {
				t.Fatalf("submits = %d, want 2", len(doc.Submits))
			}
			for i, batch := range doc.Submits {
				if len(batch) != 3 {
					t.Errorf("submits[%d] has %d requests, want 3", i, len(batch))
				}
			}
			if len(doc.Resources) != 1 {
				t.Fatalf("resources = %d, want 1", len(doc.Resources))
			}
			r := doc.Resources[0]
			if r.Resource != 42 || r.Format != uint32(tile.FormatRGBA8) || r.Dim != [3]uint32{512, 512, 10} {
				t.Errorf("resource = %+v", r)
			}
			req := doc.Submits[0][1]
			if req.Coord != [3]uint32{1, 0, 0} || req.File != h.Name() || req.Compression != uint32(tsf.Zstd) {
				t.Errorf("request = %+v", req)
			}
			if doc.Session != "test-session" {
				t.Errorf("session = %q", doc.Session)
			}
		})
	}
}

func TestTraceMidStreamSkipsFirstSubmission(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "tex.tsf", tsf.None)
	s := NewReference(WithTraceDir(dir))
	h, _ := s.OpenFile(path)

	submitThree(t, s, h, 1)
	s.CaptureTrace(true)
	submitThree(t, s, h, 1)
	submitThree(t, s, h, 2)
	_ = s.Close()

	doc, err := ReadTrace(filepath.Join(dir, "uploadTraceFile_1.json"))
	if err != nil {
		t.Fatalf("ReadTrace: %v", err)
	}
	if len(doc.Submits) != 1 {
		t.Errorf("submits = %d, want 1", len(doc.Submits))
	}
	if len(doc.Resources) != 1 || doc.Resources[0].Resource != 2 {
		t.Errorf("resources = %+v, want only resource 2", doc.Resources)
	}
	if doc.Submits[0][0].Compression != 0 {
		t.Errorf("comp = %d, want omitted", doc.Submits[0][0].Compression)
	}
}

func TestTraceFileNumbering(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "uploadTraceFile_1.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := writeTestFile(t, dir, "tex.tsf", tsf.None)
	s := NewAccelerated(WithTraceDir(dir))
	h, _ := s.OpenFile(path)
	s.CaptureTrace(true)
	submitThree(t, s, h, 1)
	_ = s.Close()

	if _, err := os.Stat(filepath.Join(dir, "uploadTraceFile_2.json")); err != nil {
		t.Errorf("uploadTraceFile_2.json: %v", err)
	}
}

func TestTraceNothingCaptured(t *testing.T) {
	dir := t.TempDir()
	s := NewReference(WithTraceDir(dir))
	s.CaptureTrace(true)
	_ = s.Close()

	if _, err := os.Stat(filepath.Join(dir, "uploadTraceFile_1.json")); !os.IsNotExist(err) {
		t.Errorf("trace file written without submissions: %v", err)
	}
}

func TestTraceUnwritableDirIsBestEffort(t *testing.T) {
	for _, f := range factories {
		t.Run(f.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeTestFile(t, dir, "tex.tsf", tsf.None)
			s := f.new(WithTraceDir(filepath.Join(dir, "missing")))
			h, err := s.OpenFile(path)
			if err != nil {
				t.Fatalf("OpenFile: %v", err)
			}
			s.CaptureTrace(true)
			submitThree(t, s, h, 1)
			submitThree(t, s, h, 1)
			if err := s.Close(); err != nil {
				t.Errorf("Close = %v, want nil when the trace cannot be written", err)
			}
			if _, err := os.Stat(filepath.Join(dir, "missing")); !os.IsNotExist(err) {
				t.Errorf("trace dir created: %v", err)
			}
		})
	}
}

// =============================================================================
// Trace encoding Tests
// =============================================================================

func TestEncodeTrace(t *testing.T) {
	doc := &TraceDocument{
		Session:   "s1",
		Resources: []TraceResource{{Resource: 7, Format: uint32(tile.FormatBC7), Dim: [3]uint32{1024, 512, 11}}},
		Submits: [][]TraceRequest{
			{{Resource: 7, Coord: [3]uint32{1, 2, 0}, File: "a.tsf", Offset: 4096, Size: 900, Compression: 1}},
			{
				{Resource: 7, Coord: [3]uint32{0, 0, 3}, File: "a.tsf", Offset: 100, Size: 20},
				{Resource: 7, Coord: [3]uint32{3, 1, 1}, File: "a.tsf", Offset: 8192, Size: 65536},
			},
		},
	}
	data, err := EncodeTrace(doc)
	if err != nil {
		t.Fatalf("EncodeTrace: %v", err)
	}
	if got := strings.Count(string(data), `"comp"`); got != 1 {
		t.Errorf("comp written %d times, want 1 (compressed requests only)", got)
	}
	for _, key := range []string{`"rsrc":7`, `"fmt":`, `"dim":[1024,512,11]`, `"coord":[1,2,0]`, `"off":4096`, `"size":900`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("trace lacks %s: %s", key, data)
		}
	}

	got, err := DecodeTrace(data)
	if err != nil {
		t.Fatalf("DecodeTrace: %v", err)
	}
	if !reflect.DeepEqual(got, doc) {
		t.Errorf("DecodeTrace = %+v, want %+v", got, doc)
	}
}

func TestDecodeTraceSkipsUnknownFields(t *testing.T) {
	data := []byte(`{
		"version": {"major": 2, "tags": ["x"]},
		"resources": [{"rsrc": 3, "fmt": 1, "dim": [256, 256, 9], "name": "rock"}],
		"submits": [[{"rsrc": 3, "coord": [0, 1, 2], "file": "rock.tsf", "off": 64, "size": 10, "extra": null}]]
	}`)
	doc, err := DecodeTrace(data)
	if err != nil {
		t.Fatalf("DecodeTrace: %v", err)
	}
	if len(doc.Resources) != 1 || doc.Resources[0].Dim != [3]uint32{256, 256, 9} {
		t.Errorf("resources = %+v", doc.Resources)
	}
	if len(doc.Submits) != 1 || len(doc.Submits[0]) != 1 {
		t.Fatalf("submits = %+v", doc.Submits)
	}
	want := TraceRequest{Resource: 3, Coord: [3]uint32{0, 1, 2}, File: "rock.tsf", Offset: 64, Size: 10}
	if got := doc.Submits[0][0]; got != want {
		t.Errorf("request = %+v, want %+v", got, want)
	}
}

func TestDecodeTraceMalformed(t *testing.T) {
	for _, data := range []string{``, `[]`, `{"submits": [[{"rsrc": "x"}]]}`, `{"resources": [`} {
		if _, err := DecodeTrace([]byte(data)); err == nil {
			t.Errorf("DecodeTrace(%q) = nil error", data)
		}
	}
}
