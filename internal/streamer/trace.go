package streamer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// TraceDocument is the JSON layout of a trace file.
type TraceDocument struct {
	Session   string
	Resources []TraceResource
	Submits   [][]TraceRequest
}

// TraceResource describes a resource touched by a traced request.
type TraceResource struct {
	Resource uint64
	Format   uint32
	Dim      [3]uint32
}

// TraceRequest is one traced request. Coord holds x, y and subresource.
type TraceRequest struct {
	Resource    uint64
	Coord       [3]uint32
	File        string
	Offset      uint64
	Size        uint32
	Compression uint32
}

// ReadTrace parses a trace file.
func ReadTrace(path string) (*TraceDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := DecodeTrace(data)
	if err != nil {
		return nil, fmt.Errorf("streamer: trace %s: %w", path, err)
	}
	return doc, nil
}

// EncodeTrace serializes a trace document. The comp field is written only
// for compressed payloads.
func EncodeTrace(doc *TraceDocument) ([]byte, error) {
	w := jwriter.NewWriter()
	obj := w.Object()
	if doc.Session != "" {
		obj.Name("session").String(doc.Session)
	}

	resources := obj.Name("resources").Array()
	for _, r := range doc.Resources {
		ro := resources.Object()
		ro.Name("rsrc").Int(int(r.Resource)) //nolint:gosec // resource ids are small
		ro.Name("fmt").Int(int(r.Format))
		writeUint32s(ro.Name("dim"), r.Dim)
		ro.End()
	}
	resources.End()

	submits := obj.Name("submits").Array()
	for _, batch := range doc.Submits {
		reqs := submits.Array()
		for _, r := range batch {
			ro := reqs.Object()
			ro.Name("rsrc").Int(int(r.Resource)) //nolint:gosec // resource ids are small
			writeUint32s(ro.Name("coord"), r.Coord)
			ro.Name("file").String(r.File)
			ro.Name("off").Int(int(r.Offset)) //nolint:gosec // file offsets fit in int
			ro.Name("size").Int(int(r.Size))
			if r.Compression != 0 {
				ro.Name("comp").Int(int(r.Compression))
			}
			ro.End()
		}
		reqs.End()
	}
	submits.End()
	obj.End()

	if err := w.Error(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func writeUint32s(w *jwriter.Writer, v [3]uint32) {
	arr := w.Array()
	for _, x := range v {
		arr.Int(int(x))
	}
	arr.End()
}

// DecodeTrace parses a trace document. Unknown fields are ignored.
func DecodeTrace(data []byte) (*TraceDocument, error) {
	r := jreader.NewReader(data)
	doc := &TraceDocument{}
	for obj := r.Object(); obj.Next(); {
		switch string(obj.Name()) {
		case "session":
			doc.Session = r.String()
		case "resources":
			for arr := r.Array(); arr.Next(); {
				var res TraceResource
				for ro := r.Object(); ro.Next(); {
					switch string(ro.Name()) {
					case "rsrc":
						res.Resource = uint64(r.Int()) //nolint:gosec // written from uint64
					case "fmt":
						res.Format = uint32(r.Int()) //nolint:gosec // written from uint32
					case "dim":
						res.Dim = readUint32s(&r)
					default:
						_ = r.SkipValue()
					}
				}
				doc.Resources = append(doc.Resources, res)
			}
		case "submits":
			for arr := r.Array(); arr.Next(); {
				var batch []TraceRequest
				for reqs := r.Array(); reqs.Next(); {
					batch = append(batch, readTraceRequest(&r))
				}
				doc.Submits = append(doc.Submits, batch)
			}
		default:
			_ = r.SkipValue()
		}
	}
	if err := r.Error(); err != nil {
		return nil, err
	}
	return doc, nil
}

func readTraceRequest(r *jreader.Reader) TraceRequest {
	var req TraceRequest
	for obj := r.Object(); obj.Next(); {
		switch string(obj.Name()) {
		case "rsrc":
			req.Resource = uint64(r.Int()) //nolint:gosec // written from uint64
		case "coord":
			req.Coord = readUint32s(r)
		case "file":
			req.File = r.String()
		case "off":
			req.Offset = uint64(r.Int()) //nolint:gosec // written from uint64
		case "size":
			req.Size = uint32(r.Int()) //nolint:gosec // written from uint32
		case "comp":
			req.Compression = uint32(r.Int()) //nolint:gosec // written from uint32
		default:
			_ = r.SkipValue()
		}
	}
	return req
}

func readUint32s(r *jreader.Reader) [3]uint32 {
	var out [3]uint32
	i := 0
	for arr := r.Array(); arr.Next(); {
		v := r.Int()
		if i < len(out) {
			out[i] = uint32(v) //nolint:gosec // written from uint32
		}
		i++
	}
	return out
}

// traceRecorder groups requests by submission.
type traceRecorder struct {
	mu        sync.Mutex
	enabled   bool
	skipNext  bool
	submitted bool
	doc       TraceDocument
	seen      map[uint64]struct{}
}

func newTraceRecorder(session string) *traceRecorder {
	return &traceRecorder{
		doc:  TraceDocument{Session: session, Resources: []TraceResource{}, Submits: [][]TraceRequest{}},
		seen: make(map[uint64]struct{}),
	}
}

// setEnabled starts or stops capture. Starting after work was already
// submitted skips the next submission, which may belong to a frame that
// began before capture.
func (t *traceRecorder) setEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if on && !t.enabled {
		t.skipNext = t.submitted
	}
	t.enabled = on
}

func (t *traceRecorder) record(reqs []Request) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.submitted = true
	if !t.enabled {
		return
	}
	if t.skipNext {
		t.skipNext = false
		return
	}

	batch := make([]TraceRequest, 0, len(reqs))
	for i := range reqs {
		r := &reqs[i]
		e, err := r.entry()
		if err != nil {
			continue
		}
		l := r.File.info.Layout
		tr := TraceRequest{
			Resource:    r.Resource,
			Coord:       [3]uint32{r.Coord.X, r.Coord.Y, r.Coord.Subresource(l.MipLevels())},
			File:        r.File.name,
			Offset:      e.Offset,
			Size:        e.Size,
			Compression: uint32(r.File.info.Compression),
		}
		if r.Packed {
			tr.Coord = [3]uint32{0, 0, l.NumStandardMips()}
		}
		batch = append(batch, tr)

		if _, ok := t.seen[r.Resource]; !ok {
			t.seen[r.Resource] = struct{}{}
			t.doc.Resources = append(t.doc.Resources, TraceResource{
				Resource: r.Resource,
				Format:   uint32(l.Format()),
				Dim:      [3]uint32{l.Width(), l.Height(), l.MipLevels()},
			})
		}
	}
	if len(batch) > 0 {
		t.doc.Submits = append(t.doc.Submits, batch)
	}
}

// write serializes the trace to the first unused uploadTraceFile_<N>.json
// in dir. It writes nothing and returns "" when nothing was captured.
func (t *traceRecorder) write(dir string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.doc.Submits) == 0 {
		return "", nil
	}
	data, err := EncodeTrace(&t.doc)
	if err != nil {
		return "", fmt.Errorf("streamer: encode trace: %w", err)
	}

	for n := 1; ; n++ {
		path := filepath.Join(dir, fmt.Sprintf("uploadTraceFile_%d.json", n))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("streamer: create trace: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return "", fmt.Errorf("streamer: write trace: %w", err)
		}
		return path, f.Close()
	}
}
