// Package streamer copies tile data from tsf files into heap memory.
//
// A Streamer accepts batches of requests and completes each batch
// asynchronously. Every batch is assigned a fence value; values complete
// in submission order, so Completed(v) implies every earlier batch is
// complete as well. Requests within a batch complete in no particular
// order.
//
// Two implementations share the interface. Reference reads every request
// on a worker pool. Accelerated sorts each batch by file offset, merges
// adjacent reads and decompresses on a separate stage.
package streamer

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/gogpu/tilestream/internal/device"
	"github.com/gogpu/tilestream/internal/fence"
	"github.com/gogpu/tilestream/internal/tile"
	"github.com/gogpu/tilestream/internal/tsf"
)

// Streamer errors.
var (
	// ErrFileNotFound is returned by OpenFile when the path does not resolve.
	ErrFileNotFound = errors.New("streamer: file not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("streamer: closed")

	// ErrEmptySubmission is returned by Submit for an empty batch.
	ErrEmptySubmission = errors.New("streamer: empty submission")

	// ErrBadRequest is reported for requests that address no tile.
	ErrBadRequest = errors.New("streamer: bad request")
)

// Streamer is an asynchronous file-to-GPU copy engine.
type Streamer interface {
	// OpenFile opens a tsf file and parses its header.
	OpenFile(name string) (*FileHandle, error)

	// Submit starts a batch of copies and returns immediately.
	Submit(reqs []Request) (*Submission, error)

	// Completed reports whether the batch with the given fence value,
	// and every batch before it, has completed.
	Completed(fenceValue uint64) bool

	// CaptureTrace starts or stops recording submitted requests.
	CaptureTrace(enable bool)

	// SetVisualizationMode selects substitute tile data.
	SetVisualizationMode(m Mode)

	// Close waits for in-flight batches, closes open files and writes the
	// trace file if one was captured.
	Close() error
}

// Destination receives the decoded bytes of one request.
type Destination interface {
	Write(data []byte) error
}

// PageDest writes a tile into a heap page.
type PageDest struct {
	Mem  device.HeapMemory
	Page uint32
}

// Write implements Destination.
func (d PageDest) Write(data []byte) error { return d.Mem.WritePage(d.Page, data) }

// PackedDest writes the packed mip blob of a texture.
type PackedDest struct {
	Texture device.Texture
}

// Write implements Destination.
func (d PackedDest) Write(data []byte) error { return d.Texture.WritePackedMips(data) }

// Request copies one tile, or the packed mips, of a file.
type Request struct {
	// File is the source file.
	File *FileHandle

	// Coord is the tile to copy. Ignored when Packed is set.
	Coord tile.Coord

	// Packed selects the packed mip blob.
	Packed bool

	// Resource identifies the destination resource in traces.
	Resource uint64

	// Dest receives the data.
	Dest Destination
}

// entry locates the request's payload in its file.
func (r *Request) entry() (tsf.Entry, error) {
	if r.File == nil || r.Dest == nil {
		return tsf.Entry{}, fmt.Errorf("%w: missing file or destination", ErrBadRequest)
	}
	if r.Packed {
		return r.File.info.Packed, nil
	}
	e, ok := r.File.info.Tile(r.Coord)
	if !ok {
		return tsf.Entry{}, fmt.Errorf("%w: %s not in %s", ErrBadRequest, r.Coord, r.File.name)
	}
	return e, nil
}

// Submission is one batch of requests.
type Submission struct {
	// FenceValue completes when every request of the batch has finished.
	FenceValue uint64

	// Requests are the submitted requests.
	Requests []Request

	// Errs holds one error per request. It is written by the streamer
	// and may be read once Completed(FenceValue) reports true.
	Errs []error

	// Submitted is the time Submit was called.
	Submitted time.Time
}

// Failed returns the number of failed requests. Valid once complete.
func (s *Submission) Failed() int {
	n := 0
	for _, err := range s.Errs {
		if err != nil {
			n++
		}
	}
	return n
}

// FileHandle is an open tsf file.
type FileHandle struct {
	name  string
	file  *os.File
	info  *tsf.File
	owner *base
	once  sync.Once
}

// Name returns the NFC-normalized file name.
func (h *FileHandle) Name() string { return h.name }

// Info returns the parsed file header.
func (h *FileHandle) Info() *tsf.File { return h.info }

// Layout returns the tile layout of the stored texture.
func (h *FileHandle) Layout() *tile.Layout { return h.info.Layout }

// Close closes the file. Close is safe to call multiple times.
func (h *FileHandle) Close() error {
	var err error
	h.once.Do(func() {
		h.owner.forget(h)
		err = h.file.Close()
	})
	return err
}

// Option configures a streamer.
type Option func(*options)

type options struct {
	workers  int
	traceDir string
	session  string
	maxRead  int
}

// WithWorkers sets the number of copy workers of the Reference streamer.
// Zero or negative uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithTraceDir sets the directory trace files are written to.
func WithTraceDir(dir string) Option {
	return func(o *options) { o.traceDir = dir }
}

// WithSession sets the session id recorded in trace files.
func WithSession(id string) Option {
	return func(o *options) { o.session = id }
}

// WithMaxRead caps the size of one merged read of the Accelerated
// streamer.
func WithMaxRead(bytes int) Option {
	return func(o *options) { o.maxRead = bytes }
}

func buildOptions(opts []Option) options {
	o := options{traceDir: ".", maxRead: 4 << 20}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Stats contains streamer counters.
type Stats struct {
	Submissions uint64
	Requests    uint64
	Reads       uint64
	Failed      uint64
}

// base holds what both implementations share.
type base struct {
	opts  options
	seq   *fence.Sequencer
	trace *traceRecorder

	mode      atomic.Uint32
	nextColor atomic.Uint32

	submissions atomic.Uint64
	requests    atomic.Uint64
	reads       atomic.Uint64
	failed      atomic.Uint64

	mu     sync.Mutex
	files  map[*FileHandle]struct{}
	closed bool
}

func newBase(opts []Option) *base {
	o := buildOptions(opts)
	return &base{
		opts:  o,
		seq:   fence.NewSequencer(fence.New(0)),
		trace: newTraceRecorder(o.session),
		files: make(map[*FileHandle]struct{}),
	}
}

// OpenFile implements Streamer.
func (b *base) OpenFile(name string) (*FileHandle, error) {
	key := norm.NFC.String(name)
	f, err := os.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, key)
		}
		return nil, fmt.Errorf("streamer: open %s: %w", key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("streamer: stat %s: %w", key, err)
	}
	info, err := tsf.Read(f, st.Size())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("streamer: %s: %w", key, err)
	}

	h := &FileHandle{name: key, file: f, info: info, owner: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = f.Close()
		return nil, ErrClosed
	}
	b.files[h] = struct{}{}
	return h, nil
}

func (b *base) forget(h *FileHandle) {
	b.mu.Lock()
	delete(b.files, h)
	b.mu.Unlock()
}

// Completed implements Streamer.
func (b *base) Completed(fenceValue uint64) bool {
	return b.seq.Fence().IsComplete(fenceValue)
}

// CaptureTrace implements Streamer.
func (b *base) CaptureTrace(enable bool) { b.trace.setEnabled(enable) }

// SetVisualizationMode implements Streamer.
func (b *base) SetVisualizationMode(m Mode) { b.mode.Store(uint32(m)) }

// Stats returns the streamer counters.
func (b *base) Stats() Stats {
	return Stats{
		Submissions: b.submissions.Load(),
		Requests:    b.requests.Load(),
		Reads:       b.reads.Load(),
		Failed:      b.failed.Load(),
	}
}

// newSubmission assigns the next fence value. Caller holds b.mu.
func (b *base) newSubmission(reqs []Request) (*Submission, error) {
	if b.closed {
		return nil, ErrClosed
	}
	if len(reqs) == 0 {
		return nil, ErrEmptySubmission
	}
	sub := &Submission{
		FenceValue: b.seq.Next(),
		Requests:   reqs,
		Errs:       make([]error, len(reqs)),
		Submitted:  time.Now(),
	}
	b.trace.record(reqs)
	b.submissions.Add(1)
	b.requests.Add(uint64(len(reqs)))
	return sub, nil
}

// finish logs failures and signals the submission's fence value.
func (b *base) finish(sub *Submission) {
	for i, err := range sub.Errs {
		if err == nil {
			continue
		}
		b.failed.Add(1)
		r := &sub.Requests[i]
		name := ""
		if r.File != nil {
			name = r.File.name
		}
		slogger().Warn("streamer: copy failed",
			"file", name, "coord", r.Coord.String(), "packed", r.Packed, "err", err)
	}
	b.seq.Done(sub.FenceValue)
}

// read reads the raw payload of one request.
func (b *base) read(r *Request) ([]byte, error) {
	e, err := r.entry()
	if err != nil {
		return nil, err
	}
	raw := make([]byte, e.Size)
	b.reads.Add(1)
	n, err := r.File.file.ReadAt(raw, int64(e.Offset)) //nolint:gosec // offsets are below 2^63
	if n < len(raw) {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("streamer: read %s: %w", r.File.name, err)
	}
	return raw, nil
}

// deliver decodes a raw payload and writes it to the destination.
func (b *base) deliver(r *Request, raw []byte) error {
	limit := tile.SizeInBytes
	if r.Packed {
		limit = int(r.File.info.Layout.PackedMipsSize()) //nolint:gosec // packed mips are far below 2 GiB
	}
	data, err := tsf.Decode(r.File.info.Compression, raw, limit)
	if err != nil {
		return fmt.Errorf("streamer: decode %s: %w", r.File.name, err)
	}
	if r.Packed {
		if want := r.File.info.Layout.PackedMipsSize(); uint64(len(data)) != want {
			return fmt.Errorf("streamer: packed mips of %s are %d bytes, want %d", r.File.name, len(data), want)
		}
	} else if len(data) > tile.SizeInBytes {
		return fmt.Errorf("streamer: tile %s of %s is %d bytes", r.Coord, r.File.name, len(data))
	}
	return r.Dest.Write(data)
}

// substitute returns visualization data for a request, or nil when the
// file data should be used.
func (b *base) substitute(r *Request) []byte {
	if !b.visualizing(r) {
		return nil
	}
	mode := Mode(b.mode.Load())
	color := r.Coord.Mip
	if mode == ModeTileColors {
		color = b.nextColor.Add(1) + 6
	}
	return paletteBlock(r.File.info.Format, color)
}

func (b *base) visualizing(r *Request) bool {
	return Mode(b.mode.Load()) != ModeOff && !r.Packed && r.File != nil
}

// copyOne runs one request end to end.
func (b *base) copyOne(r *Request) error {
	if r.Dest == nil {
		return fmt.Errorf("%w: missing destination", ErrBadRequest)
	}
	if data := b.substitute(r); data != nil {
		return r.Dest.Write(data)
	}
	raw, err := b.read(r)
	if err != nil {
		return err
	}
	return b.deliver(r, raw)
}

// shutdown closes open files and writes the trace. Caller has stopped
// all copy goroutines.
func (b *base) shutdown() {
	b.mu.Lock()
	files := make([]*FileHandle, 0, len(b.files))
	for h := range b.files {
		files = append(files, h)
	}
	b.mu.Unlock()
	for _, h := range files {
		_ = h.Close()
	}

	path, err := b.trace.write(b.opts.traceDir)
	if err != nil {
		slogger().Warn("streamer: trace file not written", "err", err)
		return
	}
	if path != "" {
		slogger().Info("streamer: trace file written", "path", path)
	}
}
