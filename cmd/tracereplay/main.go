// Command tracereplay replays an upload trace file against a file streamer
// and reports copy throughput.
//
// Tiles are written into host memory, so the measurement covers file
// reads and decompression only.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/gogpu/tilestream/internal/device"
	"github.com/gogpu/tilestream/internal/device/memdev"
	"github.com/gogpu/tilestream/internal/streamer"
)

// pollInterval is how often submission fences are polled.
const pollInterval = 100 * time.Microsecond

func main() {
	var (
		trace   = flag.String("trace", "uploadTraceFile_1.json", "trace file to replay")
		direct  = flag.Bool("direct", false, "use the accelerated streamer")
		workers = flag.Int("workers", 0, "reference streamer workers (0 = GOMAXPROCS)")
		repeat  = flag.Int("repeat", 1, "number of passes over the trace")
		pages   = flag.Uint("pages", 1024, "destination heap pages per resource")
	)
	flag.Parse()

	doc, err := streamer.ReadTrace(*trace)
	if err != nil {
		log.Fatalf("Failed to read trace: %v", err)
	}
	if len(doc.Submits) == 0 {
		log.Fatalf("Trace %s has no submissions", *trace)
	}

	var s streamer.Streamer
	if *direct {
		s = streamer.NewAccelerated()
	} else {
		s = streamer.NewReference(streamer.WithWorkers(*workers))
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Printf("Failed to close streamer: %v", err)
		}
	}()

	r, err := newReplay(s, memdev.New(memdev.Options{}), uint32(*pages)) //nolint:gosec // flag value
	if err != nil {
		log.Fatalf("Failed to set up replay: %v", err)
	}
	batches, err := r.build(doc)
	if err != nil {
		log.Fatalf("Failed to prepare trace: %v", err)
	}

	progress := term.IsTerminal(int(os.Stdout.Fd())) //nolint:gosec // fd fits in int
	var total result
	for pass := 0; pass < *repeat; pass++ {
		res, err := r.run(batches, func(done int) {
			if progress {
				fmt.Printf("\rpass %d/%d: %d/%d submissions", pass+1, *repeat, done, len(batches))
			}
		})
		if progress {
			fmt.Println()
		}
		if err != nil {
			log.Fatalf("Replay failed: %v", err)
		}
		total.add(res)
	}

	kind := "reference"
	if *direct {
		kind = "accelerated"
	}
	log.Printf("Replayed %s with the %s streamer: %s\n", *trace, kind, total)
}

// result holds replay totals.
type result struct {
	requests int
	failed   int
	bytes    uint64
	elapsed  time.Duration
}

func (r *result) add(o result) {
	r.requests += o.requests
	r.failed += o.failed
	r.bytes += o.bytes
	r.elapsed += o.elapsed
}

// String returns a human-readable summary of the replay.
func (r result) String() string {
	mbps := 0.0
	if r.elapsed > 0 {
		mbps = float64(r.bytes) / r.elapsed.Seconds() / (1 << 20)
	}
	return fmt.Sprintf("%d requests (%d failed), %.1f MiB in %v, %.1f MiB/s",
		r.requests, r.failed, float64(r.bytes)/(1<<20), r.elapsed.Round(time.Millisecond), mbps)
}

// target is the replay destination of one traced resource.
type target struct {
	file *streamer.FileHandle
	mem  device.HeapMemory
	tex  device.Texture
	next uint32
}

type replay struct {
	s       streamer.Streamer
	dev     *memdev.Device
	pages   uint32
	targets map[uint64]*target
	files   map[string]*streamer.FileHandle
}

func newReplay(s streamer.Streamer, dev *memdev.Device, pages uint32) (*replay, error) {
	if pages == 0 {
		return nil, fmt.Errorf("no destination pages")
	}
	return &replay{
		s:       s,
		dev:     dev,
		pages:   pages,
		targets: make(map[uint64]*target),
		files:   make(map[string]*streamer.FileHandle),
	}, nil
}

// build turns the traced submissions into streamer requests. Pages are
// handed out round robin per resource.
func (r *replay) build(doc *streamer.TraceDocument) ([][]streamer.Request, error) {
	batches := make([][]streamer.Request, 0, len(doc.Submits))
	for _, submit := range doc.Submits {
		reqs := make([]streamer.Request, 0, len(submit))
		for _, tr := range submit {
			t, err := r.target(tr)
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, t.request(tr, r.pages))
		}
		if len(reqs) > 0 {
			batches = append(batches, reqs)
		}
	}
	return batches, nil
}

func (r *replay) target(tr streamer.TraceRequest) (*target, error) {
	if t, ok := r.targets[tr.Resource]; ok {
		return t, nil
	}
	fh, ok := r.files[tr.File]
	if !ok {
		var err error
		if fh, err = r.s.OpenFile(tr.File); err != nil {
			return nil, err
		}
		r.files[tr.File] = fh
	}
	mem, err := r.dev.CreateHeap(r.pages)
	if err != nil {
		return nil, err
	}
	tex, err := r.dev.CreateTexture(device.TextureDesc{Label: tr.File, Layout: fh.Layout(), NumSlots: 1})
	if err != nil {
		return nil, err
	}
	t := &target{file: fh, mem: mem, tex: tex}
	r.targets[tr.Resource] = t
	return t, nil
}

func (t *target) request(tr streamer.TraceRequest, pages uint32) streamer.Request {
	l := t.file.Layout()
	sub := tr.Coord[2]
	req := streamer.Request{File: t.file, Resource: tr.Resource}
	if sub%l.MipLevels() >= l.NumStandardMips() {
		req.Packed = true
		req.Dest = streamer.PackedDest{Texture: t.tex}
		return req
	}
	req.Coord.Mip = sub % l.MipLevels()
	req.Coord.Slice = sub / l.MipLevels()
	req.Coord.X, req.Coord.Y = tr.Coord[0], tr.Coord[1]
	req.Dest = streamer.PageDest{Mem: t.mem, Page: t.next % pages}
	t.next++
	return req
}

// run submits every batch at once and waits for the last fence.
func (r *replay) run(batches [][]streamer.Request, progress func(done int)) (result, error) {
	start := time.Now()
	subs := make([]*streamer.Submission, 0, len(batches))
	for _, reqs := range batches {
		sub, err := r.s.Submit(reqs)
		if err != nil {
			return result{}, err
		}
		subs = append(subs, sub)
	}

	var res result
	for i, sub := range subs {
		for !r.s.Completed(sub.FenceValue) {
			time.Sleep(pollInterval)
		}
		progress(i + 1)
		res.requests += len(sub.Requests)
		res.failed += sub.Failed()
		for j, req := range sub.Requests {
			if sub.Errs[j] == nil {
				res.bytes += requestSize(req)
			}
		}
	}
	res.elapsed = time.Since(start)
	return res, nil
}

// requestSize returns the stored size of a request's payload.
func requestSize(req streamer.Request) uint64 {
	info := req.File.Info()
	if req.Packed {
		return uint64(info.Packed.Size)
	}
	if e, ok := info.Tile(req.Coord); ok {
		return uint64(e.Size)
	}
	return 0
}
