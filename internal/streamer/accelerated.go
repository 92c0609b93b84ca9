package streamer

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
)

// Accelerated streams each submission through two stages: an I/O stage
// that sorts requests by file and offset and merges adjacent reads, and
// a decode stage that decompresses and writes to the destinations.
// Submissions pass both stages in order.
type Accelerated struct {
	*base
	in     chan *Submission
	decode chan *readBatch
	wg     sync.WaitGroup
}

// readBatch carries the raw payloads of one submission to the decode stage.
type readBatch struct {
	sub *Submission
	raw [][]byte
}

// NewAccelerated creates an Accelerated streamer.
func NewAccelerated(opts ...Option) *Accelerated {
	s := &Accelerated{
		base:   newBase(opts),
		in:     make(chan *Submission, 64),
		decode: make(chan *readBatch, 4),
	}
	s.wg.Add(2)
	go s.ioLoop()
	go s.decodeLoop()
	return s
}

// Submit implements Streamer.
func (s *Accelerated) Submit(reqs []Request) (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.newSubmission(reqs)
	if err != nil {
		return nil, err
	}
	s.in <- sub
	return sub, nil
}

// Close implements Streamer.
func (s *Accelerated) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.in)
	s.mu.Unlock()

	s.wg.Wait()
	s.shutdown()
	return nil
}

func (s *Accelerated) ioLoop() {
	defer s.wg.Done()
	defer close(s.decode)

	for sub := range s.in {
		s.decode <- &readBatch{sub: sub, raw: s.readAll(sub)}
	}
}

func (s *Accelerated) decodeLoop() {
	defer s.wg.Done()

	for b := range s.decode {
		sub := b.sub
		for i := range sub.Requests {
			if sub.Errs[i] != nil {
				continue
			}
			r := &sub.Requests[i]
			if data := s.substitute(r); data != nil {
				sub.Errs[i] = r.Dest.Write(data)
				continue
			}
			if b.raw[i] == nil {
				// Visualization was switched off after the read stage.
				raw, err := s.read(r)
				if err != nil {
					sub.Errs[i] = err
					continue
				}
				b.raw[i] = raw
			}
			sub.Errs[i] = s.deliver(r, b.raw[i])
		}
		s.finish(sub)
	}
}

// span is a run of requests read with one ReadAt.
type span struct {
	file   *FileHandle
	offset uint64
	end    uint64
	idx    []int
}

// readAll reads the payloads of a submission, merging requests that are
// adjacent in the same file. Read errors are stored in sub.Errs.
func (s *Accelerated) readAll(sub *Submission) [][]byte {
	raw := make([][]byte, len(sub.Requests))

	type item struct {
		i      int
		offset uint64
		size   uint64
	}
	items := make([]item, 0, len(sub.Requests))
	for i := range sub.Requests {
		r := &sub.Requests[i]
		e, err := r.entry()
		if err != nil {
			sub.Errs[i] = err
			continue
		}
		if s.visualizing(r) {
			continue
		}
		items = append(items, item{i: i, offset: e.Offset, size: uint64(e.Size)})
	}
	slices.SortFunc(items, func(a, b item) int {
		fa, fb := sub.Requests[a.i].File.name, sub.Requests[b.i].File.name
		if c := cmp.Compare(fa, fb); c != 0 {
			return c
		}
		return cmp.Compare(a.offset, b.offset)
	})

	maxRead := uint64(max(s.opts.maxRead, 1)) //nolint:gosec // positive
	var cur *span
	flush := func() {
		if cur != nil {
			s.readSpan(sub, cur, raw)
			cur = nil
		}
	}
	for _, it := range items {
		f := sub.Requests[it.i].File
		if cur != nil && (cur.file != f || it.offset != cur.end || it.offset+it.size-cur.offset > maxRead) {
			flush()
		}
		if cur == nil {
			cur = &span{file: f, offset: it.offset, end: it.offset}
		}
		cur.end = it.offset + it.size
		cur.idx = append(cur.idx, it.i)
	}
	flush()
	return raw
}

func (s *Accelerated) readSpan(sub *Submission, sp *span, raw [][]byte) {
	buf := make([]byte, sp.end-sp.offset)
	s.reads.Add(1)
	n, err := sp.file.file.ReadAt(buf, int64(sp.offset)) //nolint:gosec // offsets are below 2^63
	if n < len(buf) {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		err = fmt.Errorf("streamer: read %s: %w", sp.file.name, err)
		for _, i := range sp.idx {
			sub.Errs[i] = err
		}
		return
	}
	off := sp.offset
	for _, i := range sp.idx {
		e, _ := sub.Requests[i].entry()
		raw[i] = buf[off-sp.offset : off-sp.offset+uint64(e.Size)]
		off += uint64(e.Size)
	}
}
