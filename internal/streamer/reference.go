package streamer

import (
	"github.com/gogpu/tilestream/internal/parallel"
)

// Reference copies every request independently on a worker pool.
type Reference struct {
	*base
	pool *parallel.Pool
}

// NewReference creates a Reference streamer.
func NewReference(opts ...Option) *Reference {
	b := newBase(opts)
	return &Reference{base: b, pool: parallel.NewPool(b.opts.workers)}
}

// Submit implements Streamer. The pool is handed the batch under the
// streamer lock so Close cannot slip in before the jobs are queued.
func (s *Reference) Submit(reqs []Request) (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, err := s.newSubmission(reqs)
	if err != nil {
		return nil, err
	}

	jobs := make([]func(), len(sub.Requests))
	for i := range sub.Requests {
		jobs[i] = func() { sub.Errs[i] = s.copyOne(&sub.Requests[i]) }
	}
	s.pool.Go(jobs, func() { s.finish(sub) })
	return sub, nil
}

// Close implements Streamer.
func (s *Reference) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.pool.Close()
	s.shutdown()
	return nil
}
