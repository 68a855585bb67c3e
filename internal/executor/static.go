package executor

import (
	"context"
	"fmt"
	"sync"
)

// Static answers every query from a fixed table. Queries not in the table
// produce Fallback. It backs the "static" executor type, which exercises the
// Slack and Looker wiring without running notebooks.
type Static struct {
	Amounts  map[string]string
	Fallback string
	// Errors makes Submit fail for the listed queries.
	Errors map[string]error

	mu      sync.Mutex
	pending map[Handle]string
	seq     int
	Calls   []string
}

func (s *Static) Submit(ctx context.Context, query string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, query)
	if err := s.Errors[query]; err != nil {
		return "", err
	}
	if s.pending == nil {
		s.pending = make(map[Handle]string)
	}
	s.seq++
	h := Handle(fmt.Sprintf("static-%d", s.seq))
	s.pending[h] = query
	return h, nil
}

func (s *Static) Await(ctx context.Context, handle Handle) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query, ok := s.pending[handle]
	if !ok {
		return Result{}, fmt.Errorf("unknown handle %s", handle)
	}
	delete(s.pending, handle)
	if amount, ok := s.Amounts[query]; ok {
		return Result{Amount: amount}, nil
	}
	return Result{Amount: s.Fallback}, nil
}

// CallCount returns how many queries were submitted.
func (s *Static) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}
