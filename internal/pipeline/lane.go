package pipeline

import (
	"context"
	"sync"
)

// laneSet gives every user a serial work queue. Jobs for one user run in
// submission order on a single goroutine; the goroutine exits once its queue
// drains, so idle users cost nothing.
type laneSet struct {
	mu    sync.Mutex
	lanes map[int64]*lane
	wg    sync.WaitGroup
}

type lane struct {
	queue []func()
	busy  bool
}

func newLaneSet() *laneSet {
	return &laneSet{lanes: make(map[int64]*lane)}
}

// submit enqueues job on the user's lane, starting a drain goroutine if the
// lane was idle.
func (s *laneSet) submit(userID int64, job func()) {
	s.mu.Lock()
	ln, ok := s.lanes[userID]
	if !ok {
		ln = &lane{}
		s.lanes[userID] = ln
	}
	ln.queue = append(ln.queue, job)
	start := !ln.busy
	if start {
		ln.busy = true
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if start {
		go s.drain(userID, ln)
	}
}

func (s *laneSet) drain(userID int64, ln *lane) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(ln.queue) == 0 {
			ln.busy = false
			delete(s.lanes, userID)
			s.mu.Unlock()
			return
		}
		job := ln.queue[0]
		ln.queue = ln.queue[1:]
		s.mu.Unlock()

		job()
	}
}

// depth returns the number of queued plus running jobs for the user.
func (s *laneSet) depth(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ln, ok := s.lanes[userID]
	if !ok {
		return 0
	}
	n := len(ln.queue)
	if ln.busy {
		n++
	}
	return n
}

// wait blocks until all lanes drain or ctx expires.
func (s *laneSet) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
