package led

import "sync"

// Queue carries Frames from any number of producers to a single consumer in
// push order. Push never blocks and never drops.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	frames  []Frame
	pending int // pushed but not yet marked Done
}

func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends f to the tail.
func (q *Queue) Push(f Frame) {
	q.mu.Lock()
	q.frames = append(q.frames, f)
	q.pending++
	q.mu.Unlock()
}

// TryPop removes the head Frame without blocking. The consumer must call Done
// once the returned Frame has been written.
func (q *Queue) TryPop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	f := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return f, true
}

// Done marks one popped Frame as consumed.
func (q *Queue) Done() {
	q.mu.Lock()
	if q.pending > 0 {
		q.pending--
	}
	if q.pending == 0 {
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

// Wait blocks until every pushed Frame has been popped and marked Done.
func (q *Queue) Wait() {
	q.mu.Lock()
	for q.pending > 0 {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// Len reports how many Frames are waiting to be popped.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
