package engine

import (
	"sync"
	"time"

	"github.com/blockberries/quorumberry/types"
)

// TimeoutTask is the per-view timer. Each Reset supersedes the previous
// timer: a superseded timer that already fired is discarded before it
// reaches C, so the event loop never sees a timeout for a cancelled view.
type TimeoutTask struct {
	mu       sync.Mutex
	duration time.Duration

	timer *time.Timer
	gen   uint64
	c     chan Timeout
}

// NewTimeoutTask creates a stopped timer that fires after d.
func NewTimeoutTask(d time.Duration) *TimeoutTask {
	return &TimeoutTask{
		duration: d,
		c:        make(chan Timeout, 1),
	}
}

// C delivers the timeout of the current view.
func (tt *TimeoutTask) C() <-chan Timeout {
	return tt.c
}

// Reset cancels any outstanding timer and starts one for view.
func (tt *TimeoutTask) Reset(view types.View, epoch types.Epoch) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	gen := tt.cancel()
	ev := Timeout{View: view, Epoch: epoch}
	tt.timer = time.AfterFunc(tt.duration, func() {
		tt.mu.Lock()
		defer tt.mu.Unlock()
		if tt.gen != gen {
			return
		}
		select {
		case tt.c <- ev:
		default:
		}
	})
}

// Stop cancels the outstanding timer, if any.
func (tt *TimeoutTask) Stop() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.cancel()
}

// cancel invalidates the current timer and drains an undelivered timeout.
// It returns the new generation. Caller must hold tt.mu.
func (tt *TimeoutTask) cancel() uint64 {
	tt.gen++
	if tt.timer != nil {
		tt.timer.Stop()
		tt.timer = nil
	}
	select {
	case <-tt.c:
	default:
	}
	return tt.gen
}
