package asset

import (
	"context"
	"fmt"
	"sync"
)

// PollState is the coarse state of a background transfer.
type PollState int

const (
	InProgress PollState = iota
	Done
	Failed
)

func (s PollState) String() string {
	switch s {
	case InProgress:
		return "in-progress"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("poll-state(%d)", int(s))
	}
}

// Poll is a snapshot of a handle's transfer. Percent is in [0, 100]. Err is
// set when State is Failed.
type Poll struct {
	State   PollState
	Percent float64
	Text    string
	Err     error
}

// transfer runs one worker goroutine and tracks its progress. Only the
// progress tuple is shared with the worker while it runs; err is written by
// the worker before finished is closed.
type transfer struct {
	mu        sync.Mutex
	done      int64
	total     int64
	label     string
	finishing bool

	finished chan struct{}
	err      error
	cancel   context.CancelFunc
}

func startTransfer(ctx context.Context, fn func(ctx context.Context, sink ProgressSink) error) *transfer {
	ctx, cancel := context.WithCancel(ctx)
	t := &transfer{
		finished: make(chan struct{}),
		cancel:   cancel,
	}
	go func() {
		defer close(t.finished)
		t.err = fn(ctx, t)
	}()
	return t
}

// finishedTransfer is a transfer with nothing to move.
func finishedTransfer() *transfer {
	t := &transfer{finished: make(chan struct{}), cancel: func() {}}
	close(t.finished)
	return t
}

func (t *transfer) OnProgress(done, total int64, label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if done == -1 && total == -1 {
		t.finishing = true
		return
	}
	t.done, t.total, t.label = done, total, label
}

func (t *transfer) progress() (float64, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.finishing:
		return 100, "Finishing up"
	case t.total > 0:
		pct := float64(t.done) / float64(t.total) * 100
		if pct > 100 {
			pct = 100
		}
		return pct, t.label
	default:
		return 0, t.label
	}
}

// wait joins the worker and returns its error.
func (t *transfer) wait() error {
	<-t.finished
	t.cancel()
	return t.err
}

// abort asks the worker to stop and joins it.
func (t *transfer) abort() {
	t.cancel()
	<-t.finished
}

func (t *transfer) poll() Poll {
	select {
	case <-t.finished:
		if t.err != nil {
			return Poll{State: Failed, Err: t.err, Text: t.err.Error()}
		}
		return Poll{State: Done, Percent: 100}
	default:
	}
	pct, text := t.progress()
	return Poll{State: InProgress, Percent: pct, Text: text}
}
