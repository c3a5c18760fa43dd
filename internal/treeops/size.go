package treeops

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type SizeState int32

const (
	SizeRunning SizeState = iota
	SizeFinished
	SizeStopped
)

func (s SizeState) String() string {
	switch s {
	case SizeRunning:
		return "running"
	case SizeFinished:
		return "finished"
	case SizeStopped:
		return "stopped"
	}
	return "unknown"
}

type SizeSnapshot struct {
	Bytes int64
	Items int64
	State SizeState
}

// SizeJob totals the byte length of every file under a selection and counts
// every entry visited, files and directories alike. Counters can be read
// while the walk is running.
type SizeJob struct {
	root  string
	names []string

	bytes atomic.Int64
	items atomic.Int64
	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	stop   bool
	done   chan struct{}
}

func NewSizeJob(root string, names []string) *SizeJob {
	return &SizeJob{root: root, names: names, done: make(chan struct{})}
}

// Run walks the selection. It returns nil when the walk finished, including
// when some entries could not be read, and ctx.Err() when stopped.
func (j *SizeJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	j.mu.Lock()
	j.cancel = cancel
	stopped := j.stop
	j.mu.Unlock()
	defer cancel()
	defer close(j.done)
	if stopped {
		cancel()
	}

	err := Walk(ctx, j.root, j.names, Action{
		Dir: func(Entry) error {
			j.items.Add(1)
			return nil
		},
		File: func(e Entry) error {
			j.items.Add(1)
			j.bytes.Add(e.Info.Size())
			return nil
		},
	})
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		j.state.Store(int32(SizeStopped))
		return err
	}
	j.state.Store(int32(SizeFinished))
	return nil
}

// Stop requests cancellation. The walk notices before its next entry.
func (j *SizeJob) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stop = true
	if j.cancel != nil {
		j.cancel()
	}
}

func (j *SizeJob) Done() <-chan struct{} { return j.done }

func (j *SizeJob) Snapshot() SizeSnapshot {
	return SizeSnapshot{
		Bytes: j.bytes.Load(),
		Items: j.items.Load(),
		State: SizeState(j.state.Load()),
	}
}

// Watch emits a snapshot every interval while the job runs. When the job
// finishes it sends one last snapshot and closes the channel; when it is
// stopped, or ctx ends, the channel closes without another snapshot.
func (j *SizeJob) Watch(ctx context.Context, every time.Duration) <-chan SizeSnapshot {
	out := make(chan SizeSnapshot)
	go func() {
		defer close(out)
		t := time.NewTicker(every)
		defer t.Stop()
		send := func(s SizeSnapshot) bool {
			select {
			case out <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}
		final := func() {
			if s := j.Snapshot(); s.State == SizeFinished {
				send(s)
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-j.done:
				final()
				return
			case <-t.C:
				s := j.Snapshot()
				if s.State != SizeRunning {
					final()
					return
				}
				if !send(s) {
					return
				}
			}
		}
	}()
	return out
}
