// Package fetch downloads remote URLs into the served tree in the background.
// Every download is a Task the caller can poll, wait on or cancel.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound  = errors.New("fetch: no such task")
	ErrBadURL    = errors.New("fetch: only http and https urls are supported")
	ErrDestTaken = errors.New("fetch: destination exists")
	ErrShutdown  = errors.New("fetch: manager is shut down")
)

type State string

const (
	StateRunning  State = "running"
	StateDone     State = "done"
	StateFailed   State = "failed"
	StateCanceled State = "canceled"
)

// DefaultRetention is how long a finished task stays queryable.
const DefaultRetention = time.Hour

type Status struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	Dest     string    `json:"dest"`
	State    State     `json:"state"`
	Bytes    int64     `json:"bytes"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
}

type Task struct {
	id     string
	url    string
	dest   string
	cancel context.CancelFunc
	done   chan struct{}

	bytes atomic.Int64

	mu       sync.Mutex
	state    State
	err      error
	started  time.Time
	finished time.Time
}

func (t *Task) ID() string { return t.id }

// Done is closed once the transfer has stopped for any reason.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) Cancel() { t.cancel() }

// Wait blocks until the task ends or ctx does, and returns the task's error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{
		ID:       t.id,
		URL:      t.url,
		Dest:     t.dest,
		State:    t.state,
		Bytes:    t.bytes.Load(),
		Started:  t.started,
		Finished: t.finished,
	}
	if t.err != nil {
		s.Error = t.err.Error()
	}
	return s
}

func (t *Task) finish(state State, err error, at time.Time) {
	t.mu.Lock()
	t.state, t.err, t.finished = state, err, at
	t.mu.Unlock()
	close(t.done)
}

type Options struct {
	Client    *http.Client
	Retention time.Duration
	// Overwrite allows replacing an existing destination file.
	Overwrite bool
}

type Manager struct {
	client    *http.Client
	retention time.Duration
	overwrite bool
	logger    zerolog.Logger
	now       func() time.Time

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	tasks  map[string]*Task
}

func New(opts Options) *Manager {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		client:    opts.Client,
		retention: opts.Retention,
		overwrite: opts.Overwrite,
		logger:    zerolog.Nop(),
		now:       time.Now,
		base:      base,
		stop:      stop,
		tasks:     map[string]*Task{},
	}
}

func (m *Manager) SetLogger(l zerolog.Logger) { m.logger = l }

// Start validates rawURL and begins downloading it to dest, an absolute
// path. The body is written to a hidden temp file next to dest and renamed
// into place when complete, so a failed or canceled transfer leaves nothing
// behind. Only one running task may target a given dest.
func (m *Manager) Start(rawURL, dest string) (*Task, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrBadURL
	}
	if !m.overwrite {
		if _, err := os.Lstat(dest); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrDestTaken, dest)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShutdown
	}
	m.pruneLocked()
	for _, o := range m.tasks {
		if o.dest == dest && o.Status().State == StateRunning {
			return nil, fmt.Errorf("%w: %s is being fetched", ErrDestTaken, dest)
		}
	}

	ctx, cancel := context.WithCancel(m.base)
	t := &Task{
		id:      uuid.NewString(),
		url:     u.String(),
		dest:    dest,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateRunning,
		started: m.now(),
	}
	m.tasks[t.id] = t
	m.wg.Add(1)
	go m.run(ctx, t)
	return t, nil
}

func (m *Manager) Get(id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// List returns the status of every task still retained.
func (m *Manager) List() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Status())
	}
	return out
}

// Shutdown cancels every running task and waits for them to clean up.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()

	idle := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) pruneLocked() {
	cutoff := m.now().Add(-m.retention)
	for id, t := range m.tasks {
		s := t.Status()
		if s.State != StateRunning && s.Finished.Before(cutoff) {
			delete(m.tasks, id)
		}
	}
}

func (m *Manager) run(ctx context.Context, t *Task) {
	defer m.wg.Done()
	defer t.cancel()
	log := m.logger.With().Str("task", t.id).Str("url", t.url).Str("path", t.dest).Logger()
	log.Info().Msg("fetch started")

	err := m.transfer(ctx, t)
	switch {
	case err == nil:
		t.finish(StateDone, nil, m.now())
		log.Info().Int64("bytes", t.bytes.Load()).Msg("fetch finished")
	case ctx.Err() != nil:
		t.finish(StateCanceled, ctx.Err(), m.now())
		log.Info().Msg("fetch canceled")
	default:
		t.finish(StateFailed, err, m.now())
		log.Error().Err(err).Msg("fetch failed")
	}
}

func (m *Manager) transfer(ctx context.Context, t *Task) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("fetch: %s", resp.Status)
	}

	f, err := os.CreateTemp(filepath.Dir(t.dest), ".fetch-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	_, err = io.Copy(f, &countingReader{r: resp.Body, n: &t.bytes})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err = os.Chmod(tmp, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.dest)
}

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
