// Package dirlock serializes work on a shared directory between goroutines
// and processes using nothing but the filesystem.
//
// Every contender drops a token named by its wall-clock timestamp into the
// lock directory and then lists the directory. The contender owning the
// smallest token wins; everyone else sleeps and tries again with a fresh
// token. The winner removes the whole directory on release, which also
// clears the tokens left behind by losers.
//
// With stale expiry enabled the winner touches its token while it holds the
// gate, and a token counts as stale only when neither its name nor its mtime
// is recent. A holder that dies stops touching and is expired; a slow one is
// not.
package dirlock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultRetryInterval = 50 * time.Millisecond
	DefaultStaleAfter    = 5 * time.Minute
)

type Options struct {
	// RetryInterval is the sleep between lost attempts. Default 50ms.
	RetryInterval time.Duration
	// StaleAfter drops tokens neither stamped nor touched within this window
	// before comparing. The holder touches its token every StaleAfter/4. A
	// holder that crashed without releasing would otherwise block the
	// directory forever. Zero disables expiry.
	StaleAfter time.Duration
}

type Gate struct {
	dir   string
	retry time.Duration
	stale time.Duration
	now   func() time.Time

	mu   sync.Mutex
	stop chan struct{} // closes to end the heartbeat
	beat chan struct{} // closed by the heartbeat on exit
}

func New(dir string, opts Options) *Gate {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	return &Gate{
		dir:   dir,
		retry: opts.RetryInterval,
		stale: opts.StaleAfter,
		now:   time.Now,
	}
}

func (g *Gate) Dir() string { return g.dir }

// Acquire blocks until this caller holds the gate or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	for {
		won, err := g.TryAcquire()
		if err != nil {
			return err
		}
		if won {
			return nil
		}
		t := time.NewTimer(g.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// TryAcquire makes a single attempt. A lost attempt leaves its token behind.
func (g *Gate) TryAcquire() (bool, error) {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return false, fmt.Errorf("lock dir: %w", err)
	}
	own, err := stamp(g.dir, g.now)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ents, err := os.ReadDir(g.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// released underneath us, together with our token
			return false, nil
		}
		return false, err
	}
	var cutoff int64
	if g.stale > 0 {
		cutoff = g.now().Add(-g.stale).UnixNano()
	}
	live := make([]string, 0, len(ents))
	for _, e := range ents {
		ts, ok := parseToken(e.Name())
		if !ok {
			continue
		}
		if cutoff > 0 && ts < cutoff && e.Name() != own {
			info, err := e.Info()
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err == nil && info.ModTime().UnixNano() < cutoff {
				_ = os.Remove(filepath.Join(g.dir, e.Name()))
				continue
			}
		}
		live = append(live, e.Name())
	}
	if len(live) == 0 {
		return false, nil
	}
	sort.Strings(live)
	if live[0] != own {
		return false, nil
	}
	g.startHeartbeat(own)
	return true, nil
}

// startHeartbeat keeps the winning token's mtime fresh until Release.
func (g *Gate) startHeartbeat(token string) {
	if g.stale <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stop != nil {
		return
	}
	stop, beat := make(chan struct{}), make(chan struct{})
	g.stop, g.beat = stop, beat

	every := g.stale / 4
	if every < time.Millisecond {
		every = time.Millisecond
	}
	p := filepath.Join(g.dir, token)
	go func() {
		defer close(beat)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				now := g.now()
				_ = os.Chtimes(p, now, now)
			}
		}
	}()
}

func (g *Gate) stopHeartbeat() {
	g.mu.Lock()
	stop, beat := g.stop, g.beat
	g.stop, g.beat = nil, nil
	g.mu.Unlock()
	if stop != nil {
		close(stop)
		<-beat
	}
}

// Release removes every token, including those of waiting contenders. The
// directory is first renamed aside so a contender stamping concurrently either
// lands in the discarded directory or in a fresh one, never in between.
func (g *Gate) Release() error {
	g.stopHeartbeat()

	stampMu.Lock()
	seq++
	aside := filepath.Join(filepath.Dir(g.dir), fmt.Sprintf(".%s-released-%d-%d", filepath.Base(g.dir), os.Getpid(), seq))
	stampMu.Unlock()

	if err := os.Rename(g.dir, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("release lock: %w", err)
	}
	return os.RemoveAll(aside)
}

var (
	stampMu  sync.Mutex
	lastNano int64
	seq      uint64
)

// stamp creates the token file. Stamping and creation happen under one
// process-wide mutex so tokens from this process land on disk in timestamp
// order; timestamps never repeat within the process.
func stamp(dir string, now func() time.Time) (string, error) {
	stampMu.Lock()
	defer stampMu.Unlock()
	ts := now().UnixNano()
	if ts <= lastNano {
		ts = lastNano + 1
	}
	lastNano = ts
	seq++
	name := formatToken(ts, os.Getpid(), seq)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return name, f.Close()
}

// Fixed width keeps lexicographic order equal to numeric order.
func formatToken(ts int64, pid int, seq uint64) string {
	return fmt.Sprintf("%020d-%010d-%020d", ts, pid, seq)
}

func parseToken(name string) (int64, bool) {
	head, _, ok := strings.Cut(name, "-")
	if !ok || len(head) != 20 {
		return 0, false
	}
	ts, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
