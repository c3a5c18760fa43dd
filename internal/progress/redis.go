// Package progress mirrors upload merge progress into Redis so the status of
// an upload can still be answered after its workspace has been torn down.
package progress

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const (
	keyPrefix = "diskdeck:upload:"
	// DefaultTTL is how long a record survives its last update.
	DefaultTTL = 24 * time.Hour
)

const (
	StateMerging  = "merging"
	StateComplete = "complete"
)

var ErrNotFound = errors.New("progress: no record")

// Record is the mirrored view of one upload.
type Record struct {
	ID      string    `json:"id"`
	Serial  int       `json:"serial"`
	Total   int       `json:"total"`
	State   string    `json:"state"`
	Path    string    `json:"path,omitempty"`
	Updated time.Time `json:"updated"`
}

// Redis implements upload.Observer. Writes are best effort: a Redis outage
// is logged and never fails an upload.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

func NewRedis(client redis.Cmdable, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl, now: time.Now, logger: zerolog.Nop()}
}

func (r *Redis) SetLogger(l zerolog.Logger) { r.logger = l }

func Key(id string) string { return keyPrefix + id }

func (r *Redis) Progress(ctx context.Context, id string, serial, total int) {
	r.put(ctx, id, map[string]interface{}{
		"serial": serial,
		"total":  total,
		"state":  StateMerging,
	})
}

func (r *Redis) Completed(ctx context.Context, id, path string) {
	r.put(ctx, id, map[string]interface{}{
		"state": StateComplete,
		"path":  path,
	})
}

func (r *Redis) put(ctx context.Context, id string, fields map[string]interface{}) {
	fields["updated"] = r.now().Unix()
	key := Key(id)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fields)
		p.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("upload_id", id).Msg("progress mirror write failed")
	}
}

// Get reads the record for id. A completed record keeps the serial/total of
// the last progress write before it.
func (r *Redis) Get(ctx context.Context, id string) (Record, error) {
	m, err := r.client.HGetAll(ctx, Key(id)).Result()
	if err != nil {
		return Record{}, err
	}
	if len(m) == 0 {
		return Record{}, ErrNotFound
	}
	return parseRecord(id, m)
}

func parseRecord(id string, m map[string]string) (Record, error) {
	rec := Record{ID: id, State: m["state"], Path: m["path"]}
	var err error
	if v, ok := m["serial"]; ok {
		if rec.Serial, err = strconv.Atoi(v); err != nil {
			return Record{}, fmt.Errorf("progress: serial: %w", err)
		}
	}
	if v, ok := m["total"]; ok {
		if rec.Total, err = strconv.Atoi(v); err != nil {
			return Record{}, fmt.Errorf("progress: total: %w", err)
		}
	}
	if v, ok := m["updated"]; ok {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("progress: updated: %w", err)
		}
		rec.Updated = time.Unix(sec, 0)
	}
	return rec, nil
}
