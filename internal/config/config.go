package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is intentionally small. It is read from JSON, or YAML when the file
// ends in .yaml/.yml. If Users is empty, diskdeck runs without auth.
type Config struct {
	// Root is the directory served by diskdeck.
	Root string `json:"root" yaml:"root"`

	// StateDir stores upload workspaces and thumbnails.
	// Default: <root>/.diskdeck
	StateDir string `json:"stateDir,omitempty" yaml:"stateDir,omitempty"`

	// Addr is the listen address.
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`

	// AuthOptional enables "public + authenticated" mode when Users is set:
	// anonymous requests may read, writes need a valid user.
	AuthOptional bool `json:"authOptional,omitempty" yaml:"authOptional,omitempty"`

	// Users is a map of username -> bcrypt hash.
	// Example:
	// "alice": {"bcrypt":"$2a$10$..."}
	Users map[string]User `json:"users,omitempty" yaml:"users,omitempty"`

	// LockRetry is how long an upload merge waits between attempts at the
	// workspace lock.
	LockRetry Duration `json:"lockRetry,omitempty" yaml:"lockRetry,omitempty"`
	// LockStale expires lock tokens older than this. "0" disables expiry.
	LockStale *Duration `json:"lockStale,omitempty" yaml:"lockStale,omitempty"`
	// WorkspaceTTL removes upload workspaces untouched for this long.
	WorkspaceTTL Duration `json:"workspaceTTL,omitempty" yaml:"workspaceTTL,omitempty"`

	ThumbSmall   int   `json:"thumbSmall,omitempty" yaml:"thumbSmall,omitempty"`
	ThumbLarge   int   `json:"thumbLarge,omitempty" yaml:"thumbLarge,omitempty"`
	MaxTextBytes int64 `json:"maxTextBytes,omitempty" yaml:"maxTextBytes,omitempty"`

	// RedisAddr mirrors upload progress into Redis when set.
	RedisAddr string `json:"redisAddr,omitempty" yaml:"redisAddr,omitempty"`

	LogLevel string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
}

type User struct {
	Bcrypt string `json:"bcrypt" yaml:"bcrypt"`
}

const (
	DefaultAddr         = "0.0.0.0:3923"
	DefaultLockRetry    = 50 * time.Millisecond
	DefaultLockStale    = 5 * time.Minute
	DefaultWorkspaceTTL = 72 * time.Hour
	DefaultThumbSmall   = 320
	DefaultThumbLarge   = 720
	DefaultMaxTextBytes = 5 << 20
	DefaultLogLevel     = "info"
)

// Load reads the file at path.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	default:
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Normalize makes Root absolute and fills defaults.
func (c *Config) Normalize() error {
	if strings.TrimSpace(c.Root) == "" {
		return errors.New("config: root is required")
	}
	abs, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("config: root: %w", err)
	}
	c.Root = abs
	if c.StateDir == "" {
		c.StateDir = filepath.Join(c.Root, ".diskdeck")
	} else if c.StateDir, err = filepath.Abs(c.StateDir); err != nil {
		return fmt.Errorf("config: stateDir: %w", err)
	}
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.LockRetry <= 0 {
		c.LockRetry = Duration(DefaultLockRetry)
	}
	if c.LockStale == nil {
		d := Duration(DefaultLockStale)
		c.LockStale = &d
	}
	if c.WorkspaceTTL <= 0 {
		c.WorkspaceTTL = Duration(DefaultWorkspaceTTL)
	}
	if c.ThumbSmall <= 0 {
		c.ThumbSmall = DefaultThumbSmall
	}
	if c.ThumbLarge <= 0 {
		c.ThumbLarge = DefaultThumbLarge
	}
	if c.MaxTextBytes <= 0 {
		c.MaxTextBytes = DefaultMaxTextBytes
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	return nil
}

// StaleAfter is LockStale with the default applied.
func (c Config) StaleAfter() time.Duration {
	if c.LockStale == nil {
		return DefaultLockStale
	}
	return c.LockStale.Std()
}

// Duration is a time.Duration written as a string ("50ms", "72h").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "0" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", s)
	}
	*d = Duration(v)
	return nil
}
