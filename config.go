package kcvlog

import (
	"flag"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/streamkv/kcvlog/kcverrors"
)

// Config carries the options a Log recognizes, per spec.md §6's
// configuration table. It is a plain struct with yaml tags and a
// RegisterFlags method, in the idiom of friggdb/config.go and
// cmd/frigg/app/config.go; loading it from a file or flag set is left to
// the embedding application.
type Config struct {
	MaxWriteTime time.Duration `yaml:"max_write_time"`
	MaxReadTime  time.Duration `yaml:"max_read_time"`
	ReadLagTime  time.Duration `yaml:"read_lag_time"`

	KeyConsistent bool   `yaml:"key_consistent"`
	NumBuckets    uint32 `yaml:"num_buckets"`

	SendBatchSize int           `yaml:"send_batch_size"`
	SendDelay     time.Duration `yaml:"send_delay"`

	ReadThreads   int           `yaml:"read_threads"`
	ReadBatchSize int           `yaml:"read_batch_size"`
	ReadInterval  time.Duration `yaml:"read_interval"`
}

// RegisterFlags installs command-line flags for every Config field, mirroring
// the defaults in spec.md §6's table.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&c.MaxWriteTime, "kcvlog.max-write-time", 10*time.Second, "Deadline for write-path backend operations.")
	f.DurationVar(&c.MaxReadTime, "kcvlog.max-read-time", 4*time.Second, "Deadline for read-path backend operations.")
	f.DurationVar(&c.ReadLagTime, "kcvlog.read-lag-time", 500*time.Millisecond, "Holdback from \"live\" applied to every poll.")
	f.BoolVar(&c.KeyConsistent, "kcvlog.key-consistent", false, "Use key-consistent transactions for store operations.")
	c.NumBuckets = 4
	f.Func("kcvlog.num-buckets", "Number of buckets per timeslice (load-balancing fan-out) (default 4).", func(s string) error {
		var n uint
		if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
			return fmt.Errorf("invalid num-buckets %q: %w", s, err)
		}
		c.NumBuckets = uint32(n)
		return nil
	})
	f.IntVar(&c.SendBatchSize, "kcvlog.send-batch-size", 100, "Max envelopes per flush; also sets the outgoing queue capacity as ×10.")
	f.DurationVar(&c.SendDelay, "kcvlog.send-delay", 20*time.Millisecond, "Target max age of the oldest envelope before flush; below 10ms disables batching.")
	f.IntVar(&c.ReadThreads, "kcvlog.read-threads", 4, "Pool size for reader dispatch jobs; each puller runs on its own goroutine outside this pool.")
	f.IntVar(&c.ReadBatchSize, "kcvlog.read-batch-size", 100, "Per-slice limit when pulling.")
	f.DurationVar(&c.ReadInterval, "kcvlog.read-interval", time.Second, "Fixed delay between polls per puller.")
}

// Validate rejects configurations that would make the log's key scheme or
// concurrency model meaningless.
func (c *Config) Validate() error {
	if c.NumBuckets == 0 {
		return fmt.Errorf("%w: num-buckets must be at least 1", kcverrors.ErrInvalidArgument)
	}
	if c.SendBatchSize <= 0 {
		return fmt.Errorf("%w: send-batch-size must be positive", kcverrors.ErrInvalidArgument)
	}
	if c.ReadThreads <= 0 {
		return fmt.Errorf("%w: read-threads must be positive", kcverrors.ErrInvalidArgument)
	}
	if c.ReadBatchSize <= 0 {
		return fmt.Errorf("%w: read-batch-size must be positive", kcverrors.ErrInvalidArgument)
	}
	return nil
}

// YAML renders the effective configuration, the way cmd/tempo/app prints a
// resolved config on request: logged once at Open so an operator can see
// what a log actually started with.
func (c Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
