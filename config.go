package worlddb

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/pixil98/go-errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultSaveInterval    = 30 * time.Second
	DefaultLoadWaitTimeout = 10 * time.Second
	DefaultPauseTimeout    = 5 * time.Second
	DefaultScanBatch       = 64
	DefaultMaxDrainRounds  = 8
	DefaultFreeInterval    = 10 * time.Minute
)

type Options struct {
	Logger  *slog.Logger
	Verbose bool

	// IsTesting disables fsync.
	IsTesting bool

	// SaveInterval is the period of the Run loop.
	SaveInterval time.Duration

	// FreeInterval is how often Run looks for deleted ids that nothing
	// references any more and makes them available for reuse.
	FreeInterval time.Duration

	// LoadWaitTimeout bounds waiting for another goroutine's load.
	LoadWaitTimeout time.Duration

	// World is the lock simulation code holds while mutating objects. A new
	// one is created if nil.
	World *WorldLock

	// WaitForWorld makes the save pass wait for outstanding world tokens
	// before its second drain, up to PauseTimeout.
	//
	// It is off by default. The pause then only stops new tokens from being
	// handed out, and a mutator that already holds one can still be
	// changing objects while they are serialized, so a pass may capture an
	// object halfway through a multi-object update. The next pass writes the
	// finished state. Turn it on when every pass must be a consistent
	// snapshot; a long-running holder then delays saving by up to
	// PauseTimeout, after which the pass is abandoned and retried.
	WaitForWorld bool
	PauseTimeout time.Duration

	// ScanBatch is the number of index records read per free-id scan.
	ScanBatch int

	// MaxDrainRounds bounds repeated drains under the world pause; saving a
	// never-saved referent while encoding queues more work.
	MaxDrainRounds int

	// Concurrency limits parallel serialization of classes in a drain.
	Concurrency int

	Registerer prometheus.Registerer
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.SaveInterval == 0 {
		o.SaveInterval = DefaultSaveInterval
	}
	if o.FreeInterval == 0 {
		o.FreeInterval = DefaultFreeInterval
	}
	if o.LoadWaitTimeout == 0 {
		o.LoadWaitTimeout = DefaultLoadWaitTimeout
	}
	if o.PauseTimeout == 0 {
		o.PauseTimeout = DefaultPauseTimeout
	}
	if o.ScanBatch == 0 {
		o.ScanBatch = DefaultScanBatch
	}
	if o.MaxDrainRounds == 0 {
		o.MaxDrainRounds = DefaultMaxDrainRounds
	}
	if o.Concurrency == 0 {
		o.Concurrency = runtime.GOMAXPROCS(0)
	}
	if o.World == nil {
		o.World = NewWorldLock()
	}
}

func (o *Options) Validate() error {
	el := errors.NewErrorList()
	if o.SaveInterval < 0 {
		el.Add(fmt.Errorf("save interval must not be negative"))
	}
	if o.FreeInterval < 0 {
		el.Add(fmt.Errorf("free interval must not be negative"))
	}
	if o.LoadWaitTimeout < 0 {
		el.Add(fmt.Errorf("load wait timeout must not be negative"))
	}
	if o.PauseTimeout < 0 {
		el.Add(fmt.Errorf("pause timeout must not be negative"))
	}
	if o.ScanBatch < 0 || o.ScanBatch > 1<<16 {
		el.Add(fmt.Errorf("scan batch must be between 1 and %d", 1<<16))
	}
	if o.MaxDrainRounds < 0 {
		el.Add(fmt.Errorf("max drain rounds must not be negative"))
	}
	if o.Concurrency < 0 {
		el.Add(fmt.Errorf("concurrency must not be negative"))
	}
	return el.Err()
}

// Config is the JSON form of Options used by command-line tools.
type Config struct {
	Dir             string `json:"dir"`
	Verbose         bool   `json:"verbose"`
	NoSync          bool   `json:"no_sync"`
	SaveInterval    string `json:"save_interval"`
	FreeInterval    string `json:"free_interval"`
	LoadWaitTimeout string `json:"load_wait_timeout"`
	PauseTimeout    string `json:"pause_timeout"`
	WaitForWorld    bool   `json:"wait_for_world"`
	ScanBatch       int    `json:"scan_batch"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := new(Config)
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c *Config) Validate() error {
	el := errors.NewErrorList()
	if c.Dir == "" {
		el.Add(fmt.Errorf("dir is required"))
	}
	el.Add(validateDuration("save_interval", c.SaveInterval))
	el.Add(validateDuration("free_interval", c.FreeInterval))
	el.Add(validateDuration("load_wait_timeout", c.LoadWaitTimeout))
	el.Add(validateDuration("pause_timeout", c.PauseTimeout))
	if c.ScanBatch < 0 {
		el.Add(fmt.Errorf("scan_batch must not be negative"))
	}
	return el.Err()
}

func validateDuration(name, s string) error {
	if s == "" {
		return nil
	}
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	return nil
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	return must(time.ParseDuration(s))
}

// Options converts a validated config.
func (c *Config) Options(logger *slog.Logger) Options {
	return Options{
		Logger:          logger,
		Verbose:         c.Verbose,
		IsTesting:       c.NoSync,
		SaveInterval:    parseDuration(c.SaveInterval),
		FreeInterval:    parseDuration(c.FreeInterval),
		LoadWaitTimeout: parseDuration(c.LoadWaitTimeout),
		PauseTimeout:    parseDuration(c.PauseTimeout),
		WaitForWorld:    c.WaitForWorld,
		ScanBatch:       c.ScanBatch,
	}
}
