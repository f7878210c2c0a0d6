package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Sync is the top-level configuration for a sync session.
type Sync struct {
	// The fully qualified user ID the session syncs as.
	UserID string `yaml:"user_id"`

	// If set, the session authenticates as a guest. Guests skip push-rule
	// priming and only see the rooms listed in guest_room_ids.
	Guest        bool     `yaml:"guest"`
	GuestRoomIDs []string `yaml:"guest_room_ids"`

	// Maximum number of timeline events requested per room on initial sync.
	InitialSyncLimit int `yaml:"initial_sync_limit"`

	// If set, rooms the user has left or been banned from are kept and
	// surfaced rather than discarded.
	IncludeArchived bool `yaml:"include_archived"`

	// Long-poll timeout handed to the server, and the extra slack granted
	// on top of it before the watchdog declares the request stuck.
	PollTimeout    time.Duration `yaml:"poll_timeout"`
	WatchdogBuffer time.Duration `yaml:"watchdog_buffer"`

	// How long resolved invite profiles are cached before re-fetching.
	ProfileCacheTTL time.Duration `yaml:"profile_cache_ttl"`

	// Capacity of the notification channel delivered to the consumer.
	NotificationBuffer int `yaml:"notification_buffer"`

	Storage Storage `yaml:"storage"`
}

// Storage selects and parameterizes the persistence backend.
type Storage struct {
	// One of "sqlite3", "memory" or "noop".
	Kind string `yaml:"kind"`
	// Connection string for backends that need one, e.g. a SQLite file path.
	URI string `yaml:"uri"`
	// Timeline batch capacity B; -1 means one unbounded batch per room.
	BatchSize int64 `yaml:"batch_size"`
	// Maximum cost of the in-process room snapshot cache; 0 disables it.
	SnapshotCacheMaxCost int64 `yaml:"snapshot_cache_max_cost"`
}

func (c *Sync) Defaults() {
	c.InitialSyncLimit = 30
	c.PollTimeout = 30 * time.Second
	c.WatchdogBuffer = 15 * time.Second
	c.ProfileCacheTTL = 15 * time.Minute
	c.NotificationBuffer = 64
	c.Storage.Kind = "memory"
	c.Storage.BatchSize = 20
	c.Storage.SnapshotCacheMaxCost = 8 * 1024 * 1024
}

func (c *Sync) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "user_id", c.UserID)
	checkPositive(configErrs, "initial_sync_limit", int64(c.InitialSyncLimit))
	checkPositive(configErrs, "poll_timeout", int64(c.PollTimeout))
	checkPositive(configErrs, "watchdog_buffer", int64(c.WatchdogBuffer))
	checkPositive(configErrs, "notification_buffer", int64(c.NotificationBuffer))
	c.Storage.Verify(configErrs)
	if c.Guest && len(c.GuestRoomIDs) == 0 {
		configErrs.Add("guest sessions require at least one entry in guest_room_ids")
	}
}

func (c *Storage) Verify(configErrs *ConfigErrors) {
	switch c.Kind {
	case "sqlite3":
		checkNotEmpty(configErrs, "storage.uri", c.URI)
	case "memory", "noop":
	default:
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %q", "storage.kind", c.Kind))
	}
	if c.BatchSize == 0 || c.BatchSize < -1 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: must be positive or -1", "storage.batch_size"))
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Sync, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Sync
	cfg.Defaults()
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	var configErrs ConfigErrors
	cfg.Verify(&configErrs)
	if len(configErrs) > 0 {
		return nil, configErrs
	}
	return &cfg, nil
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Add appends an error to the list of errors in this ConfigErrors.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// ConfigErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies the given value is positive in the configuration.
// If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}
