package installer

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds the tunables of a transaction. Load it from the environment
// with LoadConfig; CLI flags override individual fields.
type Config struct {
	// ChunkSize is the copy buffer size in bytes.
	ChunkSize int `env:"INSTALLSESSION_CHUNK_SIZE,default=65536"`
	// SyncEvery is the number of chunks written between fsyncs. Zero syncs
	// once after the last chunk.
	SyncEvery int `env:"INSTALLSESSION_SYNC_EVERY,default=1"`
	// SettleDelay is the pause before opening each artifact after the first.
	SettleDelay time.Duration `env:"INSTALLSESSION_SETTLE_DELAY,default=500ms"`
	// CommitTimeout bounds the wait for the commit callback. Zero waits until
	// the caller's context ends.
	CommitTimeout time.Duration `env:"INSTALLSESSION_COMMIT_TIMEOUT,default=2m"`
	// OwnerName is the owner used when the service runs as root.
	OwnerName string `env:"INSTALLSESSION_OWNER"`
	// RedisAddr enables the Redis rendezvous and journal when set.
	RedisAddr string `env:"REDIS_ADDR"`
	// KeyPrefix namespaces Redis keys.
	KeyPrefix string `env:"INSTALLSESSION_KEY_PREFIX,default=installsession:"`
}

// DefaultConfig returns the defaults declared in the env tags.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     64 * 1024,
		SyncEvery:     1,
		SettleDelay:   500 * time.Millisecond,
		CommitTimeout: 2 * time.Minute,
		KeyPrefix:     "installsession:",
	}
}

// LoadConfig decodes Config from the environment.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("installer: decode env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no component can work with.
func (c Config) Validate() error {
	switch {
	case c.ChunkSize <= 0:
		return fmt.Errorf("installer: chunk size must be positive, got %d", c.ChunkSize)
	case c.SyncEvery < 0:
		return fmt.Errorf("installer: sync granularity must not be negative, got %d", c.SyncEvery)
	case c.SettleDelay < 0:
		return fmt.Errorf("installer: settle delay must not be negative, got %s", c.SettleDelay)
	case c.CommitTimeout < 0:
		return fmt.Errorf("installer: commit timeout must not be negative, got %s", c.CommitTimeout)
	}
	return nil
}

// Transfer extracts the TransferEngine settings.
func (c Config) Transfer() TransferConfig {
	return TransferConfig{ChunkSize: c.ChunkSize, SyncEvery: c.SyncEvery, SettleDelay: c.SettleDelay}
}
