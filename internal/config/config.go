// Package config assembles secmem's startup configuration from CLI flags
// and validates it with github.com/go-playground/validator/v10.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/secmemhq/secmem/internal/store"
)

// EnvSocket is the environment variable that supplies the default for
// --socket.
const EnvSocket = "SECMEM_SOCKET"

// Defaults for the CLI flags below.
const (
	DefaultSocketPath     = "/tmp/secmem.sock"
	DefaultSocketMode     = 0600
	DefaultTTL            = 15 * time.Minute
	DefaultMaxTTL         = 24 * time.Hour
	DefaultMaxValueBytes  = 65536
	DefaultMaxKeys        = 1024
	DefaultMaxConnections = 64
	DefaultSweepInterval  = 1 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
	DefaultShutdownGrace  = 2 * time.Second
)

// Config is secmem-agent's immutable startup configuration.
type Config struct {
	SocketPath     string        `validate:"required"`
	SocketMode     os.FileMode   `validate:"required"`
	AllowedUIDs    []uint32      `validate:"required,min=1"`
	DefaultTTL     time.Duration `validate:"ttl_range"`
	MaxTTL         time.Duration `validate:"ttl_range,gtefield=DefaultTTL"`
	MaxValueBytes  int           `validate:"gt=0,lte=65536"`
	MaxKeys        int           `validate:"gt=0"`
	MaxConnections int           `validate:"gt=0"`
	SweepInterval  time.Duration `validate:"gt=0"`
	IdleTimeout    time.Duration `validate:"gt=0"`
	ShutdownGrace  time.Duration `validate:"gt=0"`
}

// uidList accumulates repeated --allow-uid flags into a union set.
type uidList struct {
	values []uint32
	seen   map[uint32]struct{}
}

func (u *uidList) String() string {
	return fmt.Sprintf("%v", u.values)
}

func (u *uidList) Set(s string) error {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid --allow-uid %q: %w", s, err)
	}
	uid := uint32(n)
	if u.seen == nil {
		u.seen = make(map[uint32]struct{})
	}
	if _, dup := u.seen[uid]; dup {
		return nil
	}
	u.seen[uid] = struct{}{}
	u.values = append(u.values, uid)
	return nil
}

// Parse builds and validates a Config from args (excluding the program
// name), consulting getenv for SECMEM_SOCKET as the --socket default.
func Parse(args []string, getenv func(string) string) (*Config, error) {
	fs := flag.NewFlagSet("secmem-agent", flag.ContinueOnError)

	socketDefault := DefaultSocketPath
	if v := getenv(EnvSocket); v != "" {
		socketDefault = v
	}

	socketPath := fs.String("socket", socketDefault, "unix socket path")
	socketModeStr := fs.String("socket-mode", "0600", "octal socket file mode")
	var uids uidList
	fs.Var(&uids, "allow-uid", "uid allowed to authenticate (may repeat)")
	defaultTTLStr := fs.String("default-ttl", "15m", "default TTL applied when a PUT omits one")
	maxTTLStr := fs.String("max-ttl", "1d", "maximum TTL a PUT may request")
	maxValueBytes := fs.Int("max-value-bytes", DefaultMaxValueBytes, "maximum secret size in bytes")
	maxKeys := fs.Int("max-keys", DefaultMaxKeys, "maximum number of stored keys")
	maxConnections := fs.Int("max-connections", DefaultMaxConnections, "maximum concurrent connections")
	sweepIntervalStr := fs.String("sweep-interval", "1s", "sweeper cadence")
	idleTimeoutStr := fs.String("idle-timeout", "60s", "idle connection timeout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	mode, err := strconv.ParseUint(*socketModeStr, 8, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid --socket-mode %q: %w", *socketModeStr, err)
	}

	defaultTTL, err := parseDurationFlag(*defaultTTLStr)
	if err != nil {
		return nil, fmt.Errorf("invalid --default-ttl: %w", err)
	}
	maxTTL, err := parseDurationFlag(*maxTTLStr)
	if err != nil {
		return nil, fmt.Errorf("invalid --max-ttl: %w", err)
	}
	sweepInterval, err := time.ParseDuration(*sweepIntervalStr)
	if err != nil {
		return nil, fmt.Errorf("invalid --sweep-interval: %w", err)
	}
	idleTimeout, err := time.ParseDuration(*idleTimeoutStr)
	if err != nil {
		return nil, fmt.Errorf("invalid --idle-timeout: %w", err)
	}

	cfg := &Config{
		SocketPath:     *socketPath,
		SocketMode:     os.FileMode(mode),
		AllowedUIDs:    uids.values,
		DefaultTTL:     defaultTTL,
		MaxTTL:         maxTTL,
		MaxValueBytes:  *maxValueBytes,
		MaxKeys:        *maxKeys,
		MaxConnections: *maxConnections,
		SweepInterval:  sweepInterval,
		IdleTimeout:    idleTimeout,
		ShutdownGrace:  DefaultShutdownGrace,
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseDurationFlag accepts both the compact secmem TTL grammar (30s,
// 15m, 2h, 1d) used on the wire and Go's own duration syntax, since the
// CLI surface reuses the same compact duration tokens (e.g. 15m) as the
// wire protocol's TTL field.
func parseDurationFlag(s string) (time.Duration, error) {
	if d, err := store.ParseTTL(s); err == nil {
		return d, nil
	}
	return time.ParseDuration(s)
}

var validatorInstance = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("ttl_range", validTTLRange)
	return v
}()

// validTTLRange checks a time.Duration field against the store's
// absolute TTL bounds (1..=604800 seconds).
func validTTLRange(fl validator.FieldLevel) bool {
	d, ok := fl.Field().Interface().(time.Duration)
	if !ok {
		return false
	}
	return d >= store.MinTTL && d <= store.MaxTTLCeiling
}

func validateConfig(cfg *Config) error {
	if err := validatorInstance.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
