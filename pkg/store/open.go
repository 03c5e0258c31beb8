package store

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	_ Store = (*EtcdStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// Config selects and parameterizes a backend.
type Config struct {
	// Backend is "etcd" or "memory".
	Backend            string   `yaml:"backend"`
	Endpoints          []string `yaml:"endpoints"`
	DialTimeoutSeconds int      `yaml:"dial_timeout_seconds"`
}

// DefaultConfig matches a local single-node etcd.
func DefaultConfig() Config {
	return Config{
		Backend:            "etcd",
		Endpoints:          []string{"localhost:2379"},
		DialTimeoutSeconds: 5,
	}
}

// Open builds the configured backend. It does not verify connectivity;
// daemons Ping right after and treat failure as fatal.
func Open(cfg Config, log *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "etcd":
		dialTimeout := time.Duration(cfg.DialTimeoutSeconds) * time.Second
		if dialTimeout <= 0 {
			dialTimeout = 5 * time.Second
		}
		return NewEtcdStore(cfg.Endpoints, dialTimeout, log)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("unknown store backend %q", cfg.Backend)
	}
}
