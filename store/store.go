// Package store archives batch results in SQL (sqlite, postgres) or etcd.
package store

import (
	"context"
	"strings"

	"github.com/SyneHQ/jobqueue/model"
)

type Store interface {
	ArchiveJob(ctx context.Context, batchID string, res model.JobResult) error
	ArchiveBatch(ctx context.Context, res model.BatchResult) error
	// GetBatch returns a batch with every result archived for it.
	GetBatch(ctx context.Context, id string) (model.BatchResult, error)
	Close() error
}

type Config struct {
	Driver    string   `yaml:"driver"` // sqlite, postgres or etcd
	Path      string   `yaml:"path"`   // file name or DSN
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// Open returns the store named by cfg.Driver, or nil if none is configured.
func Open(cfg Config) (Store, error) {
	switch DBDriver(strings.ToLower(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case SQLite, PostgreSQL:
		s, err := OpenSQLStore(strings.ToLower(cfg.Driver), cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case Etcd:
		s, err := OpenEtcdStore(cfg.Endpoints, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, model.Errorf(model.ErrorConfig, "unknown store driver %q", cfg.Driver)
	}
}
