package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/SyneHQ/jobqueue/model"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const DefaultEtcdPrefix = "/jobqueue/"

// EtcdStore keeps one key per batch header and one per result:
//
//	<prefix>batches/<id>
//	<prefix>results/<id>/<iens>
type EtcdStore struct {
	kv     clientv3.KV
	client *clientv3.Client
	prefix string
}

func OpenEtcdStore(endpoints []string, prefix string) (*EtcdStore, error) {
	if len(endpoints) == 0 {
		return nil, model.Errorf(model.ErrorConfig, "etcd store needs at least one endpoint")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	s := NewEtcdStore(cli, prefix)
	s.client = cli
	return s, nil
}

// NewEtcdStore wraps an existing KV, e.g. a namespaced client.
func NewEtcdStore(kv clientv3.KV, prefix string) *EtcdStore {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdStore{kv: kv, prefix: prefix}
}

func (e *EtcdStore) batchKey(id string) string {
	return e.prefix + "batches/" + id
}

func (e *EtcdStore) resultPrefix(batchID string) string {
	return e.prefix + "results/" + batchID + "/"
}

func (e *EtcdStore) ArchiveJob(ctx context.Context, batchID string, res model.JobResult) error {
	return e.putValue(ctx, e.resultPrefix(batchID)+strconv.Itoa(res.Index), res)
}

// ArchiveBatch stores the header; results are written one by one.
func (e *EtcdStore) ArchiveBatch(ctx context.Context, b model.BatchResult) error {
	header := b
	header.Jobs = nil
	if err := e.putValue(ctx, e.batchKey(b.ID), header); err != nil {
		return err
	}
	for _, iens := range b.Indices() {
		if err := e.ArchiveJob(ctx, b.ID, b.Jobs[iens]); err != nil {
			return fmt.Errorf("archive realization %d: %w", iens, err)
		}
	}
	return nil
}

func (e *EtcdStore) GetBatch(ctx context.Context, id string) (model.BatchResult, error) {
	var b model.BatchResult
	resp, err := e.kv.Get(ctx, e.batchKey(id))
	if err != nil {
		return b, err
	}
	if len(resp.Kvs) == 0 {
		return b, model.Errorf(model.ErrorNotFound, "batch %s not found", id)
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, &b); err != nil {
		return b, fmt.Errorf("decode batch %s: %w", id, err)
	}

	b.Jobs = map[int]model.JobResult{}
	resp, err = e.kv.Get(ctx, e.resultPrefix(id), clientv3.WithPrefix())
	if err != nil {
		return b, err
	}
	for _, kv := range resp.Kvs {
		var r model.JobResult
		if err := json.Unmarshal(kv.Value, &r); err != nil {
			return b, fmt.Errorf("decode %s: %w", kv.Key, err)
		}
		b.Jobs[r.Index] = r
	}
	return b, nil
}

func (e *EtcdStore) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

func (e *EtcdStore) putValue(ctx context.Context, key string, val any) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.kv.Put(ctx, key, string(bytes))
	return err
}
