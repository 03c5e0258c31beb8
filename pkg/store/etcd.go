package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Key schema. Hash fields are plain prefixed keys; queue entries are keys
// whose FIFO order is their etcd create revision, so the entry key only has
// to be unique, not sortable.
const (
	hashKeyPrefix  = "/forgeq/hash/"
	queueKeyPrefix = "/forgeq/queue/"
)

// EtcdStore implements Store on an etcd cluster.
type EtcdStore struct {
	client *clientv3.Client
	log    *zap.Logger
}

// NewEtcdStore dials the cluster. Callers should Ping before relying on it;
// clientv3.New does not guarantee a live connection.
func NewEtcdStore(endpoints []string, dialTimeout time.Duration, log *zap.Logger) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	return &EtcdStore{client: cli, log: log.Named("store")}, nil
}

func hashKey(table, key string) string {
	return hashKeyPrefix + table + "/" + key
}

func queuePrefix(queue string) string {
	return queueKeyPrefix + queue + "/"
}

func (s *EtcdStore) HashSet(ctx context.Context, table, key string, value []byte) error {
	_, err := s.client.Put(ctx, hashKey(table, key), string(value))
	return errors.Wrapf(err, "hash set %s/%s", table, key)
}

func (s *EtcdStore) HashGet(ctx context.Context, table, key string) ([]byte, error) {
	resp, err := s.client.Get(ctx, hashKey(table, key))
	if err != nil {
		return nil, errors.Wrapf(err, "hash get %s/%s", table, key)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (s *EtcdStore) HashGetAll(ctx context.Context, table string) (map[string][]byte, error) {
	prefix := hashKeyPrefix + table + "/"
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "hash scan %s", table)
	}
	out := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[string(kv.Key[len(prefix):])] = kv.Value
	}
	return out, nil
}

func (s *EtcdStore) HashDelete(ctx context.Context, table, key string) error {
	_, err := s.client.Delete(ctx, hashKey(table, key))
	return errors.Wrapf(err, "hash delete %s/%s", table, key)
}

func (s *EtcdStore) ListPush(ctx context.Context, queue string, value []byte) error {
	// Unique suffix; consumers order by create revision, not by key.
	key := fmt.Sprintf("%s%d", queuePrefix(queue), time.Now().UnixNano())
	_, err := s.client.Put(ctx, key, string(value))
	return errors.Wrapf(err, "push %s", queue)
}

// ListBlockingPop pops the oldest entry, waiting up to timeout for one to
// appear. The delete goes through a transaction guarded on the entry's mod
// revision so two consumers can never pop the same entry; the loser just
// retries on the next oldest.
func (s *EtcdStore) ListBlockingPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	prefix := queuePrefix(queue)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(),
			clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend),
			clientv3.WithLimit(1))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrEmpty
			}
			return nil, errors.Wrapf(err, "pop %s", queue)
		}

		if len(resp.Kvs) > 0 {
			kv := resp.Kvs[0]
			txn, err := s.client.Txn(ctx).
				If(clientv3.Compare(clientv3.ModRevision(string(kv.Key)), "=", kv.ModRevision)).
				Then(clientv3.OpDelete(string(kv.Key))).
				Commit()
			if err != nil {
				if ctx.Err() != nil {
					return nil, ErrEmpty
				}
				return nil, errors.Wrapf(err, "pop %s", queue)
			}
			if txn.Succeeded {
				return kv.Value, nil
			}
			// Lost the race for this entry, try the next one.
			continue
		}

		if err := s.waitForEntry(ctx, prefix, resp.Header.Revision+1); err != nil {
			return nil, err
		}
	}
}

// waitForEntry blocks until something is put under prefix or ctx expires.
func (s *EtcdStore) waitForEntry(ctx context.Context, prefix string, fromRev int64) error {
	wch := s.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(fromRev))
	for {
		select {
		case <-ctx.Done():
			return ErrEmpty
		case wresp, ok := <-wch:
			if !ok {
				return ErrEmpty
			}
			if err := wresp.Err(); err != nil {
				return errors.Wrap(err, "watch queue")
			}
			for _, ev := range wresp.Events {
				if ev.Type == clientv3.EventTypePut {
					return nil
				}
			}
		}
	}
}

func (s *EtcdStore) ListLength(ctx context.Context, queue string) (int64, error) {
	resp, err := s.client.Get(ctx, queuePrefix(queue), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, errors.Wrapf(err, "length %s", queue)
	}
	return resp.Count, nil
}

func (s *EtcdStore) Ping(ctx context.Context) error {
	_, err := s.client.Get(ctx, hashKeyPrefix+"ping")
	return errors.Wrap(err, "ping store")
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}
