// Package natskv is a coordination.KV backed by NATS JetStream key-value
// buckets, the clustered backend spec.md §4.4/§6 requires. Grounded on the
// distilled source's own NATS coordination client
// (original_source/libs/nats-coordination), reimplemented against
// github.com/nats-io/nats.go's jetstream KV API rather than async-nats.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/dorad-project/dorad/pkg/coordination"
)

const natsReconnectWait = 2 * time.Second

// Store wraps a NATS connection and lazily-created JetStream KV buckets.
type Store struct {
	nc *nats.Conn
	js jetstream.JetStream

	buckets map[string]jetstream.KeyValue
}

// Connect dials the given NATS server list and ensures the leases
// (history=16) and host-options (history=1) buckets exist, per spec.md
// §6's bucket/history requirements.
func Connect(ctx context.Context, servers []string) (*Store, error) {
	nc, err := nats.Connect(natsURL(servers),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(natsReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("natskv: connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natskv: jetstream: %w", err)
	}

	s := &Store{nc: nc, js: js, buckets: make(map[string]jetstream.KeyValue)}
	for bucket, history := range coordination.BucketHistory {
		kv, err := s.ensureBucket(ctx, bucket, history)
		if err != nil {
			nc.Close()
			return nil, err
		}
		s.buckets[bucket] = kv
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context, name string, history int) (jetstream.KeyValue, error) {
	kv, err := s.js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("natskv: lookup bucket %s: %w", name, err)
	}
	kv, err = s.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  name,
		History: uint8(history),
	})
	if err != nil {
		return nil, fmt.Errorf("natskv: create bucket %s: %w", name, err)
	}
	return kv, nil
}

func (s *Store) kv(bucket string) (jetstream.KeyValue, error) {
	kv, ok := s.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("natskv: unknown bucket %q", bucket)
	}
	return kv, nil
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, uint64, bool, error) {
	kv, err := s.kv(bucket)
	if err != nil {
		return nil, 0, false, err
	}
	entry, err := kv.Get(ctx, sanitizeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("natskv: get %s/%s: %w", bucket, key, err)
	}
	return entry.Value(), entry.Revision(), true, nil
}

func (s *Store) Put(ctx context.Context, bucket, key string, value []byte) (uint64, error) {
	kv, err := s.kv(bucket)
	if err != nil {
		return 0, err
	}
	rev, err := kv.Put(ctx, sanitizeKey(key), value)
	if err != nil {
		return 0, fmt.Errorf("natskv: put %s/%s: %w", bucket, key, err)
	}
	return rev, nil
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	kv, err := s.kv(bucket)
	if err != nil {
		return err
	}
	if err := kv.Delete(ctx, sanitizeKey(key)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("natskv: delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, bucket string) ([]string, error) {
	kv, err := s.kv(bucket)
	if err != nil {
		return nil, err
	}
	lister, err := kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("natskv: list keys %s: %w", bucket, err)
	}
	var keys []string
	for k := range lister.Keys() {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *Store) Healthy(ctx context.Context) bool {
	return s.nc != nil && s.nc.Status() == nats.CONNECTED
}

func (s *Store) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}

func natsURL(servers []string) string {
	url := ""
	for i, srv := range servers {
		if i > 0 {
			url += ","
		}
		url += srv
	}
	return url
}

// sanitizeKey mirrors spec.md §4.7's `/`/`:` sanitization requirement by
// rewriting both characters to '_' in every key passed to Get, Put and
// Delete. Callers hand in hierarchical keys with '/' separators
// (pkg/hostopts sanitizes only the components between them;
// pkg/coordination's lease and IP-index keys are not sanitized at all), so
// every stored key is the rewritten form, and that form is what Keys returns.
func sanitizeKey(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '/', ':':
			out[i] = '_'
		default:
			out[i] = key[i]
		}
	}
	return string(out)
}
