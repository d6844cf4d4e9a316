package lock

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSKVStore keeps locks in a JetStream key-value bucket shared by every
// service instance. Create only succeeds when the key is absent, and delete
// is conditioned on the revision the owner was read at.
//
// Bucket TTL is the expiry backstop: JetStream expires keys per bucket, so
// the ttl passed to SetNX must not exceed the bucket's TTL.
type NATSKVStore struct {
	kv  jetstream.KeyValue
	ttl time.Duration
}

// NewNATSKVStore creates or updates the lock bucket with the given TTL
func NewNATSKVStore(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*NATSKVStore, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "per-auction bid locks",
		TTL:         ttl,
		History:     1,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "create lock bucket %s", bucket)
	}
	return &NATSKVStore{kv: kv, ttl: ttl}, nil
}

func (s *NATSKVStore) SetNX(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl > s.ttl {
		return false, errors.Newf("lock ttl %s exceeds bucket ttl %s", ttl, s.ttl)
	}
	_, err := s.kv.Create(ctx, key, []byte(owner))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, jetstream.ErrKeyExists):
		return false, nil
	default:
		return false, errors.Wrapf(err, "create key %s", key)
	}
}

func (s *NATSKVStore) CompareAndDelete(ctx context.Context, key, owner string) (bool, error) {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "get key %s", key)
	}
	if string(entry.Value()) != owner {
		return false, nil
	}

	err = s.kv.Delete(ctx, key, jetstream.LastRevision(entry.Revision()))
	if err != nil {
		// someone rewrote the key after our read, so it is no longer ours
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
			return false, nil
		}
		return false, errors.Wrapf(err, "delete key %s", key)
	}
	return true, nil
}
