package pipeline

import (
	"context"
	"hash/fnv"
)

const lockShards = 256

// keyLocks is a fixed pool of channel mutexes keyed by applicant. Memory is
// bounded regardless of key count; unrelated keys may share a shard.
type keyLocks struct {
	shards [lockShards]chan struct{}
}

func newKeyLocks() *keyLocks {
	l := &keyLocks{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{}
	}
	return l
}

// lock waits for key's shard or for ctx to end. The returned func releases it.
func (l *keyLocks) lock(ctx context.Context, key string) (func(), error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	shard := l.shards[h.Sum32()%lockShards]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
