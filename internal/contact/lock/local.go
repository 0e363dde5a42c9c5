package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"

	"linkage/pkg/platform/sentinel"
)

const defaultShards = 128

// Local is an in-process locker over FNV-1a hashed channel semaphores.
// Distinct keys may share a shard; that only costs parallelism.
type Local struct {
	shards []chan struct{}
}

func NewLocal() *Local {
	return NewLocalWithShards(defaultShards)
}

func NewLocalWithShards(n int) *Local {
	if n <= 0 {
		n = defaultShards
	}
	shards := make([]chan struct{}, n)
	for i := range shards {
		shards[i] = make(chan struct{}, 1)
	}
	return &Local{shards: shards}
}

// Acquire takes the shards of keys in ascending shard order, giving up when
// ctx ends.
func (l *Local) Acquire(ctx context.Context, keys []string) (func(), error) {
	keys = normalizeKeys(keys)
	if len(keys) == 0 {
		return noop, nil
	}

	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, l.shardFor(k))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	held := make([]int, 0, len(idx))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-l.shards[held[i]]
		}
	}
	for _, i := range idx {
		select {
		case l.shards[i] <- struct{}{}:
			held = append(held, i)
		case <-ctx.Done():
			release()
			return nil, fmt.Errorf("acquire %v: %w: %w", keys, sentinel.ErrLockTimeout, ctx.Err())
		}
	}
	return sync.OnceFunc(release), nil
}

func (l *Local) shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.shards)))
}
