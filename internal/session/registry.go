package session

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

const DefaultShards = 32

// Registry indexes active sessions by subscription key. Keys are spread
// over independently locked shards so fan-out on one key never waits on
// subscribe/unsubscribe traffic for another. A second sharded index maps
// each session to its single current key.
//
// The registry does not own sessions; it only references them until they
// are unsubscribed.
type Registry struct {
	buckets []*bucketShard
	members []*memberShard
}

type bucketShard struct {
	mu      sync.RWMutex
	buckets map[string]map[*Session]struct{}
}

type memberShard struct {
	mu   sync.Mutex
	keys map[*Session]string
}

func NewRegistry(shards int) *Registry {
	if shards <= 0 {
		shards = DefaultShards
	}
	r := &Registry{
		buckets: make([]*bucketShard, shards),
		members: make([]*memberShard, shards),
	}
	for i := range r.buckets {
		r.buckets[i] = &bucketShard{buckets: make(map[string]map[*Session]struct{})}
		r.members[i] = &memberShard{keys: make(map[*Session]string)}
	}
	return r
}

func shardIndex(s string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() % uint32(n))
}

func (r *Registry) bucketFor(key string) *bucketShard {
	return r.buckets[shardIndex(key, len(r.buckets))]
}

func (r *Registry) memberFor(s *Session) *memberShard {
	return r.members[shardIndex(s.id, len(r.members))]
}

// Subscribe registers s under key. Subscribing again under the same key is
// a no-op; subscribing under a different key moves the session. Closed
// sessions are ignored.
//
// Lock order: member shard, then bucket shard, then the session itself.
func (r *Registry) Subscribe(key string, s *Session) error {
	if key == "" {
		return ErrInvalidKey
	}
	m := r.memberFor(s)
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.Closed() {
		return nil
	}
	old, ok := m.keys[s]
	if ok && old == key {
		return nil
	}
	if ok {
		r.removeFromBucket(old, s)
	}

	b := r.bucketFor(key)
	b.mu.Lock()
	set := b.buckets[key]
	if set == nil {
		set = make(map[*Session]struct{})
		b.buckets[key] = set
	}
	set[s] = struct{}{}
	s.setKey(key)
	b.mu.Unlock()

	m.keys[s] = key
	return nil
}

// Unsubscribe removes s from whatever key it is under. Removing a session
// that is not registered does nothing.
func (r *Registry) Unsubscribe(s *Session) {
	m := r.memberFor(s)
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.keys[s]
	if !ok {
		return
	}
	r.removeFromBucket(old, s)
	delete(m.keys, s)
}

// removeFromBucket must be called with the session's member shard held.
func (r *Registry) removeFromBucket(key string, s *Session) {
	b := r.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.buckets[key]
	if _, ok := set[s]; !ok {
		// The member index and the buckets disagree; routing can no longer
		// be trusted.
		panic(fmt.Sprintf("session: registry corrupted: %s indexed under %q but missing from its bucket", s.id, key))
	}
	delete(set, s)
	if len(set) == 0 {
		delete(b.buckets, key)
	}
	s.setKey("")
}

// Match returns the sessions subscribed to key plus the wildcard
// subscribers. Closed sessions are never returned.
func (r *Registry) Match(key string) []*Session {
	out := r.collect(key, nil)
	if key != Wildcard {
		out = r.collect(Wildcard, out)
	}
	return out
}

func (r *Registry) collect(key string, out []*Session) []*Session {
	b := r.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.buckets[key] {
		if s.Closed() {
			continue
		}
		out = append(out, s)
	}
	return out
}

// KeyOf returns the key s is registered under.
func (r *Registry) KeyOf(s *Session) (string, bool) {
	m := r.memberFor(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[s]
	return key, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	n := 0
	for _, m := range r.members {
		m.mu.Lock()
		n += len(m.keys)
		m.mu.Unlock()
	}
	return n
}

// KeyCount is the number of sessions registered under one key.
type KeyCount struct {
	Key      string `json:"key"`
	Sessions int    `json:"sessions"`
}

// Keys returns per-key subscriber counts sorted by key.
func (r *Registry) Keys() []KeyCount {
	var out []KeyCount
	for _, b := range r.buckets {
		b.mu.RLock()
		for key, set := range b.buckets {
			out = append(out, KeyCount{Key: key, Sessions: len(set)})
		}
		b.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
