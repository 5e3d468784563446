package sandbox

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const registryShards = 16

// registry tracks sandboxes by ID. Lookups lock only the owning shard and
// only for the map access; per-sandbox state is guarded by Sandbox.mu.
type registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu sync.RWMutex
	m  map[string]*Sandbox
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i].m = make(map[string]*Sandbox)
	}
	return r
}

func (r *registry) shard(id string) *registryShard {
	return &r.shards[xxhash.Sum64String(id)%registryShards]
}

func (r *registry) put(sb *Sandbox) {
	s := r.shard(sb.ID)
	s.mu.Lock()
	s.m[sb.ID] = sb
	s.mu.Unlock()
}

func (r *registry) get(id string) (*Sandbox, bool) {
	s := r.shard(id)
	s.mu.RLock()
	sb, ok := s.m[id]
	s.mu.RUnlock()
	return sb, ok
}

func (r *registry) remove(id string) {
	s := r.shard(id)
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

// snapshot returns the tracked sandboxes, holding each shard lock only
// while copying that shard.
func (r *registry) snapshot() []*Sandbox {
	var out []*Sandbox
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, sb := range s.m {
			out = append(out, sb)
		}
		s.mu.RUnlock()
	}
	return out
}

func (r *registry) len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}
