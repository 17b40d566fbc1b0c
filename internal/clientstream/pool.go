package clientstream

import (
	"sync"
	"time"

	"github.com/conduitio/bwlimit"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// defaultMaxPooledConns bounds the pool's total idle-entry count the way
// utils/roles.CacheConfig.MaxSize bounds a role cache: a safety ceiling,
// not a tuning target for this domain.
const defaultMaxPooledConns = 4096

// pooledConn is one idle reused socket awaiting its next logical request,
// keyed by the access id string it was reused under.
type pooledConn struct {
	key    string
	stream *Stream
}

// Pool is the keep-alive reuse pool for Client Streams (spec §4.4:
// "reuse amortises [handshake cost] across logical requests"). It is
// built on the teacher's expirable.LRU keyed-cache primitive
// (utils/roles/role_cache.go's KeyedCache), the same TTL-eviction cache
// the teacher uses for role and pool-name lookups, repurposed here to
// expire idle pooled sockets instead of authorization records. Byte
// throughput per pooled connection is capped via conduitio/bwlimit,
// tying a reused socket's rate to the access's usage quota rather than
// leaving it unbounded between logical requests.
type Pool struct {
	mu    sync.Mutex
	index map[string][]string // key -> idle entry ids, most-recently-put last
	cache *expirable.LRU[string, *pooledConn]
}

// NewPool constructs a Pool whose idle entries expire after maxIdle.
func NewPool(maxIdle time.Duration) *Pool {
	if maxIdle <= 0 {
		maxIdle = 30 * time.Second
	}
	p := &Pool{index: make(map[string][]string)}
	p.cache = expirable.NewLRU[string, *pooledConn](defaultMaxPooledConns, p.onEvict, maxIdle)
	return p
}

// onEvict runs whenever the LRU drops an entry, whether by TTL expiry,
// capacity pressure, Remove or Purge: the pooled socket is always closed,
// never left dangling once it falls out of the cache.
func (p *Pool) onEvict(id string, entry *pooledConn) {
	entry.stream.Dispose(false)

	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.index[entry.key]
	for i, existing := range ids {
		if existing == id {
			p.index[entry.key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(p.index[entry.key]) == 0 {
		delete(p.index, entry.key)
	}
}

// ReuseSinkFor returns a ReuseSink that deposits freshly reused Streams
// under the given key for later retrieval by Take. When ratePerSecond is
// positive, the Stream's Conn() is wrapped to ratePerSecond bytes/s in
// each direction (0 means unlimited); its Framed() layer keeps reading
// and writing the unwrapped socket and is not rate-limited.
func (p *Pool) ReuseSinkFor(key string, ratePerSecond int) ReuseSink {
	return func(s *Stream) {
		if ratePerSecond > 0 {
			s.conn = bwlimit.NewConn(s.Conn(), bwlimit.Byte(ratePerSecond), bwlimit.Byte(ratePerSecond))
		}
		p.Put(key, s)
	}
}

// Put deposits an idle reused Stream into the pool under key.
func (p *Pool) Put(key string, s *Stream) {
	id := uuid.NewString()

	p.mu.Lock()
	p.index[key] = append(p.index[key], id)
	p.mu.Unlock()

	p.cache.Add(id, &pooledConn{key: key, stream: s})
}

// Take removes and returns one idle Stream for key, if any is available.
func (p *Pool) Take(key string) (*Stream, bool) {
	for {
		p.mu.Lock()
		ids := p.index[key]
		if len(ids) == 0 {
			p.mu.Unlock()
			return nil, false
		}
		id := ids[len(ids)-1]
		ids = ids[:len(ids)-1]
		if len(ids) == 0 {
			delete(p.index, key)
		} else {
			p.index[key] = ids
		}
		p.mu.Unlock()

		entry, ok := p.cache.Get(id)
		if !ok {
			continue // expired between the index lookup and the cache read
		}
		// Remove runs onEvict, which disposes the stream it is handed:
		// swap in an already-disposed placeholder first so the stream
		// being taken stays open.
		p.cache.Add(id, &pooledConn{key: entry.key, stream: &Stream{disposed: true}})
		p.cache.Remove(id)
		if entry.stream.IsDisposed() {
			continue // closed while idle; try the next one
		}
		return entry.stream, true
	}
}

// Close evicts and disposes every pooled connection.
func (p *Pool) Close() {
	p.cache.Purge()
}
