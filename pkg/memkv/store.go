package memkv

import (
	"sync"
	"sync/atomic"
	"time"
)

// Options tunes store behaviour. The zero value is usable.
type Options struct {
	Shards        int           // shard count, default 64
	SweepInterval time.Duration // background expiry sweep period, default 1s
	MaxBytes      uint64        // hard cap on total value bytes, 0 = unlimited
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 64
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Second
	}
	return o
}

// Metrics is a snapshot of store counters.
type Metrics struct {
	Keys    uint64
	Bytes   uint64
	Sets    uint64
	Gets    uint64
	Hits    uint64
	Misses  uint64
	Deletes uint64
	Expired uint64
	Updates uint64
}

type entry struct {
	val      []byte
	expireAt int64 // unix nano, 0 = no expiry
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*entry
}

// Store is the sharded KV. Close stops the sweep goroutine.
type Store struct {
	opts    Options
	shards  []shard
	closeCh chan struct{}
	wg      sync.WaitGroup

	nowFn func() time.Time // overridable in tests

	mKeys    atomic.Uint64
	mBytes   atomic.Uint64
	mSets    atomic.Uint64
	mGets    atomic.Uint64
	mHits    atomic.Uint64
	mMisses  atomic.Uint64
	mDels    atomic.Uint64
	mExpired atomic.Uint64
	mUpdates atomic.Uint64
}

func New(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{opts: opts, shards: make([]shard, opts.Shards), closeCh: make(chan struct{}), nowFn: time.Now}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*entry, 64)
	}
	s.wg.Add(1)
	go s.sweeper()
	return s
}

func (s *Store) Close() {
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
	s.wg.Wait()
}

// FNV-1a, inlined to keep the hot path allocation free.
func (s *Store) shardFor(key string) *shard {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return &s.shards[h%uint64(len(s.shards))]
}

// Set stores a copy of val. Returns true when the key was created rather
// than overwritten. A Set over MaxBytes is refused and returns false.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
	expAt := int64(0)
	if ttl > 0 {
		expAt = s.nowFn().Add(ttl).UnixNano()
	}
	v := append([]byte(nil), val...)

	sh := s.shardFor(key)
	sh.mu.Lock()
	prev, existed := sh.m[key]
	delta := len(v)
	if existed {
		delta -= len(prev.val)
	}
	if delta > 0 && !s.tryAddBytes(uint64(delta)) {
		sh.mu.Unlock()
		return false
	}
	if delta < 0 {
		s.addBytes(int64(delta))
	}
	sh.m[key] = &entry{val: v, expireAt: expAt}
	sh.mu.Unlock()

	if !existed {
		s.mKeys.Add(1)
	}
	s.mSets.Add(1)
	return !existed
}

// Get returns a copy of the value.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	var exp int64
	var val []byte
	if ok {
		exp, val = e.expireAt, e.val
	}
	sh.mu.RUnlock()

	s.mGets.Add(1)
	if !ok || s.expireIfDue(sh, key, exp) {
		s.mMisses.Add(1)
		return nil, false
	}
	s.mHits.Add(1)
	return append([]byte(nil), val...), true
}

// Update applies fn to the current value under the shard lock. Returns false
// when the key is absent or expired, or when the result would exceed MaxBytes.
func (s *Store) Update(key string, fn func(old []byte) []byte) bool {
	sh := s.shardFor(key)
	now := s.nowFn().UnixNano()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if !ok {
		return false
	}
	if e.expireAt != 0 && e.expireAt <= now {
		delete(sh.m, key)
		s.noteExpired(e)
		return false
	}
	newVal := fn(e.val)
	delta := len(newVal) - len(e.val)
	if delta > 0 && !s.tryAddBytes(uint64(delta)) {
		return false
	}
	if delta < 0 {
		s.addBytes(int64(delta))
	}
	e.val = append([]byte(nil), newVal...)
	s.mUpdates.Add(1)
	return true
}

func (s *Store) Exists(key string) bool {
	_, ok := s.Get(key)
	return ok
}

func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.m[key]
	if ok {
		delete(sh.m, key)
	}
	sh.mu.Unlock()
	if ok {
		s.mDels.Add(1)
		s.mKeys.Add(^uint64(0))
		s.addBytes(int64(-len(e.val)))
	}
	return ok
}

// Expire sets a new TTL. ttl <= 0 deletes the key.
func (s *Store) Expire(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		return s.Delete(key)
	}
	exp := s.nowFn().Add(ttl).UnixNano()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if !ok {
		return false
	}
	if e.expireAt != 0 && e.expireAt <= s.nowFn().UnixNano() {
		delete(sh.m, key)
		s.noteExpired(e)
		return false
	}
	e.expireAt = exp
	return true
}

// TTL reports the remaining lifetime. ok=false when absent or expired;
// a key without expiry reports ok=true with d=0.
func (s *Store) TTL(key string) (d time.Duration, ok bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, present := sh.m[key]
	var exp int64
	if present {
		exp = e.expireAt
	}
	sh.mu.RUnlock()
	if !present || s.expireIfDue(sh, key, exp) {
		return 0, false
	}
	if exp == 0 {
		return 0, true
	}
	return time.Duration(exp - s.nowFn().UnixNano()), true
}

func (s *Store) Metrics() Metrics {
	return Metrics{
		Keys:    s.mKeys.Load(),
		Bytes:   s.mBytes.Load(),
		Sets:    s.mSets.Load(),
		Gets:    s.mGets.Load(),
		Hits:    s.mHits.Load(),
		Misses:  s.mMisses.Load(),
		Deletes: s.mDels.Load(),
		Expired: s.mExpired.Load(),
		Updates: s.mUpdates.Load(),
	}
}

// expireIfDue lazily removes an expired entry; reports true when it did.
func (s *Store) expireIfDue(sh *shard, key string, exp int64) bool {
	if exp == 0 || exp > s.nowFn().UnixNano() {
		return false
	}
	sh.mu.Lock()
	if e, ok := sh.m[key]; ok && e.expireAt != 0 && e.expireAt <= s.nowFn().UnixNano() {
		delete(sh.m, key)
		s.noteExpired(e)
	}
	sh.mu.Unlock()
	return true
}

func (s *Store) noteExpired(e *entry) {
	s.mExpired.Add(1)
	s.mKeys.Add(^uint64(0))
	s.addBytes(int64(-len(e.val)))
}

func (s *Store) sweeper() {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-t.C:
			now := s.nowFn().UnixNano()
			for i := range s.shards {
				sh := &s.shards[i]
				sh.mu.Lock()
				for k, e := range sh.m {
					if e.expireAt != 0 && e.expireAt <= now {
						delete(sh.m, k)
						s.noteExpired(e)
					}
				}
				sh.mu.Unlock()
			}
		}
	}
}

func (s *Store) tryAddBytes(delta uint64) bool {
	if s.opts.MaxBytes == 0 {
		s.mBytes.Add(delta)
		return true
	}
	for {
		cur := s.mBytes.Load()
		next := cur + delta
		if next > s.opts.MaxBytes {
			return false
		}
		if s.mBytes.CompareAndSwap(cur, next) {
			return true
		}
	}
}

func (s *Store) addBytes(delta int64) {
	if delta >= 0 {
		s.mBytes.Add(uint64(delta))
		return
	}
	for {
		cur := s.mBytes.Load()
		sub := uint64(-delta)
		next := uint64(0)
		if sub < cur {
			next = cur - sub
		}
		if s.mBytes.CompareAndSwap(cur, next) {
			return
		}
	}
}
