// Package cache implements the content-addressed artifact store shared by
// the broker and the worker: a bounded, refcounted set of files on disk
// keyed by sha256 digest, with at-most-one fetch in flight per digest and
// LRU eviction ordered by last-unpin time.
//
// All state mutation is serialized through a single actor goroutine that
// drains a command channel (the "owned by a single task" mediator called
// for in the scheduling model), so callers never take a lock directly.
// Callers that need to pull bytes from the network do so on their own
// goroutine and hand the result back to the actor via CompleteFetch —
// the actor itself never blocks on I/O.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/metrics"
)

var (
	// ErrNotResident is returned by Pin when the digest has no resident entry.
	ErrNotResident = errors.New("cache: digest not resident")
	// ErrDigestMismatch is returned when streamed bytes hash to something
	// other than the requested digest.
	ErrDigestMismatch = errors.New("cache: digest mismatch")
	// ErrClosed is returned by any operation issued after Close.
	ErrClosed = errors.New("cache: closed")
)

var indexBucket = []byte("artifacts")

// State is the lifecycle state of a cache entry.
type State int

const (
	// StateInFlight means the entry was requested but bytes are not yet
	// on disk.
	StateInFlight State = iota
	// StateResident means the entry's bytes are on disk and verified.
	StateResident
)

// ResidentHandle is a refcount pin keeping a cache entry alive. It must be
// released exactly once via Drop.
type ResidentHandle struct {
	cache    *Cache
	digest   digest.Digest
	released atomic.Bool
}

// Digest returns the digest this handle pins.
func (h *ResidentHandle) Digest() digest.Digest { return h.digest }

// Path returns the on-disk path of the pinned artifact.
func (h *ResidentHandle) Path() string { return h.cache.pathFor(h.digest) }

// FetchResult is delivered to waiters on completion of an InFlight fetch.
type FetchResult struct {
	Handle *ResidentHandle
	Err    error
}

// GetResult is the outcome of GetOrRequest: either an immediate pin, or a
// channel to wait on for completion of an in-flight or newly-started fetch.
type GetResult struct {
	// Handle is non-nil if the digest was already Resident; it is
	// already pinned on behalf of the caller.
	Handle *ResidentHandle
	// Wait is non-nil if the digest was not immediately available. It
	// receives exactly one FetchResult.
	Wait <-chan FetchResult
	// Lead is true when the caller is the first requester for this
	// digest and is responsible for actually fetching the bytes and
	// calling CompleteFetch. Other waiters only read from Wait.
	Lead bool
}

// Stats is a snapshot of cache occupancy, used for metrics.
type Stats struct {
	TotalBytes int64
	MaxBytes   int64
	Resident   int
	InFlight   int
	Evictable  int
}

type entry struct {
	state     State
	size      int64
	refcount  int
	lastUnpin time.Time
	waiters   []chan FetchResult
}

type indexRecord struct {
	Size      int64     `json:"size"`
	LastUnpin time.Time `json:"last_unpin"`
}

// Cache is the artifact store. Create with Open, release with Close.
type Cache struct {
	dir      string
	maxBytes int64
	logger   zerolog.Logger

	cmds chan command
	done chan struct{}

	db *bolt.DB
}

type command interface{ run(c *actorState) }

type actorState struct {
	cache      *Cache
	entries    map[digest.Digest]*entry
	evictable  *lru.Cache[digest.Digest, struct{}]
	totalBytes int64
}

// Open opens (or creates) a cache rooted at dir, bounded to maxBytes
// resident bytes. Existing sha256/<shard>/<digest> files referenced by the
// sidecar bbolt index are restored as Resident, unpinned, ordered by their
// last recorded unpin time.
func Open(dir string, maxBytes int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: open index: %w", err)
	}

	c := &Cache{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   log.WithComponent("cache"),
		cmds:     make(chan command, 64),
		done:     make(chan struct{}),
		db:       db,
	}

	evictable, err := lru.New[digest.Digest, struct{}](1 << 20)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: init lru: %w", err)
	}
	st := &actorState{
		cache:     c,
		entries:   make(map[digest.Digest]*entry),
		evictable: evictable,
	}

	if err := st.restore(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: restore index: %w", err)
	}

	go c.run(st)
	return c, nil
}

func (c *Cache) run(st *actorState) {
	defer close(c.done)
	for cmd := range c.cmds {
		cmd.run(st)
	}
}

// Close persists the index atomically and stops the actor. No further
// calls may be made on c after Close returns.
func (c *Cache) Close() error {
	reply := make(chan error, 1)
	c.cmds <- closeCmd{reply: reply}
	err := <-reply
	close(c.cmds)
	<-c.done
	if cerr := c.db.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Cache) pathFor(d digest.Digest) string {
	shard, name := d.ShardPath()
	return filepath.Join(c.dir, "sha256", shard, name)
}

// GetOrRequest returns an immediate pin if d is Resident, otherwise
// registers the caller as a waiter on the (possibly newly created)
// InFlight entry.
func (c *Cache) GetOrRequest(d digest.Digest) (GetResult, error) {
	reply := make(chan getOrRequestReply, 1)
	c.cmds <- getOrRequestCmd{d: d, reply: reply}
	r := <-reply
	return r.res, r.err
}

// Pin returns a new handle on an already-Resident digest, incrementing its
// refcount. It returns ErrNotResident if d has no resident entry.
func (c *Cache) Pin(d digest.Digest) (*ResidentHandle, error) {
	reply := make(chan pinReply, 1)
	c.cmds <- pinCmd{d: d, reply: reply}
	r := <-reply
	return r.handle, r.err
}

// Drop releases a handle, decrementing refcount. It is safe to call once
// per handle; subsequent calls are no-ops. Dropping to refcount zero makes
// the entry Evictable and re-evaluates eviction.
func (c *Cache) Drop(h *ResidentHandle) {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	reply := make(chan struct{}, 1)
	c.cmds <- dropCmd{d: h.digest, reply: reply}
	<-reply
}

// CompleteFetch hands the result of an out-of-band fetch back to the
// cache. stagingPath names a file, already written by the caller (via a
// digest.VerifyingReader) and containing exactly size bytes, whose
// contents hash to actualDigest. If fetchErr is non-nil the fetch is
// treated as failed and stagingPath, if non-empty, is removed. On a digest
// mismatch the cache reports ErrDigestMismatch to every waiter without
// poisoning the entry — a later fetch attempt may still succeed.
func (c *Cache) CompleteFetch(d digest.Digest, stagingPath string, actualDigest digest.Digest, size int64, fetchErr error) error {
	reply := make(chan error, 1)
	c.cmds <- completeFetchCmd{
		d:            d,
		stagingPath:  stagingPath,
		actualDigest: actualDigest,
		size:         size,
		fetchErr:     fetchErr,
		reply:        reply,
	}
	return <-reply
}

// ForceEvictIfPossible evicts Evictable entries in LRU order until total
// resident bytes is at or below the configured bound, or no more entries
// are evictable.
func (c *Cache) ForceEvictIfPossible() error {
	reply := make(chan error, 1)
	c.cmds <- evictCmd{reply: reply}
	return <-reply
}

// Stats returns a point-in-time snapshot of cache occupancy.
func (c *Cache) Stats() Stats {
	reply := make(chan Stats, 1)
	c.cmds <- statsCmd{reply: reply}
	return <-reply
}

// --- commands ---

type getOrRequestReply struct {
	res GetResult
	err error
}

type getOrRequestCmd struct {
	d     digest.Digest
	reply chan<- getOrRequestReply
}

func (cmd getOrRequestCmd) run(st *actorState) {
	e, ok := st.entries[cmd.d]
	if ok && e.state == StateResident {
		st.pinLocked(cmd.d, e)
		cmd.reply <- getOrRequestReply{res: GetResult{Handle: &ResidentHandle{cache: st.cache, digest: cmd.d}}}
		return
	}
	if ok && e.state == StateInFlight {
		ch := make(chan FetchResult, 1)
		e.waiters = append(e.waiters, ch)
		cmd.reply <- getOrRequestReply{res: GetResult{Wait: ch, Lead: false}}
		return
	}
	ch := make(chan FetchResult, 1)
	st.entries[cmd.d] = &entry{state: StateInFlight, waiters: []chan FetchResult{ch}}
	metrics.CacheFetchesInFlight.Inc()
	st.reportEntryMetrics()
	cmd.reply <- getOrRequestReply{res: GetResult{Wait: ch, Lead: true}}
}

type pinReply struct {
	handle *ResidentHandle
	err    error
}

type pinCmd struct {
	d     digest.Digest
	reply chan<- pinReply
}

func (cmd pinCmd) run(st *actorState) {
	e, ok := st.entries[cmd.d]
	if !ok || e.state != StateResident {
		cmd.reply <- pinReply{err: ErrNotResident}
		return
	}
	st.pinLocked(cmd.d, e)
	cmd.reply <- pinReply{handle: &ResidentHandle{cache: st.cache, digest: cmd.d}}
}

func (st *actorState) pinLocked(d digest.Digest, e *entry) {
	e.refcount++
	st.evictable.Remove(d)
}

type dropCmd struct {
	d     digest.Digest
	reply chan<- struct{}
}

func (cmd dropCmd) run(st *actorState) {
	defer func() { cmd.reply <- struct{}{} }()
	e, ok := st.entries[cmd.d]
	if !ok || e.refcount == 0 {
		return
	}
	e.refcount--
	if e.refcount == 0 {
		e.lastUnpin = nowFunc()
		st.evictable.Add(cmd.d, struct{}{})
		st.persist(cmd.d, e)
		st.evictLocked()
	}
}

type completeFetchCmd struct {
	d            digest.Digest
	stagingPath  string
	actualDigest digest.Digest
	size         int64
	fetchErr     error
	reply        chan<- error
}

func (cmd completeFetchCmd) run(st *actorState) {
	e, ok := st.entries[cmd.d]
	if !ok {
		cmd.reply <- fmt.Errorf("cache: complete_fetch for unknown digest %s", cmd.d)
		return
	}
	metrics.CacheFetchesInFlight.Dec()

	fail := func(err error) {
		if cmd.stagingPath != "" {
			_ = os.Remove(cmd.stagingPath)
		}
		delete(st.entries, cmd.d)
		for _, w := range e.waiters {
			w <- FetchResult{Err: err}
			close(w)
		}
		metrics.CacheFetchesTotal.WithLabelValues("error").Inc()
		st.reportEntryMetrics()
		cmd.reply <- nil
	}

	if cmd.fetchErr != nil {
		fail(cmd.fetchErr)
		return
	}
	if cmd.actualDigest != cmd.d {
		fail(ErrDigestMismatch)
		return
	}

	finalPath := st.cache.pathFor(cmd.d)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		fail(fmt.Errorf("cache: prepare shard dir: %w", err))
		return
	}
	if err := os.Rename(cmd.stagingPath, finalPath); err != nil {
		fail(fmt.Errorf("cache: move into place: %w", err))
		return
	}

	e.state = StateResident
	e.size = cmd.size
	e.refcount = len(e.waiters)
	st.totalBytes += cmd.size
	metrics.CacheBytes.Set(float64(st.totalBytes))
	metrics.CacheFetchesTotal.WithLabelValues("ok").Inc()
	st.reportEntryMetrics()
	st.persist(cmd.d, e)

	for _, w := range e.waiters {
		w <- FetchResult{Handle: &ResidentHandle{cache: st.cache, digest: cmd.d}}
		close(w)
	}
	e.waiters = nil
	cmd.reply <- nil
}

type evictCmd struct{ reply chan<- error }

func (cmd evictCmd) run(st *actorState) {
	st.evictLocked()
	cmd.reply <- nil
}

func (st *actorState) evictLocked() {
	for st.totalBytes > st.cache.maxBytes {
		keys := st.evictable.Keys()
		if len(keys) == 0 {
			return
		}
		d := keys[0]
		st.evictable.Remove(d)
		e, ok := st.entries[d]
		if !ok || e.refcount != 0 {
			continue
		}
		path := st.cache.pathFor(d)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			st.cache.logger.Error().Err(err).Str("digest", d.String()).Msg("cache: evict: remove file failed")
			continue
		}
		st.totalBytes -= e.size
		delete(st.entries, d)
		st.removeIndex(d)
		metrics.CacheEvictionsTotal.Inc()
		metrics.CacheBytes.Set(float64(st.totalBytes))
		st.reportEntryMetrics()
	}
}

type statsCmd struct{ reply chan<- Stats }

func (cmd statsCmd) run(st *actorState) {
	cmd.reply <- st.snapshotStats()
}

func (st *actorState) snapshotStats() Stats {
	s := Stats{TotalBytes: st.totalBytes, MaxBytes: st.cache.maxBytes}
	for _, e := range st.entries {
		switch {
		case e.state == StateInFlight:
			s.InFlight++
		case e.refcount == 0:
			s.Evictable++
			s.Resident++
		default:
			s.Resident++
		}
	}
	return s
}

// reportEntryMetrics refreshes the cache_entries_total gauge vec from the
// current entry table. Called after any mutation to st.entries.
func (st *actorState) reportEntryMetrics() {
	s := st.snapshotStats()
	metrics.CacheEntriesTotal.WithLabelValues("resident").Set(float64(s.Resident))
	metrics.CacheEntriesTotal.WithLabelValues("in_flight").Set(float64(s.InFlight))
}

type closeCmd struct{ reply chan<- error }

func (cmd closeCmd) run(st *actorState) {
	cmd.reply <- st.snapshotToIndex()
}

// --- bbolt sidecar index ---

func (st *actorState) persist(d digest.Digest, e *entry) {
	rec := indexRecord{Size: e.size, LastUnpin: e.lastUnpin}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = st.cache.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(indexBucket)
		if err != nil {
			return err
		}
		key := []byte(d.String())
		return b.Put(key, data)
	})
}

func (st *actorState) removeIndex(d digest.Digest) {
	_ = st.cache.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(indexBucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(d.String()))
	})
}

// snapshotToIndex rewrites the sidecar index with the current resident
// set in one transaction, the atomic-commit equivalent of a rename-over.
func (st *actorState) snapshotToIndex() error {
	return st.cache.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(indexBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(indexBucket)
		if err != nil {
			return err
		}
		for d, e := range st.entries {
			if e.state != StateResident {
				continue
			}
			data, err := json.Marshal(indexRecord{Size: e.size, LastUnpin: e.lastUnpin})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(d.String()), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (st *actorState) restore() error {
	type restored struct {
		d   digest.Digest
		rec indexRecord
	}
	var all []restored

	err := st.cache.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(indexBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			d, err := digest.Parse(string(k))
			if err != nil {
				return nil // skip unparsable keys rather than fail startup
			}
			var rec indexRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			all = append(all, restored{d: d, rec: rec})
			return nil
		})
	})
	if err != nil {
		return err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].rec.LastUnpin.Before(all[j].rec.LastUnpin) })
	for _, r := range all {
		path := st.cache.pathFor(r.d)
		info, err := os.Stat(path)
		if err != nil {
			continue // index entry without a backing file; drop silently
		}
		st.entries[r.d] = &entry{
			state:     StateResident,
			size:      info.Size(),
			lastUnpin: r.rec.LastUnpin,
		}
		st.totalBytes += info.Size()
		st.evictable.Add(r.d, struct{}{})
	}
	metrics.CacheBytes.Set(float64(st.totalBytes))
	st.reportEntryMetrics()
	return nil
}

// nowFunc is a seam for tests; defaults to time.Now.
var nowFunc = time.Now

// verifyAndStage is a helper used by callers (the worker's artifact
// fetcher, the broker's artifact mediation) to stream an incoming byte
// sequence of known size into a staging file under dir while computing
// its digest, ready to hand to CompleteFetch.
func verifyAndStage(dir string, size int64, r io.Reader) (stagingPath string, actual digest.Digest, err error) {
	f, err := os.CreateTemp(dir, "stage-*")
	if err != nil {
		return "", digest.Digest{}, err
	}
	defer f.Close()

	vr := digest.NewVerifyingReader(r)
	if _, err := io.CopyN(f, vr, size); err != nil {
		os.Remove(f.Name())
		return "", digest.Digest{}, err
	}
	return f.Name(), vr.Sum(), nil
}

// Stage streams size bytes from r into a staging file under the cache's
// root, suitable for a subsequent CompleteFetch call. It performs no
// control-plane state mutation and is safe to call from any goroutine.
func (c *Cache) Stage(r io.Reader, size int64) (stagingPath string, actual digest.Digest, err error) {
	stageDir := filepath.Join(c.dir, "stage")
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return "", digest.Digest{}, err
	}
	return verifyAndStage(stageDir, size, r)
}
