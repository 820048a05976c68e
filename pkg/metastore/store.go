package metastore

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/yuanrong/pkg/errs"
	"github.com/cuemby/yuanrong/pkg/log"
	"github.com/cuemby/yuanrong/pkg/metrics"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

// historyCapacity bounds the in-memory event ring buffer Watch replays from
// for a non-zero startRevision. A watch requesting a revision older than
// the oldest retained entry gets everything retained, not an error: callers
// needing an exact guarantee should Range the current state first via
// GetAndWatch.
const historyCapacity = 4096

type historyEntry struct {
	rev int64
	evt Event
}

// Store is the bbolt-backed implementation of the metadata store. A single
// in-process mutex serializes every mutation (matching the actor model
// used elsewhere: one logical writer at a time) while bbolt provides the
// durable, crash-safe persistence underneath it, exactly as the teacher's
// BoltStore persists cluster objects.
type Store struct {
	mu       sync.Mutex
	db       *bolt.DB
	revision int64
	history  []historyEntry
	watchers *watcherHub
	leases   *leaseManager
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// Open creates (or reopens) a Store backed by a bbolt file under dataDir.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "metastore.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errs.Wrap(errs.EtcdOperationError, err, "open metastore at %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	}); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.EtcdOperationError, err, "initialize metastore buckets")
	}

	s := &Store{
		db:       db,
		watchers: newWatcherHub(),
		leases:   newLeaseManager(),
		logger:   log.WithComponent("metastore"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if err := s.loadRevision(); err != nil {
		db.Close()
		return nil, err
	}
	go s.sweepLeases()
	return s, nil
}

// Close stops background sweeps and closes the underlying bbolt file.
func (s *Store) Close() error {
	close(s.stopCh)
	<-s.doneCh
	return s.db.Close()
}

func (s *Store) loadRevision() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var kv KeyValue
			if err := json.Unmarshal(v, &kv); err != nil {
				continue
			}
			if kv.ModRevision > s.revision {
				s.revision = kv.ModRevision
			}
		}
		return nil
	})
}

func (s *Store) nextRevision() int64 {
	s.revision++
	metrics.MetaStoreRevision.Set(float64(s.revision))
	return s.revision
}

// appendHistoryLocked records evt in the replay ring buffer. Callers must
// hold s.mu.
func (s *Store) appendHistoryLocked(rev int64, evt Event) {
	s.history = append(s.history, historyEntry{rev: rev, evt: evt})
	if len(s.history) > historyCapacity {
		s.history = s.history[len(s.history)-historyCapacity:]
	}
}

// Put writes req.Key, returning PARAM_INVALID for an empty key and
// ERR_ETCD_OPERATION_ERROR if the bbolt transaction fails.
func (s *Store) Put(req PutRequest) (PutResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(req)
}

// putLocked is Put's core; callers must already hold s.mu. It exists so Txn
// can compare and mutate under a single lock acquisition instead of
// releasing the lock between the guard and the write it guards.
func (s *Store) putLocked(req PutRequest) (PutResponse, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.MetaStoreOpDuration, "put")

	if req.Key == "" {
		return PutResponse{}, errs.New(errs.ParamInvalid, "put: empty key")
	}

	var resp PutResponse
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		prev, err := getLocked(b, req.Key)
		if err != nil {
			return err
		}
		rev := s.nextRevision()
		kv := KeyValue{Key: req.Key, Value: req.Value, ModRevision: rev, Lease: req.Lease}
		if prev != nil {
			kv.CreateRevision = prev.CreateRevision
			kv.Version = prev.Version + 1
			if prev.Lease != 0 {
				s.leases.detach(prev.Lease, req.Key)
			}
		} else {
			kv.CreateRevision = rev
			kv.Version = 1
		}
		if req.Lease != 0 {
			if !s.leases.attach(req.Lease, req.Key) {
				return errs.New(errs.ParamInvalid, "unknown lease %d", req.Lease)
			}
		}
		if err := putKV(b, kv); err != nil {
			return err
		}
		resp = PutResponse{Kv: kv, Revision: rev}
		if req.PrevKv {
			resp.PrevKv = prev
		}
		return nil
	})
	if err != nil {
		return PutResponse{}, wrapStoreErr(err)
	}
	evt := Event{Type: EventPut, Kv: resp.Kv, Prev: resp.PrevKv}
	s.appendHistoryLocked(resp.Revision, evt)
	s.watchers.notify(evt)
	return resp, nil
}

// Range reads req.Key, or every key in [Key, RangeEnd) when RangeEnd is set.
func (s *Store) Range(req RangeRequest) (RangeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangeLocked(req)
}

// rangeLocked is Range's core; callers must already hold s.mu.
func (s *Store) rangeLocked(req RangeRequest) (RangeResponse, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.MetaStoreOpDuration, "range")

	var resp RangeResponse
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		resp.Revision = s.revision
		if req.RangeEnd == "" {
			kv, err := getLocked(b, req.Key)
			if err != nil {
				return err
			}
			if kv != nil {
				resp.Kvs = append(resp.Kvs, *kv)
				resp.Count = 1
			}
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek([]byte(req.Key)); k != nil && string(k) < req.RangeEnd; k, v = c.Next() {
			var kv KeyValue
			if err := json.Unmarshal(v, &kv); err != nil {
				return errs.Wrap(errs.EtcdOperationError, err, "decode key %s", k)
			}
			resp.Count++
			if req.CountOnly {
				continue
			}
			resp.Kvs = append(resp.Kvs, kv)
			if req.Limit > 0 && int64(len(resp.Kvs)) >= req.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return RangeResponse{}, wrapStoreErr(err)
	}
	return resp, nil
}

// DeleteRange deletes req.Key, or every key in [Key, RangeEnd) when
// RangeEnd is set.
func (s *Store) DeleteRange(req DeleteRangeRequest) (DeleteRangeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteRangeLocked(req)
}

// deleteRangeLocked is DeleteRange's core; callers must already hold s.mu.
func (s *Store) deleteRangeLocked(req DeleteRangeRequest) (DeleteRangeResponse, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.MetaStoreOpDuration, "delete")

	var resp DeleteRangeResponse
	var deleted []KeyValue
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		keys, err := matchKeys(b, req.Key, req.RangeEnd)
		if err != nil {
			return err
		}
		for _, k := range keys {
			kv, err := getLocked(b, k)
			if err != nil || kv == nil {
				continue
			}
			if err := b.Delete([]byte(k)); err != nil {
				return errs.Wrap(errs.EtcdOperationError, err, "delete key %s", k)
			}
			if kv.Lease != 0 {
				s.leases.detach(kv.Lease, k)
			}
			deleted = append(deleted, *kv)
		}
		if len(deleted) > 0 {
			resp.Revision = s.nextRevision()
		} else {
			resp.Revision = s.revision
		}
		return nil
	})
	if err != nil {
		return DeleteRangeResponse{}, wrapStoreErr(err)
	}
	resp.Deleted = int64(len(deleted))
	if req.PrevKv {
		resp.PrevKvs = deleted
	}
	for _, kv := range deleted {
		evt := Event{Type: EventDelete, Kv: kv, Prev: &kv}
		s.appendHistoryLocked(resp.Revision, evt)
		s.watchers.notify(evt)
	}
	return resp, nil
}

func matchKeys(b *bolt.Bucket, key, rangeEnd string) ([]string, error) {
	if rangeEnd == "" {
		if v := b.Get([]byte(key)); v != nil {
			return []string{key}, nil
		}
		return nil, nil
	}
	var keys []string
	c := b.Cursor()
	for k, _ := c.Seek([]byte(key)); k != nil && string(k) < rangeEnd; k, _ = c.Next() {
		keys = append(keys, string(k))
	}
	return keys, nil
}

func getLocked(b *bolt.Bucket, key string) (*KeyValue, error) {
	v := b.Get([]byte(key))
	if v == nil {
		return nil, nil
	}
	var kv KeyValue
	if err := json.Unmarshal(v, &kv); err != nil {
		return nil, errs.Wrap(errs.EtcdOperationError, err, "decode key %s", key)
	}
	return &kv, nil
}

func putKV(b *bolt.Bucket, kv KeyValue) error {
	data, err := json.Marshal(kv)
	if err != nil {
		return errs.Wrap(errs.EtcdOperationError, err, "encode key %s", kv.Key)
	}
	if err := b.Put([]byte(kv.Key), data); err != nil {
		return errs.Wrap(errs.EtcdOperationError, err, "put key %s", kv.Key)
	}
	return nil
}

func wrapStoreErr(err error) error {
	if errs.KindOf(err) != "" {
		return err
	}
	return errs.Wrap(errs.EtcdOperationError, err, "metastore operation failed")
}

func (s *Store) sweepLeases() {
	defer close(s.doneCh)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.expireLeases()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) expireLeases() {
	expired := s.leases.expired(time.Now())
	for _, lease := range expired {
		for key := range lease.Keys {
			if _, err := s.DeleteRange(DeleteRangeRequest{Key: key}); err != nil {
				s.logger.Error().Err(err).Str("key", key).Int64("lease", lease.ID).
					Msg("failed to cascade-delete key for expired lease")
				continue
			}
			metrics.MetaStoreLeasesExpired.Inc()
		}
		s.leases.remove(lease.ID)
		s.logger.Info().Int64("lease", lease.ID).Int("keys", len(lease.Keys)).Msg("lease expired")
	}
}

// Grant creates a new lease with the given TTL.
func (s *Store) Grant(ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		return nil, errs.New(errs.ParamInvalid, "lease TTL must be positive")
	}
	return s.leases.grant(ttl), nil
}

// Revoke deletes a lease and cascades deletion to every key attached to it.
func (s *Store) Revoke(id int64) error {
	lease, ok := s.leases.get(id)
	if !ok {
		return errs.New(errs.ParamInvalid, "unknown lease %d", id)
	}
	for key := range lease.Keys {
		if _, err := s.DeleteRange(DeleteRangeRequest{Key: key}); err != nil {
			return err
		}
	}
	s.leases.remove(id)
	return nil
}

// KeepAlive refreshes a lease's expiry by its original TTL.
func (s *Store) KeepAlive(id int64) (time.Time, error) {
	exp, ok := s.leases.renew(id)
	if !ok {
		return time.Time{}, errs.New(errs.ParamInvalid, "unknown lease %d", id)
	}
	return exp, nil
}

// Watch registers a watch over a single key or a [Key, RangeEnd) prefix,
// starting from startRevision. startRevision == 0 means "from now": only
// events after registration are delivered. A positive startRevision first
// replays every retained history event at or after it that matches
// key/rangeEnd, then continues with live events; replay is best-effort,
// bounded by historyCapacity, not a durable WAL. The returned cancel func
// must be called once the caller is done watching.
func (s *Store) Watch(key, rangeEnd string, startRevision int64) (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, cancel := s.watchers.register(key, rangeEnd)
	if startRevision > 0 {
		s.replayLocked(w, startRevision)
	}
	return w.ch, cancel
}

// GetAndWatch atomically reads the current state of key/rangeEnd and
// registers a watch over it, so a caller can't miss an update that lands
// between its initial read and the watch's start: both happen under one
// lock acquisition.
func (s *Store) GetAndWatch(key, rangeEnd string) (RangeResponse, <-chan Event, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.rangeLocked(RangeRequest{Key: key, RangeEnd: rangeEnd})
	if err != nil {
		return RangeResponse{}, nil, nil, err
	}
	w, cancel := s.watchers.register(key, rangeEnd)
	return resp, w.ch, cancel, nil
}

// replayLocked pushes every retained history entry at or after startRevision
// matching w into w.ch. Callers must hold s.mu. A full channel buffer drops
// the remaining backlog and logs rather than blocking the registering
// caller; a watcher needing a guaranteed replay should use GetAndWatch and
// re-derive its state from the returned snapshot instead.
func (s *Store) replayLocked(w *watcher, startRevision int64) {
	for _, entry := range s.history {
		if entry.rev < startRevision || !w.matches(entry.evt.Kv.Key) {
			continue
		}
		select {
		case w.ch <- entry.evt:
		default:
			s.logger.Warn().Str("key", w.key).Msg("watch replay buffer full, dropping remaining backlog")
			return
		}
	}
}

// getNoLock reads a key without acquiring s.mu; callers must already hold it.
func (s *Store) getNoLock(key string) *KeyValue {
	var kv *KeyValue
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		found, err := getLocked(b, key)
		if err == nil {
			kv = found
		}
		return nil
	})
	return kv
}

// Revision returns the store's current revision.
func (s *Store) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}
