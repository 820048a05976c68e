package metastore

import (
	"strings"
	"sync"

	"github.com/cuemby/yuanrong/pkg/metrics"
)

// watcher is one registered watch: events matching key/rangeEnd are
// delivered on ch until cancel() is called.
type watcher struct {
	key      string
	rangeEnd string
	ch       chan Event
}

func (w *watcher) matches(key string) bool {
	if w.rangeEnd == "" {
		return key == w.key
	}
	return key >= w.key && key < w.rangeEnd
}

// watcherHub fans every store mutation out to the watchers whose key/prefix
// it matches, keeping a cache of watchers per prefix so Put/Delete on the
// hot path doesn't scan every outstanding watch linearly once registrations
// cluster around a small number of prefixes.
type watcherHub struct {
	mu       sync.RWMutex
	watchers map[*watcher]struct{}
	byPrefix map[string]map[*watcher]struct{}
}

func newWatcherHub() *watcherHub {
	return &watcherHub{
		watchers: make(map[*watcher]struct{}),
		byPrefix: make(map[string]map[*watcher]struct{}),
	}
}

// register adds a watcher for key/rangeEnd and returns it along with its
// cancel func. It returns the watcher itself, not just its receive channel,
// so a caller replaying history can send on w.ch before handing the
// receive-only end to its own caller.
func (h *watcherHub) register(key, rangeEnd string) (*watcher, func()) {
	w := &watcher{key: key, rangeEnd: rangeEnd, ch: make(chan Event, 64)}

	h.mu.Lock()
	h.watchers[w] = struct{}{}
	prefix := cachePrefix(key, rangeEnd)
	if h.byPrefix[prefix] == nil {
		h.byPrefix[prefix] = make(map[*watcher]struct{})
	}
	h.byPrefix[prefix][w] = struct{}{}
	metrics.MetaStoreWatchers.Set(float64(len(h.watchers)))
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.watchers, w)
		if set, ok := h.byPrefix[prefix]; ok {
			delete(set, w)
			if len(set) == 0 {
				delete(h.byPrefix, prefix)
			}
		}
		metrics.MetaStoreWatchers.Set(float64(len(h.watchers)))
		h.mu.Unlock()
		close(w.ch)
	}
	return w, cancel
}

// cachePrefix buckets a watch registration under the longest literal
// prefix common to every key it could ever match, so notify can skip
// watchers whose prefix cache entry can't possibly contain the changed key.
func cachePrefix(key, rangeEnd string) string {
	if rangeEnd == "" {
		return key
	}
	i := 0
	for i < len(key) && i < len(rangeEnd) && key[i] == rangeEnd[i] {
		i++
	}
	return key[:i]
}

func (h *watcherHub) notify(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for prefix, set := range h.byPrefix {
		if prefix != "" && !strings.HasPrefix(ev.Kv.Key, prefix) {
			continue
		}
		for w := range set {
			if !w.matches(ev.Kv.Key) {
				continue
			}
			select {
			case w.ch <- ev:
			default:
				// Slow watcher: drop rather than block the writer. A
				// real deployment would mark the stream canceled here;
				// callers that need guaranteed delivery should use a
				// wider buffer or re-list from the current revision.
			}
		}
	}
}
