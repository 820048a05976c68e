package metastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	put, err := s.Put(PutRequest{Key: "/topology/ds-1", Value: []byte("addr:1")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), put.Kv.Version)
	assert.Equal(t, put.Kv.CreateRevision, put.Kv.ModRevision)

	got, err := s.Range(RangeRequest{Key: "/topology/ds-1"})
	require.NoError(t, err)
	require.Len(t, got.Kvs, 1)
	assert.Equal(t, []byte("addr:1"), got.Kvs[0].Value)
}

func TestPutIncrementsVersionAndKeepsCreateRevision(t *testing.T) {
	s := openTestStore(t)
	first, err := s.Put(PutRequest{Key: "/k", Value: []byte("v1")})
	require.NoError(t, err)

	second, err := s.Put(PutRequest{Key: "/k", Value: []byte("v2"), PrevKv: true})
	require.NoError(t, err)

	assert.Equal(t, first.Kv.CreateRevision, second.Kv.CreateRevision)
	assert.Equal(t, int64(2), second.Kv.Version)
	require.NotNil(t, second.PrevKv)
	assert.Equal(t, []byte("v1"), second.PrevKv.Value)
}

func TestRangePrefixScan(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Put(PutRequest{Key: "/bundle/a", Value: []byte("1")})
	require.NoError(t, err)
	_, err = s.Put(PutRequest{Key: "/bundle/b", Value: []byte("2")})
	require.NoError(t, err)
	_, err = s.Put(PutRequest{Key: "/other/c", Value: []byte("3")})
	require.NoError(t, err)

	resp, err := s.Range(RangeRequest{Key: "/bundle/", RangeEnd: "/bundle0"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.Count)
}

func TestDeleteRange(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Put(PutRequest{Key: "/k", Value: []byte("v")})
	require.NoError(t, err)

	del, err := s.DeleteRange(DeleteRangeRequest{Key: "/k", PrevKv: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), del.Deleted)
	require.Len(t, del.PrevKvs, 1)

	got, err := s.Range(RangeRequest{Key: "/k"})
	require.NoError(t, err)
	assert.Empty(t, got.Kvs)
}

func TestTxnCompareAndSwap(t *testing.T) {
	s := openTestStore(t)
	put, err := s.Put(PutRequest{Key: "/lock", Value: []byte("holder-a")})
	require.NoError(t, err)

	resp, err := s.Txn(TxnRequest{
		Compare: []Compare{{Key: "/lock", Target: CompareMod, Result: CompareEqual, Revision: put.Kv.ModRevision}},
		Then:    []Op{{Put: &PutRequest{Key: "/lock", Value: []byte("holder-b")}}},
		Else:    []Op{{Get: &RangeRequest{Key: "/lock"}}},
	})
	require.NoError(t, err)
	assert.True(t, resp.Succeeded)

	// Stale compare now fails and falls through to Else.
	resp2, err := s.Txn(TxnRequest{
		Compare: []Compare{{Key: "/lock", Target: CompareMod, Result: CompareEqual, Revision: put.Kv.ModRevision}},
		Then:    []Op{{Put: &PutRequest{Key: "/lock", Value: []byte("holder-c")}}},
		Else:    []Op{{Get: &RangeRequest{Key: "/lock"}}},
	})
	require.NoError(t, err)
	assert.False(t, resp2.Succeeded)
}

func TestWatchDeliversPutAndDelete(t *testing.T) {
	s := openTestStore(t)
	ch, cancel := s.Watch("/instances/", "/instances0", 0)
	defer cancel()

	_, err := s.Put(PutRequest{Key: "/instances/i-1", Value: []byte("x")})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, EventPut, ev.Type)
		assert.Equal(t, "/instances/i-1", ev.Kv.Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for put event")
	}

	_, err = s.DeleteRange(DeleteRangeRequest{Key: "/instances/i-1"})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, EventDelete, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delete event")
	}
}

func TestWatchReplaysFromStartRevision(t *testing.T) {
	s := openTestStore(t)
	first, err := s.Put(PutRequest{Key: "/instances/i-1", Value: []byte("v1")})
	require.NoError(t, err)
	_, err = s.Put(PutRequest{Key: "/instances/i-2", Value: []byte("v2")})
	require.NoError(t, err)

	ch, cancel := s.Watch("/instances/", "/instances0", first.Revision)
	defer cancel()

	select {
	case ev := <-ch:
		assert.Equal(t, "/instances/i-1", ev.Kv.Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed put event")
	}
	select {
	case ev := <-ch:
		assert.Equal(t, "/instances/i-2", ev.Kv.Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second replayed put event")
	}
}

func TestGetAndWatchIsAtomic(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Put(PutRequest{Key: "/instances/i-1", Value: []byte("v1")})
	require.NoError(t, err)

	resp, ch, cancel, err := s.GetAndWatch("/instances/", "/instances0")
	require.NoError(t, err)
	defer cancel()
	require.Len(t, resp.Kvs, 1)
	assert.Equal(t, []byte("v1"), resp.Kvs[0].Value)

	_, err = s.Put(PutRequest{Key: "/instances/i-2", Value: []byte("v2")})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, "/instances/i-2", ev.Kv.Key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for put event after GetAndWatch")
	}
}

func TestLeaseExpiryCascadesDelete(t *testing.T) {
	s := openTestStore(t)
	lease, err := s.Grant(50 * time.Millisecond)
	require.NoError(t, err)

	_, err = s.Put(PutRequest{Key: "/session/a", Value: []byte("1"), Lease: lease.ID})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		resp, err := s.Range(RangeRequest{Key: "/session/a"})
		return err == nil && len(resp.Kvs) == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestKeepAliveExtendsLease(t *testing.T) {
	s := openTestStore(t)
	lease, err := s.Grant(200 * time.Millisecond)
	require.NoError(t, err)
	_, err = s.Put(PutRequest{Key: "/session/b", Value: []byte("1"), Lease: lease.ID})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	_, err = s.KeepAlive(lease.ID)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	resp, err := s.Range(RangeRequest{Key: "/session/b"})
	require.NoError(t, err)
	assert.Len(t, resp.Kvs, 1, "keepalive should have postponed expiry past the original TTL")
}
