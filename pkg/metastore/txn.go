package metastore

import (
	"bytes"

	"github.com/cuemby/yuanrong/pkg/metrics"
)

// Txn evaluates every Compare against the current state and, still holding
// s.mu, runs Then if every Compare held or Else otherwise: the guard and
// the mutation it guards happen under one lock acquisition, so no other
// Put/DeleteRange/Txn can land between the compare and the write it
// conditions on.
func (s *Store) Txn(req TxnRequest) (TxnResponse, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.MetaStoreOpDuration, "txn")

	s.mu.Lock()
	defer s.mu.Unlock()

	ok := true
	for _, cmp := range req.Compare {
		if !s.evalCompareLocked(cmp) {
			ok = false
			break
		}
	}

	ops := req.Then
	if !ok {
		ops = req.Else
	}

	resp := TxnResponse{Succeeded: ok}
	for _, op := range ops {
		opResp, err := s.runOpLocked(op)
		if err != nil {
			return TxnResponse{}, err
		}
		resp.Responses = append(resp.Responses, opResp)
	}
	resp.Revision = s.revision
	return resp, nil
}

func (s *Store) evalCompareLocked(cmp Compare) bool {
	kv := s.getNoLock(cmp.Key)

	switch cmp.Target {
	case CompareVersion:
		return compareInt64(versionOf(kv), cmp.Revision, cmp.Result)
	case CompareCreate:
		return compareInt64(createRevOf(kv), cmp.Revision, cmp.Result)
	case CompareMod:
		return compareInt64(modRevOf(kv), cmp.Revision, cmp.Result)
	case CompareValue:
		var val []byte
		if kv != nil {
			val = kv.Value
		}
		eq := bytes.Equal(val, cmp.Value)
		switch cmp.Result {
		case CompareEqual:
			return eq
		case CompareNotEqual:
			return !eq
		default:
			return false
		}
	default:
		return false
	}
}

func versionOf(kv *KeyValue) int64 {
	if kv == nil {
		return 0
	}
	return kv.Version
}

func createRevOf(kv *KeyValue) int64 {
	if kv == nil {
		return 0
	}
	return kv.CreateRevision
}

func modRevOf(kv *KeyValue) int64 {
	if kv == nil {
		return 0
	}
	return kv.ModRevision
}

func compareInt64(have, want int64, result CompareResult) bool {
	switch result {
	case CompareEqual:
		return have == want
	case CompareGreater:
		return have > want
	case CompareLess:
		return have < want
	case CompareNotEqual:
		return have != want
	default:
		return false
	}
}

// runOpLocked runs one Txn op via the lock-free core methods; callers must
// already hold s.mu.
func (s *Store) runOpLocked(op Op) (OpResponse, error) {
	switch {
	case op.Put != nil:
		resp, err := s.putLocked(*op.Put)
		if err != nil {
			return OpResponse{}, err
		}
		return OpResponse{Put: &resp}, nil
	case op.Get != nil:
		resp, err := s.rangeLocked(*op.Get)
		if err != nil {
			return OpResponse{}, err
		}
		return OpResponse{Get: &resp}, nil
	case op.Delete != nil:
		resp, err := s.deleteRangeLocked(*op.Delete)
		if err != nil {
			return OpResponse{}, err
		}
		return OpResponse{Delete: &resp}, nil
	default:
		return OpResponse{}, nil
	}
}
