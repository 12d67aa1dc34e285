package shmem

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
)

// BadgerArena is an Arena backed by an embedded BadgerDB store, grounded
// on the teacher's datalog/storage/badger_store.go (NewBadgerStore's
// option tuning, db.Update/db.View transaction idiom). It demonstrates
// the "Out of shared memory" failure path (spec §7) against a real
// bounded store: once Badger reports ErrTxnTooBig or a write fails, Alloc
// returns ok=false rather than propagating the error, exactly as the
// accounting contract requires.
//
// Hosts that want plan blobs to outlive a core-only restart within one
// OS process (still process-local; see the package doc's non-goal of
// cross-process sharing) can choose this over HeapArena.
type BadgerArena struct {
	db   *badger.DB
	acct *Accounting
	next atomic.Uint64
}

// NewBadgerArena opens (or creates) a BadgerDB store at path for use as a
// plan-blob arena.
func NewBadgerArena(path string, budget int64) (*BadgerArena, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // match the teacher's badger_store.go: disable badger's own logs

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("sharedplan/shmem: failed to open badger arena: %w", err)
	}

	a := &BadgerArena{db: db, acct: NewAccounting(budget)}
	a.next.Store(1)
	return a, nil
}

func (a *BadgerArena) keyFor(h Handle) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(h))
	return buf[:]
}

func (a *BadgerArena) Alloc(size int) (Handle, bool) {
	if !a.acct.Reserve(size) {
		return 0, false
	}

	h := Handle(a.next.Add(1) - 1)
	err := a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(a.keyFor(h), make([]byte, size))
	})
	if err != nil {
		// Badger refused the write (e.g. ErrTxnTooBig): report out of
		// memory, never abort the caller's query.
		a.acct.Release(size)
		return 0, false
	}
	return h, true
}

func (a *BadgerArena) Free(h Handle, size int) {
	_ = a.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(a.keyFor(h))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	a.acct.Release(size)
}

func (a *BadgerArena) Deref(h Handle) []byte {
	var out []byte
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(a.keyFor(h))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil
	}
	return out
}

func (a *BadgerArena) Write(h Handle, data []byte) {
	_ = a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(a.keyFor(h), append([]byte(nil), data...))
	})
}

func (a *BadgerArena) AllocedSize() int64 {
	return a.acct.AllocedSize()
}

// Close releases the underlying BadgerDB handle.
func (a *BadgerArena) Close() error {
	return a.db.Close()
}

var _ Arena = (*BadgerArena)(nil)
