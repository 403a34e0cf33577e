package memory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-memdb"
	"github.com/lithammer/shortuuid/v4"

	"duo/store"
)

// DB is a memory-backed notification store. It backs the sync hub and
// stands in for the remote store in tests.
type DB struct {
	db *memdb.MemDB

	mu       sync.Mutex
	watchers map[int]*watcher
	nextID   int
}

// watcher is one registered subscription. Either key or prefix is set.
type watcher struct {
	key    string
	prefix string
	mb     *store.Mailbox
}

// New creates a new memory-backed store.
func New() *DB {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		panic(err)
	}
	return &DB{
		db:       db,
		watchers: make(map[int]*watcher),
	}
}

// Publish overwrites the value at key and notifies subscribers.
func (d *DB) Publish(key string, value []byte) error {
	if err := d.insert(key, value); err != nil {
		return err
	}
	d.notify(key, value)
	return nil
}

// Append stores value as a new child of key and returns the child id.
func (d *DB) Append(key string, value []byte) (string, error) {
	child := shortuuid.New()
	full := key + "/" + child
	if err := d.insert(full, value); err != nil {
		return "", err
	}
	d.notify(full, value)
	return child, nil
}

// Clear removes the value at key and notifies subscribers with nil.
func (d *DB) Clear(key string) error {
	txn := d.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tblRecords, idxKey, key)
	if err != nil {
		return fmt.Errorf("find record by key: %w", err)
	}
	if raw != nil {
		if err := txn.Delete(tblRecords, raw); err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
	}
	txn.Commit()
	d.notify(key, nil)
	return nil
}

// Subscribe registers onChange for writes to key. The current value is
// delivered synchronously before Subscribe returns, so it can never be
// coalesced away by a write racing in behind it; onChange must not call
// back into the store.
func (d *DB) Subscribe(key string, onChange func(value []byte)) (func(), error) {
	mb := store.NewMailbox(func(_ string, value []byte) {
		onChange(value)
	})

	d.mu.Lock()
	current, err := d.get(key)
	if err != nil {
		d.mu.Unlock()
		mb.Close()
		return nil, err
	}
	cancel := d.registerLocked(&watcher{key: key, mb: mb})
	onChange(current)
	d.mu.Unlock()
	return cancel, nil
}

// SubscribePrefix registers onChange for writes under prefix. Every
// existing entry is delivered synchronously before SubscribePrefix
// returns; onChange must not call back into the store.
func (d *DB) SubscribePrefix(prefix string, onChange func(key string, value []byte)) (func(), error) {
	mb := store.NewMailbox(onChange)

	d.mu.Lock()
	existing, err := d.list(prefix)
	if err != nil {
		d.mu.Unlock()
		mb.Close()
		return nil, err
	}
	cancel := d.registerLocked(&watcher{prefix: prefix, mb: mb})
	for _, rec := range existing {
		onChange(rec.Key, rec.Value)
	}
	d.mu.Unlock()
	return cancel, nil
}

func (d *DB) insert(key string, value []byte) error {
	txn := d.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tblRecords, &record{Key: key, Value: value}); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	txn.Commit()
	return nil
}

func (d *DB) get(key string) ([]byte, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tblRecords, idxKey, key)
	if err != nil {
		return nil, fmt.Errorf("find record by key: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*record).Value, nil
}

func (d *DB) list(prefix string) ([]*record, error) {
	txn := d.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tblRecords, idxKeyPrefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("find records by prefix: %w", err)
	}
	var records []*record
	for obj := it.Next(); obj != nil; obj = it.Next() {
		records = append(records, obj.(*record))
	}
	return records, nil
}

// registerLocked adds a watcher while d.mu is held, so no write can
// slip between the snapshot read and the registration.
func (d *DB) registerLocked(w *watcher) func() {
	id := d.nextID
	d.nextID++
	d.watchers[id] = w

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.watchers, id)
			d.mu.Unlock()
			w.mb.Close()
		})
	}
}

func (d *DB) notify(key string, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.watchers {
		switch {
		case w.key != "" && w.key == key:
			w.mb.Put(key, value)
		case w.prefix != "" && strings.HasPrefix(key, w.prefix):
			w.mb.Put(key, value)
		}
	}
}
