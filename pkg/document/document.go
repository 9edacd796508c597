// Package document holds the replicated text of a single note. All mutation of one note goes through its Document,
// which serialises access to the underlying replica and tells observers about every effective change together with
// the origin that caused it.
package document

import (
	"sync"

	"github.com/astromechza/notesync/pkg/mailbox"
)

// Update describes one effective change to a Document. Origin is whatever the mutating caller passed; sync adapters
// pass themselves so they can recognise and skip their own changes.
type Update struct {
	Data   []byte
	Origin any
}

type Document struct {
	mu      sync.Mutex
	replica Replica
	closed  bool

	observersMu sync.Mutex
	observers   map[int]func(Update)
	nextID      int
	outbox      *mailbox.Mailbox[Update]
}

// New creates a document whose text is seed, inserted as a single run.
func New(seed string) (*Document, error) {
	r, err := newAutomergeReplica(seed)
	if err != nil {
		return nil, err
	}
	return FromReplica(r), nil
}

// Load restores a document from the output of Save.
func Load(state []byte) (*Document, error) {
	r, err := loadAutomergeReplica(state)
	if err != nil {
		return nil, err
	}
	return FromReplica(r), nil
}

// Empty creates a document with no content. It is meant to be filled by syncing with a peer.
func Empty() *Document {
	return FromReplica(&automergeReplica{doc: newAutomergeDoc()})
}

// FromReplica wraps any Replica implementation.
func FromReplica(r Replica) *Document {
	d := &Document{replica: r, observers: make(map[int]func(Update))}
	d.outbox = mailbox.New(d.dispatch)
	return d
}

// ApplyUpdate merges an update produced by another replica. Observers are notified only if the update contained
// something new, so applying the same bytes twice produces a single notification.
func (d *Document) ApplyUpdate(update []byte, origin any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	applied, err := d.replica.ApplyUpdate(update)
	if err != nil {
		return err
	}
	d.emit(applied, origin)
	return nil
}

// Splice edits the text locally.
func (d *Document) Splice(pos, del int, text string, origin any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	update, err := d.replica.Splice(pos, del, text)
	if err != nil {
		return err
	}
	d.emit(update, origin)
	return nil
}

// Insert is Splice without deletion.
func (d *Document) Insert(pos int, text string, origin any) error {
	return d.Splice(pos, 0, text, origin)
}

// Delete is Splice without insertion.
func (d *Document) Delete(pos, n int, origin any) error {
	return d.Splice(pos, n, "", origin)
}

func (d *Document) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replica.EncodeStateAsUpdate(stateVector)
}

func (d *Document) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replica.EncodeStateVector()
}

func (d *Document) Heads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replica.Heads()
}

func (d *Document) Text() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replica.Text()
}

func (d *Document) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replica.Save()
}

// Observe registers fn for every effective change. Calls happen on a dedicated goroutine, in mutation order, never
// while the document lock is held, so fn may freely call back into the document.
func (d *Document) Observe(fn func(Update)) (unbind func()) {
	d.observersMu.Lock()
	id := d.nextID
	d.nextID++
	d.observers[id] = fn
	d.observersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.observersMu.Lock()
			delete(d.observers, id)
			d.observersMu.Unlock()
		})
	}
}

// Close unregisters every observer and rejects further mutation. Calling it again is a no-op.
func (d *Document) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.observersMu.Lock()
	clear(d.observers)
	d.observersMu.Unlock()
	d.outbox.Close()
}

func (d *Document) emit(data []byte, origin any) {
	if len(data) == 0 {
		return
	}
	d.outbox.Post(Update{Data: data, Origin: origin})
}

func (d *Document) dispatch(u Update) {
	d.observersMu.Lock()
	fns := make([]func(Update), 0, len(d.observers))
	for _, fn := range d.observers {
		fns = append(fns, fn)
	}
	d.observersMu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}
