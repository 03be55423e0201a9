// Package stringtable implements a bijective registry between nominal
// string values and dense, stable integer ids.
package stringtable

import (
	"sync"

	"github.com/perf-analysis/pkg/errors"
)

// Table is a bijection text<->id. Ids are assigned consecutively starting at
// 0 and, once assigned, never change. A Table may optionally reference
// another Table's storage (copy-free; adds through the reference go into
// the referenced Table) so it can resolve TEXT_ID values without
// duplicating that table.
type Table struct {
	mu sync.RWMutex

	textToID map[string]int32
	idToText map[int32]string
	lastID   int32

	readOnly    bool
	referencing bool
	source      *Table
}

// New creates an empty, owning string table.
func New() *Table {
	return &Table{
		textToID: make(map[string]int32),
		idToText: make(map[int32]string),
		lastID:   -1,
	}
}

// Add returns text's id, assigning the next consecutive id if text is new.
func (t *Table) Add(text string) (int32, error) {
	if t.referencing {
		return t.source.Add(text)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.readOnly {
		return 0, errors.New(errors.CodeInternalError, "string table is read-only")
	}

	if id, ok := t.textToID[text]; ok {
		return id, nil
	}

	id := t.lastID + 1
	t.textToID[text] = id
	t.idToText[id] = text
	t.lastID = id
	return id, nil
}

// AddWithID registers (id, text), as used when loading persisted entries.
// It is an internal error for id to already be bound to a different text,
// or for text to already be bound to a different id.
func (t *Table) AddWithID(text string, id int32) error {
	if t.referencing {
		return t.source.AddWithID(text, id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existingText, ok := t.idToText[id]; ok && existingText != text {
		return errors.Newf(errors.CodeInternalError, "id %d already bound to %q, cannot rebind to %q", id, existingText, text)
	}
	if existingID, ok := t.textToID[text]; ok && existingID != id {
		return errors.Newf(errors.CodeInternalError, "text %q already bound to id %d, cannot rebind to %d", text, existingID, id)
	}

	t.textToID[text] = id
	t.idToText[id] = text
	if id > t.lastID {
		t.lastID = id
	}
	return nil
}

// LookupID returns text's id, or ok=false if text is unregistered.
func (t *Table) LookupID(text string) (int32, bool) {
	if t.referencing {
		return t.source.LookupID(text)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.textToID[text]
	return id, ok
}

// LookupText returns id's text, or ok=false if id is unregistered.
func (t *Table) LookupText(id int32) (string, bool) {
	if t.referencing {
		return t.source.LookupText(id)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	text, ok := t.idToText[id]
	return text, ok
}

// LastID returns the highest assigned id, or -1 if the table is empty.
func (t *Table) LastID() int32 {
	if t.referencing {
		return t.source.LastID()
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastID
}

// Clear empties an owning table. It is an internal error to call Clear on a
// referencing table.
func (t *Table) Clear() error {
	if t.referencing {
		return errors.New(errors.CodeInternalError, "cannot clear a referencing string table")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.textToID = make(map[string]int32)
	t.idToText = make(map[int32]string)
	t.lastID = -1
	return nil
}

// ReferenceFrom turns t into a view over source's storage, so lookups and
// adds delegate to source without copying entries; an Add through t
// assigns the id in source.
func (t *Table) ReferenceFrom(source *Table) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.source = source
	t.referencing = true
	t.readOnly = true
}

// CopyFromReference breaks a referencing table's link to its source,
// deep-copying every currently visible entry into owned storage. Used when a
// Dataframe must outlive the controller's string table generation, e.g. the
// report writer rendering a historical chunk snapshot.
func (t *Table) CopyFromReference() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.referencing {
		return errors.New(errors.CodeInternalError, "string table is not referencing another table")
	}

	source := t.source
	source.mu.RLock()
	textToID := make(map[string]int32, len(source.textToID))
	idToText := make(map[int32]string, len(source.idToText))
	for k, v := range source.textToID {
		textToID[k] = v
	}
	for k, v := range source.idToText {
		idToText[k] = v
	}
	lastID := source.lastID
	source.mu.RUnlock()

	t.textToID = textToID
	t.idToText = idToText
	t.lastID = lastID
	t.source = nil
	t.referencing = false
	t.readOnly = false
	return nil
}

// Flush returns the (id, text) pairs assigned since storageMaxID, in
// ascending id order, ready for the caller to persist.
func (t *Table) Flush(storageMaxID int32) []Entry {
	if t.referencing {
		return t.source.Flush(storageMaxID)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var entries []Entry
	for id := storageMaxID + 1; id <= t.lastID; id++ {
		if text, ok := t.idToText[id]; ok {
			entries = append(entries, Entry{ID: id, Text: text})
		}
	}
	return entries
}

// Entry is one (id, text) pair.
type Entry struct {
	ID   int32
	Text string
}
