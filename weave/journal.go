package weave

import (
	"fmt"
	"slices"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	journalPrefix      = "journal;"
	journalImagePrefix = journalPrefix + "image;"
	journalPathPrefix  = journalPrefix + "path;"
)

// JournalRecord describes one image written by the weaver.
type JournalRecord struct {
	Assembly string    `msgpack:"a"`
	Path     string    `msgpack:"p"`
	Mvid     string    `msgpack:"id"`
	WovenAt  time.Time `msgpack:"t"`
	Methods  int       `msgpack:"m"`
	Warnings int       `msgpack:"w"`
}

// Journal remembers the content of the last image the weaver produced at each path, so an
// unchanged output seen again is skipped without being decoded.
type Journal struct {
	store Storage
}

// NewJournal creates a journal persisted in the given storage.
func NewJournal(store Storage) *Journal {
	return &Journal{store: store}
}

// Lookup returns the record for an image's content, if that exact content was written by the
// weaver.
func (j *Journal) Lookup(image []byte) (*JournalRecord, bool, error) {
	return j.load(journalImagePrefix + contentKey(image))
}

func (j *Journal) load(key string) (*JournalRecord, bool, error) {
	blob, ok, err := j.store.Get(key)
	if err != nil || !ok {
		return nil, false, err
	}
	var rec JournalRecord
	if err := msgpack.Unmarshal(blob, &rec); err != nil {
		return nil, false, fmt.Errorf("decode journal record %s: %w", key, err)
	}
	return &rec, true, nil
}

// Record stores the record keyed by the written image content. The record of the image
// previously written to the same path is dropped.
func (j *Journal) Record(image []byte, rec JournalRecord) error {
	blob, err := marshalMsgpack(&rec)
	if err != nil {
		return err
	}
	key := journalImagePrefix + contentKey(image)
	if err := j.store.Put(key, blob); err != nil {
		return err
	} else if rec.Path == "" {
		return nil
	}

	pathKey := journalPathPrefix + rec.Path
	previous, ok, err := j.store.Get(pathKey)
	if err != nil {
		return err
	} else if err := j.store.Put(pathKey, []byte(key)); err != nil {
		return err
	} else if ok && string(previous) != key {
		return j.store.Delete(string(previous))
	}
	return nil
}

// Records returns every record ordered by weave time.
func (j *Journal) Records() ([]JournalRecord, error) {
	keys, err := j.store.Keys(journalImagePrefix)
	if err != nil {
		return nil, err
	}
	records := make([]JournalRecord, 0, len(keys))
	for _, key := range keys {
		rec, ok, err := j.load(key)
		if err != nil {
			return nil, err
		} else if ok {
			records = append(records, *rec)
		}
	}
	slices.SortStableFunc(records, func(a, b JournalRecord) int {
		return a.WovenAt.Compare(b.WovenAt)
	})
	return records, nil
}

// Clear forgets every record, so the next run decodes every image again.
func (j *Journal) Clear() error {
	return j.store.DropPrefix(journalPrefix)
}
