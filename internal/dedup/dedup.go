// Package dedup keeps the canonical merged view of discovered items.
package dedup

import (
	"maps"
	"slices"
	"sync"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

type record struct {
	attrs model.Attributes
	hint  string // work unit which found the key first
}

type Deduper struct {
	mx      sync.RWMutex
	records map[string]*record
	perHint map[string]int
}

func New() *Deduper {
	return &Deduper{
		records: make(map[string]*record),
		perHint: make(map[string]int),
	}
}

// Upsert merges partial into the record of key with last-non-empty-wins
// per attribute and returns a copy of the merged attributes.
func (d *Deduper) Upsert(key, hint string, partial model.Attributes) model.Attributes {
	if key == "" {
		return nil
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	r, ok := d.records[key]
	if !ok {
		r = &record{hint: hint}
		d.records[key] = r
		d.perHint[hint]++
	}
	r.attrs = r.attrs.Merge(partial)
	return r.attrs.Merge(nil)
}

// Snapshot returns items in address order, tagged against known.
func (d *Deduper) Snapshot(known model.Membership) []model.Item {
	d.mx.RLock()
	items := make([]model.Item, 0, len(d.records))
	for key, r := range d.records {
		items = append(items, model.Item{
			Key:          key,
			Attributes:   r.attrs.Merge(nil),
			AlreadyKnown: known.Has(key),
		})
	}
	d.mx.RUnlock()

	slices.SortFunc(items, func(a, b model.Item) int {
		return model.CompareKeys(a.Key, b.Key)
	})
	return items
}

// Counters returns the number of distinct keys per hint.
func (d *Deduper) Counters() map[string]int {
	d.mx.RLock()
	defer d.mx.RUnlock()
	return maps.Clone(d.perHint)
}

func (d *Deduper) Has(key string) bool {
	d.mx.RLock()
	defer d.mx.RUnlock()
	_, ok := d.records[key]
	return ok
}

func (d *Deduper) Len() int {
	d.mx.RLock()
	defer d.mx.RUnlock()
	return len(d.records)
}

func (d *Deduper) Reset() {
	d.mx.Lock()
	defer d.mx.Unlock()
	clear(d.records)
	clear(d.perHint)
}
