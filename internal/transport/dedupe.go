package transport

import "container/list"

// DeliveryDeduper absorbs redeliveries of an at-least-once transport: a
// message id is marked only after the handler fully succeeded, so a crashed
// or rejected delivery is reprocessed while a completed one is skipped.
// Not thread-safe — driven by the single consumer goroutine.
type DeliveryDeduper struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type dedupeEntry struct {
	id string
}

func NewDeliveryDeduper(capacity int) *DeliveryDeduper {
	return &DeliveryDeduper{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Seen reports whether the message id was already fully processed,
// promoting it to most recently used.
func (d *DeliveryDeduper) Seen(id string) bool {
	elem, exists := d.cache[id]
	if exists {
		d.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Mark records a fully processed message id, evicting the oldest entry
// once over capacity.
func (d *DeliveryDeduper) Mark(id string) {
	if elem, exists := d.cache[id]; exists {
		d.lruList.MoveToFront(elem)
		return
	}

	elem := d.lruList.PushFront(&dedupeEntry{id: id})
	d.cache[id] = elem

	if d.lruList.Len() > d.capacity {
		oldest := d.lruList.Back()
		if oldest != nil {
			d.lruList.Remove(oldest)
			delete(d.cache, oldest.Value.(*dedupeEntry).id)
			d.evictions++
		}
	}
}

// Evictions returns the lifetime eviction count (metrics).
func (d *DeliveryDeduper) Evictions() int64 {
	return d.evictions
}
