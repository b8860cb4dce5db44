package hot

import (
	"container/list"
	"fmt"
)

// Policy selects the eviction order for the Hot tier.
type Policy int

const (
	// LRU evicts the least recently used entry.
	LRU Policy = iota
	// LFU evicts the least frequently used entry.
	LFU
	// FIFO evicts the oldest entry.
	FIFO
)

// ParsePolicy maps a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "lru", "":
		return LRU, nil
	case "lfu":
		return LFU, nil
	case "fifo":
		return FIFO, nil
	}
	return LRU, fmt.Errorf("unknown eviction policy %q", s)
}

func (p Policy) String() string {
	switch p {
	case LFU:
		return "lfu"
	case FIFO:
		return "fifo"
	default:
		return "lru"
	}
}

// evictor tracks eviction order. peek returns the current victim
// without removing it, so the admission policy can compare frequencies
// before committing to an eviction.
type evictor interface {
	onAccess(key string)
	onInsert(key string)
	peek() (string, bool)
	evict() (string, bool)
	remove(key string)
}

var (
	_ evictor = (*lruEvictor)(nil)
	_ evictor = (*lfuEvictor)(nil)
	_ evictor = (*fifoEvictor)(nil)
)

type lruEvictor struct {
	order *list.List
	items map[string]*list.Element
}

func newLRUEvictor() *lruEvictor {
	return &lruEvictor{order: list.New(), items: make(map[string]*list.Element)}
}

func (e *lruEvictor) onAccess(key string) {
	if elem, ok := e.items[key]; ok {
		e.order.MoveToFront(elem)
	}
}

func (e *lruEvictor) onInsert(key string) {
	if elem, ok := e.items[key]; ok {
		e.order.MoveToFront(elem)
		return
	}
	e.items[key] = e.order.PushFront(key)
}

func (e *lruEvictor) peek() (string, bool) {
	elem := e.order.Back()
	if elem == nil {
		return "", false
	}
	return elem.Value.(string), true
}

func (e *lruEvictor) evict() (string, bool) {
	key, ok := e.peek()
	if ok {
		e.remove(key)
	}
	return key, ok
}

func (e *lruEvictor) remove(key string) {
	if elem, ok := e.items[key]; ok {
		e.order.Remove(elem)
		delete(e.items, key)
	}
}

// lfuEvictor keeps frequency buckets of doubly-linked lists.
type lfuEvictor struct {
	freqs   map[int64]*list.List
	items   map[string]*list.Element
	keyFreq map[string]int64
	minFreq int64
}

func newLFUEvictor() *lfuEvictor {
	return &lfuEvictor{
		freqs:   make(map[int64]*list.List),
		items:   make(map[string]*list.Element),
		keyFreq: make(map[string]int64),
	}
}

func (e *lfuEvictor) onAccess(key string) {
	freq, ok := e.keyFreq[key]
	if !ok {
		return
	}

	elem := e.items[key]
	e.freqs[freq].Remove(elem)
	if e.freqs[freq].Len() == 0 {
		delete(e.freqs, freq)
		if e.minFreq == freq {
			e.minFreq++
		}
	}

	freq++
	e.keyFreq[key] = freq
	if e.freqs[freq] == nil {
		e.freqs[freq] = list.New()
	}
	e.items[key] = e.freqs[freq].PushFront(key)
}

func (e *lfuEvictor) onInsert(key string) {
	if _, ok := e.keyFreq[key]; ok {
		e.onAccess(key)
		return
	}

	e.keyFreq[key] = 1
	if e.freqs[1] == nil {
		e.freqs[1] = list.New()
	}
	e.items[key] = e.freqs[1].PushFront(key)
	e.minFreq = 1
}

func (e *lfuEvictor) peek() (string, bool) {
	if len(e.keyFreq) == 0 {
		return "", false
	}
	elem := e.freqs[e.minFreq].Back()
	return elem.Value.(string), true
}

func (e *lfuEvictor) evict() (string, bool) {
	key, ok := e.peek()
	if ok {
		e.remove(key)
	}
	return key, ok
}

func (e *lfuEvictor) remove(key string) {
	freq, ok := e.keyFreq[key]
	if !ok {
		return
	}

	elem := e.items[key]
	e.freqs[freq].Remove(elem)
	if e.freqs[freq].Len() == 0 {
		delete(e.freqs, freq)
		if e.minFreq == freq {
			e.minFreq = 0
			for f := range e.freqs {
				if e.minFreq == 0 || f < e.minFreq {
					e.minFreq = f
				}
			}
		}
	}
	delete(e.items, key)
	delete(e.keyFreq, key)
}

type fifoEvictor struct {
	order *list.List
	items map[string]*list.Element
}

func newFIFOEvictor() *fifoEvictor {
	return &fifoEvictor{order: list.New(), items: make(map[string]*list.Element)}
}

func (e *fifoEvictor) onAccess(string) {}

func (e *fifoEvictor) onInsert(key string) {
	if _, ok := e.items[key]; ok {
		return
	}
	e.items[key] = e.order.PushFront(key)
}

func (e *fifoEvictor) peek() (string, bool) {
	elem := e.order.Back()
	if elem == nil {
		return "", false
	}
	return elem.Value.(string), true
}

func (e *fifoEvictor) evict() (string, bool) {
	key, ok := e.peek()
	if ok {
		e.remove(key)
	}
	return key, ok
}

func (e *fifoEvictor) remove(key string) {
	if elem, ok := e.items[key]; ok {
		e.order.Remove(elem)
		delete(e.items, key)
	}
}

func newEvictor(p Policy) evictor {
	switch p {
	case LFU:
		return newLFUEvictor()
	case FIFO:
		return newFIFOEvictor()
	default:
		return newLRUEvictor()
	}
}
