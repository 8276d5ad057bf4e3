package internal

// deque is a growable ring buffer supporting push and pop at both ends.
type deque[T any] struct {
	buf  []T
	head int
	n    int
}

func (d *deque[T]) Len() int { return d.n }

func (d *deque[T]) grow() {
	size := len(d.buf) * 2
	if size == 0 {
		size = 8
	}
	buf := make([]T, size)
	for i := 0; i < d.n; i++ {
		buf[i] = d.buf[(d.head+i)%len(d.buf)]
	}
	d.buf = buf
	d.head = 0
}

func (d *deque[T]) PushBack(v T) {
	if d.n == len(d.buf) {
		d.grow()
	}
	d.buf[(d.head+d.n)%len(d.buf)] = v
	d.n++
}

func (d *deque[T]) PushFront(v T) {
	if d.n == len(d.buf) {
		d.grow()
	}
	d.head = (d.head - 1 + len(d.buf)) % len(d.buf)
	d.buf[d.head] = v
	d.n++
}

func (d *deque[T]) PopFront() (T, bool) {
	var zero T
	if d.n == 0 {
		return zero, false
	}
	v := d.buf[d.head]
	d.buf[d.head] = zero
	d.head = (d.head + 1) % len(d.buf)
	d.n--
	return v, true
}

func (d *deque[T]) PopBack() (T, bool) {
	var zero T
	if d.n == 0 {
		return zero, false
	}
	i := (d.head + d.n - 1) % len(d.buf)
	v := d.buf[i]
	d.buf[i] = zero
	d.n--
	return v, true
}

// At returns the i-th element counted from the front.
func (d *deque[T]) At(i int) T {
	if i < 0 || i >= d.n {
		panic("deque index out of range")
	}
	return d.buf[(d.head+i)%len(d.buf)]
}

func (d *deque[T]) Clear() {
	clear(d.buf)
	d.head = 0
	d.n = 0
}

// windowSlot is one managed feed position.
type windowSlot struct {
	Index int
	Item  FeedItem
	Key   ItemKey
}

// ManagedWindow is the contiguous range of feed indices registered for
// preload, ordered from front (lowest index) to back.
type ManagedWindow struct {
	slots deque[windowSlot]
}

func (w *ManagedWindow) Len() int { return w.slots.Len() }

// Bounds returns the first and last managed index. ok is false when empty.
func (w *ManagedWindow) Bounds() (front, back int, ok bool) {
	if w.slots.Len() == 0 {
		return 0, 0, false
	}
	return w.slots.At(0).Index, w.slots.At(w.slots.Len() - 1).Index, true
}

// Contains reports whether index is managed.
func (w *ManagedWindow) Contains(index int) bool {
	front, back, ok := w.Bounds()
	return ok && index >= front && index <= back
}

// References counts the slots holding the item identified by key. The same
// item appears more than once when the window is larger than the catalog.
func (w *ManagedWindow) References(key ItemKey) int {
	n := 0
	for i := 0; i < w.slots.Len(); i++ {
		if w.slots.At(i).Key == key {
			n++
		}
	}
	return n
}

// Indices returns the managed indices from front to back.
func (w *ManagedWindow) Indices() []int {
	out := make([]int, 0, w.slots.Len())
	for i := 0; i < w.slots.Len(); i++ {
		out = append(out, w.slots.At(i).Index)
	}
	return out
}

func (w *ManagedWindow) pushBack(s windowSlot)  { w.slots.PushBack(s) }
func (w *ManagedWindow) pushFront(s windowSlot) { w.slots.PushFront(s) }

func (w *ManagedWindow) popFront() (windowSlot, bool) { return w.slots.PopFront() }
func (w *ManagedWindow) popBack() (windowSlot, bool)  { return w.slots.PopBack() }

func (w *ManagedWindow) clear() { w.slots.Clear() }
