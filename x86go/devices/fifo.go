package devices

// FIFO is a bounded ring buffer. It is not safe for concurrent use; devices guard it with their
// own lock.
type FIFO[T any] struct {
	buf  []T
	head int
	size int
}

func NewFIFO[T any](capacity int) *FIFO[T] {
	if capacity <= 0 {
		panic("fifo capacity must be positive")
	}
	return &FIFO[T]{buf: make([]T, capacity)}
}

// TryEnqueue appends v unless the FIFO is full.
func (f *FIFO[T]) TryEnqueue(v T) bool {
	if f.Full() {
		return false
	}
	f.buf[(f.head+f.size)%len(f.buf)] = v
	f.size++
	return true
}

// TakeFirst removes the oldest element.
func (f *FIFO[T]) TakeFirst() (T, bool) {
	var zero T
	if f.size == 0 {
		return zero, false
	}
	v := f.buf[f.head]
	f.buf[f.head] = zero
	f.head = (f.head + 1) % len(f.buf)
	f.size--
	return v, true
}

// Peek returns the oldest element without removing it.
func (f *FIFO[T]) Peek() (T, bool) {
	if f.size == 0 {
		var zero T
		return zero, false
	}
	return f.buf[f.head], true
}

func (f *FIFO[T]) Len() int          { return f.size }
func (f *FIFO[T]) Cap() int          { return len(f.buf) }
func (f *FIFO[T]) Empty() bool       { return f.size == 0 }
func (f *FIFO[T]) Full() bool        { return f.size == len(f.buf) }
func (f *FIFO[T]) CapacityLeft() int { return len(f.buf) - f.size }

func (f *FIFO[T]) Clear() {
	clear(f.buf)
	f.head, f.size = 0, 0
}

// Resize drops the contents and changes the capacity.
func (f *FIFO[T]) Resize(capacity int) {
	if capacity <= 0 {
		panic("fifo capacity must be positive")
	}
	f.buf = make([]T, capacity)
	f.head, f.size = 0, 0
}
