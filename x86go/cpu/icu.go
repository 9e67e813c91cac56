package cpu

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"

	"github.com/cpue-emu/cpue/x86go/x86"
)

// ICUCapacity bounds the number of pending events.
const ICUCapacity = 127

// Priority orders pending events; lower values are serviced first.
type Priority uint8

const (
	// PriorityIntegral is for events that are part of the semantics of the instruction that caused them.
	PriorityIntegral Priority = 0
	PriorityAbort    Priority = 1
	PriorityTrap     Priority = 2
	PriorityFault    Priority = 3
	PriorityNMI      Priority = 5
	PriorityMaskable Priority = 6
	PrioritySoftware Priority = 9
)

// PriorityOf is the queueing priority of an event that is not integral.
func PriorityOf(ev *x86.Event) Priority {
	switch ev.Type {
	case x86.TypeAbort:
		return PriorityAbort
	case x86.TypeTrap:
		return PriorityTrap
	case x86.TypeFault:
		return PriorityFault
	case x86.TypeNMI:
		return PriorityNMI
	case x86.TypeMaskable:
		return PriorityMaskable
	default:
		return PrioritySoftware
	}
}

type pending struct {
	ev       *x86.Event
	priority Priority
	seq      uint64
}

// eventQueue implements heap.Interface; equal priorities are served in arrival order.
type eventQueue []pending

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(pending)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// ICU is the interrupt control unit: the queue of pending events shared between the CPU and the
// device goroutines that raise interrupt lines.
type ICU struct {
	log log.Logger

	mu    sync.Mutex
	queue eventQueue
	seq   uint64

	// signalled on every push
	notify chan struct{}

	// mirror of RFLAGS.IF, read by devices without taking the CPU
	interruptsEnabled atomic.Bool

	listenersMu sync.Mutex
	listeners   []func()
}

func NewICU(logger log.Logger) *ICU {
	return &ICU{log: logger, notify: make(chan struct{}, 1)}
}

// Push queues ev at the given priority. It fails when the queue is full.
func (u *ICU) Push(ev *x86.Event, priority Priority) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.queue) >= ICUCapacity {
		return fmt.Errorf("interrupt queue full, dropping %s", ev)
	}
	heap.Push(&u.queue, pending{ev: ev, priority: priority, seq: u.seq})
	u.seq++
	select {
	case u.notify <- struct{}{}:
	default:
	}
	return nil
}

// Wait blocks until an event is queued after the last call, or ctx is done.
func (u *ICU) Wait(ctx context.Context) error {
	select {
	case <-u.notify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop takes the highest priority event and discards the queued exceptions of lower priority,
// which the delivered event supersedes.
func (u *ICU) Pop() (*x86.Event, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.queue) == 0 {
		return nil, false
	}
	top := heap.Pop(&u.queue).(pending)
	kept := u.queue[:0]
	for _, p := range u.queue {
		if p.ev.Type.IsException() && p.priority > top.priority {
			u.log.Debug("discarding superseded event", "event", p.ev, "by", top.ev)
			continue
		}
		kept = append(kept, p)
	}
	u.queue = kept
	heap.Init(&u.queue)
	return top.ev, true
}

// Deliverable reports whether a queued event can be delivered with RFLAGS.IF as given. Maskable
// interrupts held back by a clear IF do not count.
func (u *ICU) Deliverable(ifSet bool) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, p := range u.queue {
		if ifSet || p.ev.Type != x86.TypeMaskable {
			return true
		}
	}
	return false
}

func (u *ICU) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.queue)
}

// RaiseExternal is called by devices to request a maskable interrupt. The request is dropped at
// the source while RFLAGS.IF is clear; the result reports whether it was queued.
func (u *ICU) RaiseExternal(vector uint8) bool {
	if !u.interruptsEnabled.Load() {
		return false
	}
	if err := u.Push(x86.ExternalInterrupt(vector), PriorityMaskable); err != nil {
		u.log.Warn("external interrupt lost", "vector", vector, "err", err)
		return false
	}
	return true
}

// RaiseNMI queues a non-maskable interrupt.
func (u *ICU) RaiseNMI() error {
	return u.Push(x86.NMI(), PriorityNMI)
}

func (u *ICU) InterruptsEnabled() bool {
	return u.interruptsEnabled.Load()
}

// SetInterruptsEnabled mirrors RFLAGS.IF. Listeners run, without the queue lock held, when
// interrupts become enabled so that devices can re-assert pending requests.
func (u *ICU) SetInterruptsEnabled(on bool) {
	was := u.interruptsEnabled.Swap(on)
	if was || !on {
		return
	}
	u.listenersMu.Lock()
	listeners := append([]func(){}, u.listeners...)
	u.listenersMu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// OnInterruptsEnabled registers fn to run on every IF 0->1 transition.
func (u *ICU) OnInterruptsEnabled(fn func()) {
	u.listenersMu.Lock()
	defer u.listenersMu.Unlock()
	u.listeners = append(u.listeners, fn)
}
