package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/cpue-emu/cpue/x86go/mmu"
)

const (
	UARTMMIOBase = mmu.PhysicalAddress(0xFF000000)
	UARTMMIOSize = 0x1000
)

// Register offsets. With LCR.DLAB set, offsets 0 and 1 select the divisor latch.
const (
	UARTRegData = 0 // RBR on read, THR on write
	UARTRegIER  = 1
	UARTRegIIR  = 2 // IIR on read, FCR on write
	UARTRegLCR  = 3
	UARTRegMCR  = 4
	UARTRegLSR  = 5
	UARTRegMSR  = 6
	UARTRegSCR  = 7
)

const (
	IERReceivedData     = 1 << 0
	IERTransmitterEmpty = 1 << 1
	IERLineStatus       = 1 << 2
	IERModemStatus      = 1 << 3
)

// Interrupt identification values, highest priority first.
const (
	IIRLineStatus       = 0b0110
	IIRReceivedData     = 0b0100
	IIRCharacterTimeout = 0b1100
	IIRTransmitterEmpty = 0b0010
	IIRModemStatus      = 0b0000
	IIRNone             = 0b0001
)

const (
	FCREnable   = 1 << 0
	FCRClearRX  = 1 << 1
	FCRClearTX  = 1 << 2
	FCR64Byte   = 1 << 5
	fcrTriggers = 0b11 << 6
)

const LCRDivisorLatch = 1 << 7

const (
	MCRRequestToSend   = 1 << 1
	MCRAutoFlowControl = 1 << 5
)

const (
	LSRDataReady        = 1 << 0
	LSROverrun          = 1 << 1
	LSRTransmitterEmpty = 1 << 5
	LSRTransmitterIdle  = 1 << 6
)

// MSR reads as clear to send, data set ready and carrier detect.
const msrConnected = 0xB0

// CharacterTimeout is how long received data below the trigger level waits before the
// character timeout interrupt.
const CharacterTimeout = 2 * time.Millisecond

var (
	triggerLevels16 = [4]int{1, 4, 8, 14}
	triggerLevels64 = [4]int{1, 16, 32, 56}
)

// ErrUARTStopped is returned by host-side writes after the worker stopped.
var ErrUARTStopped = errors.New("uart stopped")

// Peer is the other end of the serial line.
type Peer interface {
	// Receive is called by the UART worker with every transmitted byte.
	Receive(b byte) error
}

// UART is a 16550-style serial controller. The processor accesses it through its register page;
// a worker goroutine moves transmitted bytes to the peer, and the peer feeds received bytes with
// Input.
type UART struct {
	log log.Logger
	irq *Line

	mu   sync.Mutex
	cond *sync.Cond

	rx *FIFO[byte]
	tx *FIFO[byte]

	ier, lcr, mcr, scr, fcr uint8
	dll, dlm                uint8

	overrun        bool
	threPending    bool
	timeoutPending bool
	transmitting   bool
	inputClosed    bool
	stopped        bool

	timer *time.Timer
}

// NewUART creates a controller with the FIFOs disabled. irq may be nil for a controller that
// never interrupts.
func NewUART(logger log.Logger, irq *Line) *UART {
	u := &UART{log: logger, irq: irq, rx: NewFIFO[byte](1), tx: NewFIFO[byte](1)}
	u.cond = sync.NewCond(&u.mu)
	return u
}

func (u *UART) fifoEnabled() bool { return u.fcr&FCREnable != 0 }

func (u *UART) fifoCapacity() int {
	switch {
	case !u.fifoEnabled():
		return 1
	case u.fcr&FCR64Byte != 0:
		return 64
	default:
		return 16
	}
}

func (u *UART) triggerLevel() int {
	if !u.fifoEnabled() {
		return 1
	}
	idx := (u.fcr & fcrTriggers) >> 6
	if u.fcr&FCR64Byte != 0 {
		return triggerLevels64[idx]
	}
	return triggerLevels16[idx]
}

// interruptID picks the pending source of highest priority.
func (u *UART) interruptID() uint8 {
	switch {
	case u.ier&IERLineStatus != 0 && u.overrun:
		return IIRLineStatus
	case u.ier&IERReceivedData != 0 && u.rx.Len() >= u.triggerLevel():
		return IIRReceivedData
	case u.ier&IERReceivedData != 0 && u.timeoutPending && !u.rx.Empty():
		return IIRCharacterTimeout
	case u.ier&IERTransmitterEmpty != 0 && u.threPending:
		return IIRTransmitterEmpty
	default:
		return IIRNone
	}
}

// updateIRQ drives the interrupt line from the register state. The caller holds u.mu.
func (u *UART) updateIRQ() {
	if u.irq == nil {
		return
	}
	if u.interruptID() != IIRNone {
		u.irq.Raise()
	} else {
		u.irq.Clear()
	}
}

func (u *UART) lineStatus() uint8 {
	var v uint8
	if !u.rx.Empty() {
		v |= LSRDataReady
	}
	if u.overrun {
		v |= LSROverrun
	}
	if u.tx.Empty() {
		v |= LSRTransmitterEmpty
		if !u.transmitting {
			v |= LSRTransmitterIdle
		}
	}
	return v
}

// armTimeout restarts the character timeout. The caller holds u.mu.
func (u *UART) armTimeout() {
	if u.timer == nil {
		u.timer = time.AfterFunc(CharacterTimeout, u.characterTimeout)
		return
	}
	u.timer.Reset(CharacterTimeout)
}

func (u *UART) characterTimeout() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stopped || u.rx.Empty() {
		return
	}
	u.timeoutPending = true
	u.updateIRQ()
}

// ReadRegister is a processor read of one register.
func (u *UART) ReadRegister(offset uint64) (uint8, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	dlab := u.lcr&LCRDivisorLatch != 0
	switch offset {
	case UARTRegData:
		if dlab {
			return u.dll, nil
		}
		b, _ := u.rx.TakeFirst()
		u.timeoutPending = false
		if !u.rx.Empty() {
			u.armTimeout()
		}
		u.updateIRQ()
		u.cond.Broadcast()
		return b, nil
	case UARTRegIER:
		if dlab {
			return u.dlm, nil
		}
		return u.ier, nil
	case UARTRegIIR:
		id := u.interruptID()
		if id == IIRTransmitterEmpty {
			u.threPending = false
			u.updateIRQ()
		}
		return id, nil
	case UARTRegLCR:
		return u.lcr, nil
	case UARTRegMCR:
		return u.mcr, nil
	case UARTRegLSR:
		v := u.lineStatus()
		if u.overrun {
			u.overrun = false
			u.updateIRQ()
		}
		return v, nil
	case UARTRegMSR:
		return msrConnected, nil
	case UARTRegSCR:
		return u.scr, nil
	default:
		return 0, nil
	}
}

// WriteRegister is a processor write of one register.
func (u *UART) WriteRegister(offset uint64, v uint8) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	dlab := u.lcr&LCRDivisorLatch != 0
	switch offset {
	case UARTRegData:
		if dlab {
			u.dll = v
			return nil
		}
		if !u.tx.TryEnqueue(v) {
			u.log.Warn("uart transmit overrun, byte dropped", "byte", v)
		}
		u.threPending = false
		u.cond.Broadcast()
	case UARTRegIER:
		if dlab {
			u.dlm = v
			return nil
		}
		enabled := v &^ u.ier
		u.ier = v & 0x0F
		if enabled&IERTransmitterEmpty != 0 && u.tx.Empty() {
			u.threPending = true
		}
	case UARTRegIIR:
		u.writeFIFOControl(v)
	case UARTRegLCR:
		u.lcr = v
	case UARTRegMCR:
		u.mcr = v
	case UARTRegLSR:
		return fmt.Errorf("uart: line status register is read-only (wrote %#x)", v)
	case UARTRegMSR:
		u.log.Debug("ignoring uart modem status write", "value", v)
	case UARTRegSCR:
		u.scr = v
	default:
		u.log.Warn("write to unknown uart register", "offset", offset, "value", v)
		return nil
	}
	u.updateIRQ()
	return nil
}

// writeFIFOControl applies an FCR write. Toggling the enable bit or the FIFO size resets both
// FIFOs.
func (u *UART) writeFIFOControl(v uint8) {
	u.fcr = v &^ (FCRClearRX | FCRClearTX)
	if u.fifoCapacity() != u.rx.Cap() {
		u.rx.Resize(u.fifoCapacity())
		u.tx.Resize(u.fifoCapacity())
		u.timeoutPending = false
		u.log.Debug("uart fifo configured", "capacity", u.fifoCapacity(), "trigger", u.triggerLevel())
	}
	if v&FCRClearRX != 0 {
		u.rx.Clear()
		u.timeoutPending = false
	}
	if v&FCRClearTX != 0 {
		u.tx.Clear()
	}
	u.cond.Broadcast()
}

// MMIORegister is the controller's register page. Registers are one byte wide.
func (u *UART) MMIORegister() mmu.MMIORegister {
	return mmu.MMIORegister{
		Name: "uart",
		Size: UARTMMIOSize,
		Read: func(offset uint64, size int) (uint64, error) {
			if size != 1 {
				return 0, fmt.Errorf("uart: %d byte register read", size)
			}
			v, err := u.ReadRegister(offset)
			return uint64(v), err
		},
		Write: func(offset uint64, size int, value uint64) error {
			if size != 1 {
				return fmt.Errorf("uart: %d byte register write", size)
			}
			return u.WriteRegister(offset, uint8(value))
		},
	}
}

// Input is a byte arriving from the peer. It reports false on overrun.
func (u *UART) Input(b byte) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	defer u.cond.Broadcast()
	if !u.rx.TryEnqueue(b) {
		u.overrun = true
		u.log.Debug("uart receive overrun", "byte", b)
		u.updateIRQ()
		return false
	}
	u.armTimeout()
	u.updateIRQ()
	return true
}

// ClearToSend reports whether the peer may send another byte. With automatic flow control the
// receiver holds the peer off at the trigger level.
func (u *UART) ClearToSend() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.mcr&(MCRAutoFlowControl|MCRRequestToSend) == MCRAutoFlowControl|MCRRequestToSend {
		return u.rx.Len() < u.triggerLevel()
	}
	return !u.rx.Full()
}

// InterruptsEnabled reports whether the guest enabled any interrupt source, meaning a halted
// processor may still be woken by the line.
func (u *UART) InterruptsEnabled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.ier != 0
}

// CloseInput marks the end of the peer's input. Host reads return io.EOF once the receive FIFO is
// drained.
func (u *UART) CloseInput() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inputClosed = true
	u.cond.Broadcast()
}

// Read takes received bytes on behalf of the host, blocking until at least one is available.
func (u *UART) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for u.rx.Empty() && !u.inputClosed && !u.stopped {
		u.cond.Wait()
	}
	n := 0
	for n < len(p) {
		b, ok := u.rx.TakeFirst()
		if !ok {
			break
		}
		p[n] = b
		n++
	}
	if n == 0 {
		return 0, io.EOF
	}
	u.timeoutPending = false
	u.updateIRQ()
	return n, nil
}

// Write queues bytes for transmission on behalf of the host, blocking while the transmit FIFO
// is full.
func (u *UART) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, b := range p {
		for u.tx.Full() && !u.stopped {
			u.cond.Wait()
		}
		if u.stopped {
			return i, ErrUARTStopped
		}
		u.tx.TryEnqueue(b)
		u.threPending = false
		u.cond.Broadcast()
	}
	u.updateIRQ()
	return len(p), nil
}

// Drain waits until every queued byte was handed to the peer.
func (u *UART) Drain() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for (!u.tx.Empty() || u.transmitting) && !u.stopped {
		u.cond.Wait()
	}
}

// Stop ends the worker and releases every blocked host call.
func (u *UART) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stopped = true
	if u.timer != nil {
		u.timer.Stop()
	}
	u.cond.Broadcast()
}

// Run is the transmit worker. It returns when ctx is done or the peer fails.
func (u *UART) Run(ctx context.Context, peer Peer) error {
	stop := context.AfterFunc(ctx, u.Stop)
	defer stop()
	defer func() {
		if f, ok := peer.(interface{ Flush() error }); ok {
			if err := f.Flush(); err != nil {
				u.log.Warn("failed to flush serial peer", "err", err)
			}
		}
	}()
	for {
		u.mu.Lock()
		for u.tx.Empty() && !u.stopped {
			u.cond.Wait()
		}
		if u.stopped && u.tx.Empty() {
			u.mu.Unlock()
			return nil
		}
		b, _ := u.tx.TakeFirst()
		u.transmitting = true
		if u.tx.Empty() {
			u.threPending = true
			u.updateIRQ()
		}
		u.cond.Broadcast()
		u.mu.Unlock()

		err := peer.Receive(b)

		u.mu.Lock()
		u.transmitting = false
		u.cond.Broadcast()
		u.mu.Unlock()
		if err != nil {
			u.Stop()
			return fmt.Errorf("serial peer: %w", err)
		}
	}
}
