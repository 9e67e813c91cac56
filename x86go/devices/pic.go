package devices

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/cpue-emu/cpue/x86go/mmu"
)

const (
	PICPins       = 8
	PICVectorBase = 0xC0
	PICMMIOBase   = mmu.PhysicalAddress(0xFF00F000)
	PICMMIOSize   = 0x1000
)

// PIC register offsets within its MMIO page.
const (
	PICRegEOI  = 0xF00
	PICRegICW4 = 0xF01
	PICRegIMR  = 0xF02
)

// ICW4AutoEOI makes the controller acknowledge a request as soon as it is delivered.
const ICW4AutoEOI = 1 << 1

// InterruptSink accepts external interrupt requests. The result reports whether the request was
// taken; a refused request stays pending in the controller.
type InterruptSink interface {
	RaiseExternal(vector uint8) bool
}

// PIC is an 8-pin programmable interrupt controller. Only one request is in service at a time:
// no new vector is sent to the sink until the guest acknowledges the current one.
type PIC struct {
	log  log.Logger
	sink InterruptSink

	mu      sync.Mutex
	irr     uint8
	isr     uint8
	imr     uint8
	level   uint8
	autoEOI bool
	nextPin int
}

func NewPIC(logger log.Logger, sink InterruptSink) *PIC {
	return &PIC{log: logger, sink: sink}
}

// Line is one input pin of the controller, handed to a device.
type Line struct {
	pic *PIC
	pin int
}

func (l *Line) Pin() int { return l.pin }

// Raise asserts the line. The request is latched until it is delivered, and re-latched after
// every EOI for as long as the line stays asserted. With automatic EOI there is no
// acknowledgement to re-latch on: each assertion makes a single request.
func (l *Line) Raise() { l.pic.setLevel(l.pin, true) }

// Clear deasserts the line and withdraws a request that has not been delivered yet.
func (l *Line) Clear() { l.pic.setLevel(l.pin, false) }

// Connect hands out the next free pin.
func (p *PIC) Connect() (*Line, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nextPin >= PICPins {
		return nil, fmt.Errorf("pic: all %d pins are connected", PICPins)
	}
	l := &Line{pic: p, pin: p.nextPin}
	p.nextPin++
	return l, nil
}

func (p *PIC) setLevel(pin int, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bit := uint8(1) << pin
	if on {
		if p.level&bit != 0 {
			return
		}
		p.level |= bit
		p.irr |= bit
	} else {
		p.level &^= bit
		p.irr &^= bit
	}
	p.process()
}

// Reprocess retries delivery of pending requests, for when the processor starts accepting
// interrupts again.
func (p *PIC) Reprocess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.process()
}

// process sends the lowest pending unmasked pin to the sink. The caller holds p.mu.
func (p *PIC) process() {
	if p.isr != 0 {
		return
	}
	pending := p.irr &^ p.imr
	if pending == 0 {
		return
	}
	pin := bits.TrailingZeros8(pending)
	vector := uint8(PICVectorBase + pin)
	if !p.sink.RaiseExternal(vector) {
		p.log.Trace("pic request refused", "pin", pin, "vector", vector)
		return
	}
	bit := uint8(1) << pin
	p.irr &^= bit
	if p.autoEOI {
		// nothing goes in service, and the line is not latched again until it is re-raised
		p.log.Trace("pic request delivered, automatic eoi", "pin", pin, "vector", vector)
		p.process()
		return
	}
	p.isr |= bit
	p.log.Trace("pic request delivered", "pin", pin, "vector", vector)
}

// acknowledge ends service of the pins in mask. Lines that are still asserted request again.
func (p *PIC) acknowledge(mask uint8) {
	p.isr &^= mask
	p.irr |= p.level & mask
}

// EOI acknowledges the request in service.
func (p *PIC) EOI() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.eoi()
}

func (p *PIC) eoi() {
	if p.isr == 0 {
		p.log.Debug("spurious pic eoi")
		return
	}
	p.acknowledge(p.isr & -p.isr)
	p.process()
}

// Status returns the request, in-service and mask registers.
func (p *PIC) Status() (irr, isr, imr uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.irr, p.isr, p.imr
}

// MMIORegister is the controller's register page.
func (p *PIC) MMIORegister() mmu.MMIORegister {
	return mmu.MMIORegister{Name: "pic", Size: PICMMIOSize, Read: p.readRegister, Write: p.writeRegister}
}

func (p *PIC) readRegister(offset uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, fmt.Errorf("pic: %d byte register read", size)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch offset {
	case PICRegICW4:
		if p.autoEOI {
			return ICW4AutoEOI, nil
		}
		return 0, nil
	case PICRegIMR:
		return uint64(p.imr), nil
	default:
		return 0, nil
	}
}

func (p *PIC) writeRegister(offset uint64, size int, value uint64) error {
	if size != 1 {
		return fmt.Errorf("pic: %d byte register write", size)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch offset {
	case PICRegEOI:
		p.eoi()
	case PICRegICW4:
		p.autoEOI = value&ICW4AutoEOI != 0
		p.log.Debug("pic icw4", "autoEOI", p.autoEOI)
	case PICRegIMR:
		p.imr = uint8(value)
		p.process()
	default:
		p.log.Warn("write to unknown pic register", "offset", offset, "value", value)
	}
	return nil
}
