package x86

import "fmt"

// Type is the delivery type of an interrupt or exception.
type Type uint8

const (
	TypeFault Type = iota
	TypeTrap
	TypeAbort
	TypeNMI
	TypeMaskable
	TypeSoftware
)

func (t Type) String() string {
	switch t {
	case TypeFault:
		return "fault"
	case TypeTrap:
		return "trap"
	case TypeAbort:
		return "abort"
	case TypeNMI:
		return "nmi"
	case TypeMaskable:
		return "maskable"
	case TypeSoftware:
		return "software"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// IsException is true for processor-detected exception types; the others are interrupts.
func (t Type) IsException() bool {
	return t == TypeFault || t == TypeTrap || t == TypeAbort
}

// Class is only used to classify nested events.
type Class uint8

const (
	ClassBenign Class = iota
	ClassContributory
	ClassPageFault
	ClassDoubleFault
)

func (c Class) String() string {
	switch c {
	case ClassBenign:
		return "benign"
	case ClassContributory:
		return "contributory"
	case ClassPageFault:
		return "page-fault"
	case ClassDoubleFault:
		return "double-fault"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Source tells where an event originated.
type Source uint8

const (
	SourceInternal Source = iota
	SourceSoftware
	SourcePin
)

func (s Source) String() string {
	switch s {
	case SourceInternal:
		return "internal"
	case SourceSoftware:
		return "software"
	case SourcePin:
		return "pin"
	default:
		return fmt.Sprintf("source(%d)", uint8(s))
	}
}

// Event is a pending interrupt or exception. It implements error so that every translation and
// instruction step can hand it upwards unchanged.
type Event struct {
	Vector       uint8
	Type         Type
	Class        Class
	Source       Source
	HasErrorCode bool
	ErrorCode    uint32
}

func (e *Event) Error() string {
	name := Mnemonic(e.Vector)
	if e.HasErrorCode {
		return fmt.Sprintf("%s(%#x) %s", name, e.ErrorCode, e.Type)
	}
	return fmt.Sprintf("%s %s", name, e.Type)
}

// External reports whether error codes produced while delivering this event get the EXT bit.
func (e *Event) External() bool {
	return e.Source != SourceSoftware
}

var mnemonics = map[uint8]string{
	VectorDE: "#DE", VectorDB: "#DB", VectorNMI: "NMI", VectorBP: "#BP", VectorOF: "#OF",
	VectorBR: "#BR", VectorUD: "#UD", VectorNM: "#NM", VectorDF: "#DF", VectorTS: "#TS",
	VectorNP: "#NP", VectorSS: "#SS", VectorGP: "#GP", VectorPF: "#PF", VectorMF: "#MF",
	VectorAC: "#AC", VectorMC: "#MC", VectorXM: "#XM", VectorVE: "#VE", VectorCP: "#CP",
}

// Mnemonic names a vector, e.g. "#GP" or "INT 0x80".
func Mnemonic(vector uint8) string {
	if m, ok := mnemonics[vector]; ok {
		return m
	}
	return fmt.Sprintf("INT %#x", vector)
}

type exceptionInfo struct {
	typ          Type
	class        Class
	hasErrorCode bool
}

var exceptions = map[uint8]exceptionInfo{
	VectorDE:  {TypeFault, ClassContributory, false},
	VectorDB:  {TypeFault, ClassBenign, false},
	VectorNMI: {TypeNMI, ClassBenign, false},
	VectorBP:  {TypeTrap, ClassBenign, false},
	VectorOF:  {TypeTrap, ClassBenign, false},
	VectorBR:  {TypeFault, ClassBenign, false},
	VectorUD:  {TypeFault, ClassBenign, false},
	VectorNM:  {TypeFault, ClassBenign, false},
	VectorDF:  {TypeAbort, ClassDoubleFault, true},
	VectorTS:  {TypeFault, ClassContributory, true},
	VectorNP:  {TypeFault, ClassContributory, true},
	VectorSS:  {TypeFault, ClassContributory, true},
	VectorGP:  {TypeFault, ClassContributory, true},
	VectorPF:  {TypeFault, ClassPageFault, true},
	VectorMF:  {TypeFault, ClassBenign, false},
	VectorAC:  {TypeFault, ClassBenign, true},
	VectorMC:  {TypeAbort, ClassBenign, false},
	VectorXM:  {TypeFault, ClassBenign, false},
	VectorVE:  {TypeFault, ClassBenign, false},
	VectorCP:  {TypeFault, ClassContributory, true},
}

// HasErrorCode reports whether the architecture pushes an error code for the vector.
func HasErrorCode(vector uint8) bool {
	return exceptions[vector].hasErrorCode
}

func exception(vector uint8, code uint32) *Event {
	info, ok := exceptions[vector]
	if !ok {
		panic(fmt.Errorf("vector %d is not an architectural exception", vector))
	}
	ev := &Event{
		Vector: vector,
		Type:   info.typ,
		Class:  info.class,
		Source: SourceInternal,
	}
	if info.hasErrorCode {
		ev.HasErrorCode = true
		ev.ErrorCode = code
	}
	return ev
}

func DE() *Event  { return exception(VectorDE, 0) }
func DB() *Event  { return exception(VectorDB, 0) }
func UD() *Event  { return exception(VectorUD, 0) }
func NM() *Event  { return exception(VectorNM, 0) }
func BR() *Event  { return exception(VectorBR, 0) }
func MF() *Event  { return exception(VectorMF, 0) }
func MC() *Event  { return exception(VectorMC, 0) }
func XM() *Event  { return exception(VectorXM, 0) }
func VE() *Event  { return exception(VectorVE, 0) }
func AC() *Event  { return exception(VectorAC, 0) }
func DF() *Event  { return exception(VectorDF, 0) }
func NMI() *Event { return &Event{Vector: VectorNMI, Type: TypeNMI, Class: ClassBenign, Source: SourcePin} }

// BP is raised by INT3.
func BP() *Event {
	ev := exception(VectorBP, 0)
	ev.Source = SourceSoftware
	return ev
}

// OF is raised by INTO.
func OF() *Event {
	ev := exception(VectorOF, 0)
	ev.Source = SourceSoftware
	return ev
}

func TS(code SelectorErrorCode) *Event { return exception(VectorTS, code.Value()) }
func NP(code SelectorErrorCode) *Event { return exception(VectorNP, code.Value()) }
func SS(code SelectorErrorCode) *Event { return exception(VectorSS, code.Value()) }
func GP(code SelectorErrorCode) *Event { return exception(VectorGP, code.Value()) }

func PF(code PageFaultErrorCode) *Event { return exception(VectorPF, code.Value()) }

func CP(code ControlProtectionErrorCode) *Event { return exception(VectorCP, uint32(code)) }

// GP0 is #GP with a zero error code.
func GP0() *Event { return GP(SelectorErrorCode{}) }

// SoftwareInterrupt is raised by INT n.
func SoftwareInterrupt(vector uint8) *Event {
	return &Event{Vector: vector, Type: TypeSoftware, Class: ClassBenign, Source: SourceSoftware}
}

// ExternalInterrupt is a maskable request arriving on the INTR pin.
func ExternalInterrupt(vector uint8) *Event {
	return &Event{Vector: vector, Type: TypeMaskable, Class: ClassBenign, Source: SourcePin}
}
