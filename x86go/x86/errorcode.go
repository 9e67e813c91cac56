package x86

// SelectorErrorCode is the standard error code layout: EXT in bit 0, IDT in bit 1, TI in bit 2 and the
// selector index in bits 15:3.
type SelectorErrorCode struct {
	External bool
	IDT      bool
	// LDT is the table indicator; only meaningful when IDT is clear.
	LDT   bool
	Index uint16
}

func (c SelectorErrorCode) Value() uint32 {
	v := boolBit(c.External) | boolBit(c.IDT)<<1 | boolBit(c.LDT)<<2 | uint64(c.Index&0x1FFF)<<3
	return uint32(v)
}

// SelectorCode builds the error code that names a segment selector.
func SelectorCode(selector uint16, external bool) SelectorErrorCode {
	return SelectorErrorCode{
		External: external,
		LDT:      selector&0x4 != 0,
		Index:    selector >> 3,
	}
}

// VectorCode builds the error code that names an IDT slot.
func VectorCode(vector uint8, external bool) SelectorErrorCode {
	return SelectorErrorCode{External: external, IDT: true, Index: uint16(vector)}
}

// ParseSelectorErrorCode is the inverse of Value.
func ParseSelectorErrorCode(v uint32) SelectorErrorCode {
	return SelectorErrorCode{
		External: v&1 != 0,
		IDT:      v&2 != 0,
		LDT:      v&4 != 0,
		Index:    uint16(v>>3) & 0x1FFF,
	}
}

// PageFaultErrorCode is the #PF error code layout.
type PageFaultErrorCode struct {
	Present       bool // bit 0: protection violation rather than not-present
	Write         bool // bit 1
	User          bool // bit 2
	Reserved      bool // bit 3: reserved bit set in a paging-structure entry
	Fetch         bool // bit 4
	ProtectionKey bool // bit 5
	ShadowStack   bool // bit 6
}

func (c PageFaultErrorCode) Value() uint32 {
	v := boolBit(c.Present) |
		boolBit(c.Write)<<1 |
		boolBit(c.User)<<2 |
		boolBit(c.Reserved)<<3 |
		boolBit(c.Fetch)<<4 |
		boolBit(c.ProtectionKey)<<5 |
		boolBit(c.ShadowStack)<<6
	return uint32(v)
}

func ParsePageFaultErrorCode(v uint32) PageFaultErrorCode {
	return PageFaultErrorCode{
		Present:       v&(1<<0) != 0,
		Write:         v&(1<<1) != 0,
		User:          v&(1<<2) != 0,
		Reserved:      v&(1<<3) != 0,
		Fetch:         v&(1<<4) != 0,
		ProtectionKey: v&(1<<5) != 0,
		ShadowStack:   v&(1<<6) != 0,
	}
}

// ControlProtectionErrorCode is the #CP error code.
type ControlProtectionErrorCode uint32

const (
	CPNearRet   ControlProtectionErrorCode = 1
	CPFarRet    ControlProtectionErrorCode = 2 // also IRET
	CPEndBranch ControlProtectionErrorCode = 3
	CPRstorSSP  ControlProtectionErrorCode = 4
	CPSetSSBSY  ControlProtectionErrorCode = 5
)
