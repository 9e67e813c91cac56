package cpu

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/cpue-emu/cpue/x86go/mmu"
)

type SegmentSnapshot struct {
	Selector   hexutil.Uint64 `json:"selector"`
	Descriptor hexutil.Uint64 `json:"descriptor"`
}

type TableSnapshot struct {
	Base  hexutil.Uint64 `json:"base"`
	Limit hexutil.Uint64 `json:"limit"`
}

// Snapshot is the architectural state written out when the emulator stops.
type Snapshot struct {
	GPR    [16]hexutil.Uint64 `json:"gpr"`
	RIP    hexutil.Uint64     `json:"rip"`
	RFLAGS hexutil.Uint64     `json:"rflags"`

	CR0  hexutil.Uint64 `json:"cr0"`
	CR2  hexutil.Uint64 `json:"cr2"`
	CR3  hexutil.Uint64 `json:"cr3"`
	CR4  hexutil.Uint64 `json:"cr4"`
	CR8  hexutil.Uint64 `json:"cr8"`
	EFER hexutil.Uint64 `json:"efer"`

	FSBase       hexutil.Uint64 `json:"fsBase"`
	GSBase       hexutil.Uint64 `json:"gsBase"`
	KernelGSBase hexutil.Uint64 `json:"kernelGsBase"`

	Segments [6]SegmentSnapshot `json:"segments"`
	GDTR     TableSnapshot      `json:"gdtr"`
	IDTR     TableSnapshot      `json:"idtr"`
	TR       hexutil.Uint64     `json:"tr"`
	LDTR     hexutil.Uint64     `json:"ldtr"`

	State        string      `json:"state"`
	Steps        uint64      `json:"steps"`
	MemoryDigest common.Hash `json:"memoryDigest"`
}

func tableSnapshot(r mmu.DescriptorTableRegister) TableSnapshot {
	return TableSnapshot{Base: hexutil.Uint64(r.Base), Limit: hexutil.Uint64(r.Limit)}
}

func (c *CPU) Snapshot() *Snapshot {
	s := &Snapshot{
		RIP:          hexutil.Uint64(c.rip),
		RFLAGS:       hexutil.Uint64(c.rflags),
		CR0:          hexutil.Uint64(c.cr0),
		CR2:          hexutil.Uint64(c.cr2),
		CR3:          hexutil.Uint64(c.cr3),
		CR4:          hexutil.Uint64(c.cr4),
		CR8:          hexutil.Uint64(c.cr8),
		EFER:         hexutil.Uint64(c.efer),
		FSBase:       hexutil.Uint64(c.fsBase),
		GSBase:       hexutil.Uint64(c.gsBase),
		KernelGSBase: hexutil.Uint64(c.kernelGSBase),
		GDTR:         tableSnapshot(c.gdtr),
		IDTR:         tableSnapshot(c.idtr),
		TR:           hexutil.Uint64(c.tr.Selector),
		LDTR:         hexutil.Uint64(c.ldtr.Selector),
		State:        c.state.String(),
		Steps:        c.steps,
		MemoryDigest: c.mmu.Memory().Digest(),
	}
	for i, v := range c.gpr {
		s.GPR[i] = hexutil.Uint64(v)
	}
	for i, r := range c.seg {
		s.Segments[i] = SegmentSnapshot{Selector: hexutil.Uint64(r.Selector), Descriptor: hexutil.Uint64(r.Descriptor)}
	}
	return s
}
