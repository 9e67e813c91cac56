package cpu

import (
	"bytes"
	"errors"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/arch/x86/x86asm"

	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

var endbr64 = []byte{0xF3, 0x0F, 0x1E, 0xFA}

// fetch decodes the instruction at CS:RIP. Bytes are read one at a time so that a fault is
// reported for the byte that caused it, and no byte past the end of the instruction is touched.
func (c *CPU) fetch() (x86asm.Inst, error) {
	var buf [x86.MaxInstructionLength]byte
	for n := 0; n < len(buf); n++ {
		addr := mmu.LogicalAddress{Segment: mmu.CS, Offset: c.rip + uint64(n)}
		if err := c.mmu.ReadBytes(addr, buf[n:n+1], mmu.FetchAccess); err != nil {
			return x86asm.Inst{}, err
		}
		src := buf[:n+1]
		if bytes.HasPrefix(endbr64, src) {
			// x86asm does not know the CET landing pad, which is a NOP without CET
			if len(src) == len(endbr64) {
				return x86asm.Inst{Op: x86asm.NOP, Mode: 64, DataSize: 32, AddrSize: 64, Len: len(src)}, nil
			}
			continue
		}
		inst, err := x86asm.Decode(src, 64)
		switch {
		case err == nil && inst.Op != 0:
			return inst, nil
		case err == nil || errors.Is(err, x86asm.ErrTruncated):
			// x86asm reports a cut-off instruction as a lone prefix without an opcode
			continue
		default:
			c.log.Debug("undecodable instruction", "bytes", hexutil.Bytes(src), "err", err)
			return x86asm.Inst{}, x86.UD()
		}
	}
	c.log.Debug("instruction too long", "bytes", hexutil.Bytes(buf[:]))
	return x86asm.Inst{}, x86.UD()
}
