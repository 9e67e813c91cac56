package kernel

import (
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/cpue-emu/cpue/x86go/loader"
	"github.com/cpue-emu/cpue/x86go/mmu"
	"github.com/cpue-emu/cpue/x86go/x86"
)

// syscallHandler returns the value for RAX. A non-nil error ends emulation.
type syscallHandler func(k *Emulated, args [6]uint64) (uint64, error)

func syscallTable() map[uint64]syscallHandler {
	return map[uint64]syscallHandler{
		sysRead:          (*Emulated).sysRead,
		sysWrite:         (*Emulated).sysWrite,
		sysWritev:        (*Emulated).sysWritev,
		sysBrk:           (*Emulated).sysBrk,
		sysMmap:          (*Emulated).sysMmap,
		sysMunmap:        (*Emulated).sysMunmap,
		sysMprotect:      (*Emulated).sysMprotect,
		sysExit:          (*Emulated).sysExit,
		sysExitGroup:     (*Emulated).sysExit,
		sysArchPrctl:     (*Emulated).sysArchPrctl,
		sysSetTidAddress: pid,
		sysGetpid:        pid,
		sysGettid:        pid,
		sysGetuid:        zero,
		sysGeteuid:       zero,
		sysGetgid:        zero,
		sysGetegid:       zero,
		sysUname:         (*Emulated).sysUname,
		sysIoctl:         (*Emulated).sysIoctl,
		sysRtSigaction:   zero,
		sysRtSigprocmask: zero,
		sysSetRobustList: zero,
		sysClockGettime:  (*Emulated).sysClockGettime,
		sysGetrandom:     (*Emulated).sysGetrandom,
		sysPrlimit64:     (*Emulated).sysPrlimit64,
	}
}

// the only process
const processID = 1

func pid(*Emulated, [6]uint64) (uint64, error)  { return processID, nil }
func zero(*Emulated, [6]uint64) (uint64, error) { return 0, nil }

func (k *Emulated) sysExit(args [6]uint64) (uint64, error) {
	code := int(args[0] & 0xFF)
	k.log.Info("process exited", "code", code)
	return 0, &ExitError{Code: code}
}

func (k *Emulated) sysRead(args [6]uint64) (uint64, error) {
	fd, buf, n := args[0], args[1], min(args[2], maxTransfer)
	if fd != 0 || k.proc.Console == nil {
		return errno(errEBADF), nil
	}
	if n == 0 {
		return 0, nil
	}
	data := make([]byte, n)
	got, err := k.proc.Console.Read(data)
	if err != nil && !errors.Is(err, io.EOF) {
		k.log.Warn("console read failed", "err", err)
		return errno(errEIO), nil
	}
	if !k.writeUser(buf, data[:got]) {
		return errno(errEFAULT), nil
	}
	return uint64(got), nil
}

func (k *Emulated) write(fd uint64, data []byte) uint64 {
	if (fd != 1 && fd != 2) || k.proc.Console == nil {
		return errno(errEBADF)
	}
	n, err := k.proc.Console.Write(data)
	if err != nil {
		k.log.Warn("console write failed", "err", err)
		if n == 0 {
			return errno(errEIO)
		}
	}
	return uint64(n)
}

func (k *Emulated) sysWrite(args [6]uint64) (uint64, error) {
	data, ok := k.readUser(args[1], min(args[2], maxTransfer))
	if !ok {
		return errno(errEFAULT), nil
	}
	return k.write(args[0], data), nil
}

func (k *Emulated) sysWritev(args [6]uint64) (uint64, error) {
	fd, iov, count := args[0], args[1], args[2]
	if count > 1024 {
		return errno(errEINVAL), nil
	}
	vec, ok := k.readUser(iov, count*16)
	if !ok {
		return errno(errEFAULT), nil
	}
	var out []byte
	for i := uint64(0); i < count; i++ {
		base := binary.LittleEndian.Uint64(vec[i*16:])
		size := binary.LittleEndian.Uint64(vec[i*16+8:])
		if size > maxTransfer-uint64(len(out)) {
			size = maxTransfer - uint64(len(out))
		}
		data, ok := k.readUser(base, size)
		if !ok {
			return errno(errEFAULT), nil
		}
		out = append(out, data...)
	}
	if len(out) == 0 {
		if fd != 1 && fd != 2 {
			return errno(errEBADF), nil
		}
		return 0, nil
	}
	return k.write(fd, out), nil
}

const userData = mmu.PageWritable | mmu.PageUser | mmu.PageExecuteDisable

// sysBrk grows the heap with zeroed pages. Shrinking keeps the pages mapped.
func (k *Emulated) sysBrk(args [6]uint64) (uint64, error) {
	want := args[0]
	if want == 0 || want < k.brkStart || want >= mmapFloor {
		return k.brk, nil
	}
	mapped := mmu.PageAlignUp(k.brk)
	if end := mmu.PageAlignUp(want); end > mapped {
		r := loader.Region{Base: mmu.LinearAddress(mapped), Size: end - mapped, Flags: userData}
		if err := k.ldr.CreateRegionVAS(r, loader.StrategyZero); err != nil {
			k.log.Debug("brk failed", "want", hexutil.Uint64(want), "err", err)
			return k.brk, nil
		}
	}
	k.brk = want
	return k.brk, nil
}

func protFlags(prot uint64) mmu.PageEntry {
	f := mmu.PageUser | mmu.PageExecuteDisable
	if prot&protWrite != 0 {
		f |= mmu.PageWritable
	}
	if prot&protExec != 0 {
		f &^= mmu.PageExecuteDisable
	}
	return f
}

// validRange is true for a non-empty, page aligned range in the lower half.
func validRange(addr, length uint64) bool {
	return length != 0 && length <= mmapTop && addr&x86.PageMask == 0 && addr <= mmapTop-length
}

// sysMmap supports anonymous mappings only. Without MAP_FIXED mappings are placed top-down below
// mmapTop. PROT_NONE reserves the range without mapping it.
func (k *Emulated) sysMmap(args [6]uint64) (uint64, error) {
	addr, length, prot, flags := args[0], args[1], args[2], args[3]
	if flags&mapAnonymous == 0 {
		return errno(errENODEV), nil
	}
	if length == 0 || length > mmapTop {
		return errno(errEINVAL), nil
	}
	length = mmu.PageAlignUp(length)
	if flags&mapFixed != 0 {
		if !validRange(addr, length) {
			return errno(errEINVAL), nil
		}
		k.ldr.Unmap(mmu.LinearAddress(addr), length)
	} else {
		if k.mmapNext < mmapFloor+length {
			return errno(errENOMEM), nil
		}
		k.mmapNext -= length
		addr = k.mmapNext
	}
	if prot == 0 {
		return addr, nil
	}
	r := loader.Region{Base: mmu.LinearAddress(addr), Size: length, Flags: protFlags(prot)}
	if err := k.ldr.CreateRegionVAS(r, loader.StrategyZero); err != nil {
		k.log.Debug("mmap failed", "addr", hexutil.Uint64(addr), "len", length, "err", err)
		return errno(errENOMEM), nil
	}
	return addr, nil
}

func (k *Emulated) sysMunmap(args [6]uint64) (uint64, error) {
	addr, length := args[0], args[1]
	if length > mmapTop || !validRange(addr, mmu.PageAlignUp(length)) {
		return errno(errEINVAL), nil
	}
	k.ldr.Unmap(mmu.LinearAddress(addr), length)
	return 0, nil
}

func (k *Emulated) sysMprotect(args [6]uint64) (uint64, error) {
	addr, length, prot := args[0], args[1], args[2]
	if length > mmapTop || !validRange(addr, mmu.PageAlignUp(length)) {
		return errno(errEINVAL), nil
	}
	if prot == 0 {
		k.ldr.Unmap(mmu.LinearAddress(addr), length)
		return 0, nil
	}
	if err := k.ldr.Protect(mmu.LinearAddress(addr), length, protFlags(prot)); err != nil {
		return errno(errENOMEM), nil
	}
	return 0, nil
}

func (k *Emulated) sysArchPrctl(args [6]uint64) (uint64, error) {
	code, addr := args[0], args[1]
	var msr uint32
	switch code {
	case archSetFS, archGetFS:
		msr = x86.MSRFSBase
	case archSetGS, archGetGS:
		msr = x86.MSRGSBase
	default:
		return errno(errEINVAL), nil
	}
	switch code {
	case archSetFS, archSetGS:
		if !mmu.LinearAddress(addr).Canonical() {
			return errno(errEINVAL), nil
		}
		if err := k.c.WriteMSR(msr, addr); err != nil {
			return 0, err
		}
		return 0, nil
	}
	v, err := k.c.ReadMSR(msr)
	if err != nil {
		return 0, err
	}
	if !k.writeUser64(addr, v) {
		return errno(errEFAULT), nil
	}
	return 0, nil
}

func (k *Emulated) sysUname(args [6]uint64) (uint64, error) {
	fields := []string{"Linux", "cpue", "6.1.0-cpue", "#1 SMP", "x86_64", "(none)"}
	buf := make([]byte, len(fields)*utsFieldLen)
	for i, f := range fields {
		copy(buf[i*utsFieldLen:(i+1)*utsFieldLen-1], f)
	}
	if !k.writeUser(args[0], buf) {
		return errno(errEFAULT), nil
	}
	return 0, nil
}

// sysIoctl reports that the console is not a terminal, so that libc buffers by line or block.
func (k *Emulated) sysIoctl(args [6]uint64) (uint64, error) {
	if args[0] > 2 {
		return errno(errEBADF), nil
	}
	return errno(errENOTTY), nil
}

func (k *Emulated) sysClockGettime(args [6]uint64) (uint64, error) {
	clock, ts := args[0], args[1]
	var t time.Time
	switch clock {
	case clockRealtime, clockRealtimeCoarse:
		t = time.Now()
	default:
		// monotonic clocks count from boot
		t = time.Unix(0, 0).Add(time.Since(k.started))
	}
	ns := t.UnixNano()
	if !k.writeUser64(ts, uint64(ns/int64(time.Second)), uint64(ns%int64(time.Second))) {
		return errno(errEFAULT), nil
	}
	return 0, nil
}

func (k *Emulated) sysGetrandom(args [6]uint64) (uint64, error) {
	buf, n := args[0], min(args[1], maxTransfer)
	if !k.writeUser(buf, k.randomBytes(int(n))) {
		return errno(errEFAULT), nil
	}
	return n, nil
}

func (k *Emulated) sysPrlimit64(args [6]uint64) (uint64, error) {
	pid, resource, newLimit, old := args[0], args[1], args[2], args[3]
	if pid != 0 && pid != processID {
		return errno(errEINVAL), nil
	}
	if newLimit != 0 {
		// limits are fixed
		return errno(errEINVAL), nil
	}
	if old == 0 {
		return 0, nil
	}
	cur := rlimitInfinity
	if resource == rlimitStack {
		cur = StackSize
	}
	if !k.writeUser64(old, cur, cur) {
		return errno(errEFAULT), nil
	}
	return 0, nil
}
