package kernel

import "github.com/cpue-emu/cpue/x86go/x86"

// Linux x86-64 system call numbers.
const (
	sysRead          = 0
	sysWrite         = 1
	sysMmap          = 9
	sysMprotect      = 10
	sysMunmap        = 11
	sysBrk           = 12
	sysRtSigaction   = 13
	sysRtSigprocmask = 14
	sysIoctl         = 16
	sysWritev        = 20
	sysGetpid        = 39
	sysExit          = 60
	sysUname         = 63
	sysGetuid        = 102
	sysGetgid        = 104
	sysGeteuid       = 107
	sysGetegid       = 108
	sysArchPrctl     = 158
	sysGettid        = 186
	sysSetTidAddress = 218
	sysClockGettime  = 228
	sysExitGroup     = 231
	sysSetRobustList = 273
	sysPrlimit64     = 302
	sysGetrandom     = 318
)

// Linux errno values; the guest sees their negation in RAX.
const (
	errEIO    = 5
	errEBADF  = 9
	errENOMEM = 12
	errEFAULT = 14
	errENODEV = 19
	errEINVAL = 22
	errENOTTY = 25
	errENOSYS = 38
)

const (
	protWrite = 0x2
	protExec  = 0x4

	mapFixed     = 0x10
	mapAnonymous = 0x20

	archSetGS = 0x1001
	archSetFS = 0x1002
	archGetFS = 0x1003
	archGetGS = 0x1004

	rlimitStack    = 3
	rlimitInfinity = ^uint64(0)

	clockRealtime       = 0
	clockRealtimeCoarse = 5

	utsFieldLen = 65
)

// Auxiliary vector entry types.
const (
	atNull   = 0
	atPhdr   = 3
	atPhent  = 4
	atPhnum  = 5
	atPagesz = 6
	atBase   = 7
	atFlags  = 8
	atEntry  = 9
	atUID    = 11
	atEUID   = 12
	atGID    = 13
	atEGID   = 14
	atHwcap  = 16
	atClktck = 17
	atSecure = 23
	atRandom = 25
	atExecfn = 31
)

// Signals reported for guest exceptions.
const (
	sigILL  = 4
	sigTRAP = 5
	sigBUS  = 7
	sigFPE  = 8
	sigSEGV = 11
)

// signalFor maps an exception vector to the signal Linux would send.
func signalFor(vector uint8) int {
	switch vector {
	case x86.VectorDE, x86.VectorMF, x86.VectorXM:
		return sigFPE
	case x86.VectorDB, x86.VectorBP:
		return sigTRAP
	case x86.VectorUD:
		return sigILL
	case x86.VectorAC:
		return sigBUS
	default:
		return sigSEGV
	}
}
