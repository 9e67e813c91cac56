package x86

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1

	// MaxPhysAddrBits is the implemented physical address width (MAXPHYADDR).
	MaxPhysAddrBits = 36
	// VirtualAddrBits is the implemented linear address width with 4-level paging.
	VirtualAddrBits = 48

	MaxInstructionLength = 15
)

// Exception and interrupt vectors.
const (
	VectorDE  = 0  // divide error
	VectorDB  = 1  // debug
	VectorNMI = 2  // non-maskable interrupt
	VectorBP  = 3  // breakpoint (INT3)
	VectorOF  = 4  // overflow (INTO)
	VectorBR  = 5  // bound range exceeded
	VectorUD  = 6  // invalid opcode
	VectorNM  = 7  // device not available
	VectorDF  = 8  // double fault
	VectorTS  = 10 // invalid TSS
	VectorNP  = 11 // segment not present
	VectorSS  = 12 // stack-segment fault
	VectorGP  = 13 // general protection
	VectorPF  = 14 // page fault
	VectorMF  = 16 // x87 floating-point error
	VectorAC  = 17 // alignment check
	VectorMC  = 18 // machine check
	VectorXM  = 19 // SIMD floating-point
	VectorVE  = 20 // virtualization exception
	VectorCP  = 21 // control protection

	// FirstUserVector is the first vector not reserved for exceptions.
	FirstUserVector = 32
)

// RFLAGS bits.
const (
	FlagCF   = uint64(1) << 0
	FlagRsv1 = uint64(1) << 1
	FlagPF   = uint64(1) << 2
	FlagAF   = uint64(1) << 4
	FlagZF   = uint64(1) << 6
	FlagSF   = uint64(1) << 7
	FlagTF   = uint64(1) << 8
	FlagIF   = uint64(1) << 9
	FlagDF   = uint64(1) << 10
	FlagOF   = uint64(1) << 11
	FlagIOPL = uint64(3) << 12
	FlagNT   = uint64(1) << 14
	FlagRF   = uint64(1) << 16
	FlagVM   = uint64(1) << 17
	FlagAC   = uint64(1) << 18
	FlagVIF  = uint64(1) << 19
	FlagVIP  = uint64(1) << 20
	FlagID   = uint64(1) << 21

	IOPLShift = 12

	// ArithmeticFlags are the status flags written by add/sub style instructions.
	ArithmeticFlags = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF
	// WritableFlags are the bits POPF/IRET may change at CPL 0.
	WritableFlags = ArithmeticFlags | FlagTF | FlagIF | FlagDF | FlagIOPL | FlagNT | FlagRF | FlagAC | FlagID
)

// CR0 bits.
const (
	CR0PE = uint64(1) << 0
	CR0MP = uint64(1) << 1
	CR0EM = uint64(1) << 2
	CR0TS = uint64(1) << 3
	CR0ET = uint64(1) << 4
	CR0NE = uint64(1) << 5
	CR0WP = uint64(1) << 16
	CR0AM = uint64(1) << 18
	CR0NW = uint64(1) << 29
	CR0CD = uint64(1) << 30
	CR0PG = uint64(1) << 31

	CR0Defined = CR0PE | CR0MP | CR0EM | CR0TS | CR0ET | CR0NE | CR0WP | CR0AM | CR0NW | CR0CD | CR0PG
)

// CR4 bits.
const (
	CR4VME        = uint64(1) << 0
	CR4PVI        = uint64(1) << 1
	CR4TSD        = uint64(1) << 2
	CR4DE         = uint64(1) << 3
	CR4PSE        = uint64(1) << 4
	CR4PAE        = uint64(1) << 5
	CR4MCE        = uint64(1) << 6
	CR4PGE        = uint64(1) << 7
	CR4PCE        = uint64(1) << 8
	CR4OSFXSR     = uint64(1) << 9
	CR4OSXMMEXCPT = uint64(1) << 10
	CR4UMIP       = uint64(1) << 11
	CR4LA57       = uint64(1) << 12
	CR4FSGSBASE   = uint64(1) << 16
	CR4PCIDE      = uint64(1) << 17
	CR4OSXSAVE    = uint64(1) << 18
	CR4SMEP       = uint64(1) << 20
	CR4SMAP       = uint64(1) << 21
	CR4PKE        = uint64(1) << 22
	CR4CET        = uint64(1) << 23

	// CR4Supported lists the bits this processor accepts. LA57 is absent: only 4-level paging exists.
	CR4Supported = CR4VME | CR4PVI | CR4TSD | CR4DE | CR4PSE | CR4PAE | CR4MCE | CR4PGE | CR4PCE |
		CR4OSFXSR | CR4OSXMMEXCPT | CR4UMIP | CR4FSGSBASE | CR4PCIDE | CR4OSXSAVE | CR4SMEP | CR4SMAP | CR4PKE | CR4CET

	// CR4TLBFlushBits force a full TLB flush when they change.
	CR4TLBFlushBits = CR4PGE | CR4PAE | CR4PSE | CR4PCIDE | CR4SMEP | CR4SMAP
)

// IA32_EFER bits.
const (
	EFERSCE = uint64(1) << 0
	EFERLME = uint64(1) << 8
	EFERLMA = uint64(1) << 10
	EFERNXE = uint64(1) << 11

	EFERSupported = EFERSCE | EFERLME | EFERLMA | EFERNXE
)

// Model-specific registers.
const (
	MSREFER         = 0xC000_0080
	MSRSTAR         = 0xC000_0081
	MSRLSTAR        = 0xC000_0082
	MSRCSTAR        = 0xC000_0083
	MSRFMASK        = 0xC000_0084
	MSRFSBase       = 0xC000_0100
	MSRGSBase       = 0xC000_0101
	MSRKernelGSBase = 0xC000_0102
)

// CR3 layout.
const (
	CR3PCIDMask  = uint64(0xFFF)
	CR3FrameMask = (uint64(1)<<MaxPhysAddrBits - 1) &^ PageMask
)
