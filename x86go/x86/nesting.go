package x86

// NestedAction is what happens when a second event arrives while the first is being delivered.
type NestedAction uint8

const (
	HandleSerially NestedAction = iota
	GenerateDoubleFault
	Shutdown
)

func (a NestedAction) String() string {
	switch a {
	case HandleSerially:
		return "serial"
	case GenerateDoubleFault:
		return "double-fault"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// rows: first event class, columns: second event class (benign, contributory, page-fault)
var nestedActions = [4][3]NestedAction{
	ClassBenign:       {HandleSerially, HandleSerially, HandleSerially},
	ClassContributory: {HandleSerially, GenerateDoubleFault, HandleSerially},
	ClassPageFault:    {HandleSerially, GenerateDoubleFault, GenerateDoubleFault},
	ClassDoubleFault:  {HandleSerially, Shutdown, Shutdown},
}

// ClassifyNested decides how to treat second, raised while first was being delivered.
func ClassifyNested(first, second Class) NestedAction {
	if second == ClassDoubleFault {
		// a #DF only originates from this table, never as the second event of a pair
		second = ClassContributory
	}
	return nestedActions[first][second]
}
