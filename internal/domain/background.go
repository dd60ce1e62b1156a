package domain

// ExternalBackground is the ordered severity reported by the external
// background-check service. Higher values are worse.
type ExternalBackground int

const (
	BackgroundClean ExternalBackground = iota + 1
	BackgroundSomeProblems
	BackgroundSeriousProblems
)

// Backgrounds lists every defined category, in severity order.
func Backgrounds() []ExternalBackground {
	return []ExternalBackground{BackgroundClean, BackgroundSomeProblems, BackgroundSeriousProblems}
}

func (b ExternalBackground) String() string {
	switch b {
	case BackgroundClean:
		return "Clean"
	case BackgroundSomeProblems:
		return "SomeProblems"
	case BackgroundSeriousProblems:
		return "SeriousProblems"
	}
	return "Unknown"
}
