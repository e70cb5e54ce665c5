package enums

// TestFlag classifies how confident we are that a transaction is not real
// revenue. The low-value heuristic is exactly that: a heuristic, applied to
// the raw amount regardless of currency denomination.
type TestFlag int

const (
	TestFlagLive     TestFlag = 0
	TestFlagLowValue TestFlag = 1
	TestFlagSandbox  TestFlag = 2
)

// IsValid reports whether the value is known.
func (f TestFlag) IsValid() bool {
	switch f {
	case TestFlagLive, TestFlagLowValue, TestFlagSandbox:
		return true
	}
	return false
}
