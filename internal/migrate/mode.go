package migrate

import "fmt"

// Mode selects what a migration run does. Exactly one mode is active per
// invocation; the variants make illegal combinations unrepresentable.
type Mode interface {
	isMode()
	String() string
}

// Upgrade applies all unapplied migrations up to and including Target.
// An empty Target means head.
type Upgrade struct {
	Target string
}

// Downgrade reverts applied migrations down to and excluding Target.
// Target "0" reverts everything.
type Downgrade struct {
	Target string
}

// Generate writes a new empty migration artifact. Development-time only.
type Generate struct {
	Description string
}

func (Upgrade) isMode()   {}
func (Downgrade) isMode() {}
func (Generate) isMode()  {}

func (m Upgrade) String() string {
	if m.Target == "" {
		return "upgrade to head"
	}
	return "upgrade to " + m.Target
}

func (m Downgrade) String() string { return "downgrade to " + m.Target }
func (m Generate) String() string  { return "generate " + m.Description }

// ParseMode resolves the configured mode string into a Mode variant. The
// caller guarantees only one mode is requested per invocation; target and
// description are only consulted for the modes that need them.
func ParseMode(mode, target, description string) (Mode, error) {
	switch mode {
	case "upgrade", "":
		return Upgrade{Target: target}, nil
	case "downgrade":
		if target == "" {
			return nil, ErrDowngradeTarget
		}
		return Downgrade{Target: target}, nil
	case "generate":
		if description == "" {
			return nil, fmt.Errorf("%w: generate requires a description", ErrInvalidMode)
		}
		return Generate{Description: description}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
}
