package model

import "fmt"

// Phase is the workout phase that drives the sampling rate
type Phase int

const (
	PhaseExecution Phase = iota // lifting, high sampling rate
	PhaseRest                   // recovering, low sampling rate
)

func (p Phase) String() string {
	switch p {
	case PhaseExecution:
		return "execution"
	case PhaseRest:
		return "rest"
	default:
		return "unknown"
	}
}

// ParsePhase converts a wire string into a Phase
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "execution":
		return PhaseExecution, nil
	case "rest":
		return PhaseRest, nil
	default:
		return 0, fmt.Errorf("unknown phase %q", s)
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	if p != PhaseExecution && p != PhaseRest {
		return nil, fmt.Errorf("unknown phase %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
