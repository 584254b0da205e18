package console

// UIMode represents the current console screen
type UIMode int

const (
	UIModeSession UIMode = iota // Live workout: exercises, sets, rest, prompts
	UIModeHistory               // Stored workouts
	UIModeLink                  // Wearable link state and counters
)

// UIModeInfo contains display information for a UI mode
type UIModeInfo struct {
	Mode        UIMode
	DisplayName string
	KeyBinding  rune // The number key to activate this mode (1-9)
}

// AllUIModes defines all available UI modes in order
var AllUIModes = []UIModeInfo{
	{Mode: UIModeSession, DisplayName: "Session", KeyBinding: '1'},
	{Mode: UIModeHistory, DisplayName: "History", KeyBinding: '2'},
	{Mode: UIModeLink, DisplayName: "Link", KeyBinding: '3'},
}

// GetUIModeByKey returns the mode for a given key binding
func GetUIModeByKey(key rune) (UIMode, bool) {
	for _, info := range AllUIModes {
		if info.KeyBinding == key {
			return info.Mode, true
		}
	}
	return 0, false
}

// GetUIModeInfo returns the info for a given mode
func GetUIModeInfo(mode UIMode) (UIModeInfo, bool) {
	for _, info := range AllUIModes {
		if info.Mode == mode {
			return info, true
		}
	}
	return UIModeInfo{}, false
}

const (
	// WeightStep is the default +/- weight adjustment in kg
	WeightStep = 2.5
	// DefaultCustomRestSeconds is used by the custom rest key until the user picks another value
	DefaultCustomRestSeconds = 120
	maxLogLines              = 1000
)
