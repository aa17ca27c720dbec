package runtime

// State is the controller's run state
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateRestarting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateRunning:
		return "Running"
	case StateRestarting:
		return "Restarting"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// RunMode selects when the main loop ends on its own
type RunMode string

const (
	// RunModeDefault loops until stopped
	RunModeDefault RunMode = "default"
	// RunModeSingleMessage stops after the first processed message
	RunModeSingleMessage RunMode = "single_message"
	// RunModeScript stops after one iteration of a service without input
	RunModeScript RunMode = "script"
)

func parseRunMode(v interface{}) (RunMode, bool) {
	switch mode := v.(type) {
	case nil:
		return RunModeDefault, true
	case string:
		switch RunMode(mode) {
		case "", RunModeDefault:
			return RunModeDefault, true
		case RunModeSingleMessage, RunModeScript:
			return RunMode(mode), true
		}
	}
	return "", false
}
