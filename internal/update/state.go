package update

// State is the position of a pipeline run.
type State int

const (
	Idle State = iota
	TokenRequested
	Downloading
	Completed
	TokenFailed
	DownloadFailed
)

var stateNames = map[State]string{
	Idle:           "idle",
	TokenRequested: "token_requested",
	Downloading:    "downloading",
	Completed:      "completed",
	TokenFailed:    "token_failed",
	DownloadFailed: "download_failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return "unknown"
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == Completed || s == TokenFailed || s == DownloadFailed
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
