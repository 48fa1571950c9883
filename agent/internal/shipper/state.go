package shipper

// State is a send loop state. The numeric value is exported as the
// pgsnap_loop_state gauge.
type State int32

const (
	StateCheckingAdmission State = iota
	StateCollecting
	StateRequestingTarget
	StateUploading
	StateConfirming
	StateBackoff
)

var stateNames = [...]string{
	StateCheckingAdmission: "checking_admission",
	StateCollecting:        "collecting",
	StateRequestingTarget:  "requesting_target",
	StateUploading:         "uploading",
	StateConfirming:        "confirming",
	StateBackoff:           "backoff",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
