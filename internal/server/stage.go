package server

// Stage is a step of the per-request state machine. A request moves
// forward one stage at a time; any failure moves it to StageError.
type Stage int

const (
	StageReceived Stage = iota
	StageTimestampChecked
	StageNonceChecked
	StageDecrypted
	StageParsed
	StageEvaluated
	StageResponded
	StageError
)

var stageNames = [...]string{
	StageReceived:         "RECEIVED",
	StageTimestampChecked: "TIMESTAMP_CHECKED",
	StageNonceChecked:     "NONCE_CHECKED",
	StageDecrypted:        "DECRYPTED",
	StageParsed:           "PARSED",
	StageEvaluated:        "EVALUATED",
	StageResponded:        "RESPONDED",
	StageError:            "ERROR",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "UNKNOWN"
	}
	return stageNames[s]
}

// tracker records the last stage reached and where an error occurred.
type tracker struct {
	stage  Stage
	failed Stage
}

func (t *tracker) advance(next Stage) {
	if t.stage == StageError {
		return
	}
	if next == t.stage+1 {
		t.stage = next
	}
}

func (t *tracker) fail() {
	if t.stage == StageError {
		return
	}
	t.failed = t.stage
	t.stage = StageError
}
