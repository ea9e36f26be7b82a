package exam

// SessionCount is the fixed number of recording sessions in the exam.
const SessionCount = 3

// Step is the flow's current screen. Session and break steps carry the
// 1-based session number alongside.
type Step string

const (
	StepLogin      Step = "login"
	StepDashboard  Step = "dashboard"
	StepSession    Step = "session"
	StepBreak      Step = "break"
	StepCompletion Step = "completion"
)

// Identity is the persisted user identity record.
type Identity struct {
	FullName string `json:"fullName"`
}

// Checkpoint is the persisted progress record used to resume after a reload.
// IsBreakScreen distinguishes "on the break after session N" from "mid
// session N" (the latter is not durable and resumes on the dashboard).
type Checkpoint struct {
	SessionNumber int   `json:"sessionNumber"`
	IsBreakScreen bool  `json:"isBreakScreen"`
	Timestamp     int64 `json:"timestamp"`
}

// ClipRecord is the persisted form of one recorded clip. BlobData is
// base64-encoded in JSON.
type ClipRecord struct {
	SessionID int    `json:"sessionId"`
	Filename  string `json:"filename"`
	BlobData  []byte `json:"blobData"`
}
