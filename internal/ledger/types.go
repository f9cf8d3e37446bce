package ledger

import "time"

type Status string

const (
	StatusGenerated Status = "generated"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusBusy      Status = "busy"
)

// Attempt is one generation attempt for a spec destination.
type Attempt struct {
	ID           int64         `json:"id"`
	Libname      string        `json:"libname"`
	TargetFile   string        `json:"target_file,omitempty"`
	SpecPath     string        `json:"spec_path"`
	IsBuiltin    bool          `json:"is_builtin"`
	Status       Status        `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"created_at"`
}

type Summary struct {
	Total     int       `json:"total"`
	Generated int       `json:"generated"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Busy      int       `json:"busy"`
	LastAt    time.Time `json:"last_at"`
}
