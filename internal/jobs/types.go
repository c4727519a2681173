package jobs

import (
	"errors"
	"time"

	"github.com/yourusername/agent-farm/internal/research"
)

// Status はジョブのライフサイクル状態を表します。
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal は終了状態かどうかを返します。
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	default:
		return 2
	}
}

var (
	// ErrNotFound はジョブ台帳にレコードが存在しない（または期限切れ）ことを表します。
	ErrNotFound = errors.New("job not found")
	// ErrTerminal は終了状態のレコードを変更しようとしたことを表します。
	ErrTerminal = errors.New("job already in terminal state")
	// ErrExists は同じ job_id のレコードが既に存在することを表します。
	ErrExists = errors.New("job already exists")
	// ErrTransition は状態を後戻りさせる更新を表します。
	ErrTransition = errors.New("invalid lifecycle transition")
)

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はジョブ台帳に保存されるジョブの現在状態です。
type Record struct {
	JobID      string           `json:"job_id"`
	Params     research.Params  `json:"params"`
	Status     Status           `json:"lifecycle_state"`
	Progress   int              `json:"progress"`
	Message    string           `json:"status_message"`
	Result     *research.Report `json:"result,omitempty"`
	Error      *ErrorInfo       `json:"error,omitempty"`
	Attempt    int              `json:"attempt"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

// State はレコードの状態をタグ付きの値として表します。
// 実装は Pending, Running, Succeeded, Failed, Cancelled のみです。
type State interface {
	isState()
}

// Pending はワーカーに取得される前の状態です。
type Pending struct{}

// Running は実行中の状態です。
type Running struct {
	Progress int
	Message  string
}

// Succeeded は成功した状態です。Result は常に非 nil です。
type Succeeded struct {
	Result *research.Report
}

// Failed は失敗した状態です。
type Failed struct {
	Error ErrorInfo
}

// Cancelled は取り消された状態です。
type Cancelled struct{}

func (Pending) isState()   {}
func (Running) isState()   {}
func (Succeeded) isState() {}
func (Failed) isState()    {}
func (Cancelled) isState() {}

// State は保存されたレコードを State に変換します。
func (r *Record) State() State {
	switch r.Status {
	case StatusRunning:
		return Running{Progress: r.Progress, Message: r.Message}
	case StatusSucceeded:
		return Succeeded{Result: r.Result}
	case StatusFailed:
		info := ErrorInfo{Code: research.CodeExecution, Message: "unknown error"}
		if r.Error != nil {
			info = *r.Error
		}
		return Failed{Error: info}
	case StatusCancelled:
		return Cancelled{}
	default:
		return Pending{}
	}
}

// TaskPayload は asynq タスクのペイロードです。
type TaskPayload struct {
	JobID  string          `json:"job_id"`
	Params research.Params `json:"params"`
}
