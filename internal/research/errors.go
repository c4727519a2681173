package research

import "fmt"

// エラーコード一覧。HTTP レスポンスとジョブ台帳の両方で使用します。
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeSubmission = "SUBMISSION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
	CodeTimeout    = "TIMEOUT"
	CodeNotFound   = "JOB_NOT_FOUND"
	CodeCancelled  = "CANCELLED"
	CodeInternal   = "INTERNAL_ERROR"

	// CodeNotReady は結果がまだ存在しないジョブへの要求です。
	CodeNotReady = "JOB_NOT_READY"
	// CodeArchiveDisabled はアーカイブが設定されていないことを表します。
	CodeArchiveDisabled = "ARCHIVE_DISABLED"
)

// Error はクライアントへ返却可能なドメインエラーです。
type Error struct {
	Code    string
	Message string
	// Details はフィールド単位のバリデーションエラーです。
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError は Error を生成します。
func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func newError(code, message string, err error) *Error {
	return NewError(code, message, err)
}
