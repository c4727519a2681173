package research

import (
	"context"
	"time"
)

// ProgressFunc は生成処理の進捗通知用コールバックです。
type ProgressFunc func(percent int, message string)

func reportProgress(cb ProgressFunc, percent int, message string) {
	if cb == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	cb(percent, message)
}

// Generator はトピックからレポートを生成する外部処理です。
// 数分かかることがあり、ctx のキャンセルに従う必要があります。
type Generator interface {
	Generate(ctx context.Context, params Params, progress ProgressFunc) (*Report, error)
}

// Section は各エージェントの出力です。
type Section struct {
	Role   string `json:"role" bson:"role"`
	Output string `json:"output" bson:"output"`
}

// Report は生成されたリサーチレポートです。
type Report struct {
	Title       string    `json:"title" bson:"title"`
	Summary     string    `json:"summary" bson:"summary"`
	Content     string    `json:"content" bson:"content"`
	KeyFindings []string  `json:"key_findings" bson:"key_findings"`
	Sections    []Section `json:"sections,omitempty" bson:"sections,omitempty"`
	Model       string    `json:"model,omitempty" bson:"model,omitempty"`
	Category    Category  `json:"category" bson:"category"`
	Language    Language  `json:"language" bson:"language"`
	Depth       Depth     `json:"depth" bson:"depth"`
	GeneratedAt time.Time `json:"generated_at" bson:"generated_at"`
}
