package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Event はジョブが終了状態に遷移したことを通知するイベントです。
type Event struct {
	JobID      string     `json:"job_id"`
	State      Status     `json:"lifecycle_state"`
	Progress   int        `json:"progress"`
	Error      *ErrorInfo `json:"error,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// EventFromRecord はレコードからイベントを作成します。
func EventFromRecord(r *Record) Event {
	return Event{
		JobID:      r.JobID,
		State:      r.Status,
		Progress:   r.Progress,
		Error:      r.Error,
		OccurredAt: r.UpdatedAt,
	}
}

// Publisher はライフサイクルイベントの送信先です。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher はイベントを破棄します。NATS が未設定の場合に使用します。
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher はイベントを JSON で NATS に送信します。
type NATSPublisher struct {
	conn    natsConn
	subject string
}

// NewNATSPublisher は NATS に接続して NATSPublisher を作成します。
func NewNATSPublisher(url, subject string, logger *logrus.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("agent-farm"),
		nats.MaxReconnects(-1),
	}
	if logger != nil {
		opts = append(opts,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.WithError(err).Warn("nats disconnected")
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
			}),
		)
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSPublisher{conn: nc, subject: subject}, nil
}

// Publish はイベントを送信します。
func (p *NATSPublisher) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.subject, data)
}

// Close は未送信のメッセージを送り切ってから接続を閉じます。
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
