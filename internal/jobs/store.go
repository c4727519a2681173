package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/agent-farm/internal/research"
)

const (
	jobKeyPrefix = "research:job:"

	maxUpdateAttempts     = 16
	maxUnfinishedProgress = 99
	scanBatchSize         = 100
)

// Store はジョブ台帳を Redis に保存します。
// 1ジョブ1キーで、書き込みのたびに TTL を更新します。
// 終了状態のレコードは ttl、未終了のレコードは activeTTL で保持します。
type Store struct {
	rdb       redis.UniversalClient
	ttl       time.Duration
	activeTTL time.Duration
	now       func() time.Time
}

// NewStore は Store を作成します。未終了のレコードも ttl で保持します。
func NewStore(rdb redis.UniversalClient, ttl time.Duration) *Store {
	return NewStoreWithActiveTTL(rdb, ttl, ttl)
}

// NewStoreWithActiveTTL は未終了のレコードの保持期間を指定して Store を作成します。
// リーパーが FAILED を書く前にレコードが消えないよう、activeTTL はリーパーの判定時間より長くします。
// activeTTL が ttl より短い場合は ttl を使います。
func NewStoreWithActiveTTL(rdb redis.UniversalClient, ttl, activeTTL time.Duration) *Store {
	return &Store{
		rdb:       rdb,
		ttl:       ttl,
		activeTTL: max(ttl, activeTTL),
		now:       time.Now,
	}
}

func (s *Store) ttlFor(status Status) time.Duration {
	if status.Terminal() {
		return s.ttl
	}
	return s.activeTTL
}

// Ping は Redis への疎通を確認します。
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Create は新しいレコードを保存します。同じ job_id が存在する場合は ErrExists を返します。
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.JobID == "" {
		return fmt.Errorf("record.JobID is required")
	}
	now := s.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.Status == "" {
		record.Status = StatusPending
	}
	ttl := s.ttlFor(record.Status)
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(ttl)

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, jobKey(record.JobID), payload, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrExists, record.JobID)
	}
	return nil
}

// Get はジョブ情報を取得します。存在しない場合は ErrNotFound を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, ErrNotFound
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeRecord(data)
}

// Update はレコードを読み込み、mutate で部分更新して書き戻します。
// 競合した場合は WATCH で検出して再試行します。
// 終了状態のレコードは変更せず、現在のレコードと ErrTerminal を返します。
func (s *Store) Update(ctx context.Context, jobID string, mutate func(*Record) error) (*Record, error) {
	key := jobKey(jobID)
	var out *Record

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		current, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			out = current
			return ErrTerminal
		}

		next := *current
		if err := mutate(&next); err != nil {
			return err
		}
		if err := s.enforce(current, &next); err != nil {
			return err
		}

		payload, err := json.Marshal(&next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttlFor(next.Status))
			return nil
		})
		if err == nil {
			out = &next
		}
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrTerminal):
			return out, err
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("update job %s: too many concurrent writers", jobID)
}

// enforce は台帳の不変条件を保つように next を補正します。
func (s *Store) enforce(prev, next *Record) error {
	if next.Status.rank() < prev.Status.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrTransition, prev.Status, next.Status)
	}

	next.JobID = prev.JobID
	next.CreatedAt = prev.CreatedAt
	next.Progress = clampPercent(next.Progress)
	if next.Progress < prev.Progress {
		next.Progress = prev.Progress
	}

	// 100 は SUCCEEDED のときだけ
	if next.Status != StatusSucceeded && next.Progress > maxUnfinishedProgress {
		next.Progress = maxUnfinishedProgress
	}

	now := s.now().UTC()
	switch next.Status {
	case StatusPending, StatusRunning:
		next.Result = nil
		next.Error = nil
	case StatusSucceeded:
		if next.Result == nil {
			return fmt.Errorf("%w: succeeded without result", ErrTransition)
		}
		next.Progress = 100
		next.Error = nil
	case StatusFailed:
		next.Result = nil
		if next.Error == nil {
			next.Error = &ErrorInfo{Code: research.CodeExecution, Message: "unknown error"}
		}
	case StatusCancelled:
		next.Result = nil
		next.Error = nil
	default:
		return fmt.Errorf("%w: unknown status %q", ErrTransition, next.Status)
	}

	if next.Status == StatusRunning && next.StartedAt == nil {
		next.StartedAt = &now
	}
	if next.Status.Terminal() {
		next.FinishedAt = &now
	}
	next.UpdatedAt = now
	next.ExpiresAt = now.Add(s.ttlFor(next.Status))
	return nil
}

// Delete はレコードを削除します。
func (s *Store) Delete(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, jobKey(jobID)).Err()
}

// List は台帳内のレコードを作成日時の新しい順に返します。limit が 0 以下なら全件を返します。
func (s *Store) List(ctx context.Context, limit int) ([]*Record, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, jobKeyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(keys))
	for start := 0; start < len(keys); start += scanBatchSize {
		end := min(start+scanBatchSize, len(keys))
		values, err := s.rdb.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			// SCAN と MGET の間に期限切れになったキーは nil になる
			str, ok := v.(string)
			if !ok {
				continue
			}
			record, err := decodeRecord([]byte(str))
			if err != nil {
				continue
			}
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// MarkRunning はジョブを RUNNING に遷移させます。
func (s *Store) MarkRunning(ctx context.Context, jobID string, attempt, percent int, message string) (*Record, error) {
	return s.Update(ctx, jobID, func(r *Record) error {
		r.Status = StatusRunning
		r.Attempt = attempt
		r.Progress = percent
		r.Message = message
		return nil
	})
}

// UpdateProgress は進捗とメッセージを更新します。進捗は減少しません。
func (s *Store) UpdateProgress(ctx context.Context, jobID string, percent int, message string) (*Record, error) {
	return s.Update(ctx, jobID, func(r *Record) error {
		r.Progress = percent
		if message != "" {
			r.Message = message
		}
		return nil
	})
}

// MarkRetrying は再試行待ちであることをメッセージに記録します。状態は RUNNING のままです。
func (s *Store) MarkRetrying(ctx context.Context, jobID string, message string) (*Record, error) {
	return s.Update(ctx, jobID, func(r *Record) error {
		r.Status = StatusRunning
		r.Message = message
		return nil
	})
}

// MarkSucceeded はジョブ完了時の結果を保存します。
func (s *Store) MarkSucceeded(ctx context.Context, jobID string, report *research.Report) (*Record, error) {
	if report == nil {
		return nil, fmt.Errorf("report is nil")
	}
	return s.Update(ctx, jobID, func(r *Record) error {
		r.Status = StatusSucceeded
		r.Result = report
		r.Message = "Research completed"
		return nil
	})
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (s *Store) MarkFailed(ctx context.Context, jobID string, info ErrorInfo) (*Record, error) {
	return s.Update(ctx, jobID, func(r *Record) error {
		r.Status = StatusFailed
		r.Error = &info
		r.Message = info.Message
		return nil
	})
}

// MarkCancelled はジョブを取り消し済みにします。
func (s *Store) MarkCancelled(ctx context.Context, jobID string) (*Record, error) {
	return s.Update(ctx, jobID, func(r *Record) error {
		r.Status = StatusCancelled
		r.Message = "Task cancelled"
		return nil
	})
}

func decodeRecord(data []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode job record: %w", err)
	}
	return &record, nil
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
