package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/agent-farm/internal/archive"
	"github.com/yourusername/agent-farm/internal/jobs"
	"github.com/yourusername/agent-farm/internal/research"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// jobService は HTTP ハンドラーが利用するジョブ操作です。*jobs.Manager が実装します。
type jobService interface {
	Submit(ctx context.Context, params research.Params) (*jobs.Record, error)
	Get(ctx context.Context, jobID string) (*jobs.Record, error)
	List(ctx context.Context, limit int) ([]*jobs.Record, error)
	Cancel(ctx context.Context, jobID string) (*jobs.Record, error)
	Health(ctx context.Context) jobs.Health
}

// reportArchive はアーカイブの参照操作です。*archive.Mongo が実装します。
type reportArchive interface {
	Get(ctx context.Context, jobID string) (*archive.Document, error)
	List(ctx context.Context, limit int) ([]archive.Document, error)
	Ping(ctx context.Context) error
}

type researchJobScheduler struct {
	jobs jobService
}

func (s *researchJobScheduler) Schedule(ctx context.Context, params research.Params) (*research.Ticket, error) {
	record, err := s.jobs.Submit(ctx, params)
	if err != nil {
		return nil, err
	}
	return &research.Ticket{JobID: record.JobID, CreatedAt: record.CreatedAt}, nil
}

type jobHandlers struct {
	jobs     jobService
	archive  reportArchive
	logger   *logrus.Logger
	upgrader websocket.Upgrader
	// pollInterval は WebSocket で台帳を確認する間隔です。
	pollInterval time.Duration
}

// statusView はレコードをクライアント向けの形式に変換します。
func statusView(r *jobs.Record) gin.H {
	view := gin.H{
		"job_id":          r.JobID,
		"lifecycle_state": r.Status,
		"progress":        r.Progress,
		"status_message":  r.Message,
		"topic":           r.Params.Topic,
		"category":        r.Params.Category,
		"attempt":         r.Attempt,
		"created_at":      r.CreatedAt,
		"updated_at":      r.UpdatedAt,
	}
	switch s := r.State().(type) {
	case jobs.Pending, jobs.Running, jobs.Cancelled:
	case jobs.Succeeded:
		view["result"] = s.Result
	case jobs.Failed:
		view["error"] = s.Error
	default:
		panic(fmt.Sprintf("unhandled job state %T", s))
	}
	return view
}

func (h *jobHandlers) respondJobError(c *gin.Context, err error) {
	if errors.Is(err, jobs.ErrNotFound) {
		err = research.NewError(research.CodeNotFound, "指定されたジョブは存在しないか、保持期間を過ぎています。", err)
	}
	research.RespondError(c, h.logger, err)
}

func (h *jobHandlers) jobIDParam(c *gin.Context) (string, bool) {
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		h.rejectInput(c, "id", "job_id を指定してください。")
		return "", false
	}
	return jobID, true
}

// rejectInput はパラメータの誤りを VALIDATION_ERROR として返します。
func (h *jobHandlers) rejectInput(c *gin.Context, field, message string) {
	err := research.NewError(research.CodeValidation, message, nil)
	err.Details = map[string]string{field: message}
	research.RespondError(c, h.logger, err)
}

// status は GET /result/:id のハンドラーです。
func (h *jobHandlers) status(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}
	record, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusView(record))
}

// cancel は DELETE /task/:id のハンドラーです。
func (h *jobHandlers) cancel(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}
	record, err := h.jobs.Cancel(c.Request.Context(), jobID)
	if err != nil {
		h.respondJobError(c, err)
		return
	}

	message := "Task cancelled"
	if record.Status != jobs.StatusCancelled {
		message = fmt.Sprintf("Task already finished with state %s", record.Status)
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":          record.JobID,
		"lifecycle_state": record.Status,
		"message":         message,
	})
}

// list は GET /tasks のハンドラーです。
func (h *jobHandlers) list(c *gin.Context) {
	limit, ok := h.limitParam(c)
	if !ok {
		return
	}
	records, err := h.jobs.List(c.Request.Context(), limit)
	if err != nil {
		research.RespondError(c, h.logger, err)
		return
	}

	tasks := make([]gin.H, 0, len(records))
	for _, r := range records {
		tasks = append(tasks, gin.H{
			"job_id":          r.JobID,
			"topic":           r.Params.Topic,
			"category":        r.Params.Category,
			"lifecycle_state": r.Status,
			"progress":        r.Progress,
			"created_at":      r.CreatedAt,
			"updated_at":      r.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"total": len(tasks),
	})
}

// download は GET /result/:id/download のハンドラーです。
// format=md（既定）は Markdown、format=json はレポート全体を JSON で返します。
func (h *jobHandlers) download(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}
	record, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondJobError(c, err)
		return
	}

	succeeded, ok := record.State().(jobs.Succeeded)
	if !ok {
		notReady := research.NewError(research.CodeNotReady, "レポートはまだ生成されていません。", nil)
		notReady.Details = map[string]string{"lifecycle_state": string(record.Status)}
		research.RespondError(c, h.logger, notReady)
		return
	}

	var data []byte
	ext := ".md"
	switch c.DefaultQuery("format", "md") {
	case "md":
		data = []byte(renderMarkdown(succeeded.Result))
	case "json":
		data, err = json.MarshalIndent(succeeded.Result, "", "  ")
		if err != nil {
			research.RespondError(c, h.logger, err)
			return
		}
		ext = ""
	default:
		h.rejectInput(c, "format", "format には md または json を指定してください。")
		return
	}

	mtype := mimetype.Detect(data)
	if ext == "" {
		ext = mtype.Extension()
	}
	filename := record.JobID + ext
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, url.PathEscape(filename)))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", record.JobID)
	c.Data(http.StatusOK, mtype.String(), data)
}

func renderMarkdown(r *research.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", r.Title)
	if r.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", r.Summary)
	}
	if len(r.KeyFindings) > 0 {
		b.WriteString("## Key findings\n\n")
		for _, f := range r.KeyFindings {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	b.WriteString(r.Content)
	b.WriteString("\n")
	return b.String()
}

// watch は GET /ws/result/:id のハンドラーです。
// 状態が変わるたびに statusView を送信し、終了状態を送ったら接続を閉じます。
func (h *jobHandlers) watch(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}
	// 存在しないジョブはアップグレード前に 404 を返す
	record, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondJobError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).WithField("job_id", jobID).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// クライアントからの close を検知するための読み取りループ
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := c.Request.Context()
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	var lastSent time.Time
	for {
		if !record.UpdatedAt.Equal(lastSent) {
			if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				return
			}
			if err := conn.WriteJSON(statusView(record)); err != nil {
				return
			}
			lastSent = record.UpdatedAt
		}
		if record.Status.Terminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(record.Status))
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}

		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := h.jobs.Get(ctx, jobID)
		if err != nil {
			reason := "job lookup failed"
			if errors.Is(err, jobs.ErrNotFound) {
				reason = research.CodeNotFound
			}
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
		record = next
	}
}

// reports は GET /reports のハンドラーです。
func (h *jobHandlers) reports(c *gin.Context) {
	if h.archive == nil {
		h.archiveDisabled(c)
		return
	}
	limit, ok := h.limitParam(c)
	if !ok {
		return
	}
	docs, err := h.archive.List(c.Request.Context(), limit)
	if err != nil {
		research.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reports": docs,
		"total":   len(docs),
	})
}

// report は GET /reports/:id のハンドラーです。
func (h *jobHandlers) report(c *gin.Context) {
	if h.archive == nil {
		h.archiveDisabled(c)
		return
	}
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}
	doc, err := h.archive.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			err = research.NewError(research.CodeNotFound, "指定されたレポートはアーカイブに存在しません。", err)
		}
		research.RespondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *jobHandlers) archiveDisabled(c *gin.Context) {
	research.RespondError(c, h.logger,
		research.NewError(research.CodeArchiveDisabled, "レポートアーカイブは設定されていません。", nil))
}

// info は GET / のハンドラーです。サービス名と主なエンドポイントを返します。
func (h *jobHandlers) info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "agent-farm research API",
		"service": "agent-farm-api",
		"version": version,
		"endpoints": []string{
			"POST /research",
			"GET /crews",
			"GET /result/:id",
			"GET /result/:id/download",
			"GET /ws/result/:id",
			"DELETE /task/:id",
			"GET /tasks",
			"GET /reports",
			"GET /health",
		},
	})
}

// health は GET /health のハンドラーです。Redis に接続できない場合は 503 を返します。
func (h *jobHandlers) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	jh := h.jobs.Health(ctx)
	components := gin.H{"api": "healthy"}
	status := "healthy"
	code := http.StatusOK

	if jh.Redis != nil {
		components["redis"] = "unhealthy: " + jh.Redis.Error()
		components["workers"] = "unknown"
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else {
		components["redis"] = "healthy"
		switch {
		case jh.WorkerErr != nil:
			components["workers"] = "unknown: " + jh.WorkerErr.Error()
			status = "degraded"
		case jh.Workers == 0:
			components["workers"] = "no active workers"
			status = "degraded"
		default:
			components["workers"] = fmt.Sprintf("%d active", jh.Workers)
		}
	}

	if h.archive == nil {
		components["archive"] = "disabled"
	} else if err := h.archive.Ping(ctx); err != nil {
		components["archive"] = "unhealthy: " + err.Error()
		if status == "healthy" {
			status = "degraded"
		}
	} else {
		components["archive"] = "healthy"
	}

	c.JSON(code, gin.H{
		"status":     status,
		"components": components,
		"service":    "agent-farm-api",
		"version":    version,
	})
}

func (h *jobHandlers) limitParam(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		h.rejectInput(c, "limit", "limit には正の整数を指定してください。")
		return 0, false
	}
	return min(limit, maxListLimit), true
}
