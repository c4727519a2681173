package research

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ContextRequestIDKey はリクエストIDを gin.Context に保存するキーです。
const ContextRequestIDKey = "request.id"

// Ticket は投入されたジョブの受付情報です。
type Ticket struct {
	JobID     string
	CreatedAt time.Time
}

// JobScheduler はジョブを非同期キューに投入するためのインターフェースです。
type JobScheduler interface {
	Schedule(ctx context.Context, params Params) (*Ticket, error)
}

// SubmitHandler は POST /research のハンドラーを返します。
func SubmitHandler(scheduler JobScheduler, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req Params
		if err := c.ShouldBindJSON(&req); err != nil {
			RespondError(c, logger, newError(CodeValidation, "JSON 形式でリクエストを送信してください。", err))
			return
		}

		params, err := req.Normalize()
		if err != nil {
			RespondError(c, logger, err)
			return
		}

		ticket, err := scheduler.Schedule(c.Request.Context(), params)
		if err != nil {
			RespondError(c, logger, err)
			return
		}

		crew := Crew(params.Category)
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"job_id":   ticket.JobID,
				"category": params.Category,
				"depth":    params.Depth,
			}).Info("research job accepted")
		}

		c.JSON(http.StatusCreated, gin.H{
			"job_id":          ticket.JobID,
			"lifecycle_state": "PENDING",
			"message":         fmt.Sprintf("Research %q accepted by %s", params.Topic, crew.Name),
			"estimated_time":  EstimatedTime(params.Depth),
			"created_at":      ticket.CreatedAt,
			"crew_info":       crew,
		})
	}
}

// CrewsHandler は GET /crews のハンドラーです。
func CrewsHandler(c *gin.Context) {
	list := Crews()
	c.JSON(http.StatusOK, gin.H{
		"available_crews": list,
		"default":         DefaultCategory,
		"total":           len(list),
	})
}

// RespondError はエラーを {code, message} 形式の JSON に変換して返します。
func RespondError(c *gin.Context, logger *logrus.Logger, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		body := gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		}
		if len(apiErr.Details) > 0 {
			body["details"] = apiErr.Details
		}
		status := statusFor(apiErr.Code)
		if status >= http.StatusInternalServerError {
			body["correlationId"] = c.GetString(ContextRequestIDKey)
			logError(c, logger, err)
		}
		c.AbortWithStatusJSON(status, body)
	case errors.Is(err, context.Canceled):
		c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		logError(c, logger, err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"code":          CodeInternal,
			"message":       "サーバー内部でエラーが発生しました。",
			"correlationId": c.GetString(ContextRequestIDKey),
		})
	}
}

func statusFor(code string) int {
	switch code {
	case CodeValidation:
		return http.StatusUnprocessableEntity
	case CodeNotFound, CodeArchiveDisabled:
		return http.StatusNotFound
	case CodeSubmission:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeCancelled, CodeNotReady:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func logError(c *gin.Context, logger *logrus.Logger, err error) {
	if logger == nil {
		return
	}
	logger.WithFields(logrus.Fields{
		"request_id": c.GetString(ContextRequestIDKey),
		"path":       c.FullPath(),
	}).WithError(err).Error("request failed")
}
