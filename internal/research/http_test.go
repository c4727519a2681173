package research

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type stubScheduler struct {
	ticket *Ticket
	err    error
	calls  []Params
}

func (s *stubScheduler) Schedule(ctx context.Context, params Params) (*Ticket, error) {
	s.calls = append(s.calls, params)
	return s.ticket, s.err
}

func performSubmit(t *testing.T, scheduler JobScheduler, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/research", SubmitHandler(scheduler, nil))

	req := httptest.NewRequest(http.MethodPost, "/research", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestSubmitHandlerAccepted(t *testing.T) {
	scheduler := &stubScheduler{ticket: &Ticket{JobID: "research_abc", CreatedAt: time.Now()}}

	rec := performSubmit(t, scheduler, `{"topic":"Electric vehicle market","category":"business_analysis","language":"en"}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["job_id"] != "research_abc" {
		t.Fatalf("unexpected job_id: %v", body["job_id"])
	}
	if body["lifecycle_state"] != "PENDING" {
		t.Fatalf("unexpected lifecycle_state: %v", body["lifecycle_state"])
	}
	if body["estimated_time"] != "5-10 minutes" {
		t.Fatalf("unexpected estimated_time: %v", body["estimated_time"])
	}
	if len(scheduler.calls) != 1 {
		t.Fatalf("expected one scheduled job, got %d", len(scheduler.calls))
	}
	if got := scheduler.calls[0]; got.Depth != DepthStandard || got.Category != CategoryBusinessAnalysis {
		t.Fatalf("unexpected scheduled params: %#v", got)
	}
}

func TestSubmitHandlerValidationFailure(t *testing.T) {
	cases := map[string]string{
		"empty topic":      `{"topic":""}`,
		"unknown category": `{"topic":"Electric vehicle market","category":"astrology"}`,
		"malformed json":   `{"topic":`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			scheduler := &stubScheduler{ticket: &Ticket{JobID: "research_unused"}}
			rec := performSubmit(t, scheduler, payload)

			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
			}
			if code := decodeBody(t, rec)["code"]; code != CodeValidation {
				t.Fatalf("unexpected code: %v", code)
			}
			if len(scheduler.calls) != 0 {
				t.Fatal("no job must be scheduled when validation fails")
			}
		})
	}
}

func TestSubmitHandlerSchedulerUnavailable(t *testing.T) {
	scheduler := &stubScheduler{err: NewError(CodeSubmission, "queue unavailable", errors.New("dial tcp: refused"))}

	rec := performSubmit(t, scheduler, `{"topic":"Electric vehicle market"}`)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["code"] != CodeSubmission {
		t.Fatalf("unexpected code: %v", body["code"])
	}
	if _, ok := body["correlationId"]; !ok {
		t.Fatal("expected correlationId for server-side failures")
	}
}

func TestRespondErrorUnknownError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(rec)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	ctx.Set(ContextRequestIDKey, "req-1")

	RespondError(ctx, nil, errors.New("boom"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != CodeInternal || body["correlationId"] != "req-1" {
		t.Fatalf("unexpected body: %#v", body)
	}
}

func TestCrewsHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/crews", CrewsHandler)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/crews", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["total"] != float64(len(Categories)) {
		t.Fatalf("unexpected total: %v", body["total"])
	}
	if body["default"] != string(DefaultCategory) {
		t.Fatalf("unexpected default: %v", body["default"])
	}
}
