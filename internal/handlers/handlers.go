// Package handlers exposes the controller's inbound HTTP surface: the
// submit endpoint the queue's pull scripts post submissions to, and the
// submit_message endpoint that relays feedback between the parties of a
// submission.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gradeflow-systems/gradeflow/internal/envelope"
	"github.com/gradeflow-systems/gradeflow/internal/httputil"
	"github.com/gradeflow-systems/gradeflow/internal/logging"
	"github.com/gradeflow-systems/gradeflow/internal/metrics"
	"github.com/gradeflow-systems/gradeflow/internal/router"
	"github.com/gradeflow-systems/gradeflow/internal/sanitize"
	"github.com/gradeflow-systems/gradeflow/internal/store"
)

// SubmissionCreator persists inbound submissions.
type SubmissionCreator interface {
	CreateSubmission(ctx context.Context, sub *store.Submission) error
}

// MessageRouter validates and dispatches feedback messages.
type MessageRouter interface {
	Route(ctx context.Context, msg *envelope.Message) (int64, error)
}

// Handler carries the intake endpoints' dependencies.
type Handler struct {
	store  SubmissionCreator
	router MessageRouter
	logger *logging.Logger
}

// New constructs a Handler.
func New(s SubmissionCreator, r MessageRouter, logger *logging.Logger) *Handler {
	return &Handler{store: s, router: r, logger: logger}
}

// Submit accepts a submission envelope posted by the queue's pull script.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		metrics.SubmitsTotal.WithLabelValues("submit", "method_not_allowed").Inc()
		httputil.WriteError(w, http.StatusOK, "'submit' must use HTTP POST")
		return
	}

	if err := r.ParseForm(); err != nil {
		metrics.SubmitsTotal.WithLabelValues("submit", "bad_format").Inc()
		httputil.WriteError(w, http.StatusOK, "Incorrect format")
		return
	}

	sub, err := envelope.ParseSubmission(r.PostFormValue("xqueue_header"), r.PostFormValue("xqueue_body"))
	if err != nil {
		h.logger.ErrorContext(ctx, "invalid submission envelope", "error", err,
			"remote_addr", r.RemoteAddr)
		metrics.SubmitsTotal.WithLabelValues("submit", "bad_format").Inc()
		httputil.WriteError(w, http.StatusOK, "Incorrect format")
		return
	}

	record, err := submissionRecord(sub)
	if err != nil {
		h.logger.ErrorContext(ctx, "could not build submission record", "error", err,
			"submission_id", sub.Header.SubmissionID)
		metrics.SubmitsTotal.WithLabelValues("submit", "error").Inc()
		httputil.WriteError(w, http.StatusOK, "Unable to create submission.")
		return
	}

	if err := h.store.CreateSubmission(ctx, record); err != nil {
		h.logger.ErrorContext(ctx, "failed to persist submission", "error", err,
			"submission_id", sub.Header.SubmissionID)
		metrics.SubmitsTotal.WithLabelValues("submit", "error").Inc()
		httputil.WriteError(w, http.StatusOK, "Unable to create submission.")
		return
	}

	h.logger.InfoContext(ctx, "submission created", "id", record.ID,
		"course_id", record.CourseID, "queue", record.QueueName)
	metrics.SubmitsTotal.WithLabelValues("submit", "ok").Inc()
	httputil.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"message": "Saved successfully.",
	})
}

// SubmitMessage relays one feedback message between a student, a grader
// and the controller.
func (h *Handler) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		metrics.SubmitsTotal.WithLabelValues("submit_message", "method_not_allowed").Inc()
		httputil.WriteError(w, http.StatusOK, "'submit_message' must use HTTP POST")
		return
	}

	if err := r.ParseForm(); err != nil {
		metrics.SubmitsTotal.WithLabelValues("submit_message", "bad_format").Inc()
		httputil.WriteError(w, http.StatusOK, "Incorrect format")
		return
	}

	msg, err := envelope.ParseMessage(r.PostFormValue("xqueue_header"), r.PostFormValue("xqueue_body"))
	if err != nil {
		h.logger.ErrorContext(ctx, "invalid message envelope", "error", err,
			"remote_addr", r.RemoteAddr)
		metrics.SubmitsTotal.WithLabelValues("submit_message", "bad_format").Inc()
		httputil.WriteError(w, http.StatusOK, "Incorrect format")
		return
	}

	messageID, err := h.router.Route(ctx, msg)
	if err != nil {
		var vErr *router.ValidationError
		if errors.As(err, &vErr) {
			h.logger.WarnContext(ctx, "message rejected", "reason", vErr.Reason,
				"submission_id", msg.SubmissionID, "grader_id", msg.GraderID)
			metrics.SubmitsTotal.WithLabelValues("submit_message", "rejected").Inc()
			httputil.WriteError(w, http.StatusOK, vErr.Reason)
			return
		}
		h.logger.ErrorContext(ctx, "failed to persist message", "error", err)
		metrics.SubmitsTotal.WithLabelValues("submit_message", "error").Inc()
		httputil.WriteError(w, http.StatusOK, err.Error())
		return
	}

	metrics.SubmitsTotal.WithLabelValues("submit_message", "ok").Inc()
	httputil.WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"message_id": messageID,
	})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// submissionRecord converts a parsed envelope into a durable submission.
// The student identity and a parseable submission time are required; the
// response text is sanitized before it is stored.
func submissionRecord(sub *envelope.Submission) (*store.Submission, error) {
	if sub.StudentInfo.AnonymousStudentID == "" {
		return nil, errors.New("missing anonymous student id")
	}

	submittedAt, err := envelope.ParseSubmissionTime(sub.StudentInfo.SubmissionTime)
	if err != nil {
		return nil, err
	}

	return &store.Submission{
		StudentID:           sub.StudentInfo.AnonymousStudentID,
		QueueName:           sub.Header.QueueName,
		XQueueSubmissionID:  sub.Header.SubmissionID,
		XQueueSubmissionKey: sub.Header.SubmissionKey,
		Prompt:              sub.GraderPayload.Prompt,
		Rubric:              sub.GraderPayload.Rubric,
		Location:            sub.GraderPayload.Location,
		CourseID:            sub.GraderPayload.CourseID,
		ProblemID:           sub.GraderPayload.ProblemID,
		GraderSettings:      sub.GraderPayload.GraderSettings,
		StudentResponse:     sanitize.Clean(sub.StudentResponse),
		MaxScore:            sub.MaxScore,
		SubmittedAt:         submittedAt,
	}, nil
}
