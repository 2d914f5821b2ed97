// Package store is the durable entity store for submissions, graders and
// feedback messages. The consumer and router only need lookup-by-id,
// create, and the single-column posted-back update; everything else about
// the storage engine stays behind this contract.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSubmissionNotFound indicates a submission lookup missed.
	ErrSubmissionNotFound = errors.New("submission not found")

	// ErrGraderNotFound indicates a grader lookup missed.
	ErrGraderNotFound = errors.New("grader not found")
)

// Submission is a persisted ingress record. The posted-back flag
// transitions false to true exactly once, after a confirmed successful
// post to the queue, and never back.
type Submission struct {
	ID                  int64
	StudentID           string
	QueueName           string
	XQueueSubmissionID  string
	XQueueSubmissionKey string
	Prompt              string
	Rubric              string
	Location            string
	CourseID            string
	ProblemID           string
	GraderSettings      string
	StudentResponse     string
	MaxScore            float64
	PostedBack          bool
	CertificateURL      string
	SubmittedAt         time.Time
	CreatedAt           time.Time
}

// Grader is a grading record tied to one submission. GraderID is the
// grading party's anonymous identifier; GraderType distinguishes peers,
// instructors and automated graders.
type Grader struct {
	ID                   int64
	SubmissionID         int64
	GraderID             string
	GraderType           string
	Score                int
	Feedback             string
	Status               string
	RubricScoresComplete bool
	RubricXML            string
	CreatedAt            time.Time
}

// Message is a routed feedback message. Immutable once persisted.
type Message struct {
	ID           int64
	GraderID     int64
	Originator   string
	SubmissionID int64
	Recipient    string
	MessageType  string
	Body         string
	Score        *int
	CreatedAt    time.Time
}

// Store is the persistence contract required by the consumer, the router
// and the intake handlers.
type Store interface {
	CreateSubmission(ctx context.Context, sub *Submission) error
	SubmissionByID(ctx context.Context, id int64) (*Submission, error)
	SubmissionByXQueueID(ctx context.Context, xqueueSubmissionID string) (*Submission, error)
	MarkPostedBack(ctx context.Context, xqueueSubmissionID, certificateURL string) error
	UnpostedGradedSubmissions(ctx context.Context, limit int) ([]int64, error)
	GraderByID(ctx context.Context, id int64) (*Grader, error)
	GraderForSubmission(ctx context.Context, submissionID int64) (*Grader, error)
	CreateMessage(ctx context.Context, msg *Message) (int64, error)
}
