// Package router validates inbound feedback messages exchanged between a
// student, a grader and the controller, infers the recipient, and persists
// the result. Validation is terminal at the first failure and a rejected
// message is never retried.
package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gradeflow-systems/gradeflow/internal/envelope"
	"github.com/gradeflow-systems/gradeflow/internal/sanitize"
	"github.com/gradeflow-systems/gradeflow/internal/store"
)

// Controller is the reserved recipient identity for the grading controller
// itself.
const Controller = "controller"

// automatedGraderTypes are the grader types whose messages always route to
// the controller: machine-learned and instructor-seeded graders have no
// interactive party behind them.
var automatedGraderTypes = map[string]bool{
	"ML": true,
	"IN": true,
}

// ValidationError marks a permanently malformed routing request. Returned
// to the caller verbatim, never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func reject(reason string) error {
	return &ValidationError{Reason: reason}
}

// Store is the slice of the entity store the router needs.
type Store interface {
	GraderByID(ctx context.Context, id int64) (*store.Grader, error)
	SubmissionByID(ctx context.Context, id int64) (*store.Submission, error)
	CreateMessage(ctx context.Context, msg *store.Message) (int64, error)
}

// Router validates and dispatches feedback messages.
type Router struct {
	store Store
}

// New constructs a Router.
func New(s Store) *Router {
	return &Router{store: s}
}

// Route runs the validation pipeline over a parsed message envelope and
// persists the message, returning its assigned id. Any *ValidationError
// is a terminal rejection; other errors are store failures surfaced
// verbatim.
func (r *Router) Route(ctx context.Context, msg *envelope.Message) (int64, error) {
	var score *int
	if msg.HasScore {
		parsed, err := strconv.Atoi(msg.Score)
		if err != nil {
			return 0, reject(fmt.Sprintf("Score was not an integer, received %q instead.", msg.Score))
		}
		score = &parsed
	}

	grader, err := r.store.GraderByID(ctx, msg.GraderID)
	if err != nil {
		if errors.Is(err, store.ErrGraderNotFound) {
			return 0, reject("Could not find a grader object for message from xqueue")
		}
		return 0, err
	}

	submission, err := r.store.SubmissionByID(ctx, msg.SubmissionID)
	if err != nil {
		if errors.Is(err, store.ErrSubmissionNotFound) {
			return 0, reject("Could not find a submission object for message from xqueue")
		}
		return 0, err
	}

	if grader.SubmissionID != submission.ID {
		return 0, reject("Grader id does not match submission id that was passed in")
	}

	originator := msg.Originator
	if originator != submission.StudentID && originator != grader.GraderID {
		return 0, reject("Message originator is not the grader, or the person being graded")
	}

	recipient, err := inferRecipient(originator, submission, grader)
	if err != nil {
		return 0, err
	}

	if recipient != submission.StudentID && recipient != grader.GraderID && recipient != Controller {
		return 0, reject("Message recipient is not the grader, the person being graded, or the controller")
	}

	if originator == recipient {
		return 0, reject("Message recipient is the same as originator")
	}

	return r.store.CreateMessage(ctx, &store.Message{
		GraderID:     grader.ID,
		Originator:   originator,
		SubmissionID: submission.ID,
		Recipient:    recipient,
		MessageType:  "feedback",
		Body:         sanitize.Clean(msg.Feedback),
		Score:        score,
	})
}

// inferRecipient picks the receiving party. Automated graders have no one
// to deliver to, so their traffic terminates at the controller; for human
// graders the recipient is the other party relative to the originator.
func inferRecipient(originator string, submission *store.Submission, grader *store.Grader) (string, error) {
	if automatedGraderTypes[grader.GraderType] {
		return Controller, nil
	}
	switch originator {
	case submission.StudentID:
		return grader.GraderID, nil
	case grader.GraderID:
		return submission.StudentID, nil
	}
	// unreachable while the originator check holds; treat as a rejection
	// rather than a silent default
	return "", reject("Message recipient could not be determined")
}
