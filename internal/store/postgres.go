package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CreateSubmission persists a new submission and fills in its assigned id.
// A single atomic write; there is no surrounding transaction.
func (s *PostgresStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	query := `
		INSERT INTO submissions (
			student_id, queue_name, xqueue_submission_id, xqueue_submission_key,
			prompt, rubric, location, course_id, problem_id, grader_settings,
			student_response, max_score, submitted_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at
	`

	err := s.pool.QueryRow(ctx, query,
		sub.StudentID, sub.QueueName, sub.XQueueSubmissionID, sub.XQueueSubmissionKey,
		sub.Prompt, sub.Rubric, sub.Location, sub.CourseID, sub.ProblemID, sub.GraderSettings,
		sub.StudentResponse, sub.MaxScore, sub.SubmittedAt,
	).Scan(&sub.ID, &sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}

	return nil
}

// SubmissionByID retrieves a submission by primary key.
func (s *PostgresStore) SubmissionByID(ctx context.Context, id int64) (*Submission, error) {
	return s.submission(ctx, "id = $1", id)
}

// SubmissionByXQueueID retrieves a submission by the queue service's own
// submission identifier.
func (s *PostgresStore) SubmissionByXQueueID(ctx context.Context, xqueueSubmissionID string) (*Submission, error) {
	return s.submission(ctx, "xqueue_submission_id = $1", xqueueSubmissionID)
}

func (s *PostgresStore) submission(ctx context.Context, where string, arg interface{}) (*Submission, error) {
	query := `
		SELECT id, student_id, queue_name, xqueue_submission_id, xqueue_submission_key,
		       prompt, rubric, location, course_id, problem_id, grader_settings,
		       student_response, max_score, posted_back, certificate_url,
		       submitted_at, created_at
		FROM submissions
		WHERE ` + where

	sub := &Submission{}
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&sub.ID, &sub.StudentID, &sub.QueueName, &sub.XQueueSubmissionID, &sub.XQueueSubmissionKey,
		&sub.Prompt, &sub.Rubric, &sub.Location, &sub.CourseID, &sub.ProblemID, &sub.GraderSettings,
		&sub.StudentResponse, &sub.MaxScore, &sub.PostedBack, &sub.CertificateURL,
		&sub.SubmittedAt, &sub.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}

	return sub, nil
}

// MarkPostedBack flips the posted-back flag and records the certificate
// URL, keyed by the queue's submission id. A single atomic write; the flag
// never transitions back.
func (s *PostgresStore) MarkPostedBack(ctx context.Context, xqueueSubmissionID, certificateURL string) error {
	query := `
		UPDATE submissions
		SET posted_back = TRUE, certificate_url = $2
		WHERE xqueue_submission_id = $1
	`

	tag, err := s.pool.Exec(ctx, query, xqueueSubmissionID, certificateURL)
	if err != nil {
		return fmt.Errorf("failed to mark submission posted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubmissionNotFound
	}

	return nil
}

// UnpostedGradedSubmissions lists submissions with a successful grading
// record whose results have not yet been delivered back to the queue.
func (s *PostgresStore) UnpostedGradedSubmissions(ctx context.Context, limit int) ([]int64, error) {
	query := `
		SELECT DISTINCT s.id
		FROM submissions s
		JOIN graders g ON g.submission_id = s.id
		WHERE NOT s.posted_back AND g.status = 'S'
		ORDER BY s.id
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list graded submissions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan submission id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list graded submissions: %w", err)
	}

	return ids, nil
}

// GraderByID retrieves a grader record by primary key.
func (s *PostgresStore) GraderByID(ctx context.Context, id int64) (*Grader, error) {
	return s.grader(ctx, "id = $1", id)
}

// GraderForSubmission retrieves the most recent grader record for a
// submission.
func (s *PostgresStore) GraderForSubmission(ctx context.Context, submissionID int64) (*Grader, error) {
	return s.grader(ctx, "submission_id = $1 ORDER BY created_at DESC LIMIT 1", submissionID)
}

func (s *PostgresStore) grader(ctx context.Context, where string, arg interface{}) (*Grader, error) {
	query := `
		SELECT id, submission_id, grader_id, grader_type, score, feedback,
		       status, rubric_scores_complete, rubric_xml, created_at
		FROM graders
		WHERE ` + where

	g := &Grader{}
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&g.ID, &g.SubmissionID, &g.GraderID, &g.GraderType, &g.Score, &g.Feedback,
		&g.Status, &g.RubricScoresComplete, &g.RubricXML, &g.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGraderNotFound
		}
		return nil, fmt.Errorf("failed to get grader: %w", err)
	}

	return g, nil
}

// CreateMessage persists a routed message and returns its assigned id.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *Message) (int64, error) {
	query := `
		INSERT INTO messages (grader_id, originator, submission_id, recipient,
		                      message_type, body, score)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		msg.GraderID, msg.Originator, msg.SubmissionID, msg.Recipient,
		msg.MessageType, msg.Body, msg.Score,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create message: %w", err)
	}

	msg.ID = id
	return id, nil
}
