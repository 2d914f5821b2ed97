// Package consumer drains the external submission queues on a fixed
// period. Each tick is guarded by a cross-process lease, queues are
// processed sequentially within one invocation, and per-item failures are
// isolated so one bad item never stalls the rest of a queue.
package consumer

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/gradeflow-systems/gradeflow/internal/envelope"
	"github.com/gradeflow-systems/gradeflow/internal/lease"
	"github.com/gradeflow-systems/gradeflow/internal/logging"
	"github.com/gradeflow-systems/gradeflow/internal/metrics"
	"github.com/gradeflow-systems/gradeflow/internal/sanitize"
	"github.com/gradeflow-systems/gradeflow/internal/store"
)

// QueueClient is the slice of the queue client the consumer drives.
type QueueClient interface {
	Login(ctx context.Context) error
	FetchLength(ctx context.Context, queueName string) (int, error)
	FetchOne(ctx context.Context, queueName string) ([]byte, error)
	PostResult(ctx context.Context, headerJSON, bodyJSON string) (bool, string, error)
}

// CertificateIssuer renders and uploads the certificate for one item.
type CertificateIssuer interface {
	Issue(ctx context.Context, item *envelope.QueueItem, sub *envelope.Submission) (string, error)
}

// Store is the slice of the entity store the consumer touches.
type Store interface {
	CreateSubmission(ctx context.Context, sub *store.Submission) error
	SubmissionByID(ctx context.Context, id int64) (*store.Submission, error)
	MarkPostedBack(ctx context.Context, xqueueSubmissionID, certificateURL string) error
	GraderForSubmission(ctx context.Context, submissionID int64) (*store.Grader, error)
	UnpostedGradedSubmissions(ctx context.Context, limit int) ([]int64, error)
}

// Config selects the queues to drain and tunes the loop.
type Config struct {
	// Queues are drained sequentially within one locked invocation.
	Queues []string

	// CertificateQueues names the queues whose items go through the
	// certificate pipeline instead of submission intake.
	CertificateQueues []string

	// JitterMax bounds the random sleep before each network round trip,
	// de-synchronizing concurrent pollers. Zero disables jitter.
	JitterMax time.Duration

	// PostBatchSize caps how many graded results one tick posts back.
	PostBatchSize int
}

// Consumer runs the probe/drain state machine.
type Consumer struct {
	client     QueueClient
	issuer     CertificateIssuer
	store      Store
	lease      lease.Lease
	cfg        Config
	certQueues map[string]bool
	logger     *logging.Logger
}

// New constructs a Consumer.
func New(client QueueClient, issuer CertificateIssuer, s Store, l lease.Lease, cfg Config, logger *logging.Logger) *Consumer {
	if cfg.PostBatchSize <= 0 {
		cfg.PostBatchSize = 100
	}
	certQueues := make(map[string]bool, len(cfg.CertificateQueues))
	for _, q := range cfg.CertificateQueues {
		certQueues[q] = true
	}
	return &Consumer{
		client:     client,
		issuer:     issuer,
		store:      s,
		lease:      l,
		cfg:        cfg,
		certQueues: certQueues,
		logger:     logger,
	}
}

// Run fires RunTick on the given period until ctx is cancelled. Ticks run
// synchronously, so an invocation still going when the next tick fires
// means that tick is simply skipped by the lease, never queued.
func (c *Consumer) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		c.RunTick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunTick executes one locked drain invocation: acquire the lease, log in,
// drain every configured queue in order, post back graded results, release.
// A held lease skips the tick entirely.
func (c *Consumer) RunTick(ctx context.Context) {
	handle, err := c.lease.TryAcquire(ctx)
	if err != nil {
		if errors.Is(err, lease.ErrNotAcquired) {
			metrics.TicksSkipped.Inc()
			c.logger.DebugContext(ctx, "tick skipped, lease held elsewhere")
			return
		}
		c.logger.ErrorContext(ctx, "failed to acquire lease", "error", err)
		return
	}
	defer func() {
		if err := handle.Release(ctx); err != nil {
			c.logger.WarnContext(ctx, "failed to release lease", "error", err)
		}
	}()

	if err := c.client.Login(ctx); err != nil {
		c.logger.ErrorContext(ctx, "queue login failed", "error", err)
		return
	}

	c.jitterSleep(ctx)

	for _, queueName := range c.cfg.Queues {
		c.drainQueue(ctx, queueName)
	}

	c.postGradedResults(ctx)
}

// drainQueue probes the queue and pulls items while the probe succeeds and
// reports work. Probe failures end this queue's iteration for the tick;
// everything else is per-item.
func (c *Consumer) drainQueue(ctx context.Context, queueName string) {
	log := c.logger.With(logging.Queue(queueName))

	length, err := c.client.FetchLength(ctx, queueName)
	if err != nil {
		metrics.PullsTotal.WithLabelValues(queueName, "probe_error").Inc()
		log.WarnContext(ctx, "queue probe failed", "error", err)
		return
	}
	metrics.QueueLength.WithLabelValues(queueName).Set(float64(length))

	for length > 0 {
		if ctx.Err() != nil {
			return
		}
		c.jitterSleep(ctx)

		c.processOne(ctx, queueName, log)

		length, err = c.client.FetchLength(ctx, queueName)
		if err != nil {
			metrics.PullsTotal.WithLabelValues(queueName, "probe_error").Inc()
			log.WarnContext(ctx, "queue probe failed mid-drain", "error", err)
			return
		}
		metrics.QueueLength.WithLabelValues(queueName).Set(float64(length))
	}

	metrics.PullsTotal.WithLabelValues(queueName, "ok").Inc()
}

// processOne fetches and handles a single item. Failures are logged and
// counted but never abort the caller's drain loop.
func (c *Consumer) processOne(ctx context.Context, queueName string, log *logging.Logger) {
	raw, err := c.client.FetchOne(ctx, queueName)
	if err != nil {
		metrics.ItemsTotal.WithLabelValues(queueName, "fetch_error").Inc()
		log.WarnContext(ctx, "failed to fetch queue item", "error", err)
		return
	}

	item, err := envelope.DecodeQueueItem(raw, queueName)
	if err != nil {
		metrics.ItemsTotal.WithLabelValues(queueName, "parse_error").Inc()
		log.WarnContext(ctx, "failed to parse queue item", "error", err)
		return
	}

	sub, err := envelope.ParseSubmission(item.HeaderJSON, item.BodyJSON)
	if err != nil {
		metrics.ItemsTotal.WithLabelValues(queueName, "parse_error").Inc()
		log.WarnContext(ctx, "queue item failed envelope validation", "error", err,
			"submission_id", item.Header.SubmissionID)
		return
	}

	if c.certQueues[queueName] {
		c.processCertificate(ctx, queueName, item, sub, log)
		return
	}
	c.intakeSubmission(ctx, queueName, sub, log)
}

// processCertificate runs the certificate pipeline for one item and posts
// the original body augmented with the certificate URL back to the queue.
func (c *Consumer) processCertificate(ctx context.Context, queueName string, item *envelope.QueueItem, sub *envelope.Submission, log *logging.Logger) {
	url, err := c.issuer.Issue(ctx, item, sub)
	if err != nil {
		metrics.ItemsTotal.WithLabelValues(queueName, "render_error").Inc()
		log.WarnContext(ctx, "certificate issue failed", "error", err,
			"submission_id", item.Header.SubmissionID)
		return
	}

	body, err := envelope.WithField(item.BodyJSON, "certificate_url", url)
	if err != nil {
		metrics.ItemsTotal.WithLabelValues(queueName, "parse_error").Inc()
		log.WarnContext(ctx, "failed to augment result body", "error", err)
		return
	}

	started := time.Now()
	ok, msg, err := c.client.PostResult(ctx, item.HeaderJSON, body)
	metrics.PostDuration.Observe(time.Since(started).Seconds())
	if err != nil || !ok {
		metrics.ItemsTotal.WithLabelValues(queueName, "post_error").Inc()
		log.WarnContext(ctx, "could not post back", "error", err, "message", msg)
		return
	}

	// mark-posted is best effort: certificate items need not have a local
	// submission record
	if err := c.store.MarkPostedBack(ctx, item.Header.SubmissionID, url); err != nil {
		if !errors.Is(err, store.ErrSubmissionNotFound) {
			log.WarnContext(ctx, "failed to mark submission posted", "error", err,
				"submission_id", item.Header.SubmissionID)
		}
	}

	metrics.ItemsTotal.WithLabelValues(queueName, "ok").Inc()
	log.InfoContext(ctx, "certificate posted back",
		"submission_id", item.Header.SubmissionID, "certificate_url", url)
}

// intakeSubmission converts a drained item into a durable submission.
func (c *Consumer) intakeSubmission(ctx context.Context, queueName string, sub *envelope.Submission, log *logging.Logger) {
	record := &store.Submission{
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
		SubmittedAt:         time.Now().UTC(),
	}
	if when, err := envelope.ParseSubmissionTime(sub.StudentInfo.SubmissionTime); err == nil {
		record.SubmittedAt = when
	}

	if err := c.store.CreateSubmission(ctx, record); err != nil {
		metrics.ItemsTotal.WithLabelValues(queueName, "store_error").Inc()
		log.WarnContext(ctx, "failed to create submission", "error", err,
			"submission_id", sub.Header.SubmissionID)
		return
	}

	metrics.ItemsTotal.WithLabelValues(queueName, "ok").Inc()
	log.InfoContext(ctx, "submission created", "id", record.ID,
		"submission_id", sub.Header.SubmissionID, "course_id", record.CourseID)
}

// postGradedResults posts grading outcomes for submissions whose grading
// finished since the last tick. Per-item isolation applies here too.
func (c *Consumer) postGradedResults(ctx context.Context) {
	ids, err := c.store.UnpostedGradedSubmissions(ctx, c.cfg.PostBatchSize)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to list graded submissions", "error", err)
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		c.jitterSleep(ctx)
		if err := c.PostGraded(ctx, id); err != nil {
			c.logger.WarnContext(ctx, "failed to post graded result", "error", err, "id", id)
		}
	}
}

// PostGraded posts one submission's grading outcome back to the queue and
// flips its posted-back flag on confirmed success.
func (c *Consumer) PostGraded(ctx context.Context, submissionID int64) error {
	sub, err := c.store.SubmissionByID(ctx, submissionID)
	if err != nil {
		return err
	}
	grader, err := c.store.GraderForSubmission(ctx, sub.ID)
	if err != nil {
		return err
	}

	headerJSON, bodyJSON, err := envelope.EncodeResult(sub.XQueueSubmissionID, sub.XQueueSubmissionKey, envelope.Result{
		Feedback:             grader.Feedback,
		Score:                grader.Score,
		GraderType:           grader.GraderType,
		Success:              true,
		GraderID:             grader.ID,
		SubmissionID:         sub.ID,
		RubricScoresComplete: grader.RubricScoresComplete,
		RubricXML:            grader.RubricXML,
	})
	if err != nil {
		return err
	}

	started := time.Now()
	ok, msg, err := c.client.PostResult(ctx, headerJSON, bodyJSON)
	metrics.PostDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("queue rejected graded result: " + msg)
	}

	return c.store.MarkPostedBack(ctx, sub.XQueueSubmissionID, sub.CertificateURL)
}

// jitterSleep pauses for a bounded random interval so pollers on separate
// hosts drift apart instead of hammering the queue in lockstep.
func (c *Consumer) jitterSleep(ctx context.Context) {
	if c.cfg.JitterMax <= 0 {
		return
	}
	d := time.Duration(rand.Int63n(int64(c.cfg.JitterMax)))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
