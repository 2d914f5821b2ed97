package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gradeflow-systems/gradeflow/internal/envelope"
	"github.com/gradeflow-systems/gradeflow/internal/lease"
	"github.com/gradeflow-systems/gradeflow/internal/logging"
	"github.com/gradeflow-systems/gradeflow/internal/store"
)

type lengthResp struct {
	n   int
	err error
}

type postCall struct {
	header string
	body   string
}

type fakeQueue struct {
	lengths    map[string][]lengthResp
	items      map[string][][]byte
	fetchErrs  map[string][]error
	fetches    map[string]int
	posts      []postCall
	postOK     bool
	postErr    error
	loginErr   error
	loginCalls int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		lengths:   make(map[string][]lengthResp),
		items:     make(map[string][][]byte),
		fetchErrs: make(map[string][]error),
		fetches:   make(map[string]int),
		postOK:    true,
	}
}

func (q *fakeQueue) Login(ctx context.Context) error {
	q.loginCalls++
	return q.loginErr
}

func (q *fakeQueue) FetchLength(ctx context.Context, queueName string) (int, error) {
	resps := q.lengths[queueName]
	if len(resps) == 0 {
		return 0, nil
	}
	resp := resps[0]
	q.lengths[queueName] = resps[1:]
	return resp.n, resp.err
}

func (q *fakeQueue) FetchOne(ctx context.Context, queueName string) ([]byte, error) {
	q.fetches[queueName]++
	if errs := q.fetchErrs[queueName]; len(errs) > 0 {
		err := errs[0]
		q.fetchErrs[queueName] = errs[1:]
		if err != nil {
			return nil, err
		}
	}
	items := q.items[queueName]
	if len(items) == 0 {
		return nil, errors.New("queue empty")
	}
	item := items[0]
	q.items[queueName] = items[1:]
	return item, nil
}

func (q *fakeQueue) PostResult(ctx context.Context, headerJSON, bodyJSON string) (bool, string, error) {
	q.posts = append(q.posts, postCall{header: headerJSON, body: bodyJSON})
	if q.postErr != nil {
		return false, q.postErr.Error(), q.postErr
	}
	if !q.postOK {
		return false, "rejected", nil
	}
	return true, "Successfully updated submission", nil
}

type fakeIssuer struct {
	err    error
	issued int
}

func (i *fakeIssuer) Issue(ctx context.Context, item *envelope.QueueItem, sub *envelope.Submission) (string, error) {
	if i.err != nil {
		return "", i.err
	}
	i.issued++
	return "https://cdn.example.com/certs/" + item.Header.SubmissionID, nil
}

type consumerStore struct {
	created     []*store.Submission
	posted      map[string]string
	submissions map[int64]*store.Submission
	graders     map[int64]*store.Grader
	unposted    []int64
	createErr   error
	unpostedErr error
}

func newConsumerStore() *consumerStore {
	return &consumerStore{
		posted:      make(map[string]string),
		submissions: make(map[int64]*store.Submission),
		graders:     make(map[int64]*store.Grader),
	}
}

func (s *consumerStore) CreateSubmission(ctx context.Context, sub *store.Submission) error {
	if s.createErr != nil {
		return s.createErr
	}
	sub.ID = int64(len(s.created) + 1)
	s.created = append(s.created, sub)
	return nil
}

func (s *consumerStore) SubmissionByID(ctx context.Context, id int64) (*store.Submission, error) {
	sub, ok := s.submissions[id]
	if !ok {
		return nil, store.ErrSubmissionNotFound
	}
	return sub, nil
}

func (s *consumerStore) MarkPostedBack(ctx context.Context, xqueueSubmissionID, certificateURL string) error {
	s.posted[xqueueSubmissionID] = certificateURL
	return nil
}

func (s *consumerStore) GraderForSubmission(ctx context.Context, submissionID int64) (*store.Grader, error) {
	g, ok := s.graders[submissionID]
	if !ok {
		return nil, store.ErrGraderNotFound
	}
	return g, nil
}

func (s *consumerStore) UnpostedGradedSubmissions(ctx context.Context, limit int) ([]int64, error) {
	if s.unpostedErr != nil {
		return nil, s.unpostedErr
	}
	if len(s.unposted) > limit {
		return s.unposted[:limit], nil
	}
	return s.unposted, nil
}

type fakeLease struct {
	held     bool
	acquired int
	released int
}

func (l *fakeLease) TryAcquire(ctx context.Context) (lease.Handle, error) {
	if l.held {
		return nil, lease.ErrNotAcquired
	}
	l.acquired++
	return l, nil
}

func (l *fakeLease) Release(ctx context.Context) error {
	l.released++
	return nil
}

func queueItem(t *testing.T, submissionID int) []byte {
	t.Helper()
	header, err := json.Marshal(map[string]interface{}{
		"submission_id":  submissionID,
		"submission_key": "key",
	})
	require.NoError(t, err)
	body, err := json.Marshal(map[string]interface{}{
		"grader_payload":   `{"course_id": "PHYS101", "location": "loc-1"}`,
		"student_response": "Entropy always increases.",
		"student_info":     `{"anonymous_student_id": "student-7", "submission_time": "20240311143000"}`,
		"max_score":        3,
	})
	require.NoError(t, err)
	item, err := json.Marshal(map[string]string{
		"xqueue_header": string(header),
		"xqueue_body":   string(body),
	})
	require.NoError(t, err)
	return item
}

func newTestConsumer(q *fakeQueue, issuer *fakeIssuer, s *consumerStore, l *fakeLease, cfg Config) *Consumer {
	return New(q, issuer, s, l, cfg, logging.Default())
}

func TestDrainTermination(t *testing.T) {
	// length=2 returns two items then 0; exactly two fetches, no more
	q := newFakeQueue()
	q.lengths["certificates"] = []lengthResp{{n: 2}, {n: 1}, {n: 0}}
	q.items["certificates"] = [][]byte{queueItem(t, 1), queueItem(t, 2)}

	s := newConsumerStore()
	l := &fakeLease{}
	c := newTestConsumer(q, &fakeIssuer{}, s, l, Config{
		Queues:            []string{"certificates"},
		CertificateQueues: []string{"certificates"},
	})

	c.RunTick(context.Background())

	assert.Equal(t, 2, q.fetches["certificates"])
	assert.Len(t, q.posts, 2)
	assert.Equal(t, 1, q.loginCalls)
	assert.Equal(t, 1, l.acquired)
	assert.Equal(t, 1, l.released)
}

func TestCertificateScenario(t *testing.T) {
	// probe 2, two valid envelopes, render and upload succeed for both:
	// two post-result calls carrying the certificate URL
	q := newFakeQueue()
	q.lengths["certificates"] = []lengthResp{{n: 2}, {n: 1}, {n: 0}}
	q.items["certificates"] = [][]byte{queueItem(t, 1), queueItem(t, 2)}

	issuer := &fakeIssuer{}
	s := newConsumerStore()
	c := newTestConsumer(q, issuer, s, &fakeLease{}, Config{
		Queues:            []string{"certificates"},
		CertificateQueues: []string{"certificates"},
	})

	c.RunTick(context.Background())

	assert.Equal(t, 2, issuer.issued)
	require.Len(t, q.posts, 2)
	for _, post := range q.posts {
		assert.Contains(t, post.body, "certificate_url")
		assert.Contains(t, post.header, "queue_name")
	}
	assert.Equal(t, "https://cdn.example.com/certs/1", s.posted["1"])
	assert.Equal(t, "https://cdn.example.com/certs/2", s.posted["2"])
}

func TestIsolation_BadItemDoesNotAbortDrain(t *testing.T) {
	q := newFakeQueue()
	q.lengths["certificates"] = []lengthResp{{n: 3}, {n: 2}, {n: 1}, {n: 0}}
	q.items["certificates"] = [][]byte{
		queueItem(t, 1),
		[]byte(`this is not an envelope`),
		queueItem(t, 3),
	}

	issuer := &fakeIssuer{}
	c := newTestConsumer(q, issuer, newConsumerStore(), &fakeLease{}, Config{
		Queues:            []string{"certificates"},
		CertificateQueues: []string{"certificates"},
	})

	c.RunTick(context.Background())

	// items after the malformed one are still attempted
	assert.Equal(t, 3, q.fetches["certificates"])
	assert.Equal(t, 2, issuer.issued)
	assert.Len(t, q.posts, 2)
}

func TestIsolation_RenderFailureDoesNotAbortDrain(t *testing.T) {
	q := newFakeQueue()
	q.lengths["certificates"] = []lengthResp{{n: 2}, {n: 1}, {n: 0}}
	q.items["certificates"] = [][]byte{queueItem(t, 1), queueItem(t, 2)}

	c := newTestConsumer(q, &fakeIssuer{err: errors.New("exit status 1")}, newConsumerStore(), &fakeLease{}, Config{
		Queues:            []string{"certificates"},
		CertificateQueues: []string{"certificates"},
	})

	c.RunTick(context.Background())

	assert.Equal(t, 2, q.fetches["certificates"])
	assert.Empty(t, q.posts)
}

func TestProbeFailureEndsQueueIteration(t *testing.T) {
	q := newFakeQueue()
	q.lengths["certificates"] = []lengthResp{{err: errors.New("cannot connect to server")}}
	q.lengths["essays"] = []lengthResp{{n: 1}, {n: 0}}
	q.items["essays"] = [][]byte{queueItem(t, 9)}

	s := newConsumerStore()
	c := newTestConsumer(q, &fakeIssuer{}, s, &fakeLease{}, Config{
		Queues:            []string{"certificates", "essays"},
		CertificateQueues: []string{"certificates"},
	})

	c.RunTick(context.Background())

	// the failed queue fetched nothing; the next queue still ran
	assert.Equal(t, 0, q.fetches["certificates"])
	assert.Equal(t, 1, q.fetches["essays"])
	assert.Len(t, s.created, 1)
}

func TestProbeFailureMidDrainStopsQueue(t *testing.T) {
	q := newFakeQueue()
	q.lengths["certificates"] = []lengthResp{{n: 2}, {err: errors.New("timeout")}}
	q.items["certificates"] = [][]byte{queueItem(t, 1), queueItem(t, 2)}

	c := newTestConsumer(q, &fakeIssuer{}, newConsumerStore(), &fakeLease{}, Config{
		Queues:            []string{"certificates"},
		CertificateQueues: []string{"certificates"},
	})

	c.RunTick(context.Background())

	assert.Equal(t, 1, q.fetches["certificates"])
}

func TestHeldLeaseSkipsTick(t *testing.T) {
	q := newFakeQueue()
	q.lengths["certificates"] = []lengthResp{{n: 1}, {n: 0}}
	q.items["certificates"] = [][]byte{queueItem(t, 1)}

	c := newTestConsumer(q, &fakeIssuer{}, newConsumerStore(), &fakeLease{held: true}, Config{
		Queues:            []string{"certificates"},
		CertificateQueues: []string{"certificates"},
	})

	c.RunTick(context.Background())

	assert.Equal(t, 0, q.loginCalls)
	assert.Equal(t, 0, q.fetches["certificates"])
}

func TestLoginFailureAbortsTick(t *testing.T) {
	q := newFakeQueue()
	q.loginErr = errors.New("incorrect login credentials")
	q.lengths["certificates"] = []lengthResp{{n: 1}, {n: 0}}

	l := &fakeLease{}
	c := newTestConsumer(q, &fakeIssuer{}, newConsumerStore(), l, Config{
		Queues: []string{"certificates"},
	})

	c.RunTick(context.Background())

	assert.Equal(t, 0, q.fetches["certificates"])
	assert.Equal(t, 1, l.released, "lease released even when login fails")
}

func TestIntakeSubmission(t *testing.T) {
	q := newFakeQueue()
	q.lengths["essays"] = []lengthResp{{n: 1}, {n: 0}}

	header, _ := json.Marshal(map[string]interface{}{"submission_id": 5, "submission_key": "k5"})
	body, _ := json.Marshal(map[string]interface{}{
		"grader_payload":   `{"course_id": "PHYS101", "location": "loc-1"}`,
		"student_response": `Entropy<script>alert(1)</script> always increases.`,
		"student_info":     `{"anonymous_student_id": "student-7", "submission_time": "20240311143000"}`,
		"max_score":        3,
	})
	item, _ := json.Marshal(map[string]string{"xqueue_header": string(header), "xqueue_body": string(body)})
	q.items["essays"] = [][]byte{item}

	s := newConsumerStore()
	c := newTestConsumer(q, &fakeIssuer{}, s, &fakeLease{}, Config{Queues: []string{"essays"}})

	c.RunTick(context.Background())

	require.Len(t, s.created, 1)
	created := s.created[0]
	assert.Equal(t, "student-7", created.StudentID)
	assert.Equal(t, "essays", created.QueueName)
	assert.Equal(t, "5", created.XQueueSubmissionID)
	assert.Equal(t, "PHYS101", created.CourseID)
	// problem_id falls back to location
	assert.Equal(t, "loc-1", created.ProblemID)
	assert.Equal(t, float64(3), created.MaxScore)
	assert.Equal(t, "Entropy always increases.", created.StudentResponse, "response sanitized")
	assert.Equal(t, 2024, created.SubmittedAt.Year())
	assert.Empty(t, q.posts, "intake queues do not post back")
}

func TestPostGraded(t *testing.T) {
	q := newFakeQueue()
	s := newConsumerStore()
	s.submissions[42] = &store.Submission{
		ID:                  42,
		XQueueSubmissionID:  "4153",
		XQueueSubmissionKey: "ef2c",
	}
	s.graders[42] = &store.Grader{
		ID:           17,
		SubmissionID: 42,
		GraderID:     "grader-3",
		GraderType:   "PE",
		Score:        3,
		Feedback:     "Correct.",
	}

	c := newTestConsumer(q, &fakeIssuer{}, s, &fakeLease{}, Config{})

	require.NoError(t, c.PostGraded(context.Background(), 42))

	require.Len(t, q.posts, 1)
	var result envelope.Result
	require.NoError(t, json.Unmarshal([]byte(q.posts[0].body), &result))
	assert.Equal(t, 3, result.Score)
	assert.Equal(t, "PE", result.GraderType)
	assert.Equal(t, int64(42), result.SubmissionID)
	assert.True(t, result.Success)

	_, marked := s.posted["4153"]
	assert.True(t, marked, "posted-back flag flipped after confirmed post")
}

func TestPostGraded_QueueRejects(t *testing.T) {
	q := newFakeQueue()
	q.postOK = false
	s := newConsumerStore()
	s.submissions[42] = &store.Submission{ID: 42, XQueueSubmissionID: "4153"}
	s.graders[42] = &store.Grader{ID: 17, SubmissionID: 42}

	c := newTestConsumer(q, &fakeIssuer{}, s, &fakeLease{}, Config{})

	err := c.PostGraded(context.Background(), 42)
	require.Error(t, err)

	_, marked := s.posted["4153"]
	assert.False(t, marked, "flag untouched when the post is not confirmed")
}

func TestRunTickPostsGradedResults(t *testing.T) {
	q := newFakeQueue()
	s := newConsumerStore()
	s.unposted = []int64{42}
	s.submissions[42] = &store.Submission{ID: 42, XQueueSubmissionID: "4153", XQueueSubmissionKey: "k"}
	s.graders[42] = &store.Grader{ID: 17, SubmissionID: 42, Score: 2, GraderType: "PE"}

	c := newTestConsumer(q, &fakeIssuer{}, s, &fakeLease{}, Config{})

	c.RunTick(context.Background())

	require.Len(t, q.posts, 1)
	_, marked := s.posted["4153"]
	assert.True(t, marked)
}
