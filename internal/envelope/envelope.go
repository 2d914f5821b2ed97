// Package envelope implements the wire formats exchanged with the external
// submission queue: the reply envelope returned by queue API calls, the
// two-part header/body submission envelope, and the feedback message
// envelope. Header and body travel as independently JSON-encoded strings,
// so every parse here is a two-step decode that fails closed on any
// missing or malformed field.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrMalformedReply indicates a queue response that is not a valid
	// reply envelope.
	ErrMalformedReply = errors.New("malformed reply envelope")

	// ErrMalformedEnvelope indicates a header/body pair that fails the
	// submission or message envelope rules.
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// Header is the routing metadata attached to every queue item.
type Header struct {
	SubmissionID  string `json:"submission_id"`
	SubmissionKey string `json:"submission_key"`
	QueueName     string `json:"queue_name"`
}

// GraderPayload is the operator-authored grading configuration embedded in
// a submission body. All fields default to empty; ProblemID falls back to
// Location when absent.
type GraderPayload struct {
	Prompt          string                 `json:"prompt"`
	Rubric          string                 `json:"rubric"`
	Location        string                 `json:"location"`
	CourseID        string                 `json:"course_id"`
	ProblemID       string                 `json:"problem_id"`
	GraderSettings  string                 `json:"grader_settings"`
	SkipBasicChecks bool                   `json:"-"`
	Control         map[string]interface{} `json:"-"`
}

// StudentInfo identifies the submitting student.
type StudentInfo struct {
	AnonymousStudentID string `json:"anonymous_student_id"`
	SubmissionTime     string `json:"submission_time"`
}

// Submission is a fully decoded submission envelope.
type Submission struct {
	Header          Header
	GraderPayload   GraderPayload
	StudentResponse string
	StudentInfo     StudentInfo
	MaxScore        float64
}

// Message is a fully decoded feedback message envelope. Score is kept as
// the raw textual value; integer validation belongs to the router.
type Message struct {
	Header       Header
	Originator   string
	SubmissionID int64
	GraderID     int64
	Feedback     string
	Score        string
	HasScore     bool
}

// QueueItem is one unit of work fetched from the queue. HeaderJSON carries
// the re-encoded header with the polled queue's name injected; BodyJSON is
// kept verbatim so results can be posted back as the original body plus
// augmentations.
type QueueItem struct {
	Header     Header
	HeaderJSON string
	BodyJSON   string
}

// ParseReply parses the reply envelope returned by every queue API call:
// a JSON object carrying either return_code (0 = success) or a boolean
// success key. Anything else is a parse failure.
func ParseReply(raw []byte) (bool, json.RawMessage, error) {
	var reply map[string]json.RawMessage
	if err := json.Unmarshal(raw, &reply); err != nil {
		return false, nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	if rc, ok := reply["return_code"]; ok {
		var code int
		if err := json.Unmarshal(rc, &code); err != nil {
			return false, nil, fmt.Errorf("%w: invalid return code", ErrMalformedReply)
		}
		return code == 0, reply["content"], nil
	}

	if succ, ok := reply["success"]; ok {
		var success bool
		if err := json.Unmarshal(succ, &success); err != nil {
			return false, nil, fmt.Errorf("%w: invalid success flag", ErrMalformedReply)
		}
		return success, raw, nil
	}

	return false, nil, fmt.Errorf("%w: no success or return code", ErrMalformedReply)
}

// ParseHeader decodes and validates a queue item header. All three fields
// must be present.
func ParseHeader(headerJSON string) (Header, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(headerJSON), &fields); err != nil {
		return Header{}, fmt.Errorf("%w: header: %v", ErrMalformedEnvelope, err)
	}

	var h Header
	var err error
	for _, tag := range []string{"submission_id", "submission_key", "queue_name"} {
		raw, ok := fields[tag]
		if !ok {
			return Header{}, fmt.Errorf("%w: %s not found in header", ErrMalformedEnvelope, tag)
		}
		var v string
		if v, err = decodeScalar(raw); err != nil {
			return Header{}, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, tag, err)
		}
		switch tag {
		case "submission_id":
			h.SubmissionID = v
		case "submission_key":
			h.SubmissionKey = v
		case "queue_name":
			h.QueueName = v
		}
	}
	return h, nil
}

// ParseSubmission applies the submission envelope rule to a header/body
// pair. The body must contain grader_payload, student_response and
// student_info; grader_payload and student_info are themselves JSON-encoded
// objects and student_info must identify the student. Any missing key or
// decode failure rejects the whole envelope.
func ParseSubmission(headerJSON, bodyJSON string) (*Submission, error) {
	header, err := ParseHeader(headerJSON)
	if err != nil {
		return nil, err
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal([]byte(bodyJSON), &body); err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrMalformedEnvelope, err)
	}
	for _, tag := range []string{"grader_payload", "student_response", "student_info"} {
		if _, ok := body[tag]; !ok {
			return nil, fmt.Errorf("%w: %s not found in body", ErrMalformedEnvelope, tag)
		}
	}

	sub := &Submission{Header: header}

	if err := json.Unmarshal(body["student_response"], &sub.StudentResponse); err != nil {
		return nil, fmt.Errorf("%w: student_response: %v", ErrMalformedEnvelope, err)
	}

	payloadFields, err := decodeNested(body["grader_payload"])
	if err != nil {
		return nil, fmt.Errorf("%w: grader_payload: %v", ErrMalformedEnvelope, err)
	}
	if err := decodePayload(payloadFields, &sub.GraderPayload); err != nil {
		return nil, err
	}

	infoFields, err := decodeNested(body["student_info"])
	if err != nil {
		return nil, fmt.Errorf("%w: student_info: %v", ErrMalformedEnvelope, err)
	}
	if err := decodeStudentInfo(infoFields, &sub.StudentInfo); err != nil {
		return nil, err
	}

	if raw, ok := body["max_score"]; ok {
		if err := json.Unmarshal(raw, &sub.MaxScore); err != nil {
			return nil, fmt.Errorf("%w: max_score: %v", ErrMalformedEnvelope, err)
		}
	}

	return sub, nil
}

// ParseMessage applies the message envelope rule: the body must carry
// student_info, submission_id, grader_id and feedback, and student_info
// must decode to an object naming the anonymous student.
func ParseMessage(headerJSON, bodyJSON string) (*Message, error) {
	header, err := ParseHeader(headerJSON)
	if err != nil {
		return nil, err
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal([]byte(bodyJSON), &body); err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrMalformedEnvelope, err)
	}
	for _, tag := range []string{"student_info", "submission_id", "grader_id", "feedback"} {
		if _, ok := body[tag]; !ok {
			return nil, fmt.Errorf("%w: %s not found in body", ErrMalformedEnvelope, tag)
		}
	}

	msg := &Message{Header: header}

	infoFields, err := decodeNested(body["student_info"])
	if err != nil {
		return nil, fmt.Errorf("%w: student_info: %v", ErrMalformedEnvelope, err)
	}
	var info StudentInfo
	if err := decodeStudentInfo(infoFields, &info); err != nil {
		return nil, err
	}
	msg.Originator = info.AnonymousStudentID

	if msg.SubmissionID, err = decodeID(body["submission_id"]); err != nil {
		return nil, fmt.Errorf("%w: submission_id: %v", ErrMalformedEnvelope, err)
	}
	if msg.GraderID, err = decodeID(body["grader_id"]); err != nil {
		return nil, fmt.Errorf("%w: grader_id: %v", ErrMalformedEnvelope, err)
	}
	if err := json.Unmarshal(body["feedback"], &msg.Feedback); err != nil {
		return nil, fmt.Errorf("%w: feedback: %v", ErrMalformedEnvelope, err)
	}

	if raw, ok := body["score"]; ok {
		score, err := decodeScalar(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: score: %v", ErrMalformedEnvelope, err)
		}
		msg.Score = score
		msg.HasScore = true
	}

	return msg, nil
}

// DecodeQueueItem parses a fetched queue object: {xqueue_header, xqueue_body},
// each a JSON-encoded string. The queue's name is injected into the header
// before re-encoding, since the queue service omits it.
func DecodeQueueItem(content []byte, queueName string) (*QueueItem, error) {
	var outer struct {
		Header string `json:"xqueue_header"`
		Body   string `json:"xqueue_body"`
	}
	if err := json.Unmarshal(content, &outer); err != nil {
		return nil, fmt.Errorf("%w: unexpected reply from server: %v", ErrMalformedEnvelope, err)
	}
	if outer.Header == "" || outer.Body == "" {
		return nil, fmt.Errorf("%w: unexpected reply from server: missing header or body", ErrMalformedEnvelope)
	}

	var headerFields map[string]interface{}
	if err := json.Unmarshal([]byte(outer.Header), &headerFields); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedEnvelope, err)
	}
	headerFields["queue_name"] = queueName
	headerJSON, err := json.Marshal(headerFields)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedEnvelope, err)
	}

	header, err := ParseHeader(string(headerJSON))
	if err != nil {
		return nil, err
	}

	var bodyFields map[string]interface{}
	if err := json.Unmarshal([]byte(outer.Body), &bodyFields); err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrMalformedEnvelope, err)
	}

	return &QueueItem{
		Header:     header,
		HeaderJSON: string(headerJSON),
		BodyJSON:   outer.Body,
	}, nil
}

// WithField returns bodyJSON with the given key set, re-encoded. Used to
// augment a fetched body with results such as the certificate URL.
func WithField(bodyJSON, key string, value interface{}) (string, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(bodyJSON), &fields); err != nil {
		return "", fmt.Errorf("augment body: %w", err)
	}
	fields[key] = value
	out, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("augment body: %w", err)
	}
	return string(out), nil
}

// Result is the grading-outcome body posted back to the queue for graded
// submissions.
type Result struct {
	Feedback             string `json:"feedback"`
	Score                int    `json:"score"`
	GraderType           string `json:"grader_type"`
	Success              bool   `json:"success"`
	GraderID             int64  `json:"grader_id"`
	SubmissionID         int64  `json:"submission_id"`
	RubricScoresComplete bool   `json:"rubric_scores_complete"`
	RubricXML            string `json:"rubric_xml"`
}

// EncodeResult serializes a post-back header and grading outcome into the
// two JSON strings the queue's put_result endpoint expects.
func EncodeResult(submissionID, submissionKey string, result Result) (headerJSON, bodyJSON string, err error) {
	header, err := json.Marshal(map[string]string{
		"submission_id":  submissionID,
		"submission_key": submissionKey,
	})
	if err != nil {
		return "", "", fmt.Errorf("encode result header: %w", err)
	}
	body, err := json.Marshal(result)
	if err != nil {
		return "", "", fmt.Errorf("encode result body: %w", err)
	}
	return string(header), string(body), nil
}

// SubmissionTimeLayout is the wire format of student_info.submission_time.
const SubmissionTimeLayout = "20060102150405"

// ParseSubmissionTime parses a student_info.submission_time value.
func ParseSubmissionTime(value string) (time.Time, error) {
	t, err := time.Parse(SubmissionTimeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid submission time %q: %w", value, err)
	}
	return t, nil
}

// decodeNested decodes a field that is itself a JSON-encoded object string.
func decodeNested(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(encoded), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func decodePayload(fields map[string]json.RawMessage, p *GraderPayload) error {
	for tag, dst := range map[string]*string{
		"prompt":          &p.Prompt,
		"rubric":          &p.Rubric,
		"location":        &p.Location,
		"course_id":       &p.CourseID,
		"problem_id":      &p.ProblemID,
		"grader_settings": &p.GraderSettings,
	} {
		raw, ok := fields[tag]
		if !ok {
			continue
		}
		v, err := decodeScalar(raw)
		if err != nil {
			return fmt.Errorf("%w: grader_payload.%s: %v", ErrMalformedEnvelope, tag, err)
		}
		*dst = v
	}
	if p.ProblemID == "" {
		p.ProblemID = p.Location
	}

	// skip_basic_checks arrives as a bool or the strings "true"/"false"
	if raw, ok := fields["skip_basic_checks"]; ok {
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			p.SkipBasicChecks = b
		} else if v, err := decodeScalar(raw); err == nil {
			p.SkipBasicChecks = v == "true" || v == "True"
		}
	}

	// control is a JSON-encoded object; tolerated when it is not
	if raw, ok := fields["control"]; ok {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err == nil {
			var control map[string]interface{}
			if err := json.Unmarshal([]byte(encoded), &control); err == nil {
				p.Control = control
			}
		}
	}

	return nil
}

func decodeStudentInfo(fields map[string]json.RawMessage, info *StudentInfo) error {
	raw, ok := fields["anonymous_student_id"]
	if !ok {
		return fmt.Errorf("%w: anonymous_student_id not found in student info", ErrMalformedEnvelope)
	}
	id, err := decodeScalar(raw)
	if err != nil {
		return fmt.Errorf("%w: anonymous_student_id: %v", ErrMalformedEnvelope, err)
	}
	info.AnonymousStudentID = id

	if raw, ok := fields["submission_time"]; ok {
		if v, err := decodeScalar(raw); err == nil {
			info.SubmissionTime = v
		}
	}
	return nil
}

// decodeScalar accepts a JSON string or number and returns its textual form.
func decodeScalar(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", errors.New("not a string or number")
}

// decodeID accepts a JSON number or numeric string.
func decodeID(raw json.RawMessage) (int64, error) {
	s, err := decodeScalar(raw)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.New("not an integer id")
	}
	return id, nil
}
