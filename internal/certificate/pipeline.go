// Package certificate renders per-submission certificates: template
// substitution, an external rendering process, and upload of the result to
// blob storage under a content-derived key.
package certificate

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gradeflow-systems/gradeflow/internal/blobstore"
	"github.com/gradeflow-systems/gradeflow/internal/envelope"
	"github.com/gradeflow-systems/gradeflow/internal/metrics"
	"github.com/gradeflow-systems/gradeflow/internal/sanitize"
)

// ErrRender indicates the external rendering process failed to produce a
// document.
var ErrRender = errors.New("certificate rendering failed")

// Placeholder tokens substituted into the operator-controlled template.
const (
	UserNameToken   = "==user_name=="
	CourseNameToken = "==course_name=="
)

// Renderer turns a substituted template file into a rendered document at
// outPath. Implementations must wait for rendering to finish.
type Renderer interface {
	Render(ctx context.Context, srcPath, outPath string) error
}

// Substitute replaces the two placeholder tokens with sanitized values.
// Unmatched tokens are left as-is; the template is operator-controlled,
// not caller input.
func Substitute(template, courseName, userName string) string {
	out := strings.ReplaceAll(template, UserNameToken, sanitize.Clean(userName))
	return strings.ReplaceAll(out, CourseNameToken, sanitize.Clean(courseName))
}

// BlobKey derives the storage key from a content hash of the queue
// envelope's header, so the same submission always maps to the same
// object and a re-upload is a safe overwrite.
func BlobKey(headerJSON string) string {
	sum := md5.Sum([]byte(headerJSON))
	return hex.EncodeToString(sum[:])
}

// Pipeline renders certificates from one template. Every intermediate
// file lives in a per-invocation temp directory removed on all exit paths.
type Pipeline struct {
	template string
	renderer Renderer
	tempDir  string // "" means the OS default
}

// NewPipeline constructs a Pipeline around a template text and a renderer.
func NewPipeline(template string, renderer Renderer) *Pipeline {
	return &Pipeline{template: template, renderer: renderer}
}

// LoadTemplate reads a certificate template from disk.
func LoadTemplate(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read certificate template: %w", err)
	}
	return string(data), nil
}

// Render substitutes the template and invokes the external renderer,
// returning the rendered document bytes. Rendering failures surface as
// ErrRender; temporary files never outlive the call.
func (p *Pipeline) Render(ctx context.Context, courseName, userName string) ([]byte, error) {
	started := time.Now()
	defer func() {
		metrics.RenderDuration.Observe(time.Since(started).Seconds())
	}()

	dir, err := os.MkdirTemp(p.tempDir, "certificate-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	srcPath := filepath.Join(dir, "certificate.svg")
	outPath := filepath.Join(dir, "certificate.pdf")

	substituted := Substitute(p.template, courseName, userName)
	if err := os.WriteFile(srcPath, []byte(substituted), 0o600); err != nil {
		return nil, fmt.Errorf("write substituted template: %w", err)
	}

	if err := p.renderer.Render(ctx, srcPath, outPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}

	document, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read rendered output: %v", ErrRender, err)
	}
	return document, nil
}

// Issuer renders and uploads a certificate for one queue item.
type Issuer struct {
	pipeline *Pipeline
	uploader blobstore.Uploader
}

// NewIssuer constructs an Issuer.
func NewIssuer(pipeline *Pipeline, uploader blobstore.Uploader) *Issuer {
	return &Issuer{pipeline: pipeline, uploader: uploader}
}

// Issue renders the certificate for a decoded submission and uploads it,
// namespaced by the submitting student, returning the public URL.
func (i *Issuer) Issue(ctx context.Context, item *envelope.QueueItem, sub *envelope.Submission) (string, error) {
	document, err := i.pipeline.Render(ctx, sub.GraderPayload.CourseID, sub.StudentInfo.AnonymousStudentID)
	if err != nil {
		return "", err
	}

	url, err := i.uploader.Upload(ctx, document, sub.StudentInfo.AnonymousStudentID, BlobKey(item.HeaderJSON))
	if err != nil {
		metrics.UploadErrors.Inc()
		return "", err
	}
	return url, nil
}
