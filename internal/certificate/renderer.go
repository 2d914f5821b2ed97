package certificate

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRenderer shells out to an external document converter. The
// argument list is a template: {src} and {out} are replaced with the
// substituted-template path and the desired output path.
type CommandRenderer struct {
	Command string
	Args    []string
}

// NewCommandRenderer builds a renderer around rsvg-convert, which turns
// the substituted SVG template into a PDF.
func NewCommandRenderer() *CommandRenderer {
	return &CommandRenderer{
		Command: "rsvg-convert",
		Args:    []string{"--format=pdf", "--output={out}", "{src}"},
	}
}

// Render runs the converter and waits for it to exit. A non-zero exit or
// an OS-level spawn failure is a rendering failure.
func (r *CommandRenderer) Render(ctx context.Context, srcPath, outPath string) error {
	args := make([]string, len(r.Args))
	for i, arg := range r.Args {
		arg = strings.ReplaceAll(arg, "{src}", srcPath)
		arg = strings.ReplaceAll(arg, "{out}", outPath)
		args[i] = arg
	}

	cmd := exec.CommandContext(ctx, r.Command, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", r.Command, err, strings.TrimSpace(string(output)))
	}
	return nil
}
