package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// PandocDOCX converts HTML to DOCX by piping it through pandoc.
type PandocDOCX struct {
	Binary string
}

func (p PandocDOCX) binary() string {
	if p.Binary == "" {
		return "pandoc"
	}
	return p.Binary
}

func (p PandocDOCX) Available() error {
	if _, err := exec.LookPath(p.binary()); err != nil {
		return fmt.Errorf("%w: pandoc not installed", ErrDOCXDependencyMissing)
	}
	return nil
}

func (p PandocDOCX) Convert(ctx context.Context, html string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.binary(), "-f", "html", "-t", "docx", "--standalone", "-o", "-")
	cmd.Stdin = strings.NewReader(html)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("pandoc failed: %s", strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("pandoc execution: %w", err)
	}
	return output, nil
}
