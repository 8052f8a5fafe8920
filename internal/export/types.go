// Package export renders a user's journal as PDF or DOCX.
package export

import (
	"context"
	"errors"
	"time"
)

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

func ParseFormat(raw string) (Format, bool) {
	switch Format(raw) {
	case FormatPDF:
		return FormatPDF, true
	case FormatDOCX:
		return FormatDOCX, true
	default:
		return "", false
	}
}

type Request struct {
	UserID       string
	Format       Format
	IncludeCard  bool
	IncludeNotes bool
	// Since and Until bound entry creation time when set.
	Since time.Time
	Until time.Time
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// Converter turns rendered HTML into the target format.
type Converter interface {
	Convert(ctx context.Context, html string) ([]byte, error)
	Available() error
}

var (
	ErrNothingToExport       = errors.New("no journal entries to export")
	ErrUnsupportedFormat     = errors.New("unsupported export format")
	ErrPDFDependencyMissing  = errors.New("export pdf dependency missing")
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)

var mimeTypes = map[Format]string{
	FormatPDF:  "application/pdf",
	FormatDOCX: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}
