package extract

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

const (
	ContentTypeText = "text/plain"
	ContentTypePDF  = "application/pdf"
)

var ErrUnsupported = errors.New("unsupported content type (only PDF and TXT allowed)")

// ContentType normalises a declared content type, falling back to the
// filename extension when none was declared.
func ContentType(declared, filename string) (string, error) {
	if declared != "" {
		mediaType, _, err := mime.ParseMediaType(declared)
		if err == nil {
			declared = mediaType
		}
	}
	if declared == "" || declared == "application/octet-stream" {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".txt", ".md":
			declared = ContentTypeText
		case ".pdf":
			declared = ContentTypePDF
		}
	}
	switch declared {
	case ContentTypeText, ContentTypePDF:
		return declared, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupported, declared)
	}
}

// Text returns the plain text of a document.
func Text(contentType string, content []byte) (string, error) {
	switch contentType {
	case ContentTypeText, "":
		if !utf8.Valid(content) {
			return "", errors.New("text document is not valid UTF-8")
		}
		return string(content), nil
	case ContentTypePDF:
		return PDF(content)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupported, contentType)
	}
}

// PDF extracts the text of every readable page. Pages that fail to
// extract are skipped.
func PDF(content []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var b strings.Builder
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() || page.V.Key("Contents").Kind() == pdf.Null {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String(), nil
}
