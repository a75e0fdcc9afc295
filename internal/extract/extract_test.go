package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentType(t *testing.T) {
	tests := []struct {
		name     string
		declared string
		filename string
		want     string
		wantErr  bool
	}{
		{"declared text", "text/plain; charset=utf-8", "a.bin", ContentTypeText, false},
		{"declared pdf", "application/pdf", "", ContentTypePDF, false},
		{"from extension", "", "report.PDF", ContentTypePDF, false},
		{"octet stream txt", "application/octet-stream", "notes.txt", ContentTypeText, false},
		{"unsupported", "image/png", "a.png", "", true},
		{"unknown extension", "", "a.docx", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ContentType(tt.declared, tt.filename)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupported)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTextPlain(t *testing.T) {
	got, err := Text(ContentTypeText, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)

	_, err = Text(ContentTypeText, []byte{0xff, 0xfe, 0xfd})
	assert.Error(t, err)
}

func TestTextRejectsUnknownType(t *testing.T) {
	_, err := Text("image/png", []byte("x"))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestPDFInvalid(t *testing.T) {
	_, err := PDF([]byte("not a pdf"))
	assert.Error(t, err)
}
