package blob

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// maxExtractBytes caps how much extracted text an attachment contributes to
// a model prompt.
const maxExtractBytes = 256 * 1024

// ExtractText converts an attachment's bytes into prompt-ready text based
// on its media type. PDFs are parsed; textual types pass through; anything
// else yields an empty string and ok=false.
func ExtractText(mediaType string, data []byte) (string, bool, error) {
	switch {
	case mediaType == "application/pdf":
		text, err := pdfText(data)
		if err != nil {
			return "", false, err
		}
		return truncate(text), true, nil
	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/json",
		mediaType == "application/xml",
		strings.HasSuffix(mediaType, "+json"),
		strings.HasSuffix(mediaType, "+xml"):
		if !utf8.Valid(data) {
			return "", false, fmt.Errorf("blob: %s attachment is not valid utf-8", mediaType)
		}
		return truncate(string(data)), true, nil
	default:
		return "", false, nil
	}
}

func pdfText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("blob: parse pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("blob: extract pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("blob: read pdf text: %w", err)
	}
	return buf.String(), nil
}

func truncate(s string) string {
	if len(s) <= maxExtractBytes {
		return s
	}
	cut := s[:maxExtractBytes]
	// Back off to a rune boundary.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
