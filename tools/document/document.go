package document

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

const maxTextFileBytes = 5 << 20

// ErrUnsupported marks files that are neither PDF nor UTF-8 text.
var ErrUnsupported = errors.New("unsupported document type")

// ExtractText returns the text of a PDF as a page count header followed by one
// "=== Page i ===" block per page. Plain UTF-8 files are returned as-is.
func ExtractText(path string) (string, error) {
	head, err := readHead(path, 5)
	if err != nil {
		return "", err
	}
	if bytes.Equal(head, []byte("%PDF-")) {
		return extractPDF(path)
	}
	return readTextFile(path)
}

func extractPDF(path string) (out string, err error) {
	defer func() {
		// the parser panics on some malformed inputs
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	n := r.NumPage()
	var b strings.Builder
	fmt.Fprintf(&b, "PDF has %d pages\n\n", n)
	for i := 1; i <= n; i++ {
		var text string
		page := r.Page(i)
		if !page.V.IsNull() {
			text, err = page.GetPlainText(nil)
			if err != nil {
				return "", fmt.Errorf("page %d: %w", i, err)
			}
		}
		fmt.Fprintf(&b, "=== Page %d ===\n%s\n\n", i, strings.TrimSpace(text))
	}
	return b.String(), nil
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	m, _ := f.Read(buf)
	return buf[:m], nil
}

func readTextFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > maxTextFileBytes {
		return "", fmt.Errorf("%w: text file larger than %d bytes", ErrUnsupported, maxTextFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) || bytes.IndexByte(data, 0) != -1 {
		return "", fmt.Errorf("%w: %s is binary", ErrUnsupported, path)
	}
	return string(data), nil
}
