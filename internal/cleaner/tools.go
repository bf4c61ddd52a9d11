package cleaner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// PopplerExtractor extracts PDF text with the pdftotext binary.
type PopplerExtractor struct {
	// Binary overrides the executable name, for tests.
	Binary string
}

// PDFToText implements PDFExtractor.
func (p *PopplerExtractor) PDFToText(ctx context.Context, data []byte) (string, error) {
	bin := p.Binary
	if bin == "" {
		bin = "pdftotext"
	}
	cmd := exec.CommandContext(ctx, bin, "-layout", "-", "-")
	cmd.Stdin = bytes.NewReader(data)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pdftotext: %w: %s", err, stderr.String())
	}
	return out.String(), nil
}

// TesseractOCR recognizes text with the tesseract binary.
type TesseractOCR struct {
	Binary string
	// Langs is the tesseract language spec, e.g. "eng+deu".
	Langs string
}

// OCRImage implements OCRClient.
func (t *TesseractOCR) OCRImage(ctx context.Context, data []byte) (string, error) {
	bin := t.Binary
	if bin == "" {
		bin = "tesseract"
	}
	args := []string{"stdin", "stdout"}
	if t.Langs != "" {
		args = append(args, "-l", t.Langs)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(data)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, stderr.String())
	}
	return out.String(), nil
}
