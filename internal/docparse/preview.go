package docparse

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// PreviewStatus records the outcome of a preview PDF conversion.
type PreviewStatus string

const (
	// PreviewOK means a PDF is available at PreviewResult.Path.
	PreviewOK PreviewStatus = "ok"
	// PreviewFailed means the conversion ran but produced no PDF.
	PreviewFailed PreviewStatus = "failed"
	// PreviewSkipped means LibreOffice is not installed.
	PreviewSkipped PreviewStatus = "skipped_no_soffice"
)

// PreviewResult describes the PDF rendition of an uploaded document.
// Detail carries converter stderr or a short failure tag for
// diagnostics.
type PreviewResult struct {
	Status PreviewStatus
	Path   string
	Detail string
}

// PreviewPDF converts the document at path to a PDF stored next to the
// original, giving the browser something it can render inline. Files
// that already are PDFs pass through untouched. Conversion problems are
// reported through Status rather than an error since previews are
// optional.
func (p *Parser) PreviewPDF(ctx context.Context, path string) PreviewResult {
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return PreviewResult{Status: PreviewOK, Path: path}
	}

	soffice, err := findSoffice()
	if err != nil {
		p.logger.Warn("soffice not found, preview pdf skipped", zap.String("path", path))
		return PreviewResult{Status: PreviewSkipped}
	}

	outdir := filepath.Dir(path)
	cctx, cancel := context.WithTimeout(ctx, sofficeTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, soffice, "--headless", "--convert-to", "pdf", "--outdir", outdir, path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	p.logger.Debug("soffice convert finished",
		zap.String("path", path),
		zap.String("stdout", truncate(stdout.String(), 2000)),
		zap.String("stderr", truncate(stderr.String(), 2000)))

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) || cctx.Err() != nil {
			p.logger.Warn("preview pdf conversion failed", zap.String("path", path), zap.Error(runErr))
			return PreviewResult{Status: PreviewFailed, Detail: "exception_during_conversion"}
		}
		// A non-zero exit can still leave a usable PDF behind.
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	candidates := []string{
		filepath.Join(outdir, base+".pdf"),
		filepath.Join(outdir, base+"_converted.pdf"),
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return PreviewResult{Status: PreviewOK, Path: candidate}
		}
	}

	p.logger.Warn("soffice finished but no pdf found",
		zap.String("path", path),
		zap.Strings("candidates", candidates))
	return PreviewResult{Status: PreviewFailed, Detail: truncate(stderr.String(), 2000)}
}
