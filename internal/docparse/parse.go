// Package docparse extracts plain text from uploaded documents.
//
// Text, HTML, DOCX and ODT payloads are handled natively. PDF and the
// legacy office formats shell out to the poppler and LibreOffice tool
// chains when those binaries are installed, so a missing converter
// degrades to an extraction error instead of a crash.
package docparse

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// ErrUnsupported is returned for file extensions no extractor handles.
var ErrUnsupported = errors.New("unsupported document format")

// sofficeTimeout bounds LibreOffice conversions, which can hang on
// malformed input.
const sofficeTimeout = 120 * time.Second

// sofficeNames lists the binary names LibreOffice installs under,
// depending on distro packaging.
var sofficeNames = []string{"soffice", "libreoffice", "soffice.bin"}

// Parser extracts text from documents on disk.
type Parser struct {
	logger *zap.Logger
}

// New returns a Parser that logs through the provided logger.
func New(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// Parse extracts the text content of the file at path. The extractor is
// chosen by file extension; unknown extensions return ErrUnsupported.
func (p *Parser) Parse(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("stat document: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".pdf":
		return p.extractPDF(ctx, path)
	case ".docx":
		return p.extractDOCX(ctx, path)
	case ".doc":
		return p.extractDOC(ctx, path)
	case ".txt":
		return readPlainText(path)
	case ".rtf":
		return p.extractRTF(ctx, path)
	case ".odt":
		return p.extractODT(ctx, path)
	case ".html", ".htm":
		return extractHTML(path)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}
}

// extractPDF reads the embedded text layer via pdftotext and falls back
// to OCR for scanned documents.
func (p *Parser) extractPDF(ctx context.Context, path string) (string, error) {
	if out, ok := p.runCmd(ctx, "pdftotext", "-layout", path, "-"); ok && strings.TrimSpace(out) != "" {
		return out, nil
	}

	text, err := p.ocrPDF(ctx, path)
	if err != nil {
		p.logger.Warn("pdf ocr failed", zap.String("path", path), zap.Error(err))
	} else if strings.TrimSpace(text) != "" {
		return text, nil
	}

	return "", fmt.Errorf("pdf %s has no extractable text", filepath.Base(path))
}

// ocrPDF rasterizes pages with pdftoppm and runs tesseract over each
// image. Both binaries are optional; without them OCR is skipped.
func (p *Parser) ocrPDF(ctx context.Context, path string) (string, error) {
	if _, err := exec.LookPath("pdftoppm"); err != nil {
		return "", nil
	}
	if _, err := exec.LookPath("tesseract"); err != nil {
		return "", nil
	}

	tmpdir, err := os.MkdirTemp("", "ocr_pages_")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpdir)

	prefix := filepath.Join(tmpdir, "page")
	if _, ok := p.runCmd(ctx, "pdftoppm", "-png", "-r", "200", path, prefix); !ok {
		return "", fmt.Errorf("pdftoppm failed for %s", path)
	}

	pages, err := filepath.Glob(prefix + "*.png")
	if err != nil {
		return "", err
	}
	sort.Strings(pages)

	var parts []string
	for _, page := range pages {
		out, ok := p.runCmd(ctx, "tesseract", page, "stdout")
		if !ok {
			continue
		}
		parts = append(parts, out)
	}
	return strings.TrimSpace(strings.Join(parts, "\n")), nil
}

// extractDOCX unpacks word/document.xml directly and only reaches for
// LibreOffice when the archive itself is unreadable.
func (p *Parser) extractDOCX(ctx context.Context, path string) (string, error) {
	text, err := readZipXMLText(path, "word/document.xml", "t")
	if err == nil {
		return text, nil
	}
	p.logger.Warn("docx archive parse failed", zap.String("path", path), zap.Error(err))

	if out, serr := p.sofficeToText(ctx, path); serr == nil {
		return out, nil
	}
	return "", fmt.Errorf("docx extraction failed: %w", err)
}

// extractDOC tries the lightweight word-binary converters first and
// falls back to a LibreOffice text conversion.
func (p *Parser) extractDOC(ctx context.Context, path string) (string, error) {
	for _, tool := range []string{"antiword", "catdoc"} {
		if out, ok := p.runCmd(ctx, tool, path); ok && out != "" {
			return out, nil
		}
	}
	if out, err := p.sofficeToText(ctx, path); err == nil {
		return out, nil
	}
	return "", fmt.Errorf("doc extraction failed for %s: install antiword, catdoc or libreoffice", filepath.Base(path))
}

func (p *Parser) extractRTF(ctx context.Context, path string) (string, error) {
	if out, ok := p.runCmd(ctx, "unrtf", "--text", path); ok && out != "" {
		return out, nil
	}
	if out, err := p.sofficeToText(ctx, path); err == nil {
		return out, nil
	}
	return "", fmt.Errorf("rtf extraction failed for %s: install unrtf or libreoffice", filepath.Base(path))
}

func (p *Parser) extractODT(ctx context.Context, path string) (string, error) {
	if text, err := readZipXMLText(path, "content.xml", ""); err == nil {
		return text, nil
	}
	if out, err := p.sofficeToText(ctx, path); err == nil {
		return out, nil
	}
	return "", fmt.Errorf("odt extraction failed for %s", filepath.Base(path))
}

// extractHTML returns the visible text of an HTML document, skipping
// script and style subtrees. Block elements become line breaks.
func extractHTML(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open html: %w", err)
	}
	defer f.Close()

	doc, err := html.Parse(f)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript":
				return
			case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				b.WriteString("\n")
			}
		case html.TextNode:
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return strings.ToValidUTF8(b.String(), ""), nil
}

// readPlainText mirrors a lossy text read: invalid UTF-8 sequences are
// dropped rather than failing the upload.
func readPlainText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read text file: %w", err)
	}
	return strings.ToValidUTF8(string(data), ""), nil
}

// readZipXMLText pulls character data out of one XML member of a
// zip-packaged document. Both DOCX and ODT wrap visible text in
// paragraph elements with local name "p"; each closed top-level
// paragraph becomes one output line. When textElem is non-empty only
// character data inside elements of that local name is captured, which
// skips the formatting markup DOCX interleaves with its text runs.
func readZipXMLText(path, member, textElem string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	var doc io.ReadCloser
	for _, f := range zr.File {
		if f.Name == member {
			doc, err = f.Open()
			if err != nil {
				return "", fmt.Errorf("open archive member %s: %w", member, err)
			}
			break
		}
	}
	if doc == nil {
		return "", fmt.Errorf("archive member %s not found", member)
	}
	defer doc.Close()

	dec := xml.NewDecoder(doc)
	var (
		lines     []string
		cur       strings.Builder
		paraDepth int
		textDepth int
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("decode %s: %w", member, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "p" {
				paraDepth++
			}
			if textElem != "" && t.Name.Local == textElem {
				textDepth++
			}
		case xml.EndElement:
			if textElem != "" && t.Name.Local == textElem {
				textDepth--
			}
			if t.Name.Local == "p" {
				paraDepth--
				if paraDepth == 0 {
					lines = append(lines, cur.String())
					cur.Reset()
				}
			}
		case xml.CharData:
			if paraDepth > 0 && (textElem == "" || textDepth > 0) {
				cur.Write(t)
			}
		}
	}

	return strings.Join(lines, "\n"), nil
}

// runCmd executes an external converter and returns its stdout. A
// missing binary or a non-zero exit is reported as not ok and logged at
// debug level, letting callers walk a fallback chain.
func (p *Parser) runCmd(ctx context.Context, name string, args ...string) (string, bool) {
	if _, err := exec.LookPath(name); err != nil {
		p.logger.Debug("converter not installed", zap.String("cmd", name))
		return "", false
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		p.logger.Debug("converter failed",
			zap.String("cmd", name),
			zap.Error(err),
			zap.String("stderr", truncate(stderr.String(), 2000)))
		return "", false
	}
	return strings.ToValidUTF8(stdout.String(), ""), true
}

// sofficeToText converts a document to plain text through LibreOffice
// inside a scratch directory, so the original file is never touched.
func (p *Parser) sofficeToText(ctx context.Context, path string) (string, error) {
	soffice, err := findSoffice()
	if err != nil {
		return "", err
	}

	tmpdir, err := os.MkdirTemp("", "soffice_conv_")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmpdir)

	cctx, cancel := context.WithTimeout(ctx, sofficeTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, soffice, "--headless", "--convert-to", "txt:Text", "--outdir", tmpdir, path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil && cctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("soffice conversion timed out after %s", sofficeTimeout)
	}
	// soffice can exit non-zero and still write the output file.

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(tmpdir, base+".txt")
	data, err := os.ReadFile(out)
	if err != nil {
		return "", fmt.Errorf("soffice produced no text output: %s", truncate(stderr.String(), 2000))
	}
	return strings.ToValidUTF8(string(data), ""), nil
}

// findSoffice locates the LibreOffice binary under its distro-specific
// names.
func findSoffice() (string, error) {
	for _, name := range sofficeNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", errors.New("soffice not found in PATH")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
