// Package scan walks a directory tree looking for embedded secrets
// before sandbox output is promoted to the real workspace.
package scan

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Finding is one secret-looking match in a scanned file.
type Finding struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Kind string `json:"kind"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s:%d: %s", f.Path, f.Line, f.Kind)
}

type pattern struct {
	kind string
	re   *regexp.Regexp
}

// Shares the pattern families used by the log redaction layer, plus
// file-only patterns (private key blocks) that never appear in log lines.
var patterns = []pattern{
	{"api_key_assignment", regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`)},
	{"bearer_token", regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`)},
	{"google_api_key", regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`)},
	{"aws_access_key", regexp.MustCompile(`AKIA[A-Z0-9]{16}`)},
	{"private_key", regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH |PGP )?PRIVATE KEY-----`)},
	{"github_token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{"slack_token", regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`)},
}

// Files larger than this are skipped; generated artifacts that big are
// not promotable source anyway.
const maxScanFileSize = 4 * 1024 * 1024

var skipDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"__pycache__":  {},
	".venv":        {},
	"vendor":       {},
}

// Scanner scans directory trees for embedded secrets.
type Scanner struct{}

// New creates a Scanner.
func New() *Scanner { return &Scanner{} }

// ScanDir walks root and returns every finding. A missing root is an
// error; an empty tree scans clean.
func (s *Scanner) ScanDir(root string) ([]Finding, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("scan root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan root %s is not a directory", root)
	}

	var findings []Finding
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, skip := skipDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if fi, err := d.Info(); err == nil && fi.Size() > maxScanFileSize {
			return nil
		}
		found, err := scanFile(path, root)
		if err != nil {
			// Unreadable files are reported, not skipped silently: a file
			// the scanner cannot read cannot be certified secret-free.
			return fmt.Errorf("scan %s: %w", path, err)
		}
		findings = append(findings, found...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return findings, nil
}

func scanFile(path, root string) ([]Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}

	var findings []Finding
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		for _, p := range patterns {
			if p.re.MatchString(line) {
				findings = append(findings, Finding{Path: rel, Line: lineNo, Kind: p.kind})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		// Binary files can exceed the token buffer; treat as unscannable text, not a failure.
		if strings.Contains(err.Error(), "token too long") {
			return findings, nil
		}
		return nil, err
	}
	return findings, nil
}
