package scanner

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a relative path escapes the spool root.
var ErrPathTraversal = errors.New("path traversal detected")

// Scanner finds .eml files in a spool directory written by the mail fetcher.
type Scanner struct {
	rootPath string
}

// NewScanner creates a new scanner for the given root path
func NewScanner(rootPath string) *Scanner {
	return &Scanner{
		rootPath: rootPath,
	}
}

// RootPath returns the spool root.
func (s *Scanner) RootPath() string {
	return s.rootPath
}

// Scan recursively scans for .eml files and returns paths relative to rootPath.
// Dot files are skipped; the fetcher writes under a dot name and renames once
// the message is complete.
func (s *Scanner) Scan() ([]string, error) {
	var emlFiles []string

	absRoot, err := filepath.Abs(s.rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute root path: %w", err)
	}

	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("error accessing path %s: %w", path, err)
		}

		if strings.HasPrefix(d.Name(), ".") && path != absRoot {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		if strings.ToLower(filepath.Ext(path)) == ".eml" {
			relPath, err := filepath.Rel(absRoot, path)
			if err != nil {
				return fmt.Errorf("failed to get relative path for %s: %w", path, err)
			}
			emlFiles = append(emlFiles, filepath.ToSlash(relPath))
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to scan directory: %w", err)
	}

	return emlFiles, nil
}

// Resolve turns a path returned by Scan into an absolute path, rejecting
// anything that would leave the spool root.
func (s *Scanner) Resolve(relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("%w: absolute path %q", ErrPathTraversal, relPath)
	}

	absRoot, err := filepath.Abs(s.rootPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute root path: %w", err)
	}

	full := filepath.Join(absRoot, filepath.FromSlash(relPath))
	rel, err := filepath.Rel(absRoot, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, relPath)
	}
	return full, nil
}
