package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// documentExts lists the file extensions that are indexed.
var documentExts = map[string]bool{
	".md":       true,
	".markdown": true,
	".txt":      true,
}

// IsDocument reports whether name has an indexed extension.
func IsDocument(name string) bool {
	return documentExts[strings.ToLower(filepath.Ext(name))]
}

// EnsureDir creates the knowledge directory if it doesn't exist
func EnsureDir(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("knowledge path exists but is not a directory: %s", dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat knowledge directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create knowledge directory: %w", err)
	}
	return nil
}

// ValidateDocumentPath validates that a document path is relative and stays
// inside the knowledge directory.
func ValidateDocumentPath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("path must be relative, got absolute path: %s", path)
	}

	cleanPath := filepath.Clean(path)
	if cleanPath != path {
		return fmt.Errorf("path contains invalid components: %s", path)
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path cannot reference parent directories: %s", path)
	}
	return nil
}

// DocumentPath joins a validated relative path onto dir.
func DocumentPath(dir, relativePath string) (string, error) {
	if err := ValidateDocumentPath(relativePath); err != nil {
		return "", err
	}

	fullPath := filepath.Join(dir, relativePath)

	absBase, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute base path: %w", err)
	}
	absFull, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute full path: %w", err)
	}
	rel, err := filepath.Rel(absBase, absFull)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory: %s", relativePath)
	}

	return fullPath, nil
}

// documentName normalizes a user supplied document name into a relative
// file path with an indexed extension.
func documentName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("document name is required")
	}
	name = filepath.ToSlash(name)
	name = strings.ReplaceAll(name, " ", "_")
	name = filepath.FromSlash(name)
	if !IsDocument(name) {
		name += ".md"
	}
	if err := ValidateDocumentPath(name); err != nil {
		return "", err
	}
	return name, nil
}
