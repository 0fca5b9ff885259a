package render

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalFSFinalizer copies rendered artifacts into a local directory and
// serves them under a base URL. Development stand-in for the object-storage
// collaborator; same contract.
type LocalFSFinalizer struct {
	Root    string
	BaseURL string
}

// Finalize copies the artifact to Root/destinationKey and returns its URL
func (l *LocalFSFinalizer) Finalize(ctx context.Context, outputPath, destinationKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	src, err := os.Open(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to open rendered artifact: %w", err)
	}
	defer src.Close()

	clean := filepath.Clean(destinationKey)
	abs := filepath.Join(l.Root, clean)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	dst, err := os.Create(abs)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("failed to copy artifact: %w", err)
	}

	return l.BaseURL + "/" + clean, nil
}
