package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// maxSecretFileSize bounds file:// reads.
const maxSecretFileSize = 64 << 10

// FileProvider resolves "file:///absolute/path" references, as mounted by
// container orchestrators. Trailing newlines are trimmed.
type FileProvider struct{}

// NewFileProvider creates a file-based secret provider.
func NewFileProvider() *FileProvider { return &FileProvider{} }

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (*Secret, error) {
	const prefix = "file://"
	if !strings.HasPrefix(ref, prefix) {
		return nil, fmt.Errorf("%w: file provider only handles file:// references", ErrSecretNotFound)
	}
	path := strings.TrimPrefix(ref, prefix)
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("%w: file reference must be an absolute path", ErrSecretNotFound)
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrSecretNotFound, path)
		}
		return nil, fmt.Errorf("reading secret file: %w", err)
	}
	if info.IsDir() || info.Size() > maxSecretFileSize {
		return nil, fmt.Errorf("%w: %s is not a regular file of at most %d bytes", ErrSecretNotFound, path, maxSecretFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secret file: %w", err)
	}
	value := strings.TrimRight(string(data), "\r\n")
	if value == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrSecretNotFound, path)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "file", "path": path},
	}, nil
}
