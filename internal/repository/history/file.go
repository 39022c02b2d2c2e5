package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/lambda-deployer/internal/domain/deploy"
)

// Repository defines persistence operations for deployment records.
type Repository interface {
	Load(ctx context.Context) ([]*deploy.Record, error)
	Append(ctx context.Context, record *deploy.Record) error
}

// FileRepository stores records in a YAML file.
type FileRepository struct {
	// path is the filesystem location of the history file.
	path string
	// limit caps the number of stored records; zero or less keeps everything.
	limit int
	// mu protects concurrent access to the history file.
	mu sync.Mutex
}

// document is the on-disk layout.
type document struct {
	Deployments []*deploy.Record `yaml:"deployments"`
}

const filePermissions = 0o600

var errNilRecord = errors.New("record must not be nil")

// NewFileRepository creates a repository at path keeping at most limit records.
func NewFileRepository(path string, limit int) *FileRepository {
	return &FileRepository{
		path:  filepath.Clean(path),
		limit: limit,
	}
}

// Load returns stored records, oldest first. A missing file yields no records.
func (r *FileRepository) Load(_ context.Context) ([]*deploy.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.read()
	if err != nil {
		return nil, err
	}

	return doc.Deployments, nil
}

// Append adds record and trims the oldest entries beyond the limit.
func (r *FileRepository) Append(_ context.Context, record *deploy.Record) error {
	if record == nil {
		return errNilRecord
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.read()
	if err != nil {
		return err
	}

	doc.Deployments = append(doc.Deployments, record.Clone())
	if r.limit > 0 && len(doc.Deployments) > r.limit {
		doc.Deployments = doc.Deployments[len(doc.Deployments)-r.limit:]
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	if err = os.WriteFile(r.path, data, filePermissions); err != nil {
		return fmt.Errorf("write history file: %w", err)
	}

	return nil
}

func (r *FileRepository) read() (*document, error) {
	doc := new(document)

	contents, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read history file: %w", err)
	}

	if err = yaml.Unmarshal(contents, doc); err != nil {
		return nil, fmt.Errorf("decode history file: %w", err)
	}

	return doc, nil
}
