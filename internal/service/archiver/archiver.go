package archiver

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/oshokin/lambda-deployer/internal/domain/deploy"
	"github.com/oshokin/lambda-deployer/internal/logger"
)

// Options are the inputs of one archive build.
type Options struct {
	// SourceDir is zipped recursively with paths relative to it.
	SourceDir string
	// EntryPoint is added at the archive root under its base name.
	EntryPoint string
	// ArchivePath is the output file. An existing file is replaced.
	ArchivePath string
}

// DefaultFileMode is used for the archive file.
const DefaultFileMode fs.FileMode = 0o644

var (
	// ErrEmptySource is returned when the source directory holds no files.
	ErrEmptySource = errors.New("source directory is empty")
	// ErrEntryPointNotFound is returned when the entry-point file is missing.
	ErrEntryPointNotFound = errors.New("entry point not found")

	errEntryPointIsDir = errors.New("entry point is a directory")
)

// entry is one file scheduled for the archive.
type entry struct {
	// name is the slash-separated path inside the archive.
	name string
	// path is the file on disk.
	path string
}

// Build writes the archive and returns its description. A partially written
// archive is removed on failure.
func Build(ctx context.Context, opts *Options) (*deploy.Package, error) {
	ctx = logger.WithName(ctx, "archiver")

	entryPointName, err := checkEntryPoint(opts.EntryPoint)
	if err != nil {
		return nil, err
	}

	entries, err := collect(ctx, opts.SourceDir, entryPointName)
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySource, opts.SourceDir)
	}

	entries = append(entries, entry{name: entryPointName, path: opts.EntryPoint})

	checksum, err := write(ctx, opts.ArchivePath, entries)
	if err != nil {
		_ = os.Remove(opts.ArchivePath)
		return nil, err
	}

	info, err := os.Stat(opts.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	pkg := &deploy.Package{
		Path:    opts.ArchivePath,
		Size:    info.Size(),
		SHA256:  checksum,
		Entries: len(entries),
	}

	logger.InfoKV(ctx, "Archive created",
		"path", pkg.Path,
		"entries", pkg.Entries,
		"size", pkg.Size,
		"sha256", pkg.SHA256)

	return pkg, nil
}

func checkEntryPoint(path string) (string, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrEntryPointNotFound, path)
	}

	if err != nil {
		return "", fmt.Errorf("stat entry point: %w", err)
	}

	if info.IsDir() {
		return "", fmt.Errorf("%w: %s", errEntryPointIsDir, path)
	}

	return filepath.Base(path), nil
}

// collect walks root in lexical order. Bytecode caches are skipped, symlinks to
// files are followed, and a root-level file shadowed by the entry point is dropped.
func collect(ctx context.Context, root, entryPointName string) ([]entry, error) {
	var entries []entry

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if d.Name() == "__pycache__" {
				return filepath.SkipDir
			}

			return nil
		}

		if strings.HasSuffix(d.Name(), ".pyc") {
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			target, statErr := os.Stat(path)
			if statErr != nil || !target.Mode().IsRegular() {
				logger.DebugKV(ctx, "Skipping symlink", "path", path)
				return nil
			}
		} else if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		name := filepath.ToSlash(rel)
		if name == entryPointName {
			logger.WarnKV(ctx, "Staged file is shadowed by the entry point", "name", name)
			return nil
		}

		entries = append(entries, entry{name: name, path: path})

		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("read source directory: %w", walkErr)
	}

	return entries, nil
}

// write streams entries into a zip at path and returns the checksum of the bytes written.
func write(ctx context.Context, path string, entries []entry) (string, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("create archive directory: %w", err)
		}
	}

	//nolint:gosec // G304: the archive path comes from the operator's configuration.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, DefaultFileMode)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}

	hasher := sha256.New()
	zw := zip.NewWriter(io.MultiWriter(file, hasher))

	for _, e := range entries {
		if err = ctx.Err(); err != nil {
			break
		}

		if err = addFile(zw, e); err != nil {
			break
		}
	}

	if closeErr := zw.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("finish archive: %w", closeErr)
	}

	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close archive: %w", closeErr)
	}

	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(hasher.Sum(nil)), nil
}

func addFile(zw *zip.Writer, e entry) error {
	src, err := os.Open(filepath.Clean(e.path))
	if err != nil {
		return fmt.Errorf("open %s: %w", e.path, err)
	}

	defer func() {
		_ = src.Close()
	}()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", e.path, err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("zip header for %s: %w", e.path, err)
	}

	header.Name = e.name
	header.Method = zip.Deflate

	dst, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("add %s: %w", e.name, err)
	}

	if _, err = io.Copy(dst, src); err != nil {
		return fmt.Errorf("compress %s: %w", e.name, err)
	}

	return nil
}
