// Package codeblob translates submission identifiers to code objects in
// the object store and handles zip extraction of multi-file submissions.
package codeblob

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// maxCodeFileBytes caps a single extracted code file.
const maxCodeFileBytes = 8 << 20

// ErrNotArchive is returned when submitted code bytes are not a readable
// zip archive.
var ErrNotArchive = errors.New("code is not a zip archive")

// ObjectStore is the subset of object storage operations the adapter needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Store reads and writes per-file submission code keyed by submission id.
type Store struct {
	objects ObjectStore
}

// New constructs a Store over the given object storage backend.
func New(objects ObjectStore) *Store {
	return &Store{objects: objects}
}

// Write persists the code files of a submission, one object per file.
func (s *Store) Write(ctx context.Context, submissionID int64, files []string) error {
	if len(files) == 0 {
		return errors.New("no code files to write")
	}
	for i, content := range files {
		reader := strings.NewReader(content)
		if err := s.objects.Put(ctx, objectKey(submissionID, i), reader, int64(len(content)), "text/plain"); err != nil {
			return fmt.Errorf("write code file %d of submission %d: %w", i, submissionID, err)
		}
	}
	return nil
}

// Read fetches count code files of a submission in file order.
func (s *Store) Read(ctx context.Context, submissionID int64, count int) ([]string, error) {
	if count < 1 {
		count = 1
	}
	files := make([]string, 0, count)
	for i := 0; i < count; i++ {
		content, err := s.readOne(ctx, objectKey(submissionID, i))
		if err != nil {
			return nil, fmt.Errorf("read code file %d of submission %d: %w", i, submissionID, err)
		}
		files = append(files, content)
	}
	return files, nil
}

func (s *Store) readOne(ctx context.Context, key string) (string, error) {
	reader, err := s.objects.Get(ctx, key)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	data, err := io.ReadAll(io.LimitReader(reader, maxCodeFileBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Unzip extracts the named files from a zip archive, returned in the
// order of names. Every name must be present exactly once at the archive
// root.
func Unzip(data []byte, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, errors.New("no file names to extract")
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, ErrNotArchive
	}

	contents := make(map[string]string, len(names))
	for _, file := range zr.File {
		if file.FileInfo().IsDir() {
			continue
		}
		base := path.Base(path.Clean(file.Name))
		if _, ok := contents[base]; ok {
			return nil, fmt.Errorf("archive contains duplicate file %q", base)
		}

		rc, err := file.Open()
		if err != nil {
			return nil, ErrNotArchive
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxCodeFileBytes+1))
		_ = rc.Close()
		if err != nil {
			return nil, ErrNotArchive
		}
		if len(data) > maxCodeFileBytes {
			return nil, fmt.Errorf("archive file %q too large", base)
		}
		contents[base] = string(data)
	}

	files := make([]string, 0, len(names))
	for _, name := range names {
		content, ok := contents[path.Base(name)]
		if !ok {
			return nil, fmt.Errorf("archive is missing file %q", name)
		}
		files = append(files, content)
	}
	return files, nil
}

func objectKey(submissionID int64, index int) string {
	return fmt.Sprintf("submissions/%d/%d.code", submissionID, index)
}
