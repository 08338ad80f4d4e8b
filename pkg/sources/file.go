package sources

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Mindburn-Labs/epochledger/pkg/contracts"
)

// FileSource reads NDJSON records from a file, or from every *.ndjson and
// *.jsonl file in a directory.
type FileSource struct {
	name    string
	path    string
	decoder *Decoder
}

func NewFileSource(name, path string, decoder *Decoder) *FileSource {
	return &FileSource{name: name, path: path, decoder: decoder}
}

func (s *FileSource) Name() string { return s.name }

func (s *FileSource) Fetch(ctx context.Context, w Window) ([]contracts.ActivityEvent, error) {
	files, err := s.files()
	if err != nil {
		return nil, err
	}
	var out []contracts.ActivityEvent
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		events, err := s.readFile(path, w)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}
	return out, nil
}

func (s *FileSource) readFile(path string, w Window) ([]contracts.ActivityEvent, error) {
	f, err := os.Open(path) //nolint:gosec // operator-configured path
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	events, err := s.decoder.Decode(f, s.name, w)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return events, nil
}

func (s *FileSource) files() ([]string, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", s.name, err)
	}
	if !info.IsDir() {
		return []string{s.path}, nil
	}
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", s.name, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !isRecordFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(s.path, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isRecordFile(name string) bool {
	switch filepath.Ext(name) {
	case ".ndjson", ".jsonl":
		return true
	}
	return false
}
