// Package filelog is the local file backend: one JSON entry per line in an
// append-only file. Writes never fail the caller.
package filelog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/lookout/internal/logging"
	"github.com/tinytelemetry/lookout/internal/model"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755
)

// Log appends entries to a newline-delimited JSON file.
type Log struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	maxRows int
	logger  *zap.Logger
}

var _ model.Backend = (*Log)(nil)

// Config configures the file backend.
type Config struct {
	Path    string
	MaxRows int
	Logger  *zap.Logger
}

// Open creates or opens the log file at cfg.Path.
func Open(cfg Config) (*Log, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("filelog: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("filelog: mkdir: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("filelog: open: %w", err)
	}
	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = model.DefaultMaxRows
	}
	return &Log{
		path:    cfg.Path,
		file:    f,
		maxRows: maxRows,
		logger:  logging.OrNop(cfg.Logger),
	}, nil
}

// Name identifies the backend.
func (l *Log) Name() string { return "file" }

// Path returns the file location.
func (l *Log) Path() string { return l.path }

// Create appends one line per entry and syncs once per batch. Entries that
// cannot be encoded are skipped and I/O errors are logged; the method
// always returns nil.
func (l *Log) Create(_ context.Context, batch []*model.Entry) error {
	if len(batch) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, e := range batch {
		line, err := json.Marshal(e)
		if err != nil {
			l.logger.Error("filelog: skipping unencodable entry", zap.String("id", e.ID), zap.Error(err))
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		l.logger.Error("filelog: write after close", zap.Int("entries", len(batch)))
		return nil
	}
	if _, err := l.file.Write(buf.Bytes()); err != nil {
		l.logger.Error("filelog: write failed", zap.String("path", l.path), zap.Error(err))
		return nil
	}
	if err := l.file.Sync(); err != nil {
		l.logger.Warn("filelog: sync failed", zap.String("path", l.path), zap.Error(err))
	}
	return nil
}

// Close closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// load reads every complete, decodable line. A partial trailing line and
// malformed lines are skipped. Records come back newest first.
func (l *Log) load() ([]model.Record, error) {
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []model.Record{}, nil
		}
		return nil, fmt.Errorf("filelog: open for read: %w", err)
	}
	defer f.Close()

	records := []model.Record{}
	skipped := 0
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("filelog: read: %w", err)
		}
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var e model.Entry
			if uerr := json.Unmarshal(line, &e); uerr != nil {
				skipped++
			} else {
				records = append(records, e.Record())
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
	}
	if skipped > 0 {
		l.logger.Warn("filelog: skipped malformed lines", zap.Int("lines", skipped))
	}

	model.SortRecent(records)
	return records, nil
}

func (l *Log) limit(records []model.Record) []model.Record {
	if len(records) > l.maxRows {
		return records[:l.maxRows]
	}
	return records
}

func (l *Log) filter(keep func(model.Record) bool) ([]model.Record, []model.Record, error) {
	all, err := l.load()
	if err != nil {
		return nil, nil, err
	}
	matched := []model.Record{}
	for _, r := range all {
		if keep(r) {
			matched = append(matched, r)
		}
	}
	return l.limit(matched), all, nil
}

// GetAll returns the most recent entries.
func (l *Log) GetAll(_ context.Context) ([]model.Record, error) {
	all, err := l.load()
	if err != nil {
		return nil, err
	}
	return l.limit(all), nil
}

// GetByID returns one entry with its batch siblings, or nil.
func (l *Log) GetByID(_ context.Context, id string) (*model.Record, error) {
	found, all, err := l.filter(func(r model.Record) bool { return r.ID == id })
	if err != nil || len(found) == 0 {
		return nil, err
	}
	primary := model.AttachRelated(found[:1], all)[0]
	return &primary, nil
}

func (l *Log) GetByType(_ context.Context, t model.EntryType) ([]model.Record, error) {
	found, all, err := l.filter(func(r model.Record) bool { return r.Type == t })
	if err != nil {
		return nil, err
	}
	return model.AttachRelated(found, all), nil
}

func (l *Log) GetByTags(_ context.Context, tags []string) ([]model.Record, error) {
	if len(tags) == 0 {
		return []model.Record{}, nil
	}
	found, all, err := l.filter(func(r model.Record) bool { return r.HasTags(tags) })
	if err != nil {
		return nil, err
	}
	return model.AttachRelated(found, all), nil
}

func (l *Log) GetByBatch(_ context.Context, batchID string) ([]model.Record, error) {
	found, _, err := l.filter(func(r model.Record) bool { return r.BatchID == batchID })
	return found, err
}

func (l *Log) GetPeriod(_ context.Context, p model.Period) ([]model.Record, error) {
	if p.Duration() == 0 {
		return nil, fmt.Errorf("filelog: unknown period %q", p)
	}
	cutoff := p.Since(time.Now())
	found, _, err := l.filter(func(r model.Record) bool { return !r.CreatedAt.Before(cutoff) })
	return found, err
}
