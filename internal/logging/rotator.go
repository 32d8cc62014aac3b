package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer over a log file that rolls over by size and
// by day. Rolled files are optionally gzipped and pruned by count and age.
type FileRotator struct {
	path       string
	maxBytes   int64
	maxAge     int
	maxBackups int
	compress   bool

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time
}

// NewFileRotator opens (or creates) cfg.FilePath for appending.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	r := &FileRotator{
		path:       cfg.FilePath,
		maxBytes:   cfg.MaxSize * 1024 * 1024,
		maxAge:     cfg.MaxAge,
		maxBackups: cfg.MaxBackups,
		compress:   cfg.Compress,
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	r.opened = time.Now()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}

	if r.due(int64(len(p))) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) due(next int64) bool {
	if r.maxBytes > 0 && r.size > 0 && r.size+next > r.maxBytes {
		return true
	}
	return r.opened.YearDay() != time.Now().YearDay()
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	rolled := r.rolledName(time.Now())
	if err := os.Rename(r.path, rolled); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if r.compress {
		go gzipFile(rolled)
	}

	if err := r.open(); err != nil {
		return err
	}
	go r.prune()
	return nil
}

func (r *FileRotator) rolledName(at time.Time) string {
	ext := filepath.Ext(r.path)
	stem := strings.TrimSuffix(r.path, ext)
	return fmt.Sprintf("%s-%s%s", stem, at.Format("20060102-150405"), ext)
}

func gzipFile(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		os.Remove(path + ".gz")
		return
	}
	if err := gz.Close(); err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// Rolled lists rotated log files, oldest first.
func (r *FileRotator) Rolled() ([]string, error) {
	ext := filepath.Ext(r.path)
	stem := strings.TrimSuffix(r.path, ext)
	matches, err := filepath.Glob(stem + "-*" + ext + "*")
	if err != nil {
		return nil, err
	}

	type entry struct {
		path string
		mod  time.Time
	}
	entries := make([]entry, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		entries = append(entries, entry{m, info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mod.Before(entries[j].mod) })

	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.path
	}
	return paths, nil
}

func (r *FileRotator) prune() {
	rolled, err := r.Rolled()
	if err != nil {
		return
	}

	if r.maxBackups > 0 && len(rolled) > r.maxBackups {
		for _, p := range rolled[:len(rolled)-r.maxBackups] {
			os.Remove(p)
		}
		rolled = rolled[len(rolled)-r.maxBackups:]
	}

	if r.maxAge <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -r.maxAge)
	for _, p := range rolled {
		if info, err := os.Stat(p); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(p)
		}
	}
}

// Close closes the current file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Sync flushes the current file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}
