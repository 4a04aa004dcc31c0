package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type dailyFileWriter struct {
	mu          sync.Mutex
	dir         string
	baseName    string
	currentDate string
	file        *os.File
	maxDays     int
	now         func() time.Time
}

func newDailyFileWriter(dir, baseName string, maxDays int) (*dailyFileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	w := &dailyFileWriter{
		dir:      dir,
		baseName: baseName,
		maxDays:  maxDays,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if err := w.rotateIfNeeded(w.now()); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *dailyFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(w.now()); err != nil {
		return 0, err
	}

	return w.file.Write(p)
}

func (w *dailyFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *dailyFileWriter) rotateIfNeeded(now time.Time) error {
	date := now.Format(time.DateOnly)
	if w.file != nil && date == w.currentDate {
		return nil
	}

	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	path := filepath.Join(w.dir, fmt.Sprintf("%s-%s.log", w.baseName, date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	w.file = file
	w.currentDate = date
	w.cleanupOldFiles()
	return nil
}

// cleanupOldFiles keeps the newest maxDays log files for this base name.
func (w *dailyFileWriter) cleanupOldFiles() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}

	prefix := w.baseName + "-"
	type logFile struct {
		path string
		date time.Time
	}
	var logs []logFile

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		parsed, err := time.Parse(time.DateOnly, strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".log"))
		if err != nil {
			continue
		}
		logs = append(logs, logFile{path: filepath.Join(w.dir, name), date: parsed})
	}

	if len(logs) <= w.maxDays {
		return
	}

	sort.Slice(logs, func(i, j int) bool {
		return logs[i].date.Before(logs[j].date)
	})

	for _, old := range logs[:len(logs)-w.maxDays] {
		_ = os.Remove(old.path)
	}
}
