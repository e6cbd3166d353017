// Package logging wires the stdlib logger to stdout plus a daily log file
// under <data>/logs.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Prefix is the process-wide log prefix.
const Prefix = "[plexbridge] "

// DailyFile is an io.Writer that appends to <dir>/<name>-YYYY-MM-DD.log and
// switches files when the local date changes.
type DailyFile struct {
	Dir  string
	Name string
	// Now is overridable for tests.
	Now func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

// NewDailyFile creates dir if needed.
func NewDailyFile(dir, name string) (*DailyFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	return &DailyFile{Dir: dir, Name: name, Now: time.Now}, nil
}

func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	day := d.Now().Format("2006-01-02")
	if d.file == nil || day != d.day {
		if d.file != nil {
			_ = d.file.Close()
			d.file = nil
		}
		f, err := os.OpenFile(d.pathFor(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, err
		}
		d.file = f
		d.day = day
	}
	return d.file.Write(p)
}

// Path returns the file currently written (or that will be written today).
func (d *DailyFile) Path() string {
	return d.pathFor(d.Now().Format("2006-01-02"))
}

func (d *DailyFile) pathFor(day string) string {
	return filepath.Join(d.Dir, d.Name+"-"+day+".log")
}

// Close closes the current file.
func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// Setup points the standard logger at stdout and a daily file in logDir.
// When logDir cannot be created, logging continues on stdout only and the
// returned closer is a no-op.
func Setup(logDir string) io.Closer {
	log.SetPrefix(Prefix)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	df, err := NewDailyFile(logDir, "plexbridge")
	if err != nil {
		log.SetOutput(os.Stdout)
		log.Printf("logging: file output disabled: %v", err)
		return nopCloser{}
	}
	log.SetOutput(io.MultiWriter(os.Stdout, df))
	return df
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
