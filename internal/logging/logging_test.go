package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDailyFile_rollsOnDateChange(t *testing.T) {
	dir := t.TempDir()
	df, err := NewDailyFile(dir, "plexbridge")
	if err != nil {
		t.Fatal(err)
	}
	defer df.Close()
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.Local)
	df.Now = func() time.Time { return now }
	if _, err := df.Write([]byte("first\n")); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := df.Write([]byte("second\n")); err != nil {
		t.Fatal(err)
	}
	a, err := os.ReadFile(filepath.Join(dir, "plexbridge-2026-03-01.log"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "plexbridge-2026-03-02.log"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(a)) != "first" || strings.TrimSpace(string(b)) != "second" {
		t.Errorf("files = %q / %q", a, b)
	}
	if !strings.HasSuffix(df.Path(), "plexbridge-2026-03-02.log") {
		t.Errorf("Path = %q", df.Path())
	}
}
