package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvFile_missing(t *testing.T) {
	err := LoadEnvFile(filepath.Join(t.TempDir(), "nonexistent"))
	if err != nil {
		t.Fatalf("missing file should return nil: %v", err)
	}
}

func TestLoadEnvFile_setsEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	body := "PB_TEST_FOO=bar\n# comment\nexport PB_TEST_BAZ=quux\nPB_TEST_Q=\"hello world\"\nPB_TEST_C=5 # tuners\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"PB_TEST_FOO", "PB_TEST_BAZ", "PB_TEST_Q", "PB_TEST_C"} {
		os.Unsetenv(k)
		t.Cleanup(func() { os.Unsetenv(k) })
	}
	if err := LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"PB_TEST_FOO": "bar",
		"PB_TEST_BAZ": "quux",
		"PB_TEST_Q":   "hello world",
		"PB_TEST_C":   "5",
	}
	for k, v := range want {
		if got := os.Getenv(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestLoadEnvFile_existingWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("PB_TEST_KEEP=file\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PB_TEST_KEEP", "process")
	if err := LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("PB_TEST_KEEP"); got != "process" {
		t.Errorf("PB_TEST_KEEP = %q, want process", got)
	}
}
