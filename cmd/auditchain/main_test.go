package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shelfwise/auditchain/internal/audit"
)

// runCLI executes the root command against dir. Flag variables are package
// globals, so every call passes the flags it depends on.
func runCLI(t *testing.T, dir string, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(append([]string{"--config-dir", dir}, args...))
	return rootCmd.Execute()
}

func TestCLI_RecordVerifyReport(t *testing.T) {
	dir := t.TempDir()

	if err := runCLI(t, dir, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Fatalf("init should write config.yaml: %v", err)
	}

	for _, user := range []string{"u1", "u2"} {
		err := runCLI(t, dir, "record", "--type", "login", "--severity", "low", "--user", user, "--details", `{"ip":"10.0.0.1"}`)
		if err != nil {
			t.Fatalf("record %s: %v", user, err)
		}
	}

	if err := runCLI(t, dir, "verify", "--start", "", "--end", "", "--source", "log", "--json=false"); err != nil {
		t.Errorf("verify: %v", err)
	}
	if err := runCLI(t, dir, "entries", "--start", "1h", "--end", "", "--type", "", "--user", "u1", "--source", "auto", "--json"); err != nil {
		t.Errorf("entries: %v", err)
	}

	out := filepath.Join(t.TempDir(), "report.csv")
	if err := runCLI(t, dir, "report", "--start", "", "--end", "", "--format", "csv", "-o", out); err != nil {
		t.Fatalf("report: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "summary,total_events,,2") {
		t.Errorf("report missing total:\n%s", data)
	}
}

func TestCLI_SensitiveEventNeedsKey(t *testing.T) {
	dir := t.TempDir()
	if err := runCLI(t, dir, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}

	err := runCLI(t, dir, "record", "--type", "login_failure", "--severity", "medium", "--user", "u1", "--details", `{"password":"hunter2"}`)
	if !errors.Is(err, audit.ErrEncryptionFailed) {
		t.Fatalf("record without key = %v, want ErrEncryptionFailed", err)
	}

	t.Setenv("AUDITCHAIN_ENCRYPTION_KEY", "correct horse battery staple")
	err = runCLI(t, dir, "record", "--type", "login_failure", "--severity", "medium", "--user", "u1", "--details", `{"password":"hunter2"}`)
	if err != nil {
		t.Fatalf("record with key: %v", err)
	}
	if err := runCLI(t, dir, "verify", "--start", "", "--end", "", "--source", "log", "--json=false"); err != nil {
		t.Errorf("verify with key: %v", err)
	}
}

func TestCLI_InvalidInput(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		args []string
	}{
		{"bad severity", []string{"record", "--type", "x", "--severity", "urgent", "--details", ""}},
		{"details not json", []string{"record", "--type", "x", "--severity", "low", "--details", "{"}},
		{"bad range", []string{"entries", "--start", "yesterday", "--end", "", "--source", "auto"}},
		{"bad source", []string{"entries", "--start", "", "--end", "", "--source", "cache"}},
		{"bad format", []string{"report", "--start", "", "--end", "", "--format", "docx"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := runCLI(t, dir, tt.args...); err == nil {
				t.Errorf("%v should fail", tt.args)
			}
		})
	}
}

func TestNewest(t *testing.T) {
	entries := []*audit.Entry{{Sequence: 1}, {Sequence: 2}, {Sequence: 3}}

	tests := []struct {
		n    int
		want []uint64
	}{
		{0, []uint64{1, 2, 3}},
		{2, []uint64{2, 3}},
		{5, []uint64{1, 2, 3}},
	}
	for _, tt := range tests {
		got := newest(entries, tt.n)
		if len(got) != len(tt.want) {
			t.Fatalf("newest(%d) = %d entries, want %d", tt.n, len(got), len(tt.want))
		}
		for i, e := range got {
			if e.Sequence != tt.want[i] {
				t.Errorf("newest(%d)[%d] = %d, want %d", tt.n, i, e.Sequence, tt.want[i])
			}
		}
	}
}
