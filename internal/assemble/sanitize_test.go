package assemble

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		maxLen int
		want   string
	}{
		{"control chars vanish", " A\nB\rC\tD\x00 ", 100, "ABCD"},
		{"spaces become one underscore", "My  Holiday (2024)", 100, "My_Holiday_(2024)"},
		{"disallowed runs collapse", "bad<>|\"name", 100, "bad_name"},
		{"existing underscores collapse", "a__ _b", 100, "a_b"},
		{"edge separators trimmed", "../..hidden--", 100, "hidden"},
		{"unicode letters kept", "Été à Paris", 100, "Été_à_Paris"},
		{"max length in runes", "abcdefghijklmnopqrstuvwxyz", 10, "abcdefghij"},
		{"cut does not end on separator", "abcd efgh", 5, "abcd"},
		{"reserved device name", "con", 100, "_con"},
		{"reserved with extension", "LPT1.mp4", 100, "_LPT1.mp4"},
		{"not reserved", "COM0", 100, "COM0"},
		{"nothing left", "!!!", 100, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeName(tt.in, tt.maxLen); got != tt.want {
				t.Errorf("SanitizeName(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestValidateOutputDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}

	tests := []struct {
		name    string
		dir     string
		wantErr bool
	}{
		{"valid", dir, false},
		{"empty", " ", true},
		{"missing", filepath.Join(dir, "missing"), true},
		{"traversal", "/tmp/../etc", true},
		{"trailing slash", dir + "/", true},
		{"not a directory", file, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOutputDir(tt.dir)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateOutputDir(%q) error = %v, wantErr %v", tt.dir, err, tt.wantErr)
			}
		})
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("write check left files behind: %v", entries)
	}
}
