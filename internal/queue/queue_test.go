package queue

import (
	"os"
	"path/filepath"
	"testing"
)

func writeQueue(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeQueue(t, `
units:
  - id: review-auth
    path: plans/review-auth.md
    title: Review auth module
  - id: review-billing
    path: plans/review-billing.md
`)

	q, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	if q.Units[0].ID != "review-auth" {
		t.Errorf("first unit = %q, want review-auth (queue order must be preserved)", q.Units[0].ID)
	}
	if q.Units[1].Path != "plans/review-billing.md" {
		t.Errorf("second unit path = %q", q.Units[1].Path)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"empty", "units: []\n"},
		{"duplicate ids", "units:\n  - {id: a, path: p1}\n  - {id: a, path: p2}\n"},
		{"bad id grammar", "units:\n  - {id: 'Bad ID', path: p}\n"},
		{"missing path", "units:\n  - {id: a}\n"},
		{"not yaml", ": : :\n"},
	}

	for _, tc := range cases {
		path := writeQueue(t, tc.content)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
