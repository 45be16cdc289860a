package dataset

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/ecgvision/ecgvision/internal/errors"
)

// writeRecord creates a header file for record with the given comment lines
func writeRecord(t *testing.T, root, record string, comments ...string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(record)) + HeaderExt
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("Failed to create record directory: %v", err)
	}
	lines := []string{filepath.Base(record) + " 12 500 5000"}
	lines = append(lines, comments...)
	if err := os.WriteFile(p, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("Failed to write header %s: %v", p, err)
	}
}

func TestFindRecords(t *testing.T) {
	t.Run("NestedSorted", func(t *testing.T) {
		root := t.TempDir()
		writeRecord(t, root, "b/00002")
		writeRecord(t, root, "a/00001")
		writeRecord(t, root, "00003")
		if err := os.WriteFile(filepath.Join(root, "a", "00001.dat"), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}

		records, err := FindRecords(root)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		want := []string{"00003", "a/00001", "b/00002"}
		if !reflect.DeepEqual(records, want) {
			t.Errorf("Expected %v, got %v", want, records)
		}
	})

	t.Run("MissingFolder", func(t *testing.T) {
		_, err := FindRecords(filepath.Join(t.TempDir(), "nope"))
		if !errors.IsNotFound(err) {
			t.Errorf("Expected not-found error, got %v", err)
		}
	})

	t.Run("EmptyFolder", func(t *testing.T) {
		records, err := FindRecords(t.TempDir())
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(records) != 0 {
			t.Errorf("Expected no records, got %v", records)
		}
	})
}

func TestLoadHeader(t *testing.T) {
	root := t.TempDir()
	writeRecord(t, root, "sub/00001",
		"# Labels: NORM, MI",
		"#image: 00001-0.png, 00001-1.png",
		"# Age: 61",
	)

	h, err := LoadHeader(root, "sub/00001")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !reflect.DeepEqual(h.Labels, []string{"NORM", "MI"}) {
		t.Errorf("Unexpected labels %v", h.Labels)
	}
	wantImages := []string{
		filepath.Join(root, "sub", "00001-0.png"),
		filepath.Join(root, "sub", "00001-1.png"),
	}
	if !reflect.DeepEqual(h.Images, wantImages) {
		t.Errorf("Expected images %v, got %v", wantImages, h.Images)
	}
	if len(h.Lines) != 4 {
		t.Errorf("Expected 4 raw lines, got %d", len(h.Lines))
	}

	if _, err := LoadHeader(root, "missing"); !errors.IsNotFound(err) {
		t.Errorf("Expected not-found error for missing record, got %v", err)
	}
}

func TestNonEmptyLabels(t *testing.T) {
	h := Header{Labels: []string{"", "A", ""}}
	if got := h.NonEmptyLabels(); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("Expected [A], got %v", got)
	}
	if got := (Header{Labels: []string{""}}).NonEmptyLabels(); len(got) != 0 {
		t.Errorf("Expected no labels, got %v", got)
	}
}

func TestScanLabeled(t *testing.T) {
	t.Run("NoRecords", func(t *testing.T) {
		_, err := ScanLabeled(t.TempDir(), nil)
		if !errors.IsNotFound(err) {
			t.Errorf("Expected not-found error, got %v", err)
		}
	})

	t.Run("NoLabels", func(t *testing.T) {
		root := t.TempDir()
		writeRecord(t, root, "00001", "# Labels:", "# Image: 00001.png")
		writeRecord(t, root, "00002", "# Image: 00002.png")
		_, err := ScanLabeled(root, nil)
		if !errors.IsValidation(err) {
			t.Errorf("Expected validation error, got %v", err)
		}
	})

	t.Run("SkipsUnlabeledAndImageless", func(t *testing.T) {
		root := t.TempDir()
		writeRecord(t, root, "00001", "# Labels: A", "# Image: 00001.png")
		writeRecord(t, root, "00002", "# Labels:", "# Image: 00002.png")
		writeRecord(t, root, "00003", "# Labels: B")
		writeRecord(t, root, "00004", "# Labels: A, B", "# Image: 00004-0.png, 00004-1.png")

		records, err := ScanLabeled(root, nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("Expected 2 records, got %d", len(records))
		}
		if records[0].Record != "00001" || records[1].Record != "00004" {
			t.Errorf("Unexpected records %+v", records)
		}
		if records[1].Image != filepath.Join(root, "00004-0.png") {
			t.Errorf("Expected first image, got %s", records[1].Image)
		}
		if !reflect.DeepEqual(records[1].Labels, []string{"A", "B"}) {
			t.Errorf("Unexpected labels %v", records[1].Labels)
		}
	})
}
