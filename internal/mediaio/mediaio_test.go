package mediaio

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsMediaFile(t *testing.T) {
	cases := map[string]bool{
		"photo.jpg":  true,
		"PHOTO.JPG":  true,
		"clip.MOV":   true,
		"raw.cr2":    true,
		"doc.txt":    false,
		"noext":      false,
		"sidecar.xmp": false,
	}
	for name, want := range cases {
		if got := IsMediaFile(name); got != want {
			t.Errorf("IsMediaFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestWalkVisitsOnlyWhitelistedFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.jpg", "b.txt", "c.mp4"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("data"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	var visited []string
	err := Walk([]string{dir}, func(path string, info os.FileInfo) error {
		visited = append(visited, filepath.Base(path))
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(visited) != 2 {
		t.Fatalf("visited = %v, want 2 media files", visited)
	}
}

func TestChecksumIsStableAndDistinguishesContent(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.jpg")
	pathB := filepath.Join(dir, "b.jpg")
	os.WriteFile(pathA, []byte("same bytes"), 0o644)
	os.WriteFile(pathB, []byte("same bytes"), 0o644)

	sumA1, err := Checksum(pathA)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	sumA2, err := Checksum(pathA)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if sumA1 != sumA2 {
		t.Errorf("Checksum not stable across calls: %s vs %s", sumA1, sumA2)
	}

	sumB, err := Checksum(pathB)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if sumA1 != sumB {
		t.Errorf("identical content should produce identical checksums")
	}

	os.WriteFile(pathB, []byte("different bytes"), 0o644)
	sumB2, _ := Checksum(pathB)
	if sumA1 == sumB2 {
		t.Errorf("different content should produce different checksums")
	}
}

func TestCameraCombinesMakeAndModel(t *testing.T) {
	cases := []struct {
		make_, model, want string
	}{
		{"Canon", "EOS R5", "Canon EOS R5"},
		{"Canon", "", "Canon"},
		{"", "EOS R5", "EOS R5"},
		{"", "", ""},
	}
	for _, c := range cases {
		m := ExtractedMetadata{CameraMake: c.make_, CameraModel: c.model}
		if got := m.Camera(); got != c.want {
			t.Errorf("Camera() = %q, want %q", got, c.want)
		}
	}
}

// fakeExtractor is a trivial EXIFExtractor; the assertion below checks at
// compile time that such a stand-in satisfies the interface.
type fakeExtractor struct {
	meta ExtractedMetadata
	err  error
}

func (f fakeExtractor) Extract(path string) (ExtractedMetadata, error) { return f.meta, f.err }

var _ EXIFExtractor = fakeExtractor{}
