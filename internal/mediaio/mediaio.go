// Package mediaio is the scan job's filesystem and metadata boundary: it
// walks source directories, checksums files, and extracts EXIF metadata
// through an interface so the job framework never depends on a concrete
// decoding library directly.
package mediaio

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// mediaWhitelist is the §6 case-insensitive extension whitelist for scan.
var mediaWhitelist = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".heic": true, ".heif": true, ".raw": true, ".cr2": true,
	".nef": true, ".arw": true, ".dng": true,
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
}

// IsMediaFile reports whether path's extension is in the scan whitelist.
func IsMediaFile(path string) bool {
	return mediaWhitelist[strings.ToLower(filepath.Ext(path))]
}

// videoExtensions is the subset of mediaWhitelist that §3's Image.file_type
// classifies as "video" rather than "image".
var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
}

// IsVideoFile reports whether path's extension is one of the video
// extensions in the scan whitelist.
func IsVideoFile(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}

// Walk visits every whitelisted media file under each source directory.
func Walk(dirs []string, visit func(path string, info fs.FileInfo) error) error {
	for _, dir := range dirs {
		err := filepath.Walk(dir, func(path string, info fs.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			if !IsMediaFile(path) {
				return nil
			}
			return visit(path, info)
		})
		if err != nil {
			return fmt.Errorf("mediaio: walk %s: %w", dir, err)
		}
	}
	return nil
}

// Checksum computes the SHA-256 hex digest of a file's contents.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("mediaio: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("mediaio: checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ExtractedMetadata is what EXIFExtractor pulls out of a media file.
type ExtractedMetadata struct {
	Timestamp   time.Time
	HasTime     bool
	CameraMake  string
	CameraModel string
}

// Camera renders a "make model" string, the same shape Image.Camera reads.
func (m ExtractedMetadata) Camera() string {
	switch {
	case m.CameraMake != "" && m.CameraModel != "":
		return strings.TrimSpace(m.CameraMake + " " + m.CameraModel)
	case m.CameraMake != "":
		return m.CameraMake
	default:
		return m.CameraModel
	}
}

// EXIFExtractor is referenced only through this interface by the scan job;
// image decoding and EXIF parsing are out-of-scope external collaborators.
type EXIFExtractor interface {
	Extract(path string) (ExtractedMetadata, error)
}

// GoExifExtractor implements EXIFExtractor using rwcarlsen/goexif, the
// library the pack's own image CLI decodes EXIF with.
type GoExifExtractor struct{}

func NewGoExifExtractor() EXIFExtractor { return GoExifExtractor{} }

func (GoExifExtractor) Extract(path string) (ExtractedMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return ExtractedMetadata{}, fmt.Errorf("mediaio: open %s for exif: %w", path, err)
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		// Files without EXIF (png, gif, non-image) are not an error condition;
		// they yield empty metadata, so the scan job records no EXIF date or
		// camera for them.
		return ExtractedMetadata{}, nil
	}

	meta := ExtractedMetadata{}
	if ts, err := x.DateTime(); err == nil {
		meta.Timestamp = ts
		meta.HasTime = true
	}
	if make_, err := x.Get(exif.Make); err == nil {
		if s, err := make_.StringVal(); err == nil {
			meta.CameraMake = strings.TrimSpace(s)
		}
	}
	if model, err := x.Get(exif.Model); err == nil {
		if s, err := model.StringVal(); err == nil {
			meta.CameraModel = strings.TrimSpace(s)
		}
	}
	return meta, nil
}
