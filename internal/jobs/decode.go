package jobs

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
)

// ImageDecoder reads a source path into a decoded image.Image. Image
// decoding is an out-of-scope external collaborator per the framework's
// design; detect_duplicates and score_quality depend on this function type,
// never on a specific decoding library.
type ImageDecoder func(path string) (image.Image, error)

// DecodeFile is the default ImageDecoder, covering the stdlib-registered
// formats (jpeg, png, gif). RAW and HEIC formats require an external
// decoder to be substituted here; that substitution is exactly what the
// interface boundary is for.
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}
