// Package hashing computes the perceptual hashes used for duplicate
// detection (C1) and the distance/similarity metrics built on top of them.
package hashing

import (
	"errors"
	"fmt"
	stdimage "image"
	"math/bits"
	"strconv"

	"github.com/corona10/goimagehash"
	"golang.org/x/image/draw"
)

// ErrNilImage is returned when a nil image is passed to a hash function.
var ErrNilImage = errors.New("hashing: image cannot be nil")

// Kind identifies which of the three perceptual hashes a value was computed with.
type Kind string

const (
	KindDHash Kind = "dhash"
	KindAHash Kind = "ahash"
	KindWHash Kind = "whash"
)

// Provider abstracts hash computation so job processors can be tested
// without decoding real images, mirroring the pack's HashProvider interface.
type Provider interface {
	DHash(img stdimage.Image) (string, error)
	AHash(img stdimage.Image) (string, error)
	WHash(img stdimage.Image) (string, error)
}

// DefaultProvider computes dHash/aHash via goimagehash and wHash via a
// hand-rolled Haar wavelet transform (no pack library implements it).
type DefaultProvider struct{}

func NewDefaultProvider() Provider { return &DefaultProvider{} }

// DHash converts to luminance, conceptually resizes to 9x8 and emits
// bit[i*8+j] = pixel(i,j) > pixel(i,j+1); goimagehash.DifferenceHash
// implements exactly this algorithm.
func (DefaultProvider) DHash(img stdimage.Image) (string, error) {
	if img == nil {
		return "", ErrNilImage
	}
	h, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return "", fmt.Errorf("dhash: %w", err)
	}
	return toHex(h.GetHash()), nil
}

// AHash resizes to 8x8 and emits bit = pixel > mean(pixels).
func (DefaultProvider) AHash(img stdimage.Image) (string, error) {
	if img == nil {
		return "", ErrNilImage
	}
	h, err := goimagehash.AverageHash(img)
	if err != nil {
		return "", fmt.Errorf("ahash: %w", err)
	}
	return toHex(h.GetHash()), nil
}

// WHash resizes to 32x32, takes the low-frequency quadrant of a one-level
// 2-D Haar wavelet transform, resizes that to 8x8, and emits
// bit = coefficient > median(coefficients).
func (DefaultProvider) WHash(img stdimage.Image) (string, error) {
	if img == nil {
		return "", ErrNilImage
	}
	const large = 32
	const small = 8

	gray := toGray(img, large)
	lowFreq := haarLowFrequency(gray, large)     // large/2 x large/2
	coeffs := resizeGrayscale(lowFreq, large/2, small)

	median := medianOf(coeffs)
	var hash uint64
	for i, v := range coeffs {
		if v > median {
			hash |= 1 << (63 - uint(i))
		}
	}
	return toHex(hash), nil
}

func toHex(h uint64) string {
	return fmt.Sprintf("%016x", h)
}

// toGray renders img into an NxN grayscale float64 grid using a
// high-quality (Catmull-Rom) resize, matching the "high-quality filter"
// language in §4.1.
func toGray(img stdimage.Image, n int) []float64 {
	dst := stdimage.NewGray(stdimage.Rect(0, 0, n, n))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)

	out := make([]float64, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			out[y*n+x] = float64(dst.GrayAt(x, y).Y)
		}
	}
	return out
}

// haarLowFrequency applies one level of a 2-D Haar wavelet transform to an
// nxn grid and returns only the (n/2)x(n/2) low-frequency approximation.
func haarLowFrequency(grid []float64, n int) []float64 {
	half := n / 2
	// Horizontal pass: average adjacent columns.
	rowAvg := make([]float64, n*half)
	for y := 0; y < n; y++ {
		for x := 0; x < half; x++ {
			a, b := grid[y*n+2*x], grid[y*n+2*x+1]
			rowAvg[y*half+x] = (a + b) / 2
		}
	}
	// Vertical pass: average adjacent rows.
	out := make([]float64, half*half)
	for y := 0; y < half; y++ {
		for x := 0; x < half; x++ {
			a, b := rowAvg[2*y*half+x], rowAvg[(2*y+1)*half+x]
			out[y*half+x] = (a + b) / 2
		}
	}
	return out
}

// resizeGrayscale nearest-neighbor-samples a srcN x srcN grid down to
// dstN x dstN, taking one source value per output cell without averaging.
// Used only for the 16x16 -> 8x8 downscale of the already low-passed
// wavelet coefficients.
func resizeGrayscale(grid []float64, srcN, dstN int) []float64 {
	if srcN == dstN {
		out := make([]float64, len(grid))
		copy(out, grid)
		return out
	}
	ratio := float64(srcN) / float64(dstN)
	out := make([]float64, dstN*dstN)
	for y := 0; y < dstN; y++ {
		sy := int(float64(y) * ratio)
		if sy >= srcN {
			sy = srcN - 1
		}
		for x := 0; x < dstN; x++ {
			sx := int(float64(x) * ratio)
			if sx >= srcN {
				sx = srcN - 1
			}
			out[y*dstN+x] = grid[sy*srcN+sx]
		}
	}
	return out
}

func medianOf(vals []float64) float64 {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	// Insertion sort: vals is always 64 elements (8x8), not worth importing sort for.
	for i := 1; i < len(sorted); i++ {
		v := sorted[i]
		j := i - 1
		for j >= 0 && sorted[j] > v {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = v
	}
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// HammingDistance returns the number of differing bits between two 16-hex-digit
// (64-bit) perceptual hashes, or an error if either is malformed.
func HammingDistance(h1, h2 string) (int, error) {
	a, err := parseHex(h1)
	if err != nil {
		return 0, err
	}
	b, err := parseHex(h2)
	if err != nil {
		return 0, err
	}
	return bits.OnesCount64(a ^ b), nil
}

// SimilarityScore returns 100*(1 - distance/64) rounded toward zero.
func SimilarityScore(h1, h2 string) (int, error) {
	d, err := HammingDistance(h1, h2)
	if err != nil {
		return 0, err
	}
	return 100 * (64 - d) / 64, nil
}

func parseHex(h string) (uint64, error) {
	if len(h) != 16 {
		return 0, fmt.Errorf("hashing: hash %q must be 16 hex digits", h)
	}
	v, err := strconv.ParseUint(h, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("hashing: parse hash %q: %w", h, err)
	}
	return v, nil
}
