// Package fingerprint derives perceptual image fingerprints used to detect
// duplicate scans of the same physical object.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"image"
	"math/bits"

	"github.com/lehigh-university-libraries/ephemera/internal/images"
	"golang.org/x/image/draw"
)

const (
	gridSize = 8
	// Length is the fixed length of every fingerprint.
	Length = gridSize * gridSize / 4

	// DefaultThreshold is the similarity above which two fingerprints are
	// treated as the same object by IsDuplicate.
	DefaultThreshold = 0.9

	rawPrefixBytes = 4096
)

// Compute returns the 8x8 average hash of the image as 16 hex characters.
// Input that cannot be decoded falls back to a hash of its length and leading
// bytes, which only matches byte-identical files.
func Compute(data []byte) string {
	img, _, err := images.Decode(data)
	if err != nil {
		return rawHash(data)
	}
	return averageHash(img)
}

func averageHash(img image.Image) string {
	b := img.Bounds()
	if b.Empty() {
		return fmt.Sprintf("%016x", uint64(0))
	}

	gray := image.NewGray(image.Rect(0, 0, gridSize, gridSize))
	draw.BiLinear.Scale(gray, gray.Bounds(), img, b, draw.Src, nil)

	var sum int
	for _, v := range gray.Pix {
		sum += int(v)
	}

	// v >= sum/n, kept in integers
	n := len(gray.Pix)
	var h uint64
	for i, v := range gray.Pix {
		if int(v)*n >= sum {
			h |= 1 << (63 - uint(i))
		}
	}
	return fmt.Sprintf("%016x", h)
}

func rawHash(data []byte) string {
	h := fnv.New64a()
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(data)))
	h.Write(n[:])
	h.Write(data[:min(len(data), rawPrefixBytes)])
	return fmt.Sprintf("%016x", h.Sum64())
}

// Similarity returns the fraction of matching bits between two fingerprints,
// or 0 when either is malformed.
func Similarity(a, b string) float64 {
	x, ok := decode(a)
	if !ok {
		return 0
	}
	y, ok := decode(b)
	if !ok {
		return 0
	}
	differing := bits.OnesCount64(x ^ y)
	return 1 - float64(differing)/float64(gridSize*gridSize)
}

// IsDuplicate reports whether the similarity of a and b reaches threshold.
func IsDuplicate(a, b string, threshold float64) bool {
	return Similarity(a, b) >= threshold
}

func decode(s string) (uint64, bool) {
	if len(s) != Length {
		return 0, false
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return 0, false
	}
	return binary.BigEndian.Uint64(raw), true
}
