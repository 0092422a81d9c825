// Package index builds and serves the published search index:
// embedding vectors plus perceptual image hashes, written as
// immutable generations with an atomic CURRENT pointer.
package index

import (
	"bytes"
	"encoding/hex"
	"image"
	"math/bits"

	// Register the decoders product CDNs actually serve.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/corona10/goimagehash"
	"github.com/rotisserie/eris"
	"golang.org/x/image/draw"
)

// hashWords is the 16x16 extended perceptual hash size in uint64 words.
const hashWords = 4

// maxHashInput bounds the pixel area fed to the DCT; anything larger
// is downscaled first.
const maxHashInput = 256

// Hash is a 256-bit perceptual image hash.
type Hash [hashWords]uint64

// String returns the hash as lowercase hex.
func (h Hash) String() string {
	buf := make([]byte, 0, hashWords*8)
	for _, w := range h {
		for i := 7; i >= 0; i-- {
			buf = append(buf, byte(w>>(8*i)))
		}
	}
	return hex.EncodeToString(buf)
}

// ParseHash decodes a hex hash produced by String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, eris.Wrap(err, "index: decode hash")
	}
	if len(raw) != hashWords*8 {
		return h, eris.Errorf("index: hash is %d bytes, want %d", len(raw), hashWords*8)
	}
	for i := range h {
		for j := 0; j < 8; j++ {
			h[i] = h[i]<<8 | uint64(raw[i*8+j])
		}
	}
	return h, nil
}

// Distance returns the Hamming distance between two hashes.
func (h Hash) Distance(other Hash) int {
	d := 0
	for i := range h {
		d += bits.OnesCount64(h[i] ^ other[i])
	}
	return d
}

// ComputeHash decodes an image and returns its 16x16 perceptual hash.
func ComputeHash(data []byte) (Hash, error) {
	var h Hash
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return h, eris.Wrap(err, "index: decode image")
	}

	img = shrink(img)

	ext, err := goimagehash.ExtPerceptionHash(img, 16, 16)
	if err != nil {
		return h, eris.Wrap(err, "index: perception hash")
	}
	words := ext.GetHash()
	if len(words) != hashWords {
		return h, eris.Errorf("index: hash has %d words, want %d", len(words), hashWords)
	}
	copy(h[:], words)
	return h, nil
}

// shrink downscales large images before hashing. The hash only looks
// at low-frequency structure, so bilinear is plenty.
func shrink(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxHashInput && h <= maxHashInput {
		return img
	}
	scale := float64(maxHashInput) / float64(max(w, h))
	dst := image.NewRGBA(image.Rect(0, 0, int(float64(w)*scale), int(float64(h)*scale)))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
