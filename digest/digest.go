// Package digest normalizes uploaded meal images and derives the identifiers the cache is keyed on.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"mealsnap"

	"golang.org/x/text/unicode/norm"
)

const (
	domainTag = "mealsnap/image/v1"
	keyTag    = "mealsnap/key/v1"

	// MaxPixels bounds the decoded size of an image.
	MaxPixels = 48_000_000
)

// Image is a decoded, validated photo with its content digest.
type Image struct {
	Bytes   []byte
	Format  string
	Width   int
	Height  int
	Capture *mealsnap.CaptureMetadata
	Digest  mealsnap.ImageDigest
}

// Normalize decodes raw and computes its ImageDigest. The digest covers the pixel data and the
// caller's capture metadata but not the container, so re-encoding an image without changing its
// pixels does not change the digest.
func Normalize(raw []byte, capture *mealsnap.CaptureMetadata) (Image, error) {
	if len(raw) == 0 {
		return Image{}, fmt.Errorf("%w: empty image", mealsnap.ErrMalformedImage)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", mealsnap.ErrMalformedImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > MaxPixels {
		return Image{}, fmt.Errorf("%w: unsupported dimensions %dx%d", mealsnap.ErrMalformedImage, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", mealsnap.ErrMalformedImage, err)
	}

	b := img.Bounds()
	pix := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(pix, pix.Bounds(), img, b.Min, draw.Src)

	h := sha256.New()
	h.Write([]byte(domainTag))
	var dims [8]byte
	binary.BigEndian.PutUint32(dims[:4], uint32(b.Dx()))
	binary.BigEndian.PutUint32(dims[4:], uint32(b.Dy()))
	h.Write(dims[:])
	h.Write(pix.Pix)

	meta := []byte("null")
	if capture != nil {
		meta, err = json.Marshal(capture)
		if err != nil {
			return Image{}, fmt.Errorf("failed to encode capture metadata: %w", err)
		}
	}
	h.Write(meta)

	return Image{
		Bytes:   raw,
		Format:  format,
		Width:   b.Dx(),
		Height:  b.Dy(),
		Capture: capture,
		Digest:  mealsnap.ImageDigest(hex.EncodeToString(h.Sum(nil))),
	}, nil
}

// Key identifies one memoized analysis. Goal is empty for goal-independent entries.
type Key struct {
	Digest   mealsnap.ImageDigest
	Versions mealsnap.ModelVersions
	Goal     string
}

// String returns the sha256 of the key's canonical form. Version strings are NFC-normalized and
// trimmed, so equivalent spellings map to the same key while any real version change does not.
func (k Key) String() string {
	doc := map[string]string{
		"tag":       keyTag,
		"digest":    string(k.Digest),
		"vision":    canon(k.Versions.Vision),
		"reference": canon(k.Versions.Reference),
		"reasoning": canon(k.Versions.Reasoning),
		"pipeline":  canon(k.Versions.Pipeline),
	}
	if k.Goal != "" {
		doc["goal"] = k.Goal
	}
	// encoding/json writes map keys in sorted order.
	b, _ := json.Marshal(doc)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// WithGoal scopes the key to one goal profile.
func (k Key) WithGoal(g mealsnap.GoalProfile) Key {
	k.Goal = g.Fingerprint()
	return k
}

func canon(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
