package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/disintegration/imaging"
)

// Origin tells where a cached artifact was resolved from.
type Origin string

const (
	OriginEngine Origin = "engine"
	OriginDisk   Origin = "disk"
)

// Artifact is a decoded preview held in memory.
type Artifact struct {
	Image       image.Image
	Data        []byte
	MimeType    string
	Bounds      image.Rectangle
	GeneratedAt time.Time
	Origin      Origin
}

func decodeArtifact(data []byte, mime string, origin Origin) (*Artifact, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding preview: %w", err)
	}
	return &Artifact{
		Image:       img,
		Data:        data,
		MimeType:    mime,
		Bounds:      img.Bounds(),
		GeneratedAt: time.Now(),
		Origin:      origin,
	}, nil
}

// Scaled returns the artifact encoded at width pixels, preserving aspect
// ratio. A width of zero, or one at least as wide as the image, returns the
// original bytes.
func (a *Artifact) Scaled(width int) ([]byte, error) {
	if width <= 0 || width >= a.Bounds.Dx() {
		return a.Data, nil
	}
	img := imaging.Resize(a.Image, width, 0, imaging.Lanczos)

	var buf bytes.Buffer
	var err error
	if a.MimeType == "image/jpeg" {
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85))
	} else {
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.DefaultCompression))
	}
	if err != nil {
		return nil, fmt.Errorf("encoding scaled preview: %w", err)
	}
	return buf.Bytes(), nil
}
