package preview

import (
	"fmt"
	"strings"

	"github.com/jeremieb/developer-diary/internal/engine"
)

// Preset is the fixed export configuration used for every record. One
// preset is chosen per deployment so the file extension on disk is stable.
type Preset struct {
	Name     string
	MimeType string
	Ext      string
	Width    int
	Height   int
	// CompressionLevel applies to PNG presets (0-9).
	CompressionLevel int
	// Quality applies to JPEG presets (0-1).
	Quality float64
}

var (
	// Thumbnail is a small lossless preview for list cells.
	Thumbnail = Preset{
		Name:             "thumbnail",
		MimeType:         "image/png",
		Ext:              "png",
		Width:            300,
		Height:           300,
		CompressionLevel: 5,
	}
	// Portrait is a large lossy preview sized for a phone screen.
	Portrait = Preset{
		Name:     "portrait",
		MimeType: "image/jpeg",
		Ext:      "jpeg",
		Width:    1024,
		Height:   1920,
		Quality:  0.8,
	}
)

// PresetByName resolves a configured preset name.
func PresetByName(name string) (Preset, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", Thumbnail.Name:
		return Thumbnail, nil
	case Portrait.Name:
		return Portrait, nil
	}
	return Preset{}, fmt.Errorf("unknown preview preset %q (want thumbnail or portrait)", name)
}

// ExportOptions converts the preset to engine export options.
func (p Preset) ExportOptions() engine.ExportOptions {
	return engine.ExportOptions{
		MimeType:         p.MimeType,
		TargetWidth:      p.Width,
		TargetHeight:     p.Height,
		CompressionLevel: p.CompressionLevel,
		Quality:          p.Quality,
	}
}
