// Package media holds the shared domain types for the VOD pipeline: the
// encoding ladder, the static rendition lookup table, and the payloads that
// travel between the transcode and packaging stages.
package media

import (
	"path/filepath"
	"strings"
)

// Rendition describes one output profile in the encoding ladder. Height is
// the vertical pixel target handed to the encoder's scale filter.
type Rendition struct {
	Name   string
	Height int
}

// RenditionInfo carries the advertised bandwidth and frame size for a
// rendition. The values are static; they are never measured from the
// encoded output.
type RenditionInfo struct {
	Bandwidth  int
	Resolution string
}

// DefaultLadder is the encoding ladder applied to every upload.
var DefaultLadder = []Rendition{
	{Name: "360p", Height: 360},
	{Name: "720p", Height: 720},
	{Name: "1080p", Height: 1080},
}

// renditionTable maps rendition names to their advertised stream
// parameters. Master manifests list renditions in ladder order using these
// values verbatim.
var renditionTable = map[string]RenditionInfo{
	"360p":  {Bandwidth: 800000, Resolution: "640x360"},
	"720p":  {Bandwidth: 1400000, Resolution: "1280x720"},
	"1080p": {Bandwidth: 3000000, Resolution: "1920x1080"},
}

// LookupRendition returns the advertised parameters for a rendition name.
func LookupRendition(name string) (RenditionInfo, bool) {
	info, ok := renditionTable[name]
	return info, ok
}

// LadderOrder returns the rendition names in ladder order. The packaging
// stage uses it to emit master manifest entries deterministically.
func LadderOrder() []string {
	names := make([]string, 0, len(DefaultLadder))
	for _, r := range DefaultLadder {
		names = append(names, r.Name)
	}
	return names
}

// videoExtensions is the allowlist applied when the packaging stage scans a
// transcode output directory for rendition sources.
var videoExtensions = map[string]struct{}{
	".mp4":  {},
	".mov":  {},
	".mkv":  {},
	".avi":  {},
	".webm": {},
	".flv":  {},
	".wmv":  {},
	".m4v":  {},
}

// IsVideoFile reports whether the filename carries a recognised media
// extension.
func IsVideoFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	_, ok := videoExtensions[ext]
	return ok
}

// TranscodeJob is the payload consumed by the transcode stage worker.
type TranscodeJob struct {
	VideoID        string `json:"videoId"`
	InputPath      string `json:"inputPath"`
	BaseOutputPath string `json:"baseOutputPath"`
}

// PackagingJob is the payload produced on transcode completion and consumed
// by the packaging stage worker. SourceFiles lists the rendition files the
// transcode stage wrote into OutputDir.
type PackagingJob struct {
	VideoID     string   `json:"videoId"`
	OutputDir   string   `json:"outputDir"`
	SourceFiles []string `json:"sourceFiles"`
}
