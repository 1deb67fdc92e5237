package packaging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"vodforge/internal/media"
	"vodforge/internal/pipeline"
)

// MasterManifestName is the adaptive playlist written at the root of a
// packaged output directory.
const MasterManifestName = "master.m3u8"

// BuildMaster renders the master HLS playlist for the packaged renditions.
// Variant order follows the rendition ladder regardless of the order the
// renditions finished in, so repeated runs emit identical manifests.
func BuildMaster(renditions []string) string {
	packaged := make(map[string]struct{}, len(renditions))
	for _, name := range renditions {
		packaged[name] = struct{}{}
	}
	lines := []string{"#EXTM3U"}
	for _, name := range media.LadderOrder() {
		if _, ok := packaged[name]; !ok {
			continue
		}
		info, ok := media.LookupRendition(name)
		if !ok {
			continue
		}
		lines = append(lines,
			fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s", info.Bandwidth, info.Resolution),
			fmt.Sprintf("%s/index.m3u8", name),
		)
	}
	return strings.Join(lines, "\n")
}

// WriteMaster writes the master playlist into dir and returns its path.
func WriteMaster(dir string, renditions []string) (string, error) {
	path := filepath.Join(dir, MasterManifestName)
	if err := os.WriteFile(path, []byte(BuildMaster(renditions)), 0o644); err != nil {
		return "", &pipeline.FilesystemError{Op: "write", Path: path, Err: err}
	}
	return path, nil
}
