// Package progress publishes pipeline progress events on item-scoped
// channels and fans them out to live WebSocket observers.
package progress

import (
	"strings"
	"time"
)

// Stage enumerates the closed, ordered set of pipeline stages an item moves
// through. The terminal error stage can occur at any point and overrides
// forward progress.
type Stage string

const (
	StageUploadStart    Stage = "upload_start"
	StageUploadComplete Stage = "upload_complete"
	StageTranscodeStart Stage = "transcode_start"
	StageTranscodeDone  Stage = "transcode_done"
	StagePackageStart   Stage = "package_start"
	StagePackageDone    Stage = "package_done"
	StageError          Stage = "error"
)

type stageInfo struct {
	percent int
	// ceiling bounds in-stage progress reported via Advance; it equals the
	// next stage's percent.
	ceiling int
	message string
}

// info maps a stage to its published percent and message. The switch is
// exhaustive over the stage set; unknown keys report ok=false.
func (s Stage) info() (stageInfo, bool) {
	switch s {
	case StageUploadStart:
		return stageInfo{percent: 0, ceiling: 10, message: "Upload started..."}, true
	case StageUploadComplete:
		return stageInfo{percent: 10, ceiling: 15, message: "Upload completed."}, true
	case StageTranscodeStart:
		return stageInfo{percent: 15, ceiling: 50, message: "Processing video..."}, true
	case StageTranscodeDone:
		return stageInfo{percent: 50, ceiling: 60, message: "Transcoding complete."}, true
	case StagePackageStart:
		return stageInfo{percent: 60, ceiling: 100, message: "Generating video formats..."}, true
	case StagePackageDone:
		return stageInfo{percent: 100, ceiling: 100, message: "Video ready to watch"}, true
	case StageError:
		return stageInfo{percent: 100, ceiling: 100, message: "Something went wrong"}, true
	default:
		return stageInfo{}, false
	}
}

// Event is the wire representation forwarded to observers. Time is epoch
// milliseconds.
type Event struct {
	ItemID  string `json:"itemId"`
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
	Time    int64  `json:"time"`
}

// ChannelPrefix namespaces the per-item progress channels.
const ChannelPrefix = "video-progress:"

// ChannelPattern matches every item-scoped progress channel.
const ChannelPattern = ChannelPrefix + "*"

// ChannelFor returns the progress channel for an item.
func ChannelFor(itemID string) string {
	return ChannelPrefix + itemID
}

// ItemFromChannel extracts the item ID from a progress channel name.
func ItemFromChannel(channel string) (string, bool) {
	id, found := strings.CutPrefix(channel, ChannelPrefix)
	if !found || id == "" {
		return "", false
	}
	return id, true
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
