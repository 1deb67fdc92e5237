package progress

import "testing"

func TestStageTable(t *testing.T) {
	cases := []struct {
		stage   Stage
		percent int
		ceiling int
		message string
	}{
		{StageUploadStart, 0, 10, "Upload started..."},
		{StageUploadComplete, 10, 15, "Upload completed."},
		{StageTranscodeStart, 15, 50, "Processing video..."},
		{StageTranscodeDone, 50, 60, "Transcoding complete."},
		{StagePackageStart, 60, 100, "Generating video formats..."},
		{StagePackageDone, 100, 100, "Video ready to watch"},
		{StageError, 100, 100, "Something went wrong"},
	}
	for _, tc := range cases {
		t.Run(string(tc.stage), func(t *testing.T) {
			info, ok := tc.stage.info()
			if !ok {
				t.Fatalf("stage %s missing from table", tc.stage)
			}
			if info.percent != tc.percent {
				t.Fatalf("percent = %d, want %d", info.percent, tc.percent)
			}
			if info.ceiling != tc.ceiling {
				t.Fatalf("ceiling = %d, want %d", info.ceiling, tc.ceiling)
			}
			if info.message != tc.message {
				t.Fatalf("message = %q, want %q", info.message, tc.message)
			}
		})
	}
}

func TestStageTableRejectsUnknown(t *testing.T) {
	if _, ok := Stage("transcoding").info(); ok {
		t.Fatal("unknown stage should not resolve")
	}
}

func TestChannelRoundTrip(t *testing.T) {
	channel := ChannelFor("abc-123")
	if channel != "video-progress:abc-123" {
		t.Fatalf("channel = %s", channel)
	}
	id, ok := ItemFromChannel(channel)
	if !ok || id != "abc-123" {
		t.Fatalf("item = %s ok=%v", id, ok)
	}
	if _, ok := ItemFromChannel("other:abc"); ok {
		t.Fatal("foreign channel should not resolve")
	}
	if _, ok := ItemFromChannel(ChannelPrefix); ok {
		t.Fatal("empty item should not resolve")
	}
}
