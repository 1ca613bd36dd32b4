package transfer

import (
	"context"
	"fmt"
	"github.com/Bixcoitoo/harvester-api/constant"
	"os/exec"
	"strings"
)

// audio bitrates for mp3 output
var audioBitrates = map[constant.Quality]string{
	constant.QualityLow:    "128k",
	constant.QualityMedium: "192k",
	constant.QualityHigh:   "320k",
}

type Transcoder struct {
	Binary string
}

func NewTranscoder(binary string) *Transcoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Transcoder{Binary: binary}
}

func mp3Args(input, output string, quality constant.Quality) []string {
	bitrate, ok := audioBitrates[quality]
	if !ok {
		bitrate = audioBitrates[constant.DefaultQuality]
	}
	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", input,
		"-vn",
		"-codec:a", "libmp3lame",
		"-b:a", bitrate,
		output,
	}
}

// ToMP3 extracts the audio track of input into an mp3 file at output.
func (t *Transcoder) ToMP3(ctx context.Context, input, output string, quality constant.Quality) error {
	cmd := exec.CommandContext(ctx, t.Binary, mp3Args(input, output, quality)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
