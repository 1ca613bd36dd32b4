package transfer

import (
	"bytes"
	"context"
	"errors"
	"github.com/Bixcoitoo/harvester-api/constant"
	"github.com/google/uuid"
	"github.com/kkdai/youtube/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeSource struct {
	match   string
	percent []float64
	body    string
	err     error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Match(url string) bool { return strings.Contains(url, f.match) }

func (f *fakeSource) Fetch(_ context.Context, _ Request, dir string, progress ProgressFunc) (string, error) {
	for _, p := range f.percent {
		progress(Progress{Percent: p, Rate: "1.00 MB/s"})
	}
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(dir, "source.mp4")
	return path, os.WriteFile(path, []byte(f.body), 0o644)
}

func TestRegistryMatch(t *testing.T) {
	sc := NewSoundCloud("yt-dlp")
	yt := NewYouTube()
	r := NewRegistry(yt)
	r.Register(sc)

	tests := []struct {
		url  string
		want Source
	}{
		{"https://www.youtube.com/watch?v=abc", yt},
		{"https://youtu.be/abc", yt},
		{"https://music.youtube.com/watch?v=abc", yt},
		{"https://soundcloud.com/artist/track", sc},
		{"https://vimeo.com/123", nil},
		{"ftp://youtube.com/x", nil},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got := r.Match(tt.url)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want.Name(), got.Name())
		})
	}
	assert.Len(t, r.Sources(), 2)
}

func TestNewCommandInvalidPattern(t *testing.T) {
	_, err := NewCommand("bad", "yt-dlp", "[invalid")
	assert.Error(t, err)

	c, err := NewCommand("vimeo", "yt-dlp", `^https?://vimeo\.com/`)
	require.NoError(t, err)
	assert.True(t, c.Match("https://vimeo.com/1"))
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		reason    string
		retryable bool
	}{
		{"ffmpeg", errors.New("ffmpeg: exit status 1"), "Media processing error (FFmpeg failed). Please try again.", false},
		{"disk", errors.New("write /tmp/x: no space left on device"), "Disk space exhausted. Cannot complete download.", false},
		{"forbidden", errors.New("unexpected status code: 403"), "Access forbidden. The source might be throttling the server.", true},
		{"timeout", context.DeadlineExceeded, "Transfer timed out.", true},
		{"cancelled", context.Canceled, "Transfer cancelled.", false},
		{"unknown", errors.New("/secret/path exploded"), "An unexpected technical error occurred during processing.", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := describe(tt.err)
			assert.Equal(t, tt.reason, err.Error())
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestDescribeKeepsFailure(t *testing.T) {
	f := permanent("custom", errors.New("x"))
	assert.Same(t, f, describe(f))
	assert.Nil(t, describe(nil))
	assert.False(t, IsRetryable(nil))
}

func TestScanProgress(t *testing.T) {
	out := strings.Join([]string{
		"[youtube] abc: Downloading webpage",
		"[download] Destination: /tmp/source.webm",
		"[download]   0.5% of 3.52MiB at 512.00KiB/s ETA 00:07",
		"[download]  42.3% of 3.52MiB at  1.21MiB/s ETA 00:02",
		"[download] 100% of 3.52MiB in 00:02",
	}, "\n")

	var got []Progress
	scanProgress(bytes.NewBufferString(out), func(p Progress) { got = append(got, p) })

	require.Len(t, got, 3)
	assert.InDelta(t, 0.5, got[0].Percent, 0.001)
	assert.Equal(t, "512.00KiB/s", got[0].Rate)
	assert.InDelta(t, 42.3, got[1].Percent, 0.001)
	assert.Equal(t, "1.21MiB/s", got[1].Rate)
	assert.InDelta(t, 99, got[2].Percent, 0.001)
}

func TestCommandArgs(t *testing.T) {
	c := NewSoundCloud("yt-dlp")
	args := c.args(Request{URL: "https://soundcloud.com/a/b", Format: constant.FormatMP4, Quality: constant.QualityMedium}, "/tmp/j")
	assert.Contains(t, args, "--newline")
	assert.Contains(t, args, "best[ext=mp4][height<=720]/best[ext=mp4]/best")
	assert.Equal(t, "https://soundcloud.com/a/b", args[len(args)-1])
}

func TestMP3Args(t *testing.T) {
	args := mp3Args("in.m4a", "out.mp3", constant.QualityLow)
	assert.Equal(t, []string{"-y", "-hide_banner", "-loglevel", "error", "-i", "in.m4a", "-vn", "-codec:a", "libmp3lame", "-b:a", "128k", "out.mp3"}, args)

	args = mp3Args("in.m4a", "out.mp3", "unknown")
	assert.Contains(t, args, "320k")
}

func TestCountingReaderCapsAt99(t *testing.T) {
	var last Progress
	r := &countingReader{
		r:        bytes.NewReader(make([]byte, 100)),
		total:    100,
		started:  time.Now().Add(-time.Second),
		progress: func(p Progress) { last = p },
	}
	buf := make([]byte, 100)
	_, err := r.Read(buf)
	require.NoError(t, err)
	assert.InDelta(t, 99, last.Percent, 0.001)
	assert.True(t, strings.HasSuffix(last.Rate, "MB/s"))
}

func TestFormatSelection(t *testing.T) {
	formats := youtube.FormatList{
		{ItagNo: 18, MimeType: "video/mp4; codecs=\"avc1\"", QualityLabel: "360p", AudioChannels: 2},
		{ItagNo: 22, MimeType: "video/mp4; codecs=\"avc1\"", QualityLabel: "720p", AudioChannels: 2},
		{ItagNo: 137, MimeType: "video/mp4; codecs=\"avc1\"", QualityLabel: "1080p"},
		{ItagNo: 140, MimeType: "audio/mp4; codecs=\"mp4a\"", Bitrate: 130000, AudioChannels: 2},
		{ItagNo: 251, MimeType: "audio/webm; codecs=\"opus\"", Bitrate: 160000, AudioChannels: 2},
	}

	assert.Equal(t, 22, bestProgressiveFormat(formats, 1080).ItagNo)
	assert.Equal(t, 18, bestProgressiveFormat(formats, 360).ItagNo)
	assert.Equal(t, 18, bestProgressiveFormat(formats, 144).ItagNo)
	assert.Equal(t, 251, bestAudioFormat(formats).ItagNo)
	assert.Nil(t, bestAudioFormat(formats[:3]))
	assert.Equal(t, ".webm", extensionFor(formats[4].MimeType))
	assert.Equal(t, ".m4a", extensionFor(formats[3].MimeType))
}

func TestLocalStorePut(t *testing.T) {
	src := filepath.Join(t.TempDir(), "out.mp3")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))

	store := NewLocalStore(filepath.Join(t.TempDir(), "downloads"))
	location, err := store.Put(context.Background(), src, "abc.mp3")
	require.NoError(t, err)

	data, err := os.ReadFile(location)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestPipelineMP4(t *testing.T) {
	downloads := t.TempDir()
	temp := t.TempDir()
	p := NewPipeline(NewRegistry(&fakeSource{match: "example", percent: []float64{10, 50}, body: "video"}),
		NewTranscoder(""), NewLocalStore(downloads), temp)

	id := uuid.New()
	var seen []float64
	res, err := p.Run(context.Background(), Request{JobID: id, URL: "https://example.com/v", Format: constant.FormatMP4, Quality: constant.QualityHigh},
		func(pr Progress) { seen = append(seen, pr.Percent) })
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(downloads, id.String()+".mp4"), res.OutputKey)
	assert.Equal(t, []float64{10, 50}, seen)
	_, err = os.Stat(filepath.Join(temp, id.String()))
	assert.True(t, os.IsNotExist(err), "work dir is removed")
}

func TestPipelineUnsupportedSource(t *testing.T) {
	p := NewPipeline(NewRegistry(), NewTranscoder(""), NewLocalStore(t.TempDir()), t.TempDir())
	_, err := p.Run(context.Background(), Request{JobID: uuid.New(), URL: "https://vimeo.com/1", Format: constant.FormatMP3}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedSource)
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "Unsupported source")
}

func TestPipelineFetchError(t *testing.T) {
	p := NewPipeline(NewRegistry(&fakeSource{match: "example", err: errors.New("read: connection reset by peer")}),
		NewTranscoder(""), NewLocalStore(t.TempDir()), t.TempDir())
	_, err := p.Run(context.Background(), Request{JobID: uuid.New(), URL: "https://example.com/v", Format: constant.FormatMP4}, nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, "Source unreachable. Network error while fetching media.", err.Error())
}

func TestPipelineEmptyOutput(t *testing.T) {
	p := NewPipeline(NewRegistry(&fakeSource{match: "example"}),
		NewTranscoder(""), NewLocalStore(t.TempDir()), t.TempDir())
	_, err := p.Run(context.Background(), Request{JobID: uuid.New(), URL: "https://example.com/v", Format: constant.FormatMP4}, nil)
	require.Error(t, err)
	assert.Equal(t, "Generated file is empty.", err.Error())
}
