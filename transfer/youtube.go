package transfer

import (
	"context"
	"fmt"
	"github.com/Bixcoitoo/harvester-api/constant"
	"github.com/kkdai/youtube/v2"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var youtubePattern = regexp.MustCompile(`^https?://(www\.|m\.|music\.)?(youtube\.com|youtu\.be)/`)

// target heights for progressive mp4 streams
var videoHeights = map[constant.Quality]int{
	constant.QualityLow:    360,
	constant.QualityMedium: 720,
	constant.QualityHigh:   1080,
}

// YouTube fetches streams in-process through the youtube client. mp3
// requests pull the best audio-only stream, mp4 requests the best
// progressive stream at or below the requested quality.
type YouTube struct {
	client *youtube.Client
}

func NewYouTube() *YouTube {
	return &YouTube{client: &youtube.Client{}}
}

func (y *YouTube) Name() string {
	return "youtube"
}

func (y *YouTube) Match(url string) bool {
	return youtubePattern.MatchString(url)
}

func (y *YouTube) Fetch(ctx context.Context, req Request, dir string, progress ProgressFunc) (string, error) {
	video, err := y.client.GetVideoContext(ctx, req.URL)
	if err != nil {
		return "", fmt.Errorf("video info: %w", err)
	}

	var format *youtube.Format
	if req.Format == constant.FormatMP3 {
		format = bestAudioFormat(video.Formats)
	} else {
		format = bestProgressiveFormat(video.Formats, videoHeights[req.Quality])
	}
	if format == nil {
		return "", permanent("No downloadable stream found for this media.", fmt.Errorf("no %s format for %s", req.Format, video.ID))
	}

	stream, size, err := y.client.GetStreamContext(ctx, video, format)
	if err != nil {
		return "", fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	path := filepath.Join(dir, "source"+extensionFor(format.MimeType))
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	reader := &countingReader{r: stream, total: size, started: time.Now(), progress: progress}
	if _, err := io.Copy(file, reader); err != nil {
		return "", fmt.Errorf("download stream: %w", err)
	}
	return path, nil
}

// countingReader reports byte progress as it is read. Percent is capped at
// 99 so that 100 is only ever reported by a completed job.
type countingReader struct {
	r        io.Reader
	total    int64
	read     int64
	started  time.Time
	progress ProgressFunc
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.read += int64(n)
		if c.total > 0 && c.progress != nil {
			pct := float64(c.read) / float64(c.total) * 100
			if pct > 99 {
				pct = 99
			}
			c.progress(Progress{Percent: pct, Rate: formatRate(c.read, time.Since(c.started))})
		}
	}
	return n, err
}

func formatRate(bytes int64, elapsed time.Duration) string {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return "0.00 MB/s"
	}
	return fmt.Sprintf("%.2f MB/s", float64(bytes)/secs/1024/1024)
}

func bestAudioFormat(formats youtube.FormatList) *youtube.Format {
	var best *youtube.Format
	for i := range formats {
		f := &formats[i]
		if !strings.HasPrefix(f.MimeType, "audio") {
			continue
		}
		if best == nil || f.Bitrate > best.Bitrate {
			best = f
		}
	}
	return best
}

func bestProgressiveFormat(formats youtube.FormatList, targetHeight int) *youtube.Format {
	var best, lowest *youtube.Format
	for i := range formats {
		f := &formats[i]
		if !strings.HasPrefix(f.MimeType, "video/mp4") || f.AudioChannels == 0 {
			continue
		}
		h := parseHeight(f.QualityLabel)
		if lowest == nil || h < parseHeight(lowest.QualityLabel) {
			lowest = f
		}
		if h <= targetHeight && (best == nil || h > parseHeight(best.QualityLabel)) {
			best = f
		}
	}
	if best == nil {
		return lowest
	}
	return best
}

func parseHeight(label string) int {
	digits := strings.Builder{}
	for _, c := range label {
		if c < '0' || c > '9' {
			break
		}
		digits.WriteRune(c)
	}
	h, _ := strconv.Atoi(digits.String())
	return h
}

func extensionFor(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "audio/mp4"):
		return ".m4a"
	case strings.HasPrefix(mimeType, "audio/webm"):
		return ".webm"
	case strings.HasPrefix(mimeType, "video/webm"):
		return ".webm"
	default:
		return ".mp4"
	}
}
