package transfer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"github.com/Bixcoitoo/harvester-api/constant"
	"io"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// matches "[download]  42.3% of 3.52MiB at 1.21MiB/s ETA 00:02"
var ytdlpProgress = regexp.MustCompile(`^\[download\]\s+([\d.]+)%.*?(?:\s+at\s+(\S+))?(?:\s+ETA.*)?$`)

var soundcloudPattern = regexp.MustCompile(`^https?://(www\.|m\.)?soundcloud\.com/`)

// Command downloads through an external yt-dlp compatible binary and parses
// its --newline progress output.
type Command struct {
	name    string
	binary  string
	pattern *regexp.Regexp
}

func NewCommand(name, binary, pattern string) (*Command, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return &Command{name: name, binary: binary, pattern: re}, nil
}

// NewSoundCloud is the yt-dlp source for soundcloud.com.
func NewSoundCloud(binary string) *Command {
	return &Command{name: "soundcloud", binary: binary, pattern: soundcloudPattern}
}

func (c *Command) Name() string {
	return c.name
}

func (c *Command) Match(url string) bool {
	return c.pattern.MatchString(url)
}

func (c *Command) Fetch(ctx context.Context, req Request, dir string, progress ProgressFunc) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, c.args(req, dir)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", c.binary, err)
	}

	scanProgress(stdout, progress)

	if err := cmd.Wait(); err != nil {
		return "", fmt.Errorf("%s failed: %w: %s", c.binary, err, strings.TrimSpace(stderr.String()))
	}

	matches, err := filepath.Glob(filepath.Join(dir, "source.*"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%s produced no output file", c.binary)
	}
	return matches[0], nil
}

func (c *Command) args(req Request, dir string) []string {
	selector := "bestaudio/best"
	if req.Format == constant.FormatMP4 {
		selector = fmt.Sprintf("best[ext=mp4][height<=%d]/best[ext=mp4]/best", videoHeights[req.Quality])
	}
	return []string{
		"--newline",
		"--no-playlist",
		"--no-part",
		"-f", selector,
		"-o", filepath.Join(dir, "source.%(ext)s"),
		req.URL,
	}
}

// scanProgress reads progress lines until r is exhausted. Percent is capped
// at 99.
func scanProgress(r io.Reader, progress ProgressFunc) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m := ytdlpProgress.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if pct > 99 {
			pct = 99
		}
		if progress != nil {
			progress(Progress{Percent: pct, Rate: m[2]})
		}
	}
}
