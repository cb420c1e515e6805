package recorder

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// FramePattern is the file name pattern of collected frames.
const FramePattern = "frame%04d.png"

// Encoder turns the frames in dir into a video and returns its path.
// progress receives the number of frames encoded so far.
type Encoder func(ctx context.Context, dir string, fps int, progress func(encoded int)) (string, error)

// FFmpegEncoder encodes with an external ffmpeg binary as H.264 / yuv420p.
func FFmpegEncoder(binary string) Encoder {
	return func(ctx context.Context, dir string, fps int, progress func(int)) (string, error) {
		out := filepath.Join(dir, "out.mp4")
		cmd := exec.CommandContext(ctx, binary,
			"-y",
			"-framerate", strconv.Itoa(fps),
			"-i", filepath.Join(dir, FramePattern),
			"-c:v", "libx264",
			"-pix_fmt", "yuv420p",
			"-progress", "pipe:1",
			"-nostats",
			out,
		)

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return "", fmt.Errorf("failed to attach to ffmpeg output: %w", err)
		}
		var stderr strings.Builder
		cmd.Stderr = &stderr

		if err := cmd.Start(); err != nil {
			return "", fmt.Errorf("failed to start ffmpeg: %w", err)
		}

		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if n, ok := parseProgressFrame(scanner.Text()); ok && progress != nil {
				progress(n)
			}
		}

		if err := cmd.Wait(); err != nil {
			return "", fmt.Errorf("ffmpeg failed: %w: %s", err, lastLine(stderr.String()))
		}
		return out, nil
	}
}

// parseProgressFrame reads "frame=N" lines from ffmpeg's -progress output.
func parseProgressFrame(line string) (int, bool) {
	v, ok := strings.CutPrefix(strings.TrimSpace(line), "frame=")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
