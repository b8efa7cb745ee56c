package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/anji4cp/streamnexus/internal/stream"
)

// DefaultBinary is the encoder executable looked up on PATH.
const DefaultBinary = "ffmpeg"

// Spec describes one encoder invocation.
type Spec struct {
	Key         string
	Generation  uint64
	Binary      string
	Command     []string // when set, run verbatim instead of the generated encoder arguments
	Inputs      []string
	Destination string
	Settings    stream.Settings
	Seek        time.Duration // input seek for resumed items
	WorkDir     string        // where concat lists are written; defaults to os.TempDir()
	LogLines    int
	Output      io.WriteCloser // optional copy of encoder output (rotating log file)
	Env         []string
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Key) == "" {
		return errors.New("spec key required")
	}
	if len(s.Command) > 0 {
		return nil
	}
	if len(s.Inputs) == 0 {
		return stream.ErrNoContent
	}
	if strings.TrimSpace(s.Destination) == "" {
		return errors.New("spec destination required")
	}
	if _, _, err := s.Settings.Dimensions(); err != nil {
		return err
	}
	return nil
}

// Args builds the encoder argument list. inputArg is the single input or the concat list path.
func (s Spec) Args(inputArg string) []string {
	set := s.Settings.WithDefaults()
	w, h, _ := set.Dimensions()
	args := []string{"-hide_banner", "-loglevel", "warning", "-stats"}
	if s.Seek > 0 {
		args = append(args, "-ss", strconv.FormatFloat(s.Seek.Seconds(), 'f', 3, 64))
	}
	args = append(args, "-re")
	if set.Looping() {
		args = append(args, "-stream_loop", "-1")
	}
	if len(s.Inputs) > 1 {
		args = append(args, "-f", "concat", "-safe", "0")
	}
	args = append(args, "-i", inputArg)
	kbps := strconv.Itoa(set.Bitrate) + "k"
	buf := strconv.Itoa(set.Bitrate*2) + "k"
	args = append(args,
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", w, h, w, h),
		"-r", strconv.Itoa(set.FPS),
		"-g", strconv.Itoa(set.FPS*2),
		"-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency",
		"-b:v", kbps, "-maxrate", kbps, "-bufsize", buf,
		"-pix_fmt", "yuv420p",
		"-c:a", "aac", "-b:a", "128k", "-ar", "44100",
		"-f", "flv", s.Destination,
	)
	return args
}

// commandLine resolves the executable, its arguments and any temp files to remove on exit.
func (s Spec) commandLine() (string, []string, []string, error) {
	if len(s.Command) > 0 {
		return s.Command[0], s.Command[1:], nil, nil
	}
	bin := s.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	if len(s.Inputs) == 1 {
		return bin, s.Args(s.Inputs[0]), nil, nil
	}
	list, err := s.writeConcatList()
	if err != nil {
		return "", nil, nil, err
	}
	return bin, s.Args(list), []string{list}, nil
}

func (s Spec) writeConcatList() (string, error) {
	dir := s.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, in := range s.Inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			abs = in
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	name := filepath.Join(dir, fmt.Sprintf("%s-%d.concat.txt", safeName(s.Key), s.Generation))
	if err := os.WriteFile(name, []byte(b.String()), 0o600); err != nil {
		return "", err
	}
	return name, nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, s)
}
