// Package ffmpegcap backs the media device interfaces with local capture
// hardware driven through ffmpeg: v4l2 for the camera, ALSA for the
// microphone, webm chunks on stdout.
package ffmpegcap

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"exam-recorder/internal/media"
)

const chunkSize = 32 * 1024

// Config locates the capture devices and the ffmpeg binary.
type Config struct {
	FFmpegPath  string // default "ffmpeg"
	VideoDevice string // default "/dev/video0"
	AudioDevice string // default "default" (ALSA)
}

func (c *Config) setDefaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.VideoDevice == "" {
		c.VideoDevice = "/dev/video0"
	}
	if c.AudioDevice == "" {
		c.AudioDevice = "default"
	}
}

// Provider implements media.DeviceProvider and media.CaptureFactory over
// local devices. Track handles are logical: acquisition probes that the
// device is present and accessible, while actual capture runs per session.
type Provider struct {
	cfg Config
}

// New returns a Provider with the given config.
func New(cfg Config) *Provider {
	cfg.setDefaults()
	return &Provider{cfg: cfg}
}

// AcquireTrack implements media.DeviceProvider. It probes device presence
// and permission, mapping filesystem errors onto the media sentinel errors.
func (p *Provider) AcquireTrack(ctx context.Context, kind media.TrackKind) (*media.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch kind {
	case media.KindVideo:
		if err := probePath(p.cfg.VideoDevice); err != nil {
			return nil, err
		}
	case media.KindAudio:
		// ALSA device names are not paths; probe the sound subsystem.
		if err := probePath("/dev/snd"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown track kind %q", kind)
	}
	return media.NewTrack(kind), nil
}

func probePath(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", path, media.ErrDeviceNotFound)
		}
		if os.IsPermission(err) {
			return fmt.Errorf("%s: %w", path, media.ErrPermissionDenied)
		}
		return fmt.Errorf("probe %s: %w", path, err)
	}
	_ = fi
	return nil
}

// NewCapture implements media.CaptureFactory. The ffmpeg inputs follow the
// stream's track composition, so an audio-only degraded stream records
// audio-only webm.
func (p *Provider) NewCapture(stream *media.Stream) (media.Capture, error) {
	hasVideo := stream.TrackOf(media.KindVideo) != nil
	hasAudio := stream.TrackOf(media.KindAudio) != nil
	if !hasVideo && !hasAudio {
		return nil, fmt.Errorf("stream has no tracks: %w", media.ErrDeviceNotFound)
	}

	var args []string
	if hasVideo {
		args = append(args, "-f", "v4l2", "-i", p.cfg.VideoDevice)
	}
	if hasAudio {
		args = append(args, "-f", "alsa", "-i", p.cfg.AudioDevice)
	}
	if hasVideo {
		args = append(args, "-c:v", "libvpx")
	}
	if hasAudio {
		args = append(args, "-c:a", "libopus")
	}
	args = append(args, "-f", "webm", "pipe:1")

	return &capture{path: p.cfg.FFmpegPath, args: args}, nil
}

// capture runs one ffmpeg process and forwards stdout chunks.
type capture struct {
	path string
	args []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stopped bool
	done    chan struct{}
	stderr  strings.Builder
}

func (c *capture) Start(onChunk func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil {
		return fmt.Errorf("capture already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, c.path, c.args...)
	cmd.Stderr = &c.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return classifyStartError(err)
	}

	c.cmd = cmd
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.pump(stdout, onChunk)
	return nil
}

func (c *capture) pump(stdout io.Reader, onChunk func([]byte)) {
	defer close(c.done)
	buf := make([]byte, chunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onChunk(chunk)
		}
		if err != nil {
			break
		}
	}
	_ = c.cmd.Wait()
}

// Stop terminates ffmpeg and waits for the pump to drain remaining stdout,
// so every captured chunk reaches the callback before Stop returns.
// Idempotent.
func (c *capture) Stop() error {
	c.mu.Lock()
	if c.stopped || c.cmd == nil {
		c.stopped = true
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done

	if msg := c.stderr.String(); strings.Contains(msg, "busy") {
		return fmt.Errorf("ffmpeg: %s: %w", firstLine(msg), media.ErrDeviceBusy)
	}
	return nil
}

func classifyStartError(err error) error {
	if strings.Contains(err.Error(), "permission denied") {
		return fmt.Errorf("start ffmpeg: %w", media.ErrPermissionDenied)
	}
	return fmt.Errorf("start ffmpeg: %w", err)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
