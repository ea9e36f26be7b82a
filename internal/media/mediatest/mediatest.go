// Package mediatest provides fake device providers and captures for testing
// the media controller, recording sessions, and exam flow without hardware.
package mediatest

import (
	"context"
	"sync"
	"time"

	"exam-recorder/internal/media"
)

// Provider is a fake DeviceProvider. Per-kind errors simulate denied or
// missing devices; every issued track is remembered so tests can assert
// nothing leaked.
type Provider struct {
	mu     sync.Mutex
	errs   map[media.TrackKind]error
	delay  time.Duration
	issued []*media.Track
}

// NewProvider returns a provider that grants every request immediately.
func NewProvider() *Provider {
	return &Provider{errs: make(map[media.TrackKind]error)}
}

// FailKind makes subsequent acquisitions of kind return err.
func (p *Provider) FailKind(kind media.TrackKind, err error) {
	p.mu.Lock()
	p.errs[kind] = err
	p.mu.Unlock()
}

// GrantKind clears a previously configured failure for kind.
func (p *Provider) GrantKind(kind media.TrackKind) {
	p.mu.Lock()
	delete(p.errs, kind)
	p.mu.Unlock()
}

// SetDelay makes acquisitions block for d before resolving, simulating a
// pending permission prompt.
func (p *Provider) SetDelay(d time.Duration) {
	p.mu.Lock()
	p.delay = d
	p.mu.Unlock()
}

// AcquireTrack implements media.DeviceProvider.
func (p *Provider) AcquireTrack(ctx context.Context, kind media.TrackKind) (*media.Track, error) {
	p.mu.Lock()
	delay := p.delay
	err := p.errs[kind]
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}

	t := media.NewTrack(kind)
	p.mu.Lock()
	p.issued = append(p.issued, t)
	p.mu.Unlock()
	return t, nil
}

// Issued returns every track the provider ever handed out.
func (p *Provider) Issued() []*media.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*media.Track, len(p.issued))
	copy(out, p.issued)
	return out
}

// LiveCount returns how many issued tracks are still live. With a healthy
// controller this never exceeds the track count of one stream.
func (p *Provider) LiveCount() int {
	n := 0
	for _, t := range p.Issued() {
		if t.ReadyState() == media.ReadyStateLive {
			n++
		}
	}
	return n
}

// LastOf returns the most recently issued track of kind, or nil.
func (p *Provider) LastOf(kind media.TrackKind) *media.Track {
	issued := p.Issued()
	for i := len(issued) - 1; i >= 0; i-- {
		if issued[i].Kind() == kind {
			return issued[i]
		}
	}
	return nil
}

// CaptureFactory is a fake media.CaptureFactory. NewErr and StartErr inject
// failures at the corresponding step; Chunk is the payload emitted on start
// and again on the stop flush.
type CaptureFactory struct {
	NewErr   error
	StartErr error
	Chunk    []byte

	mu       sync.Mutex
	captures []*Capture
}

// NewCapture implements media.CaptureFactory.
func (f *CaptureFactory) NewCapture(stream *media.Stream) (media.Capture, error) {
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	c := &Capture{startErr: f.StartErr, chunk: f.Chunk}
	f.mu.Lock()
	f.captures = append(f.captures, c)
	f.mu.Unlock()
	return c, nil
}

// Captures returns every capture the factory opened.
func (f *CaptureFactory) Captures() []*Capture {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Capture, len(f.captures))
	copy(out, f.captures)
	return out
}

// Capture is a fake media.Capture.
type Capture struct {
	startErr error
	chunk    []byte

	mu      sync.Mutex
	onChunk func([]byte)
	started bool
	stopped bool
}

// Start implements media.Capture.
func (c *Capture) Start(onChunk func([]byte)) error {
	if c.startErr != nil {
		return c.startErr
	}
	c.mu.Lock()
	c.onChunk = onChunk
	c.started = true
	c.mu.Unlock()
	if len(c.chunk) > 0 {
		onChunk(c.chunk)
	}
	return nil
}

// Stop implements media.Capture. The first call flushes one final chunk;
// further calls are no-ops.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.stopped || !c.started {
		c.stopped = true
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	onChunk := c.onChunk
	c.mu.Unlock()

	if onChunk != nil && len(c.chunk) > 0 {
		onChunk(c.chunk)
	}
	return nil
}

// Stopped reports whether Stop was called.
func (c *Capture) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
