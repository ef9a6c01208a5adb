package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/BioHazard786/warpvoice/internal/domain"
	pion "github.com/pion/webrtc/v4"
)

// DefaultChunkInterval is the cadence at which captured audio is cut into blocks.
const DefaultChunkInterval = 500 * time.Millisecond

// Block is one interval of captured PCM, not yet sequenced.
type Block struct {
	Payload    []byte
	CapturedAt time.Time
}

// AttachFunc hands the source's media track to the peer connection.
type AttachFunc func(pion.TrackLocal) error

type CaptureOptions struct {
	Provider SourceProvider
	Format   Format
	Interval time.Duration
	Logger   *slog.Logger
}

// Capture owns one microphone acquisition. It is single use.
type Capture struct {
	opts CaptureOptions
	log  *slog.Logger

	source Source
	blocks chan Block
	errs   chan error
	stop   chan struct{}

	mu       sync.Mutex
	buf      []byte
	leftover []Block

	started  bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewCapture(opts CaptureOptions) *Capture {
	if opts.Interval <= 0 {
		opts.Interval = DefaultChunkInterval
	}
	if opts.Format.SampleRate == 0 {
		opts.Format = DefaultFormat()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Capture{
		opts:   opts,
		log:    logger.With("component", "capture"),
		blocks: make(chan Block, 16),
		errs:   make(chan error, 1),
		stop:   make(chan struct{}),
	}
}

// Blocks yields captured blocks in production order.
func (c *Capture) Blocks() <-chan Block {
	return c.blocks
}

// Errors reports a source that stopped producing audio on its own.
func (c *Capture) Errors() <-chan error {
	return c.errs
}

func (c *Capture) Format() Format {
	return c.opts.Format
}

// Start opens the source, attaches its track if it has one and begins
// cutting blocks. On failure nothing stays acquired.
func (c *Capture) Start(ctx context.Context, attach AttachFunc) error {
	if c.started {
		return errors.New("capture already started")
	}
	c.started = true

	src, err := c.opts.Provider.Open(ctx, c.opts.Format)
	if err != nil {
		if domain.KindOf(err) == domain.KindPermission {
			return err
		}
		return domain.NewError(domain.KindPermission, "open audio source", err)
	}

	if track := src.Track(); track != nil && attach != nil {
		if err := attach(track); err != nil {
			_ = src.Close()
			return err
		}
	}

	c.source = src
	c.wg.Add(2)
	go c.readLoop()
	go c.pump()

	c.log.Debug("capture started", "interval", c.opts.Interval, "sample_rate", c.opts.Format.SampleRate)
	return nil
}

// Stop halts the pump, releases the device and returns the blocks that were
// captured but not yet delivered, oldest first. Calling it again returns nil.
func (c *Capture) Stop() []Block {
	var tail []Block
	c.stopOnce.Do(func() {
		close(c.stop)
		if c.source == nil {
			return
		}

		if err := c.source.Close(); err != nil {
			c.log.Debug("closing audio source", "error", err)
		}
		c.wg.Wait()

	drain:
		for {
			select {
			case b := <-c.blocks:
				tail = append(tail, b)
			default:
				break drain
			}
		}

		c.mu.Lock()
		tail = append(tail, c.leftover...)
		if len(c.buf) > 0 {
			tail = append(tail, Block{Payload: c.buf, CapturedAt: time.Now()})
			c.buf = nil
		}
		c.leftover = nil
		c.mu.Unlock()

		c.log.Debug("capture stopped", "tail", len(tail))
	})
	return tail
}

func (c *Capture) readLoop() {
	defer c.wg.Done()

	p := make([]byte, 4096)
	for {
		n, err := c.source.Read(p)
		if n > 0 {
			c.mu.Lock()
			c.buf = append(c.buf, p[:n]...)
			c.mu.Unlock()
		}
		if err != nil {
			select {
			case <-c.stop:
			default:
				if !errors.Is(err, io.EOF) {
					c.log.Warn("audio source failed", "error", err)
				}
				select {
				case c.errs <- err:
				default:
				}
			}
			return
		}
	}
}

func (c *Capture) pump() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			payload := c.buf
			c.buf = nil
			c.mu.Unlock()

			if len(payload) == 0 {
				continue
			}

			b := Block{Payload: payload, CapturedAt: now}
			select {
			case c.blocks <- b:
			case <-c.stop:
				c.mu.Lock()
				c.leftover = append(c.leftover, b)
				c.mu.Unlock()
				return
			}
		}
	}
}
