package geometry

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/acolita/termmux/internal/ports"
)

// Retry defaults.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 200 * time.Millisecond
)

// Fitter keeps one surface's grid in step with its container.
//
// All methods must be called from the scheduler's event thread.
type Fitter struct {
	sched  ports.Scheduler
	target Resizer

	maxAttempts int
	baseDelay   time.Duration
	glyph       rune
	onApply     func(Size)

	current Size

	// retry state
	attempt   int
	container Container
	pending   ports.Timer
}

// Option configures a Fitter.
type Option func(*Fitter)

// WithMaxAttempts sets how many primary fits are tried before falling back.
func WithMaxAttempts(n int) Option {
	return func(f *Fitter) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the linear backoff step between attempts.
func WithBaseDelay(d time.Duration) Option {
	return func(f *Fitter) {
		if d > 0 {
			f.baseDelay = d
		}
	}
}

// WithReferenceGlyph sets the glyph measured by the fallback path.
func WithReferenceGlyph(r rune) Option {
	return func(f *Fitter) {
		if r != 0 {
			f.glyph = r
		}
	}
}

// WithOnApply registers a hook called after every applied geometry.
func WithOnApply(fn func(Size)) Option {
	return func(f *Fitter) {
		f.onApply = fn
	}
}

// NewFitter creates a fitter for target.
func NewFitter(sched ports.Scheduler, target Resizer, opts ...Option) *Fitter {
	f := &Fitter{
		sched:       sched,
		target:      target,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		glyph:       DefaultReferenceGlyph,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetRetryPolicy changes attempts and backoff for subsequent retries.
func (f *Fitter) SetRetryPolicy(maxAttempts int, baseDelay time.Duration) {
	WithMaxAttempts(maxAttempts)(f)
	WithBaseDelay(baseDelay)(f)
}

// Current returns the last applied grid. It is zero until the first fit.
func (f *Fitter) Current() Size {
	return f.current
}

// Retrying reports whether a retry is scheduled.
func (f *Fitter) Retrying() bool {
	return f.pending != nil
}

// Attempt returns the number of primary attempts made by the current retry
// sequence.
func (f *Fitter) Attempt() int {
	return f.attempt
}

// RetryPolicy returns the attempt limit and base delay of FitWithRetry.
func (f *Fitter) RetryPolicy() (maxAttempts int, baseDelay time.Duration) {
	return f.maxAttempts, f.baseDelay
}

// Fit runs the primary path once. It reports whether a valid grid was applied.
// A successful fit ends any retry sequence in progress.
func (f *Fitter) Fit(c Container) bool {
	size, err := f.autoFit(c)
	if err != nil {
		slog.Debug("primary fit failed",
			slog.String("error", err.Error()),
		)
		return false
	}
	f.stopRetry()
	f.apply(c, size)
	return true
}

// Fallback measures the reference glyph and applies the computed grid
// unconditionally.
func (f *Fitter) Fallback(c Container) Size {
	cell := DefaultCell
	if m, ok := f.target.(GlyphMeasurer); ok {
		measured, err := m.MeasureGlyph(f.glyph)
		if err == nil && measured.Valid() {
			cell = measured
		}
	}

	size := MeasureFallback(c, cell)
	if err := f.target.Resize(size.Cols, size.Rows); err != nil {
		slog.Debug("fallback resize failed",
			slog.String("size", size.String()),
			slog.String("error", err.Error()),
		)
	}
	f.apply(c, size)
	return size
}

// FitWithRetry fits c, retrying the primary path with linear backoff until it
// succeeds or the attempts run out, then falling back. A new call supersedes a
// retry already in flight.
func (f *Fitter) FitWithRetry(c Container) {
	f.stopRetry()
	f.container = c
	f.attempt = 0
	f.step()
}

// Cancel abandons a retry in flight.
func (f *Fitter) Cancel() {
	f.stopRetry()
}

func (f *Fitter) step() {
	f.pending = nil
	f.attempt++

	if f.Fit(f.container) {
		return
	}
	if f.attempt >= f.maxAttempts {
		size := f.Fallback(f.container)
		slog.Debug("fit retries exhausted, applied fallback",
			slog.Int("attempts", f.attempt),
			slog.String("size", size.String()),
		)
		return
	}

	delay := f.baseDelay * time.Duration(f.attempt)
	f.pending = f.sched.AfterFunc(delay, f.step)
}

func (f *Fitter) stopRetry() {
	if f.pending != nil {
		f.pending.Stop()
		f.pending = nil
	}
}

// autoFit delegates to the surface's own fit. Panics from the surface are
// turned into errors.
func (f *Fitter) autoFit(c Container) (size Size, err error) {
	af, ok := f.target.(AutoFitter)
	if !ok {
		return Size{}, fmt.Errorf("surface cannot auto-fit")
	}
	if !c.Valid() {
		return Size{}, fmt.Errorf("container %gx%g has no area", c.Width, c.Height)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("auto-fit panicked: %v", r)
		}
	}()

	if dims := af.Dimensions(); !dims.Valid() {
		return Size{}, fmt.Errorf("surface reports invalid grid %s", dims)
	}
	if err := af.Fit(c); err != nil {
		return Size{}, err
	}
	size = af.Dimensions()
	if !size.Valid() {
		return Size{}, fmt.Errorf("auto-fit produced invalid grid %s", size)
	}
	return size, nil
}

func (f *Fitter) apply(c Container, size Size) {
	f.current = size

	if buf, ok := f.target.(BackingBuffer); ok && c.Valid() {
		w, h := c.PhysicalSize()
		if err := buf.ResizeBuffer(w, h); err != nil {
			slog.Debug("backing buffer resize failed",
				slog.Int("width", w),
				slog.Int("height", h),
				slog.String("error", err.Error()),
			)
		}
	}

	if f.onApply != nil {
		f.onApply(size)
	}
}
