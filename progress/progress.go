// Package progress provides sinks for long running index operations such as a kd-tree build.
// Every sink implements kdtree.ProgressCallback.
package progress

import (
	"math"
	"sync"

	"github.com/pterm/pterm"

	"go.viam.com/pcindex/logging"
)

// bar is the part of a terminal progress bar that Bar drives.
type bar interface {
	Advance(n int)
	Stop() error
}

type barFactory func(title string, total int) (bar, error)

type ptermBar struct {
	printer *pterm.ProgressbarPrinter
}

func (b ptermBar) Advance(n int) {
	b.printer.Add(n)
}

func (b ptermBar) Stop() error {
	_, err := b.printer.Stop()
	return err
}

var defaultBarFactory barFactory = func(title string, total int) (bar, error) {
	printer, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle(title).
		WithRemoveWhenDone(false).
		Start()
	if err != nil {
		return nil, err
	}
	return ptermBar{printer}, nil
}

// Bar renders progress as a terminal progress bar counting to 100.
type Bar struct {
	mu      sync.Mutex
	title   string
	current int
	active  bar
	factory barFactory
	logger  logging.Logger
}

// BarOption allows customizing Bar behavior at creation time.
type BarOption func(*Bar)

// WithBarLogger sets the logger that receives failures to draw the bar.
func WithBarLogger(logger logging.Logger) BarOption {
	return func(b *Bar) {
		b.logger = logger
	}
}

func withBarFactory(factory barFactory) BarOption {
	return func(b *Bar) {
		b.factory = factory
	}
}

// NewBar returns a Bar that draws with pterm.
func NewBar(opts ...BarOption) *Bar {
	b := &Bar{factory: defaultBarFactory, logger: logging.NewBlankLogger("progress")}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Reset stops any bar in progress and forgets the reported completion.
func (b *Bar) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
	b.current = 0
}

// SetInfo sets the title of the next bar.
func (b *Bar) SetInfo(info string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.title = info
}

// Start draws a new, empty bar.
func (b *Bar) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
	b.current = 0
	active, err := b.factory(b.title, 100)
	if err != nil {
		b.logger.Warnw("cannot draw progress bar", "error", err)
		return
	}
	b.active = active
}

// Update moves the bar forward to percent. The bar never moves backwards.
func (b *Bar) Update(percent float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	target := clampPercent(percent)
	if b.active == nil || target <= b.current {
		return
	}
	b.active.Advance(target - b.current)
	b.current = target
}

// Stop finishes the current bar, if any.
func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

func (b *Bar) stopLocked() {
	if b.active == nil {
		return
	}
	if err := b.active.Stop(); err != nil {
		b.logger.Warnw("cannot stop progress bar", "error", err)
	}
	b.active = nil
}

func clampPercent(percent float64) int {
	if math.IsNaN(percent) || percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return int(percent)
}
