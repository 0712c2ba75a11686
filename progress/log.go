package progress

import (
	"sync"
	"time"

	"go.viam.com/pcindex/logging"
)

// DefaultLogStep is the completion, in percent, between two log lines of a Logged sink.
const DefaultLogStep = 10.

// Logged reports progress as log lines, one each time completion crosses another step.
type Logged struct {
	logger logging.Logger
	step   float64

	mu      sync.Mutex
	info    string
	next    float64
	started time.Time
	running bool
}

// NewLogged returns a sink writing to logger every step percent. A non positive or NaN step
// means DefaultLogStep.
func NewLogged(logger logging.Logger, step float64) *Logged {
	if !(step > 0) {
		step = DefaultLogStep
	}
	return &Logged{logger: logger, step: step}
}

// Reset forgets the previous task. Updates are ignored until Start.
func (l *Logged) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next = 0
	l.running = false
}

// SetInfo names the task in the following log lines.
func (l *Logged) SetInfo(info string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.info = info
}

// Start logs the start of the task.
func (l *Logged) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next = l.step
	l.started = time.Now()
	l.running = true
	l.logger.Debugw("started", "task", l.info)
}

// Update logs a line when percent reaches the next step. Values are clamped to [0, 100].
func (l *Logged) Update(percent float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	clamped := clampPercent(percent)
	if !l.running || float64(clamped) < l.next {
		return
	}
	for l.next <= float64(clamped) {
		l.next += l.step
	}
	l.logger.Debugw("progress", "task", l.info, "percent", clamped)
}

// Stop logs the end of the task and its duration. Only the first Stop after Start logs.
func (l *Logged) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	l.logger.Debugw("finished", "task", l.info, "elapsed", time.Since(l.started))
}
