// Package console is the terminal front end of a call. It implements
// [session.Listener]: status changes become log-style lines, microphone
// levels drive a single redrawn meter line, and submitted drafts are resolved
// into reports, stored, and printed.
package console

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/rescuevox/internal/observe"
	"github.com/MrWong99/rescuevox/internal/report"
	"github.com/MrWong99/rescuevox/internal/session"
)

var _ session.Listener = (*Console)(nil)

const (
	// DefaultMeterInterval throttles meter redraws.
	DefaultMeterInterval = 100 * time.Millisecond

	// DefaultSmoothing is the weight of the newest level in the meter's
	// exponential moving average.
	DefaultSmoothing = 0.3

	meterWidth = 30
)

// Option configures a Console.
type Option func(*Console)

// WithMeterInterval sets the minimum time between meter redraws. Zero redraws
// on every level.
func WithMeterInterval(d time.Duration) Option {
	return func(c *Console) { c.interval = d }
}

// WithSmoothing sets the EMA weight in (0, 1].
func WithSmoothing(alpha float64) Option {
	return func(c *Console) {
		if alpha > 0 && alpha <= 1 {
			c.alpha = alpha
		}
	}
}

// WithClock overrides time.Now for throttling.
func WithClock(now func() time.Time) Option {
	return func(c *Console) { c.now = now }
}

// WithMetrics records resolved reports on m. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Console) { c.metrics = m }
}

// WithMeter toggles the level meter. Useful when output is not a terminal.
func WithMeter(enabled bool) Option {
	return func(c *Console) { c.meter = enabled }
}

// Console writes call progress to w. It is safe for concurrent use.
type Console struct {
	resolver *report.Resolver
	store    *report.Store
	metrics  *observe.Metrics
	interval time.Duration
	alpha    float64
	meter    bool
	now      func() time.Time

	mu       sync.Mutex
	w        io.Writer
	level    float64
	lastDraw time.Time
	meterOn  bool // a meter line is currently drawn
}

// New creates a Console. store may be nil when reports need not be kept.
func New(w io.Writer, resolver *report.Resolver, store *report.Store, opts ...Option) *Console {
	c := &Console{
		w:        w,
		resolver: resolver,
		store:    store,
		interval: DefaultMeterInterval,
		alpha:    DefaultSmoothing,
		meter:    true,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// OnStatusChange prints status on its own line.
func (c *Console) OnStatusChange(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearMeter()
	fmt.Fprintf(c.w, "[%s] %s\n", c.now().Format("15:04:05"), status)
	if status == session.StatusDisconnected {
		c.level = 0
	}
}

// OnAudioLevel folds level into the moving average and redraws the meter at
// most once per interval.
func (c *Console) OnAudioLevel(level float64) {
	level = min(max(level, 0), 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.level = c.alpha*level + (1-c.alpha)*c.level
	if !c.meter {
		return
	}
	now := c.now()
	if !c.lastDraw.IsZero() && now.Sub(c.lastDraw) < c.interval {
		return
	}
	c.lastDraw = now
	fmt.Fprintf(c.w, "\r\033[Kmic %s", Meter(c.level, meterWidth))
	c.meterOn = true
}

// Level returns the smoothed microphone level.
func (c *Console) Level() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// OnReportSubmitted resolves d, stores the report and prints a summary.
func (c *Console) OnReportSubmitted(d report.Draft) {
	rep := c.resolver.Resolve(d)
	if c.store != nil {
		c.store.Add(rep)
	}
	c.metrics.RecordReportResolved(context.Background(), string(rep.LocationSource))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearMeter()
	fmt.Fprint(c.w, Summary(rep))
}

// clearMeter erases a drawn meter line. Caller holds c.mu.
func (c *Console) clearMeter() {
	if c.meterOn {
		fmt.Fprint(c.w, "\r\033[K")
		c.meterOn = false
	}
}

// Meter renders level in [0, 1] as a bar of width cells.
func Meter(level float64, width int) string {
	level = min(max(level, 0), 1)
	n := int(level*float64(width) + 0.5)
	return "[" + strings.Repeat("#", n) + strings.Repeat(".", width-n) + "]"
}

// Summary formats a report as a multi-line block.
func Summary(r report.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== EMERGENCY REPORT %s ===\n", r.ID)
	fmt.Fprintf(&b, "  type:        %s\n", r.EmergencyType)
	fmt.Fprintf(&b, "  description: %s\n", r.Description)
	if r.PeopleCount != nil {
		fmt.Fprintf(&b, "  people:      %d\n", *r.PeopleCount)
	}
	if r.CriticalNeeds != "" {
		fmt.Fprintf(&b, "  needs:       %s\n", r.CriticalNeeds)
	}
	if r.LocationName != "" {
		fmt.Fprintf(&b, "  place:       %s\n", r.LocationName)
	}
	fmt.Fprintf(&b, "  location:    %s (%s)\n", r.Location, r.LocationSource)
	fmt.Fprintf(&b, "  status:      %s, %s\n", r.Status, r.CreatedAt.Format(time.RFC3339))
	return b.String()
}
