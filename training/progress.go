package training

import (
	"fmt"
	"time"
)

// Progress estimates throughput and remaining time of a run from the
// iterations completed since it was created
type Progress struct {
	start     int
	total     int
	startTime time.Time

	now func() time.Time
}

// NewProgress starts timing a run that begins at iteration start
func NewProgress(start, total int) *Progress {
	return &Progress{
		start:     start,
		total:     total,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Rate returns iterations per second up to iteration i
func (p *Progress) Rate(i int) float64 {
	elapsed := p.now().Sub(p.startTime).Seconds()
	if elapsed <= 0 || i <= p.start {
		return 0
	}
	return float64(i-p.start) / elapsed
}

// ETA returns the estimated time until the last iteration
func (p *Progress) ETA(i int) time.Duration {
	rate := p.Rate(i)
	if rate == 0 || i >= p.total {
		return 0
	}
	return time.Duration(float64(p.total-i) / rate * float64(time.Second))
}

// String formats the progress at iteration i, e.g. "120/500 [00:30<01:35, 4.00it/s]"
func (p *Progress) String(i int) string {
	elapsed := p.now().Sub(p.startTime)
	return fmt.Sprintf("%d/%d [%s<%s, %.2fit/s]", i, p.total, formatDuration(elapsed), formatDuration(p.ETA(i)), p.Rate(i))
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
