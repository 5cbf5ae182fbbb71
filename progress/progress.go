package progress

import (
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/fatih/color"
	"github.com/minio/pkg/console"
)

func init() {
	console.SetColor("Caption", color.New(color.FgGreen, color.Bold))
}

// ProgressBar wraps a pb bar so it can be fed concurrently by chunk workers.
type ProgressBar struct {
	*pb.ProgressBar
}

// NewProgressBar - instantiate and start a progress bar for total nodes.
func NewProgressBar(total int64) *ProgressBar {
	bar := pb.New64(total)
	bar.SetRefreshRate(time.Millisecond * 125)
	bar.SetTemplateString(`{{string . "prefix"}} {{counters . }} {{bar . }} {{percent . }} {{speed . "%s nodes/s"}}`)
	bar.Start()

	return &ProgressBar{ProgressBar: bar}
}

// SetCaption sets the colored caption shown in front of the bar.
func (p *ProgressBar) SetCaption(caption string) *ProgressBar {
	p.ProgressBar.Set("prefix", console.Colorize("Caption", caption))
	return p
}

// Add advances the bar by n nodes. Safe for concurrent use.
func (p *ProgressBar) Add(n int) {
	p.ProgressBar.Add(n)
}

// Finish stops refreshing and prints the final state.
func (p *ProgressBar) Finish() {
	p.ProgressBar.Finish()
}
