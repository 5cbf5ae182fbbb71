package report

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/minio/pkg/console"

	"zkbenchmarker/benchmark"
	"zkbenchmarker/namespace"
)

func init() {
	console.SetColor("Title", color.New(color.FgCyan, color.Bold))
	console.SetColor("Fail", color.New(color.FgRed, color.Bold))
	console.SetColor("Warn", color.New(color.FgYellow))
	console.SetColor("Value", color.New(color.FgGreen))
}

// Console prints human readable summaries of each phase.
type Console struct {
	mu           sync.Mutex
	out          io.Writer
	payloadBytes func(run string) int
}

// NewConsole writes to out (stdout when nil). payloadBytes, if set, is used to show the
// volume written by a run.
func NewConsole(out io.Writer, payloadBytes func(run string) int) *Console {
	if out == nil {
		out = os.Stdout
	}
	return &Console{out: out, payloadBytes: payloadBytes}
}

// LoadFinished shows the summary of a load phase.
func (c *Console) LoadFinished(res *benchmark.LoadResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	written := res.Created()
	nodeThroughput := rate(written, res.Duration)

	fmt.Fprintf(c.out, "\n%s\n", console.Colorize("Title", fmt.Sprintf("Load results for %s (%s):", res.Parent, res.Strategy)))
	fmt.Fprintf(c.out, "Duration: %s\n", res.Duration.Round(time.Millisecond))
	fmt.Fprintf(c.out, "Chunks: %d succeeded, %d failed\n", res.Succeeded(), res.Failed())
	fmt.Fprintf(c.out, "Nodes Created: %s\n", humanize.Comma(int64(written)))
	if existing := res.Existing(); existing > 0 {
		fmt.Fprintf(c.out, "Nodes Already Present: %s\n", humanize.Comma(int64(existing)))
	}
	if c.payloadBytes != nil {
		total := uint64(written) * uint64(c.payloadBytes(res.Run))
		fmt.Fprintf(c.out, "Payload Written: %s\n", humanize.IBytes(total))
	}
	fmt.Fprintf(c.out, "Node Throughput: %.2f nodes/s\n", nodeThroughput)

	if failed := res.NodeFailures(); failed > 0 {
		fmt.Fprintln(c.out, console.Colorize("Fail", fmt.Sprintf("Nodes Not Written: %s", humanize.Comma(int64(failed)))))
		for _, err := range res.Errors() {
			fmt.Fprintf(c.out, "  %v\n", err)
		}
	}
}

// Measured shows min, max and mean latency of a measurement.
func (c *Console) Measured(st *benchmark.LatencyStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st.Requested == 0 {
		return
	}
	if len(st.Samples) > 0 {
		fmt.Fprintf(c.out, "Latency get_children on path %s: Min: %s ms | Max: %s ms | Avg: %s ms\n",
			st.Path,
			console.Colorize("Value", fmt.Sprintf("%.3f", st.Min)),
			console.Colorize("Value", fmt.Sprintf("%.3f", st.Max)),
			console.Colorize("Value", fmt.Sprintf("%.3f", st.Mean)))
	}
	if st.Incomplete() {
		fmt.Fprintln(c.out, console.Colorize("Warn",
			fmt.Sprintf("Only %d of %d requested samples were collected: %v", len(st.Samples), st.Requested, st.Err)))
	}
}

// ServerStats shows what the server itself reports after a load.
func (c *Console) ServerStats(run string, st *namespace.ServerStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "Server (%s) after %s: %s znodes, ~%s data, %d connections\n",
		st.ServerState, run, humanize.Comma(st.ZnodeCount), humanize.IBytes(uint64(st.ApproximateDataSize)), st.AliveConnections)
}

func rate(n int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}
