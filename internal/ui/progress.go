package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"badgexfer/internal/transfer"
	"badgexfer/pkg/utils"

	"github.com/schollz/progressbar/v3"
)

// ProgressUI renders one progress bar per transferred file. It implements
// transfer.Observer; call Begin before starting each file.
type ProgressUI struct {
	mu        sync.Mutex
	out       io.Writer
	bar       *progressbar.ProgressBar
	operation string // "Sending" or "Receiving"
	filename  string
	size      int64
	index     int
	count     int
	startTime time.Time
	sent      int64
	failures  int
}

// NewProgressUI creates a progress UI writing to out.
func NewProgressUI(out io.Writer, operation string) *ProgressUI {
	return &ProgressUI{out: out, operation: operation}
}

// Begin starts a bar for file index (1-based) of count.
func (p *ProgressUI) Begin(filename string, size, index, count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.filename = filename
	p.size = int64(size)
	p.index = index
	p.count = count
	if p.startTime.IsZero() {
		p.startTime = time.Now()
	}

	description := fmt.Sprintf("%s %s", p.operation, filename)
	if count > 1 {
		description = fmt.Sprintf("[%d/%d] %s", index, count, description)
	}
	p.bar = progressbar.NewOptions64(p.size,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.out) }),
	)
}

func (p *ProgressUI) OnStateChanged(transfer.StateKind) {}

// OnProgress moves the bar to ratio of the current file.
func (p *ProgressUI) OnProgress(ratio float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		return
	}
	_ = p.bar.Set64(int64(ratio * float64(p.size)))
}

func (p *ProgressUI) OnFinished() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	p.sent += p.size
	p.bar = nil
}

func (p *ProgressUI) OnFailed(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	if p.bar != nil {
		_ = p.bar.Exit()
		p.bar = nil
	}
	fmt.Fprintf(p.out, "\n%s %s failed: %v\n", p.operation, p.filename, err)
}

// ShowTransferSummary prints totals for every file finished so far.
func (p *ProgressUI) ShowTransferSummary() {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Duration(0)
	if !p.startTime.IsZero() {
		elapsed = time.Since(p.startTime)
	}
	throughput := 0.0
	if elapsed.Seconds() > 0 {
		throughput = float64(p.sent) / elapsed.Seconds()
	}

	status := "File transfer completed successfully!"
	if p.failures > 0 {
		status = "File transfer failed."
	}
	fmt.Fprintf(p.out, "=============================================\n")
	fmt.Fprintf(p.out, "%s\n", status)
	fmt.Fprintf(p.out, "+ Total bytes sent: %s\n", utils.FormatFileSize(p.sent))
	fmt.Fprintf(p.out, "+ Transfer time: %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(p.out, "+ Average throughput: %s/s\n", utils.FormatFileSize(int64(throughput)))
	fmt.Fprintf(p.out, "=============================================\n")
}

// Sent returns the bytes of every finished file.
func (p *ProgressUI) Sent() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}
