package tagbatch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

// StreamPrompter asks on a terminal how to continue after a failure. When
// its input is not a terminal it answers with the fallback decision.
type StreamPrompter struct {
	in          *bufio.Reader
	out         io.Writer
	fallback    Decision
	interactive bool
}

func NewStreamPrompter(in io.Reader, out io.Writer, fallback Decision) *StreamPrompter {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &StreamPrompter{
		in:          bufio.NewReader(in),
		out:         out,
		fallback:    fallback,
		interactive: interactive,
	}
}

// Interactive forces prompting regardless of the input type.
func (p *StreamPrompter) Interactive(interactive bool) *StreamPrompter {
	p.interactive = interactive
	return p
}

func (p *StreamPrompter) Decide(ctx context.Context, failure Failure) Decision {
	if !p.interactive {
		return p.fallback
	}

	for ctx.Err() == nil {
		_, _ = fmt.Fprintf(p.out, "\nCould not update %s:\n  %s\nContinue? [s]kip, skip [a]ll, a[b]ort: ", failure.Path, failure.Message)
		line, err := p.in.ReadString('\n')
		if answer := strings.TrimSpace(line); answer != "" {
			if decision, perr := ParseDecision(answer); perr == nil {
				return decision
			}
		}
		if err != nil {
			return p.fallback
		}
	}
	return DecisionAbort
}

// BarProgress draws a progress bar and reports cancellation of its context.
type BarProgress struct {
	ctx         context.Context
	out         io.Writer
	description string
	bar         *progressbar.ProgressBar
}

func NewBarProgress(ctx context.Context, out io.Writer, description string) *BarProgress {
	return &BarProgress{ctx: ctx, out: out, description: description}
}

func (p *BarProgress) ReportProgress(done, total int) {
	if p.bar == nil {
		p.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionSetDescription(p.description),
			progressbar.OptionClearOnFinish(),
		)
	}
	_ = p.bar.Set(done)
	if done >= total {
		_ = p.bar.Finish()
	}
}

func (p *BarProgress) IsCancelled() bool {
	return p.ctx.Err() != nil
}
