// Package progress displays a progress bar and a table of training stats on the terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gansynth/pkg/gansynth"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// HookName is the name of the training hook that feeds the progress bar.
const HookName = "gansynth.progress"

// Priority of the progress hook: after every other hook, so its stats reflect the finished iteration.
const Priority gansynth.Priority = 1000

// maxUpdateFrequency is the minimum time between redraws.
const maxUpdateFrequency = 200 * time.Millisecond

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// update carries the stats of one training iteration to the drawing goroutine.
type update struct {
	amount int
	rows   [][2]string
}

// Bar draws a progress bar over the training steps with a table of stats above it.
// Updates are drawn asynchronously, so a slow terminal doesn't slow down training.
type Bar struct {
	out      io.Writer
	bar      *progressbar.ProgressBar
	termenv  *termenv.Output
	table    *lgtable.Table
	style    lipgloss.Style
	maxSteps int64

	pending       int
	lastStep      int64
	started       bool
	isFirstOutput bool
	numLinesDrawn int
	updates       chan update
	done          sync.WaitGroup
}

// Attach creates a Bar writing to os.Stdout and registers it as a hook of the model.
// Call Bar.Close once training is over.
func Attach(m *gansynth.Model) *Bar {
	return AttachTo(m, os.Stdout)
}

// AttachTo is like Attach, but writes to out.
func AttachTo(m *gansynth.Model, out io.Writer) *Bar {
	b := &Bar{
		out:           out,
		termenv:       termenv.NewOutput(out),
		style:         lipgloss.NewStyle().PaddingLeft(8),
		maxSteps:      m.Config().MaxSteps,
		isFirstOutput: true,
		updates:       make(chan update, 100),
	}
	b.table = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	b.done.Add(1)
	go b.draw()
	m.OnStep(HookName, Priority, b.onStep)
	return b
}

func (b *Bar) onStep(m *gansynth.Model, info *gansynth.StepInfo) error {
	if !b.started {
		// Training may resume from a checkpoint: the bar covers the remaining steps only.
		b.started = true
		b.lastStep = info.Step
		b.bar = progressbar.NewOptions64(b.maxSteps+1-info.Step,
			progressbar.OptionSetDescription("      [bold]"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionSetWriter(b.out),
		)
	}
	b.pending += int(info.Step + 1 - b.lastStep)
	b.lastStep = info.Step + 1
	u := update{
		amount: b.pending,
		rows: [][2]string{
			{"Global Step", fmt.Sprintf("%s of %s", humanize.Comma(info.Step), humanize.Comma(b.maxSteps))},
			{"Stage", fmt.Sprintf("depth %.3f, resolution %v", info.Stage.Depth, info.Stage.Resolution)},
			{"Median step duration", commandline.FormatDuration(m.MedianStepDuration())},
			{"Discriminator loss", humanize.FormatFloat("#,###.####", info.DiscriminatorLoss)},
			{"Generator loss", humanize.FormatFloat("#,###.####", info.GeneratorLoss)},
		},
	}
	// Never block training: if the display is behind, the steps are accumulated for the next update.
	select {
	case b.updates <- u:
		b.pending = 0
	default:
	}
	return nil
}

// draw prints the updates, merging the ones that queued up while drawing.
func (b *Bar) draw() {
	defer b.done.Done()
	for u := range b.updates {
		amount := u.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-b.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				u = newUpdate
			default:
				break exhaust
			}
		}

		b.table.Data(lgtable.NewStringData())
		for _, row := range u.rows {
			b.table.Row(row[0], row[1])
		}
		b.termenv.HideCursor()
		if !b.isFirstOutput {
			b.termenv.CursorPrevLine(b.numLinesDrawn)
		}
		b.isFirstOutput = false
		_, _ = fmt.Fprintln(b.out, b.style.Render(b.table.String()))
		_ = b.bar.Add(amount)
		_, _ = fmt.Fprintln(b.out)
		// Table rows, its borders, and the progress bar line.
		b.numLinesDrawn = len(u.rows) + 2 + 2
		b.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// Close flushes the pending updates and waits for them to be drawn.
func (b *Bar) Close() {
	close(b.updates)
	b.done.Wait()
	if b.bar != nil && b.pending > 0 {
		_ = b.bar.Add(b.pending)
		b.pending = 0
	}
	b.termenv.ShowCursor()
	_, _ = fmt.Fprintln(b.out)
}
