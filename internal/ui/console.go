// Package ui renders session output to the terminal and reads the
// interactive pause/resume/stop commands from stdin.
package ui

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Console writes session output to a terminal. Interim results are drawn on
// a single rewritten line; finals and messages get their own lines.
type Console struct {
	mu             sync.Mutex
	out            io.Writer
	showTimestamps bool
	interimShown   bool
}

// NewConsole creates a console writing to stdout.
func NewConsole(showTimestamps bool) *Console {
	return &Console{out: os.Stdout, showTimestamps: showTimestamps}
}

// NewConsoleWriter creates a console writing to w, for tests.
func NewConsoleWriter(w io.Writer, showTimestamps bool) *Console {
	return &Console{out: w, showTimestamps: showTimestamps}
}

// Message prints an informational line.
func (c *Console) Message(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearInterim()
	fmt.Fprintf(c.out, "%s\n", text)
}

// Error prints an error line.
func (c *Console) Error(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearInterim()
	fmt.Fprintf(c.out, "Error: %s\n", text)
}

// Transcript prints one transcript update. Interim text overwrites the
// current line; a final commits it.
func (c *Console) Transcript(timestamp, text string, isFinal bool, translation string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := ""
	if c.showTimestamps {
		prefix = fmt.Sprintf("[%s] ", timestamp)
	}

	if !isFinal {
		fmt.Fprintf(c.out, "\r\033[K%s%s ...", prefix, text)
		c.interimShown = true
		return
	}

	c.clearInterim()
	fmt.Fprintf(c.out, "%s%s\n", prefix, text)
	if translation != "" {
		fmt.Fprintf(c.out, "%s→ %s\n", strings.Repeat(" ", len(prefix)), translation)
	}
}

// Latency prints the periodic latency report.
func (c *Console) Latency(current, rollingAvg float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearInterim()
	fmt.Fprintf(c.out, "[Latency: %.3fs current, %.3fs avg last 10]\n", current, rollingAvg)
}

func (c *Console) clearInterim() {
	if c.interimShown {
		fmt.Fprint(c.out, "\r\033[K")
		c.interimShown = false
	}
}

// Controller is the subset of the session engine the command reader drives.
type Controller interface {
	Pause()
	Resume()
	Stop()
}

// ReadCommands consumes lines from r and applies them to the controller
// until r is exhausted or stop is requested. Recognized commands are
// p (pause), r (resume), s/q (stop); everything else prints help.
func ReadCommands(r io.Reader, ctrl Controller, console *Console) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "p", "pause":
			ctrl.Pause()
		case "r", "resume":
			ctrl.Resume()
		case "s", "q", "stop", "quit":
			ctrl.Stop()
			return
		case "":
			// Bare enter: ignore.
		default:
			console.Message("Commands: p=pause, r=resume, s=stop")
		}
	}
}
