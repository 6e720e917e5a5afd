// Package cli is the local console channel: lines typed on stdin are inbound
// messages from a single identity, replies and broadcasts go to stdout.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/roelfdiedericks/lifeline/internal/channel"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

// DefaultID is the identity id of the console operator.
const DefaultID = "local"

// Options configure the console channel. Zero values use the process's
// stdin and stdout.
type Options struct {
	In  io.Reader
	Out io.Writer
	ID  string
}

// CLI implements channel.Channel on a pair of streams.
type CLI struct {
	in  io.Reader
	out io.Writer
	id  types.Identity

	interactive bool // stdin is a terminal: show a prompt
	styled      bool // stdout is a terminal: use colors
	width       int

	mu       sync.Mutex // serializes writes to out
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates the console channel.
func New(opts Options) *CLI {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.ID == "" {
		opts.ID = DefaultID
	}
	c := &CLI{
		in:      opts.In,
		out:     opts.Out,
		id:      types.Identity{Channel: types.ChannelCLI, ID: opts.ID},
		width:   80,
		stopped: make(chan struct{}),
	}
	if f, ok := opts.In.(*os.File); ok {
		c.interactive = term.IsTerminal(int(f.Fd()))
	}
	if f, ok := opts.Out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.styled = true
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 20 {
			c.width = min(w, 100)
		}
	}
	return c
}

// Name returns the channel identifier
func (c *CLI) Name() string { return types.ChannelCLI }

// Identity is the identity every console line arrives from.
func (c *CLI) Identity() types.Identity { return c.id }

// Start reads lines in the background until EOF, ctx ends or Stop.
func (c *CLI) Start(ctx context.Context, h channel.Handler) error {
	go c.readLoop(ctx, h)
	L_info("cli: console ready", "identity", c.id.String())
	return nil
}

func (c *CLI) readLoop(ctx context.Context, h channel.Handler) {
	scanner := bufio.NewScanner(c.in)
	c.prompt()
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			h(ctx, types.InboundMessage{From: c.id, Text: line, ReceivedAt: time.Now()})
		}
		c.prompt()
	}
	if err := scanner.Err(); err != nil {
		L_warn("cli: read failed", "error", err)
	}
	L_debug("cli: input closed")
}

// Stop ends the read loop after the current line.
func (c *CLI) Stop() error {
	c.stopOnce.Do(func() { close(c.stopped) })
	return nil
}

// Send prints a reply for the console operator.
func (c *CLI) Send(_ context.Context, to types.Identity, msg types.Message) error {
	if to != c.id {
		return fmt.Errorf("cli: unknown identity %s", to)
	}
	c.write(c.render(msg, replyStyle))
	return nil
}

// Broadcast prints a gateway-wide announcement.
func (c *CLI) Broadcast(_ context.Context, msg types.Message) error {
	c.write(c.render(msg, broadcastStyle))
	return nil
}

func (c *CLI) render(msg types.Message, style lipgloss.Style) string {
	text := msg.Body()
	if !c.styled {
		return text
	}
	if msg.Approval != nil {
		return approvalStyle.Width(c.width - 4).Render(text)
	}
	return style.Render(text)
}

func (c *CLI) write(s string) {
	if s == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

func (c *CLI) prompt() {
	if !c.interactive {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p := "> "
	if c.styled {
		p = promptStyle.Render(">") + " "
	}
	fmt.Fprint(c.out, p)
}
