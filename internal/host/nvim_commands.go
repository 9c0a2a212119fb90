package host

import (
	"context"
	"log/slog"
	"strings"

	"github.com/neovim/go-client/nvim"
	"github.com/neovim/go-client/nvim/plugin"
)

const echoPrefix = "[nvim-previewer] "

// NvimChannel receives rpcnotify messages from Neovim. Handlers only queue
// the notification; Neovim is never called back from inside one.
type NvimChannel struct {
	nv       *nvim.Nvim
	logger   *slog.Logger
	incoming chan Notification
}

// NewNvimChannel registers the notification handlers on p. It must run
// inside the plugin.Main callback.
func NewNvimChannel(p *plugin.Plugin, logger *slog.Logger) *NvimChannel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &NvimChannel{
		nv:       p.Nvim,
		logger:   logger.With("component", "nvim-channel"),
		incoming: make(chan Notification, 64),
	}

	p.Handle("poll", func() (string, error) {
		return "ok", nil
	})
	p.Handle(KindPreview, func(path string) {
		c.enqueue(Notification{Kind: KindPreview, Args: []string{path}})
	})
	p.Handle(KindPreviewAlt, func(path string) {
		c.enqueue(Notification{Kind: KindPreviewAlt, Args: []string{path}})
	})
	p.Handle(KindExport, func(args ...string) {
		c.enqueue(Notification{Kind: KindExport, Args: args})
	})
	// previewer(kind, args...) carries kinds this build may not know.
	p.Handle("previewer", func(kind string, args ...string) {
		c.enqueue(Notification{Kind: kind, Args: args})
	})
	return c
}

func (c *NvimChannel) enqueue(n Notification) {
	select {
	case c.incoming <- n:
	default:
		c.logger.Warn("notification queue full, dropping", "kind", n.Kind)
	}
}

// Run delivers queued notifications until ctx is done.
func (c *NvimChannel) Run(ctx context.Context, deliver func(Notification)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-c.incoming:
			deliver(n)
		}
	}
}

// Echo shows msg in the editor message area. It is asynchronous.
func (c *NvimChannel) Echo(msg string) {
	go func() {
		if err := c.nv.Command(echoCommand(msg, false)); err != nil {
			c.logger.Debug("echo failed", "error", err)
		}
	}()
}

// EchoError shows msg highlighted as an error.
func (c *NvimChannel) EchoError(msg string) {
	go func() {
		if err := c.nv.Command(echoCommand(msg, true)); err != nil {
			c.logger.Debug("echo failed", "error", err)
		}
	}()
}

// echoCommand builds an :echom command with msg as a single quoted literal.
func echoCommand(msg string, isError bool) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	lit := "'" + strings.ReplaceAll(echoPrefix+msg, "'", "''") + "'"
	if isError {
		return "echohl ErrorMsg | echom " + lit + " | echohl None"
	}
	return "echom " + lit
}
