package host

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// LineChannel reads newline-delimited JSON notifications such as
// {"kind":"preview","args":["/tmp/a.md"]}.
type LineChannel struct {
	r      io.Reader
	logger *slog.Logger
}

func NewLineChannel(r io.Reader, logger *slog.Logger) *LineChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LineChannel{r: r, logger: logger.With("component", "line-channel")}
}

// Run delivers notifications until EOF or ctx is done. Malformed lines are
// logged and skipped.
func (c *LineChannel) Run(ctx context.Context, deliver func(Notification)) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return ctx.Err()
				}
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var n Notification
			if err := json.Unmarshal([]byte(line), &n); err != nil || n.Kind == "" {
				c.logger.Warn("malformed control line", "line", line, "error", err)
				continue
			}
			deliver(n)
		}
	}
}
