package app

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Opener points a browser at a URL.
type Opener interface {
	Open(url string) error
}

// BrowserOpener runs the configured browser command, or the platform's
// default handler when none is set.
type BrowserOpener struct {
	argv []string
	goos string
}

// NewBrowserOpener parses command into argv; "" means the system default.
func NewBrowserOpener(command string) *BrowserOpener {
	return &BrowserOpener{argv: strings.Fields(command), goos: runtime.GOOS}
}

// Command returns the argv used to open url.
func (b *BrowserOpener) Command(url string) ([]string, error) {
	if len(b.argv) > 0 {
		return append(append([]string(nil), b.argv...), url), nil
	}
	switch b.goos {
	case "darwin":
		return []string{"open", url}, nil
	case "windows":
		return []string{"rundll32", "url.dll,FileProtocolHandler", url}, nil
	case "linux", "freebsd", "openbsd", "netbsd":
		return []string{"xdg-open", url}, nil
	default:
		return nil, fmt.Errorf("no default browser on %s, set the browser option", b.goos)
	}
}

// Open starts the browser without waiting for it to exit.
func (b *BrowserOpener) Open(url string) error {
	argv, err := b.Command(url)
	if err != nil {
		return err
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", argv[0], err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
