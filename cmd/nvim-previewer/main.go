package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/neovim/go-client/nvim/plugin"

	"nvim-previewer/internal/app"
	"nvim-previewer/internal/config"
	"nvim-previewer/internal/host"
	"nvim-previewer/internal/logging"
)

func main() {
	if os.Getenv(config.EnvControl) == "stdio" {
		if err := runStdio(); err != nil {
			fmt.Fprintln(os.Stderr, "nvim-previewer:", err)
			os.Exit(1)
		}
		return
	}

	plugin.Main(func(p *plugin.Plugin) error {
		log.Println("[nvim-previewer] registering handlers")
		ch := host.NewNvimChannel(p, nil)
		// Neovim only answers once the plugin is serving, so editor globals
		// are read off the registration path.
		go func() {
			if err := runPlugin(p, ch); err != nil {
				log.Printf("[nvim-previewer] %v", err)
				ch.EchoError(err.Error())
			}
		}()
		return nil
	})
}

func runPlugin(p *plugin.Plugin, ch *host.NvimChannel) error {
	globals, err := config.EditorGlobals(p.Nvim)
	if err != nil {
		log.Printf("[nvim-previewer] %v", err)
	}
	logger, closer, cfg, err := setup(globals, ch.Echo)
	if err != nil {
		return err
	}
	defer closer.Close()

	lp := app.NewLivePreview(app.Options{
		Config:   cfg,
		Logger:   logger,
		Notifier: ch,
	})
	return lp.Run(context.Background(), ch)
}

func runStdio() error {
	logger, closer, cfg, err := setup(nil, func(msg string) {
		fmt.Fprintln(os.Stderr, msg)
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lp := app.NewLivePreview(app.Options{Config: cfg, Logger: logger})
	return lp.Run(ctx, host.NewLineChannel(os.Stdin, logger))
}

// setup loads and validates the configuration and opens the log file.
// Validation warnings go to warn and to the log.
func setup(globals map[string]any, warn func(string)) (*slog.Logger, io.Closer, *config.Config, error) {
	cfg, err := config.Load(config.Options{Globals: globals})
	if err != nil {
		return nil, nil, nil, err
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	level, _ := cfg.Level()

	logger, closer, err := logging.New(cfg.LogDir, level)
	if err != nil {
		return nil, nil, nil, err
	}
	slog.SetDefault(logger)
	for _, w := range warnings {
		logger.Warn(w)
		warn(w)
	}
	return logger, closer, cfg, nil
}
