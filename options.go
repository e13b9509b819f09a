package bimview

import (
	"log/slog"

	"github.com/gogpu/bimview/config"
	"github.com/gogpu/bimview/stream"
)

// Option configures a Viewer during creation.
//
// Example:
//
//	cfg, _ := config.Load("bimview.yaml")
//	v, err := bimview.New(rc, bimview.WithConfig(cfg))
type Option func(*viewerOptions)

type viewerOptions struct {
	cfg      config.Config
	logger   *slog.Logger
	progress func(stream.Progress)
}

func defaultOptions() viewerOptions {
	return viewerOptions{cfg: config.Default()}
}

// WithConfig replaces the default configuration. The configuration is
// validated by New.
func WithConfig(cfg config.Config) Option {
	return func(o *viewerOptions) {
		o.cfg = cfg
	}
}

// WithLogger installs l as the package logger (see SetLogger).
func WithLogger(l *slog.Logger) Option {
	return func(o *viewerOptions) {
		o.logger = l
	}
}

// WithProgress registers fn to receive streaming progress during Load.
func WithProgress(fn func(stream.Progress)) Option {
	return func(o *viewerOptions) {
		o.progress = fn
	}
}
