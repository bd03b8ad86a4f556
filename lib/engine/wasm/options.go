package wasm

import "go.uber.org/zap"

// Option configures Load.
type Option func(*options)

type options struct {
	logger              *zap.Logger
	memoryLimitPages    uint32
	compilationCacheDir string
}

func defaultOptions() options {
	return options{logger: zap.NewNop()}
}

// WithLogger routes engine log imports and stderr to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMemoryLimitPages caps guest memory, in 64 KiB pages. Zero keeps the
// runtime default.
func WithMemoryLimitPages(pages uint32) Option {
	return func(o *options) {
		o.memoryLimitPages = pages
	}
}

// WithCompilationCache keeps compiled engine code in dir across runs.
func WithCompilationCache(dir string) Option {
	return func(o *options) {
		o.compilationCacheDir = dir
	}
}
