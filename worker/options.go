package worker

import (
	"time"

	"go.uber.org/zap"
)

// options holds the configuration a Spawn call accumulates from Option
// values before launching the worker process.
type options struct {
	exe             string
	exeFlags        []string
	env             []string
	logger          *zap.SugaredLogger
	connectTimeout  time.Duration
	stopGracePeriod time.Duration
}

func defaultOptions() options {
	return options{
		exe:             "maltworker",
		logger:          zap.NewNop().Sugar(),
		connectTimeout:  connectTimeout,
		stopGracePeriod: stopGracePeriod,
	}
}

// Option configures a Spawn call.
type Option func(*options)

// WithExe sets the worker executable to launch. Defaults to "maltworker",
// resolved via the host's PATH the same way exec.Command resolves any bare
// command name.
func WithExe(path string) Option {
	return func(o *options) { o.exe = path }
}

// WithExeFlags appends flags to the worker command line, ahead of any
// flags Spawn itself requires.
func WithExeFlags(flags ...string) Option {
	return func(o *options) { o.exeFlags = flags }
}

// WithEnv sets additional environment variables (in "KEY=VALUE" form) for
// the worker process, appended to the manager's own environment.
func WithEnv(env ...string) Option {
	return func(o *options) { o.env = env }
}

// WithLogger sets the logger a Handle and its receive loop use. Defaults to
// a no-op logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *options) { o.logger = log }
}

// WithConnectTimeout bounds how long Spawn waits for the worker's handshake
// line when ctx itself carries no deadline. Defaults to connectTimeout (30s).
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithStopGracePeriod sets how long Stop waits for the worker to exit on
// its own, after asking it to shut down, before killing it outright.
// Defaults to stopGracePeriod (2s).
func WithStopGracePeriod(d time.Duration) Option {
	return func(o *options) { o.stopGracePeriod = d }
}
