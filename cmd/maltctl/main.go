// Command maltctl is a convenience CLI for driving a worker by hand: spawn
// one, call a function, print the result. It sits entirely outside the
// core protocol — nothing under package worker or workerproc depends on
// this command existing.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/JuliaPluto/malt/config"
	"github.com/JuliaPluto/malt/internal/debugsrv"
	"github.com/JuliaPluto/malt/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "maltctl",
		Usage: "spawn a worker and call a registered function",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a malt config YAML file (defaults to $MALT_CONFIG, then built-in defaults).",
			},
			&cli.StringFlag{
				Name:  "exe",
				Usage: "Worker executable to launch. Overrides the config file's worker.exe.",
			},
			&cli.StringSliceFlag{
				Name:  "exeflags",
				Usage: "Extra flags to pass to the worker executable. Overrides the config file's worker.exe_flags.",
			},
			&cli.StringFlag{
				Name:  "function",
				Usage: "Registered function name to call.",
				Value: "echo",
			},
			&cli.StringSliceFlag{
				Name:  "arg",
				Usage: "JSON-encoded argument, repeatable, passed in order.",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the call to complete.",
				Value: 30 * time.Second,
			},
			&cli.StringFlag{
				Name:  "debug-addr",
				Usage: "If set, serve a /workers and /healthz introspection endpoint on this address while the call runs.",
			},
		},
		Action: func(c *cli.Context) error {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			cfg, err := loadConfig(c.String("config"))
			if err != nil {
				return err
			}
			exe := cfg.Worker.Exe
			if c.IsSet("exe") {
				exe = c.String("exe")
			}
			exeFlags := cfg.Worker.ExeFlags
			if c.IsSet("exeflags") {
				exeFlags = c.StringSlice("exeflags")
			}

			args := make([]any, 0, len(c.StringSlice("arg")))
			for _, raw := range c.StringSlice("arg") {
				var v any
				if err := json.Unmarshal([]byte(raw), &v); err != nil {
					return fmt.Errorf("parsing --arg %q as JSON: %w", raw, err)
				}
				args = append(args, v)
			}

			h, err := worker.Spawn(c.Context,
				worker.WithExe(exe),
				worker.WithExeFlags(exeFlags...),
				worker.WithEnv(cfg.Worker.Env...),
				worker.WithLogger(logger.Sugar()),
				worker.WithStopGracePeriod(cfg.Worker.StopGracePeriod),
			)
			if err != nil {
				return fmt.Errorf("spawning worker: %w", err)
			}
			defer h.Stop()

			if addr := c.String("debug-addr"); addr != "" {
				dbg := debugsrv.New(logger.Sugar())
				dbg.Track("maltctl", h)
				go dbg.Run(addr)
				defer dbg.Close()
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			result, err := h.Fetch(ctx, c.String("function"), args...)
			if err != nil {
				return fmt.Errorf("calling %s: %w", c.String("function"), err)
			}

			encoded, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("encoding result as JSON: %w", err)
			}
			fmt.Println(string(encoded))
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig resolves worker-spawn defaults for the CLI: an explicit
// --config path, then $MALT_CONFIG, then the built-in defaults. Unlike
// config.LoadEnv, an unset $MALT_CONFIG here is not an error — the CLI
// has its own flag-based defaults and a config file is optional.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv(config.EnvVar)
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadFile(path)
}
