// legiond launches, monitors, and automatically restarts a declared set
// of long-running processes according to a live configuration.
package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/akfullfo/legion/internal/legion"
	"github.com/akfullfo/legion/internal/legionconfig"
	"github.com/akfullfo/legion/internal/logger"
	"github.com/akfullfo/legion/internal/pidfile"
	"github.com/akfullfo/legion/internal/supervisor"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const (
	defaultConfigFile = "/usr/local/etc/legion.conf"
	defaultRolesFile  = "/usr/local/etc/legion.roles"
	defaultPidfile    = "/var/run/legiond.pid"

	// legionStartLimit is the window within which an unexpected failure
	// is fatal rather than retried.
	legionStartLimit = 10 * time.Second
	maxRestartDelay  = 60 * time.Second
)

func main() {
	app := &cli.App{
		Name:    "legiond",
		Usage:   "process supervisor: start, monitor, and restart a declared set of tasks",
		Version: version,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Usage: "log at debug level"},
			&cli.BoolFlag{Name: "quiet", Usage: "log errors only"},
			&cli.BoolFlag{Name: "log-stderr", Usage: "log to stderr"},
			&cli.StringFlag{Name: "logging-name", Usage: "tag log lines with `NAME`"},
			&cli.BoolFlag{Name: "background", Usage: "detach and run as a daemon"},
			&cli.StringFlag{Name: "pidfile", Value: defaultPidfile, Usage: "supervisor pidfile `FILE` (\"-\" disables)"},
			&cli.StringFlag{Name: "config-file", Value: defaultConfigFile, Usage: "configuration document `FILE`"},
			&cli.StringFlag{Name: "roles-file", Value: defaultRolesFile, Usage: "roles `FILE`, one role per line"},
			&cli.StringFlag{Name: "http", Usage: "control-plane `LISTEN` address or socket path"},
			&cli.StringFlag{Name: "certfile", Usage: "TLS certificate+key PEM `FILE` for --http"},
			&cli.BoolFlag{Name: "allow-control", Usage: "permit manage/* verbs on the --http listener"},
			&cli.BoolFlag{Name: "check-config", Usage: "validate the configuration and exit"},
			&cli.BoolFlag{Name: "reset", Usage: "signal the running supervisor to reset"},
			&cli.BoolFlag{Name: "stop", Usage: "signal the running supervisor to stop"},
			&cli.Float64Flag{Name: "expires", Usage: "exit after `SECS` seconds"},
			&cli.BoolFlag{Name: "sanity", Usage: "validate config and dry-run context resolution, then exit"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log, logErr := buildLogger(c)
	if logErr != nil {
		log.Warn().Err(logErr).Msg("log file unavailable, using stderr")
	}

	if c.Bool("stop") {
		return sendSignal(c, syscall.SIGTERM)
	}
	if c.Bool("reset") {
		return sendSignal(c, syscall.SIGHUP)
	}

	configPath := c.String("config-file")
	rolesPath := c.String("roles-file")

	if c.Bool("check-config") {
		if _, err := legionconfig.Load(configPath, rolesPath); err != nil {
			return cli.Exit(fmt.Sprintf("config check failed: %v", err), 1)
		}
		fmt.Println("config ok")
		return nil
	}

	if c.Bool("sanity") {
		loaded, err := legionconfig.Load(configPath, rolesPath)
		if err != nil {
			return cli.Exit(fmt.Sprintf("sanity: %v", err), 2)
		}
		if err := supervisor.SanityCheck(loaded, *log); err != nil {
			return cli.Exit(fmt.Sprintf("sanity: %v", err), 2)
		}
		fmt.Println("sanity ok")
		return nil
	}

	if c.Bool("background") && !daemonized() {
		if err := daemonize(); err != nil {
			return cli.Exit(fmt.Sprintf("cannot daemonize: %v", err), 2)
		}
		return nil
	}

	pidPath := c.String("pidfile")
	if pidPath != "" && pidPath != "-" {
		if err := pidfile.Claim(pidPath); err != nil {
			return cli.Exit(err.Error(), 2)
		}
		defer pidfile.Remove(pidPath)
	}

	opts := legion.Options{
		ConfigPath: configPath,
		RolesPath:  rolesPath,
		Expires:    time.Duration(c.Float64("expires") * float64(time.Second)),
		Version:    version,
		Log:        log,
	}
	if listen := c.String("http"); listen != "" {
		opts.ExtraHTTP = append(opts.ExtraHTTP, legionconfig.HTTPListener{
			Listen:       listen,
			Certfile:     c.String("certfile"),
			AllowControl: c.Bool("allow-control"),
		})
	}

	return superviseLoop(opts, log)
}

// superviseLoop runs the Legion: an unexpected failure within the
// start-limit window is fatal (exit 3); later failures restart the loop
// after exponential backoff capped at 60 seconds. Config errors and
// startup errors pass straight through to their exit codes.
func superviseLoop(opts legion.Options, log *zerolog.Logger) error {
	started := time.Now()
	backoff := time.Second

	for {
		err, panicked := runLegionOnce(opts)
		if !panicked {
			if err == nil {
				return nil
			}
			var cfgErr *legionconfig.ConfigError
			if errors.As(err, &cfgErr) {
				return cli.Exit(fmt.Sprintf("configuration error: %v", err), 1)
			}
			return cli.Exit(err.Error(), 2)
		}

		if time.Since(started) < legionStartLimit {
			return cli.Exit(fmt.Sprintf("legion failed during startup: %v", err), 3)
		}
		log.Error().Err(err).Dur("backoff", backoff).Msg("legion failed, restarting")
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxRestartDelay {
			backoff = maxRestartDelay
		}
	}
}

func runLegionOnce(opts legion.Options) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			panicked = true
		}
	}()
	lg, err := legion.New(opts)
	if err != nil {
		return err, false
	}
	return lg.Run(), false
}

// sendSignal implements --stop and --reset against a running
// supervisor, located through its pidfile. Failures exit 1.
func sendSignal(c *cli.Context, sig syscall.Signal) error {
	pidPath := c.String("pidfile")
	if pidPath == "" || pidPath == "-" {
		return cli.Exit("a pidfile is required to signal the running supervisor", 1)
	}
	pid, err := pidfile.Read(pidPath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot locate running supervisor: %v", err), 1)
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return cli.Exit(fmt.Sprintf("cannot signal pid %d: %v", pid, err), 1)
	}
	return nil
}

func buildLogger(c *cli.Context) (*zerolog.Logger, error) {
	level := "info"
	if c.Bool("verbose") {
		level = "debug"
	}
	if c.Bool("quiet") {
		level = "error"
	}
	log, err := logger.Create(logger.Config{
		Level:  level,
		Stderr: c.Bool("log-stderr"),
	})
	if name := c.String("logging-name"); name != "" {
		named := log.With().Str("name", name).Logger()
		log = &named
	}
	return log, err
}
