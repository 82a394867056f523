package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/pybridge/bridge"
	"github.com/wippyai/pybridge/builder"
	"github.com/wippyai/pybridge/config"
	"github.com/wippyai/pybridge/interp"
	"github.com/wippyai/pybridge/relay"
	"github.com/wippyai/pybridge/runtime"
	"github.com/wippyai/pybridge/sim"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to a TOML config file")
		verbose     = flag.Bool("v", false, "Verbose logging")
		layout      = flag.String("layout", "", "Print descriptor layouts for a version (e.g. 3.12) and exit")
		demo        = flag.Int("demo", 0, "Run N concurrent awaits against the reference interpreter")
		schema      = flag.Bool("schema", false, "Print the config JSON schema and exit")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
	)
	flag.Parse()

	if err := start(*verbose, *configFile, *layout, *demo, *schema, *interactive); err != nil {
		if !stderrors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// errUsage means the usage text was printed instead of running anything.
var errUsage = stderrors.New("usage")

// start installs the logger and runs; the logger is flushed before main
// exits.
func start(verbose bool, configFile, layout string, demo int, schema, interactive bool) error {
	if verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()
		setLoggers(logger)
	}
	return run(os.Stdout, configFile, layout, demo, schema, interactive)
}

func setLoggers(l *zap.Logger) {
	interp.SetLogger(l)
	builder.SetLogger(l)
	bridge.SetLogger(l)
	relay.SetLogger(l)
	runtime.SetLogger(l)
	sim.SetLogger(l)
}

func run(w io.Writer, configFile, layout string, demo int, schema, interactive bool) error {
	if schema {
		data, err := config.Schema()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return err
		}
	}
	if cfg.Interpreter.Backend != config.BackendSim {
		return fmt.Errorf("backend %q is only available to embedding hosts; the CLI drives the reference interpreter", cfg.Interpreter.Backend)
	}

	if layout != "" {
		return printLayouts(w, layout, cfg.Platform())
	}

	if interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Errorf("interactive mode needs a terminal")
		}
		return runInteractive(cfg)
	}

	if demo <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: pybridge [-config file.toml] -demo N")
		fmt.Fprintln(os.Stderr, "       pybridge -layout 3.12")
		fmt.Fprintln(os.Stderr, "       pybridge -schema")
		fmt.Fprintln(os.Stderr, "       pybridge -i  (interactive mode)")
		return errUsage
	}
	return runDemo(context.Background(), w, cfg, demo)
}
