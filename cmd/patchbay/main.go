package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/patchbay-audio/patchbay/cmd"
	"github.com/patchbay-audio/patchbay/control"
	"github.com/patchbay-audio/patchbay/version"
)

func main() {
	configFile := flag.String("config", "", "Read the engine configuration from `file`.")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn or error.")
	verbose := flag.Bool("verbose", false, "Log at debug level.")
	backend := flag.String("backend", "", "Audio backend: oto, dummy or none. Overrides the configuration.")
	midiInput := flag.String("midi-input", "", "Connect the first MIDI input whose name starts with `prefix`.")
	metrics := flag.String("metrics", "", "Serve Prometheus metrics on `address`, e.g. :9090.")
	script := flag.String("e", "", "Run the commands in `file` instead of reading them from standard input.")
	keepGoing := flag.Bool("k", false, "Keep going after a command fails.")
	versionFlag := flag.Bool("v", false, "Print version.")
	flag.Usage = printUsage
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.Long("patchbay"))
		os.Exit(0)
	}
	if *verbose {
		*logLevel = "debug"
	}
	log, err := cmd.NewLogger(os.Stderr, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := cmd.LoadConfig(*configFile)
	if err != nil {
		log.Error("could not load configuration", "err", err)
		os.Exit(1)
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *midiInput != "" {
		cfg.MIDIInput = *midiInput
	}
	cfg.Logger = log
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, cfg, log, *metrics, *script, !*keepGoing, flag.Args()); err != nil {
		log.Error("patchbay failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg control.Config, log *slog.Logger, metricsAddr, script string, stopOnError bool, projects []string) error {
	b, closeMIDI, err := cmd.OpenBackend(cfg, log)
	if err != nil {
		return err
	}
	defer closeMIDI()
	e, err := control.New(cfg, nil)
	if err != nil {
		return err
	}
	defer e.Close()
	if b != nil {
		if err := e.SetBackend(ctx, b); err != nil {
			return err
		}
	}
	go e.Run(ctx)
	go logEvents(ctx, log, e.Events())
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: e.Metrics().Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "err", err)
			}
		}()
		defer srv.Close()
	}
	in := newInterp(e, os.Stdout)
	for _, p := range projects {
		if err := in.load(ctx, []string{p}); err != nil {
			return err
		}
		log.Info("project loaded", "file", p)
	}
	var r io.Reader = os.Stdin
	if script != "" {
		f, err := os.Open(script)
		if err != nil {
			return fmt.Errorf("could not read script: %w", err)
		}
		defer f.Close()
		r = f
	}
	return in.run(ctx, r, stopOnError)
}

func logEvents(ctx context.Context, log *slog.Logger, events <-chan control.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			level := slog.LevelDebug
			switch ev.Kind {
			case control.NodeCrashed, control.PluginFailed, control.BackendDisconnected:
				level = slog.LevelWarn
			case control.XRun:
				level = slog.LevelInfo
			}
			log.Log(ctx, level, ev.String())
		}
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "patchbay runs an audio graph driven by line-oriented commands.\nUsage: %s [flags] [project ...]\n", os.Args[0])
	flag.PrintDefaults()
}
