package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/patchbay-audio/patchbay/cmd"
	"github.com/patchbay-audio/patchbay/control"
	"github.com/patchbay-audio/patchbay/document"
	"github.com/patchbay-audio/patchbay/export"
	"github.com/patchbay-audio/patchbay/version"
)

// nameData is what output name templates see.
type nameData struct {
	Name       string
	Ext        string
	SampleRate int
	Bits       int
	Time       time.Time
}

type options struct {
	dir     string
	name    *template.Template
	seconds float64
	raw     bool
	bits    int
}

func main() {
	configFile := flag.String("config", "", "Read the engine configuration from `file`.")
	logLevel := flag.String("log-level", "warn", "Log level: debug, info, warn or error.")
	directory := flag.String("o", "", "Directory where to output all files. The directory and its parents are created if needed. By default, everything is placed in the working directory.")
	name := flag.String("name", "{{.Name}}{{.Ext}}", "Output file name `template`; sprig functions are available.")
	seconds := flag.Float64("t", 0, "Render `seconds` of audio. By default, until the end of the last recorded region or 10 seconds.")
	raw := flag.Bool("r", false, "Output headerless .raw files instead of .wav.")
	bits := flag.Int("b", 16, "Bit depth: 16 or 24 for .wav; 16 or 32 (float) for .raw.")
	versionFlag := flag.Bool("v", false, "Print version.")
	flag.Usage = printUsage
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.Long("patchbay-render"))
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
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
	cfg.Logger = log
	tmpl, err := template.New("name").Funcs(sprig.TxtFuncMap()).Parse(*name)
	if err != nil {
		log.Error("invalid name template", "err", err)
		os.Exit(2)
	}
	opts := options{dir: *directory, name: tmpl, seconds: *seconds, raw: *raw, bits: *bits}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	retval := 0
	for _, file := range flag.Args() {
		out, err := render(ctx, cfg, opts, file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not render %v: %v\n", file, err)
			retval = 1
			continue
		}
		log.Info("rendered", "project", file, "output", out)
	}
	os.Exit(retval)
}

func outputName(tmpl *template.Template, d nameData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("could not execute name template: %w", err)
	}
	name := strings.TrimSpace(buf.String())
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid output name %q", name)
	}
	return name, nil
}

// length is the number of frames to render for p.
func length(p *control.Project, rate int, seconds float64) int {
	if seconds > 0 {
		return int(seconds * float64(rate))
	}
	end := 0
	for _, r := range p.Regions {
		end = max(end, int(r.Start)+r.Frames())
	}
	if end > 0 {
		return end
	}
	return 10 * rate
}

func render(ctx context.Context, cfg control.Config, opts options, file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	p, err := document.Decode(f)
	f.Close()
	if err != nil {
		return "", err
	}
	cfg.Backend = "none"
	e, err := control.New(cfg, nil)
	if err != nil {
		return "", err
	}
	defer e.Close()
	if err := e.LoadProject(ctx, p); err != nil {
		return "", err
	}
	spec := e.Spec()
	ext := ".wav"
	if opts.raw {
		ext = ".raw"
	}
	base := filepath.Base(file)
	name, err := outputName(opts.name, nameData{
		Name:       strings.TrimSuffix(base, filepath.Ext(base)),
		Ext:        ext,
		SampleRate: spec.SampleRate,
		Bits:       opts.bits,
		Time:       time.Now(),
	})
	if err != nil {
		return "", err
	}
	dir := opts.dir
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return "", fmt.Errorf("could not get working directory, specify the output directory explicitly: %w", err)
		}
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", fmt.Errorf("could not create output directory %v: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()
	var sink export.Sink
	if opts.raw {
		if opts.bits != 16 && opts.bits != 32 {
			return "", fmt.Errorf("%w: %d", export.ErrBitDepth, opts.bits)
		}
		sink = export.NewRaw(out, opts.bits == 16)
	} else if sink, err = export.NewWAV(out, spec, opts.bits); err != nil {
		return "", err
	}
	e.Play()
	x := export.Exporter{Spec: spec}
	if err := x.Export(ctx, e.Runtime(), sink, length(p, spec.SampleRate, opts.seconds)); err != nil {
		return "", err
	}
	return path, out.Close()
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "patchbay-render renders projects offline to .wav or .raw files.\nUsage: %s [flags] [project ...]\n", os.Args[0])
	flag.PrintDefaults()
}
