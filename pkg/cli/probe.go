package cli

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/novelhub/pkg/novel"
	"github.com/platinummonkey/novelhub/pkg/plugins"
)

func newProbeCommand() *Command {
	cmd := &Command{
		Name:        "probe",
		Description: "Load a unit the way the host does and exercise it",
		Flags:       flag.NewFlagSet("probe", flag.ExitOnError),
		Run:         runProbe,
	}

	cmd.Flags.String("dir", ".", "Unit directory containing plugin.yaml")
	cmd.Flags.Duration("timeout", 30*time.Second, "Overall probe timeout")
	cmd.Flags.String("query", "", "Search keyword to send to a source")
	cmd.Flags.String("out", "", "Write an exporter's sample output to this file")
	cmd.Flags.Bool("verbose", false, "Show loader and plugin process logs")

	return cmd
}

type probeOptions struct {
	query   string
	out     string
	log     *logrus.Logger
	openers []plugins.Opener
}

func runProbe(args []string) error {
	flags := flag.NewFlagSet("probe", flag.ContinueOnError)
	dir := flags.String("dir", ".", "Unit directory containing plugin.yaml")
	timeout := flags.Duration("timeout", 30*time.Second, "Overall probe timeout")
	query := flags.String("query", "", "Search keyword to send to a source")
	out := flags.String("out", "", "Write an exporter's sample output to this file")
	verbose := flags.Bool("verbose", false, "Show loader and plugin process logs")

	if err := flags.Parse(args); err != nil {
		return err
	}

	manifest, problems, err := validateUnit(*dir)
	if err != nil {
		return err
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid unit: %s", strings.Join(problems, "; "))
	}
	if strings.HasPrefix(manifest.Entry, plugins.BuiltinScheme) {
		return fmt.Errorf("%s is a builtin unit and can only be loaded by the host", manifest.Name)
	}

	absDir, err := filepath.Abs(*dir)
	if err != nil {
		return err
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	hcLevel := hclog.Warn
	log.SetLevel(logrus.WarnLevel)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
		hcLevel = hclog.Debug
	}

	opts := probeOptions{
		query: *query,
		out:   *out,
		log:   log,
		openers: plugins.DefaultOpeners(nil, &plugins.ProcessOpener{
			StartTimeout: *timeout,
			Logger:       hclog.New(&hclog.LoggerOptions{Name: manifest.Name, Level: hcLevel, Output: os.Stderr}),
		}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	meta := manifest.Metadata(absDir)
	start := time.Now()
	switch meta.Kind {
	case plugins.KindSource:
		err = probeSource(ctx, meta, opts)
	case plugins.KindExporter:
		err = probeExporter(ctx, meta, opts)
	default:
		err = fmt.Errorf("unsupported plugin kind %q", meta.Kind)
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s %s %s loaded and answered in %s\n", meta.Kind, meta.Name, meta.Version, time.Since(start).Round(time.Millisecond))
	return nil
}

func probeSource(ctx context.Context, meta plugins.Metadata, opts probeOptions) error {
	loader := plugins.NewLoader[novel.Source](plugins.KindSource, opts.log, opts.openers...)
	src, boundary, err := loader.Load(ctx, meta)
	if err != nil {
		return err
	}
	defer loader.Unload(context.WithoutCancel(ctx), boundary)

	categories, err := src.GetCategories(ctx)
	if err != nil && !errors.Is(err, novel.ErrNotFound) {
		return fmt.Errorf("GetCategories: %w", err)
	}
	fmt.Printf("categories: %d\n", len(categories))

	if opts.query == "" {
		return nil
	}
	page, err := src.Search(ctx, novel.SearchQuery{Keyword: opts.query, Page: 1})
	if err != nil {
		return fmt.Errorf("Search: %w", err)
	}

	fmt.Printf("search %q: page %d of %d\n", opts.query, page.Page, page.TotalPages)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TITLE\tSLUG\tAUTHOR\tCHAPTERS")
	for _, n := range page.Novels {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", n.Title, n.Slug, n.FirstAuthor(), n.TotalChapters)
	}
	return w.Flush()
}

func probeExporter(ctx context.Context, meta plugins.Metadata, opts probeOptions) error {
	loader := plugins.NewLoader[novel.Exporter](plugins.KindExporter, opts.log, opts.openers...)
	exp, boundary, err := loader.Load(ctx, meta)
	if err != nil {
		return err
	}
	defer loader.Unload(context.WithoutCancel(ctx), boundary)

	var buf bytes.Buffer
	if err := exp.Export(ctx, sampleBook(), &buf); err != nil {
		return fmt.Errorf("Export: %w", err)
	}
	if buf.Len() == 0 {
		return errors.New("Export: exporter wrote no output")
	}
	fmt.Printf("export: %d bytes (.%s)\n", buf.Len(), meta.OutputExtension)

	if opts.out != "" {
		if err := os.WriteFile(opts.out, buf.Bytes(), 0644); err != nil {
			return fmt.Errorf("write sample output: %w", err)
		}
		fmt.Printf("wrote %s\n", opts.out)
	}
	return nil
}

// sampleBook is the fixed book exporters are probed with.
func sampleBook() *novel.Book {
	return &novel.Book{
		Novel: novel.Novel{
			Title:       "Probe Sample",
			Slug:        "probe-sample",
			Source:      "novelhub-plugin",
			Authors:     []novel.Author{{Name: "Anonymous", Source: "novelhub-plugin"}},
			Description: "A short book used to check that an exporter produces output.",
			Status:      "completed",
		},
		Chapters: []novel.Chapter{
			{Number: 1, Title: "Beginning", Slug: "1", Source: "novelhub-plugin", NovelSlug: "probe-sample", Content: "The first chapter."},
			{Number: 2, Title: "Ending", Slug: "2", Source: "novelhub-plugin", NovelSlug: "probe-sample", Content: "The last chapter."},
		},
	}
}
