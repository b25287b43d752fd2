package cli

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/platinummonkey/novelhub/pkg/plugins"
)

func newInitCommand() *Command {
	cmd := &Command{
		Name:        "init",
		Description: "Write a plugin.yaml for a new unit",
		Flags:       flag.NewFlagSet("init", flag.ExitOnError),
		Run:         runInit,
	}

	cmd.Flags.String("dir", ".", "Unit directory to write plugin.yaml into")
	cmd.Flags.String("name", "", "Plugin name (required)")
	cmd.Flags.String("kind", string(plugins.KindSource), "Plugin kind: source or exporter")
	cmd.Flags.String("version", "0.1.0", "Plugin version (semver)")
	cmd.Flags.String("entry", "", "Entry file relative to the unit directory, defaults to the name")
	cmd.Flags.String("extension", "", "Output file extension, exporters only")
	cmd.Flags.String("description", "", "Plugin description")
	cmd.Flags.String("author", "", "Plugin author")
	cmd.Flags.Bool("force", false, "Overwrite an existing plugin.yaml")

	return cmd
}

func runInit(args []string) error {
	flags := flag.NewFlagSet("init", flag.ContinueOnError)
	dir := flags.String("dir", ".", "Unit directory to write plugin.yaml into")
	name := flags.String("name", "", "Plugin name (required)")
	kind := flags.String("kind", string(plugins.KindSource), "Plugin kind: source or exporter")
	version := flags.String("version", "0.1.0", "Plugin version (semver)")
	entry := flags.String("entry", "", "Entry file relative to the unit directory, defaults to the name")
	extension := flags.String("extension", "", "Output file extension, exporters only")
	description := flags.String("description", "", "Plugin description")
	author := flags.String("author", "", "Plugin author")
	force := flags.Bool("force", false, "Overwrite an existing plugin.yaml")

	if err := flags.Parse(args); err != nil {
		return err
	}
	if *entry == "" {
		*entry = *name
	}

	manifest := &plugins.Manifest{
		Name:        *name,
		Kind:        plugins.Kind(*kind),
		Version:     *version,
		APIVersion:  plugins.CurrentAPIVersion,
		Description: *description,
		Author:      *author,
		Extension:   *extension,
		Entry:       *entry,
	}
	if problems := plugins.ValidateManifest(manifest); len(problems) > 0 {
		errs := make([]error, len(problems))
		for i, p := range problems {
			errs[i] = p
		}
		return fmt.Errorf("invalid manifest: %w", errors.Join(errs...))
	}

	path := filepath.Join(*dir, plugins.ManifestFile)
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s already exists, use -force to overwrite", path)
	}
	if err := os.MkdirAll(*dir, 0755); err != nil {
		return fmt.Errorf("failed to create unit directory: %w", err)
	}
	if err := plugins.SaveManifest(manifest, path); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Printf("Build the plugin executable as %s, then run: novelhub-plugin probe -dir %s\n", filepath.Join(*dir, *entry), *dir)
	return nil
}
