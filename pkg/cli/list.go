package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/platinummonkey/novelhub/pkg/plugins"
)

func newListCommand() *Command {
	cmd := &Command{
		Name:        "list",
		Description: "List the units in a plugin directory",
		Flags:       flag.NewFlagSet("list", flag.ExitOnError),
		Run:         runList,
	}

	cmd.Flags.String("dir", plugins.DefaultPluginDirectory(), "Plugin directory, <dir>/<kind>/<name>/")
	cmd.Flags.Bool("json", false, "Output in JSON format")

	return cmd
}

func runList(args []string) error {
	flags := flag.NewFlagSet("list", flag.ContinueOnError)
	dir := flags.String("dir", plugins.DefaultPluginDirectory(), "Plugin directory, <dir>/<kind>/<name>/")
	jsonOutput := flags.Bool("json", false, "Output in JSON format")

	if err := flags.Parse(args); err != nil {
		return err
	}

	units, err := plugins.NewUnitStore(*dir)
	if err != nil {
		return err
	}

	var all []plugins.Metadata
	for _, kind := range []plugins.Kind{plugins.KindSource, plugins.KindExporter} {
		metas, errs := units.Scan(kind)
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "warning: %s: %v\n", kind, err)
		}
		all = append(all, metas...)
	}

	if *jsonOutput {
		if all == nil {
			all = []plugins.Metadata{}
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(all)
	}

	if len(all) == 0 {
		fmt.Printf("No units in %s\n", units.Root())
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tNAME\tVERSION\tENTRY")
	for _, m := range all {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Kind, m.Name, m.Version, m.UnitLocation)
	}
	return w.Flush()
}
