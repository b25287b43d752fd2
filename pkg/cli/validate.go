package cli

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/platinummonkey/novelhub/pkg/plugins"
)

func newValidateCommand() *Command {
	cmd := &Command{
		Name:        "validate",
		Description: "Validate a plugin unit directory",
		Flags:       flag.NewFlagSet("validate", flag.ExitOnError),
		Run:         runValidate,
	}

	cmd.Flags.String("dir", ".", "Unit directory containing plugin.yaml")

	return cmd
}

func runValidate(args []string) error {
	flags := flag.NewFlagSet("validate", flag.ContinueOnError)
	dir := flags.String("dir", ".", "Unit directory containing plugin.yaml")

	if err := flags.Parse(args); err != nil {
		return err
	}

	manifest, problems, err := validateUnit(*dir)
	if err != nil {
		return err
	}
	if len(problems) > 0 {
		fmt.Printf("%s is invalid:\n", filepath.Join(*dir, plugins.ManifestFile))
		for _, p := range problems {
			fmt.Printf("  - %s\n", p)
		}
		return fmt.Errorf("validation failed with %d problem(s)", len(problems))
	}

	fmt.Printf("%s %s %s is valid\n", manifest.Kind, manifest.Name, manifest.Version)
	return nil
}

// validateUnit loads the manifest in dir and checks it along with its entry
// file. err is set only when the manifest cannot be read at all.
func validateUnit(dir string) (*plugins.Manifest, []string, error) {
	manifest, err := plugins.LoadManifestFromDir(dir)
	if err != nil {
		return nil, nil, err
	}

	var problems []string
	for _, verr := range plugins.ValidateManifest(manifest) {
		problems = append(problems, verr.Error())
	}

	if manifest.Entry != "" && !strings.HasPrefix(manifest.Entry, plugins.BuiltinScheme) {
		if err := checkEntry(filepath.Join(dir, filepath.Clean(manifest.Entry))); err != nil {
			problems = append(problems, fmt.Sprintf("entry: %v", err))
		}
	}

	return manifest, problems, nil
}

func checkEntry(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s does not exist", path)
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if filepath.Ext(path) != ".so" && info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}
