package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/cadence/internal/catalog"
	"github.com/rendis/cadence/pkg/schema"
)

var validateCmd = &cobra.Command{
	Use:   "validate [catalog.yaml]",
	Short: "Check a catalog file without loading it into a store",
	Long: `validate runs the structural and semantic checks on a catalog and prints
every issue found as JSON. It exits non-zero when any error-severity issue
is reported; warnings alone pass. Without an argument the configured
catalog.path is checked.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := cfg.Catalog.Path
	if len(args) == 1 {
		path = args[0]
	}
	loader, err := catalog.NewLoader()
	if err != nil {
		return err
	}

	res, err := validatePath(loader, path)
	if err != nil {
		return err
	}

	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "%d catalog error(s) in %s", len(res.Errors), path)
	}
	return nil
}

// validatePath validates a single file in full. A directory is loaded
// as one merged catalog, since its files reference each other.
func validatePath(loader *catalog.Loader, path string) (*schema.ValidationResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return loader.Validate(data), nil
	}

	res := &schema.ValidationResult{}
	cat, err := loader.Load(path)
	if err != nil {
		var ce *schema.CadenceError
		if !errors.As(err, &ce) {
			return nil, err
		}
		res.AddError(path, ce.Code, ce.Message)
		return res, nil
	}
	res.Warnings = append(res.Warnings, cat.Warnings...)
	return res, nil
}
