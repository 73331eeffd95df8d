package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/crashetl/internal/schema"
)

func newSchemaCmd() *cobra.Command {
	var (
		extended bool
		file     string
	)

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the destination columns, or classify an extract's header",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				return classifyFile(cmd.OutOrStdout(), file)
			}
			v := schema.Base
			if extended {
				v = schema.Extended
			}
			printFields(cmd.OutOrStdout(), v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&extended, "extended", false, "print the extended variant")
	cmd.Flags().StringVar(&file, "file", "", "classify the header of this CSV file")
	return cmd
}

func printFields(w io.Writer, v schema.Variant) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "# %s: %d fields, key %s\n", v, len(v.Fields()), schema.KeyField)
	fmt.Fprintln(tw, "SOURCE\tDEST\tTYPE\tNULLABLE")
	for _, f := range v.Fields() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", f.Source, f.Dest, f.Type, f.Nullable)
	}
	tw.Flush()
}

func classifyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return withCode(exitUsage, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: empty file", path)
	}
	if err != nil {
		return fmt.Errorf("%s: invalid csv header: %w", path, err)
	}

	header[0] = strings.TrimPrefix(header[0], "\ufeff")

	v, err := schema.Classify(header)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintf(w, "%s: %s (%d columns)\n", path, v, len(header))

	present := make(map[string]bool, len(header))
	for _, h := range header {
		if f, ok := v.Lookup(h); ok {
			present[f.Dest] = true
		}
	}
	for _, f := range v.Fields() {
		if !present[f.Dest] {
			fmt.Fprintf(w, "  missing %s\n", f.Source)
		}
	}
	return nil
}
