// Package cli implements ytool, an offline inspector for binary CRDT update
// and state vector files.
package cli

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Base64 bool   // read and write binary blobs as base64 text
	Format string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for ytool.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ytool",
		Short: "Inspect and combine CRDT update blobs",
		Long: `ytool merges, diffs and decodes binary CRDT updates offline.

Every <file> argument may be "-" to read standard input.`,
		SilenceUsage:  true,
		SilenceErrors: true, // main prints the error
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.Base64, "base64", false, "binary input and output as base64 text")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewMergeCommand(opts))
	cmd.AddCommand(NewDiffCommand(opts))
	cmd.AddCommand(NewStateVectorCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewJSONCommand(opts))
	cmd.AddCommand(NewParseIDCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// readBlob reads a file, or stdin for "-", decoding base64 when asked to.
func readBlob(opts *RootOptions, cmd *cobra.Command, path string) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if !opts.Base64 {
		return raw, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode base64 in %s: %w", path, err)
	}
	return decoded, nil
}

// writeBlob writes binary output, as a base64 line when asked to.
func writeBlob(opts *RootOptions, cmd *cobra.Command, b []byte) error {
	out := cmd.OutOrStdout()
	if opts.Base64 {
		_, err := fmt.Fprintln(out, base64.StdEncoding.EncodeToString(b))
		return err
	}
	_, err := out.Write(b)
	return err
}
