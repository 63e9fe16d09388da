package cli

import (
	"encoding/json"
	"fmt"

	"crdt-sync/internal/crdt"
	"crdt-sync/internal/docid"

	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"
)

// NewMergeCommand creates the merge command.
func NewMergeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <file>...",
		Short: "Merge updates into one update",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			updates := make([][]byte, 0, len(args))
			for _, path := range args {
				b, err := readBlob(opts, cmd, path)
				if err != nil {
					return err
				}
				updates = append(updates, b)
			}

			merged, err := crdt.MergeUpdates(updates...)
			if err != nil {
				return err
			}
			return writeBlob(opts, cmd, merged)
		},
	}
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <update-file> <state-vector-file>",
		Short: "Print what a peer with the given state vector is missing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			update, err := readBlob(opts, cmd, args[0])
			if err != nil {
				return err
			}
			sv, err := readBlob(opts, cmd, args[1])
			if err != nil {
				return err
			}

			diff, err := crdt.DiffUpdate(update, sv)
			if err != nil {
				return err
			}
			return writeBlob(opts, cmd, diff)
		},
	}
}

// NewStateVectorCommand creates the sv command. With --format json the
// decoded vector is printed instead of its encoding.
func NewStateVectorCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sv <update-file>",
		Short: "Print the state vector of an update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			update, err := readBlob(opts, cmd, args[0])
			if err != nil {
				return err
			}
			u, err := crdt.DecodeUpdate(update)
			if err != nil {
				return err
			}

			sv := crdt.ComputeStateVector(u.Structs)
			if opts.Format == "json" {
				return printJSON(cmd, sv)
			}
			return writeBlob(opts, cmd, crdt.EncodeStateVector(sv))
		},
	}
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump <update-file>",
		Short: "Print the decoded structs and delete set of an update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			update, err := readBlob(opts, cmd, args[0])
			if err != nil {
				return err
			}
			u, err := crdt.DecodeUpdate(update)
			if err != nil {
				return err
			}

			if opts.Format == "json" {
				return printJSON(cmd, u)
			}
			dumper := litter.Options{HidePrivateFields: true, StripPackageNames: true}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), dumper.Sdump(u))
			return err
		},
	}
}

// NewJSONCommand creates the json command.
func NewJSONCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "json <update-file>",
		Short: "Print the JSON projection of every root type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			update, err := readBlob(opts, cmd, args[0])
			if err != nil {
				return err
			}
			view, err := crdt.MaterializeUpdate(update)
			if err != nil {
				return err
			}
			return printJSON(cmd, view)
		},
	}
}

// ParsedID is the parse-id output.
type ParsedID struct {
	Full      string `json:"full"`
	Workspace string `json:"workspace"`
	Variant   string `json:"variant"`
	Guid      string `json:"guid"`
}

// NewParseIDCommand creates the parse-id command.
func NewParseIDCommand(opts *RootOptions) *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "parse-id <address>",
		Short: "Resolve a document address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := docid.Parse(args[0], workspace)
			if err != nil {
				return err
			}

			parsed := ParsedID{
				Full:      id.Full(),
				Workspace: id.Workspace(),
				Variant:   string(id.Variant()),
				Guid:      id.Guid(),
			}
			if opts.Format == "json" {
				return printJSON(cmd, parsed)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "full:      %s\nworkspace: %s\nvariant:   %s\nguid:      %s\n",
				parsed.Full, parsed.Workspace, parsed.Variant, parsed.Guid)
			return err
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace context for short addresses")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
