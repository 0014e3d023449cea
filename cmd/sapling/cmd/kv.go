package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ssargent/sapling/pkg/dberr"
	"github.com/ssargent/sapling/pkg/sapling"
)

func newPutCmd() *cobra.Command {
	var (
		noOverwrite bool
		ifValue     string
	)
	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Put a key-value pair",
		Long: `Put a key-value pair into the database.

Example:
  sapling put mykey myvalue
  sapling put --no-overwrite mykey myvalue
  sapling put --if-value old mykey new`,
		Args:        cobra.ExactArgs(2),
		Annotations: map[string]string{mutates: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if noOverwrite && cmd.Flags().Changed("if-value") {
				return dberr.New(dberr.Invalid, "--no-overwrite and --if-value are exclusive")
			}
			if err := update(cmd, func(txn *sapling.Txn) error {
				if cmd.Flags().Changed("if-value") {
					return txn.PutIf([]byte(key), []byte(value), []byte(ifValue))
				}
				var flags sapling.PutFlags
				if noOverwrite {
					flags |= sapling.NoOverwrite
				}
				return txn.PutFlags([]byte(key), []byte(value), flags)
			}); err != nil {
				return fmt.Errorf("failed to put %q: %w", key, err)
			}
			cmd.Printf("Successfully put key '%s'\n", key)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noOverwrite, "no-overwrite", false, "fail if the key already exists")
	cmd.Flags().StringVar(&ifValue, "if-value", "", "only replace the value if it currently equals this")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a value for a key",
		Long: `Get a value for a key.

Example:
  sapling get mykey`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value []byte
			err := view(cmd, func(txn *sapling.Txn) error {
				v, err := txn.Get([]byte(args[0]))
				value = v
				return err
			})
			if err != nil {
				return notFound(err, args[0])
			}
			cmd.Printf("%s\n", value)
			return nil
		},
	}
}

func newDelCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "del <key>",
		Aliases: []string{"delete"},
		Short:   "Delete a key",
		Long: `Delete a key from the database.

Example:
  sapling del mykey`,
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{mutates: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := update(cmd, func(txn *sapling.Txn) error {
				return txn.Delete([]byte(args[0]))
			}); err != nil {
				return notFound(err, args[0])
			}
			cmd.Printf("Successfully deleted key '%s'\n", args[0])
			return nil
		},
	}
}

func newScanCmd() *cobra.Command {
	var limit int
	scanCmd := &cobra.Command{
		Use:   "scan [prefix]",
		Short: "List keys in order",
		Long: `List key-value pairs in ascending key order, optionally restricted to
keys starting with prefix.

Examples:
  sapling scan
  sapling scan user: --limit 10`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var prefix []byte
			if len(args) == 1 {
				prefix = []byte(args[0])
			}
			n := 0
			err := view(cmd, func(txn *sapling.Txn) error {
				return txn.Scan(prefix, func(k, v []byte) bool {
					if limit > 0 && n == limit {
						return false
					}
					cmd.Printf("%s\t%s\n", k, v)
					n++
					return true
				})
			})
			if err != nil {
				return err
			}
			cmd.PrintErrf("%d keys\n", n)
			return nil
		},
	}
	scanCmd.Flags().IntVarP(&limit, "limit", "n", 0, "Stop after this many keys, 0 for all")
	return scanCmd
}
