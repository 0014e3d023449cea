package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/segmentio/ksuid"
	"github.com/spf13/cobra"

	"github.com/ssargent/sapling/pkg/checkpoint"
)

const catalogDir = "catalog"

func openCatalog(e *env) (*checkpoint.PebbleStore, error) {
	return checkpoint.OpenPebble(filepath.Join(e.cfg.DataDir, catalogDir))
}

func newCheckpointCmd() *cobra.Command {
	var catalog bool
	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Write the database image",
		Long: `Write the current committed state to the image file in the data
directory. With --catalog the image is also added to the pebble catalog
under a new id that restore can name later.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := envFrom(cmd)
			if err != nil {
				return err
			}
			digest, err := e.store.Save(e.db)
			if err != nil {
				return err
			}
			cmd.Printf("%s blake3:%s\n", e.store.Path(), digest)
			if !catalog {
				return nil
			}

			cat, err := openCatalog(e)
			if err != nil {
				return err
			}
			defer cat.Close()
			id, err := cat.Save(e.db)
			if err != nil {
				return err
			}
			cmd.Printf("catalog %s\n", id)
			return nil
		},
	}
	checkpointCmd.Flags().BoolVar(&catalog, "catalog", false, "Also store the image in the catalog")
	return checkpointCmd
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id|latest>",
		Short: "Replace the database with a catalog image",
		Long: `Load an image from the pebble catalog and make it the database image in
the data directory.

Examples:
  sapling restore latest
  sapling restore 2x8Qd3sVbsE0bWqYyqkwQ3pZcVh`,
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{mutates: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := envFrom(cmd)
			if err != nil {
				return err
			}
			cat, err := openCatalog(e)
			if err != nil {
				return err
			}
			defer cat.Close()

			var id ksuid.KSUID
			if args[0] == "latest" {
				id, err = cat.RestoreLatest(e.db)
			} else {
				id, err = ksuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid image id %q: %w", args[0], err)
				}
				err = cat.Restore(e.db, id)
			}
			if err != nil {
				return err
			}
			st := e.db.Stat()
			cmd.Printf("restored %s: generation %d, %d keys\n", id, st.Generation, st.Entries)
			return nil
		},
	}
}
