package cmd

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssargent/sapling/pkg/dberr"
	"github.com/ssargent/sapling/pkg/freelist"
	"github.com/ssargent/sapling/pkg/sapling"
	"github.com/ssargent/sapling/pkg/telemetry"
)

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Printf("%s\n", out)
	return nil
}

type checkResult struct {
	Freelist   freelist.Report    `json:"freelist"`
	Clean      bool               `json:"clean"`
	Corruption telemetry.Snapshot `json:"corruption"`
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the free list",
		Long: `Walk the free list with cycle detection and report its length and any
out-of-bounds links, missing pages or loops. Nothing is repaired. Exits
non-zero when damage is found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := envFrom(cmd)
			if err != nil {
				return err
			}
			var res checkResult
			if err := e.db.FreelistCheck(&res.Freelist); err != nil {
				return err
			}
			if err := e.db.CorruptionStats(&res.Corruption); err != nil {
				return err
			}
			res.Clean = res.Freelist.Clean()
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			if !res.Clean {
				return dberr.New(dberr.Corrupt, "free list is damaged")
			}
			return nil
		},
	}
}

type statsResult struct {
	sapling.Stat
	Corruption telemetry.Snapshot `json:"corruption"`
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show engine statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := envFrom(cmd)
			if err != nil {
				return err
			}
			res := statsResult{Stat: e.db.Stat()}
			if err := e.db.CorruptionStats(&res.Corruption); err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

type churnResult struct {
	Committed int             `json:"committed"`
	Aborted   int             `json:"aborted"`
	Children  int             `json:"children"`
	Puts      int             `json:"puts"`
	Deletes   int             `json:"deletes"`
	Entries   uint64          `json:"entries"`
	Pages     uint32          `json:"pages"`
	Freelist  freelist.Report `json:"freelist"`
}

// churner drives a random mix of writes through nested and aborted
// transactions, with a reader held open part of the time
type churner struct {
	db       *sapling.DB
	rng      *rand.Rand
	keys     int
	abortPct int
	res      churnResult
}

func (c *churner) key() []byte {
	return fmt.Appendf(nil, "churn-%06d", c.rng.IntN(c.keys))
}

func (c *churner) ops(txn *sapling.Txn, n int) error {
	for i := 0; i < n; i++ {
		k := c.key()
		if c.rng.IntN(3) == 0 {
			err := txn.Delete(k)
			if err == nil {
				c.res.Deletes++
				continue
			}
			if dberr.CodeOf(err) != dberr.NotFound {
				return err
			}
		}
		if err := txn.Put(k, fmt.Appendf(nil, "v%d", c.rng.Uint32())); err != nil {
			return err
		}
		c.res.Puts++
	}
	return nil
}

func (c *churner) round(ops int) error {
	var reader *sapling.Txn
	if c.rng.IntN(4) == 0 {
		r, err := c.db.Begin(nil, sapling.ReadOnly)
		if err != nil {
			return err
		}
		reader = r
	}
	defer reader.Abort()

	txn, err := c.db.Begin(nil, 0)
	if err != nil {
		return err
	}
	if err := c.ops(txn, ops); err != nil {
		txn.Abort()
		return err
	}
	if c.rng.IntN(3) == 0 {
		child, err := c.db.Begin(txn, 0)
		if err != nil {
			txn.Abort()
			return err
		}
		c.res.Children++
		if err := c.ops(child, ops/2+1); err != nil {
			txn.Abort()
			return err
		}
		if c.rng.IntN(100) < c.abortPct {
			child.Abort()
		} else if err := child.Commit(); err != nil {
			txn.Abort()
			return err
		}
	}
	if c.rng.IntN(100) < c.abortPct {
		txn.Abort()
		c.res.Aborted++
		return nil
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	c.res.Committed++
	return nil
}

func newChurnCmd() *cobra.Command {
	var (
		rounds   int
		ops      int
		keys     int
		abortPct int
		seed     uint64
	)
	churnCmd := &cobra.Command{
		Use:   "churn",
		Short: "Run a randomized write workload and check the free list",
		Long: `Run rounds of random puts and deletes through root and child
transactions, aborting some of them and holding readers open across others,
then verify the free list. Counters for any guard that fired are printed
with the report.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{mutates: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := envFrom(cmd)
			if err != nil {
				return err
			}
			if keys <= 0 || ops <= 0 {
				return fmt.Errorf("--keys and --ops must be positive")
			}
			c := &churner{
				db:       e.db,
				rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
				keys:     keys,
				abortPct: abortPct,
			}
			for i := 0; i < rounds; i++ {
				if err := c.round(ops); err != nil {
					return fmt.Errorf("round %d: %w", i, err)
				}
			}

			st := e.db.Stat()
			c.res.Entries, c.res.Pages = st.Entries, st.Pages
			if err := e.db.FreelistCheck(&c.res.Freelist); err != nil {
				return err
			}
			e.log.Info("churn finished",
				zap.Int("committed", c.res.Committed),
				zap.Int("aborted", c.res.Aborted),
				zap.Uint32("free_pages", c.res.Freelist.WalkLength))
			if err := printJSON(cmd, c.res); err != nil {
				return err
			}
			if !c.res.Freelist.Clean() {
				return dberr.New(dberr.Corrupt, "free list damaged after churn")
			}
			return nil
		},
	}
	churnCmd.Flags().IntVar(&rounds, "rounds", 100, "Transactions to run")
	churnCmd.Flags().IntVar(&ops, "ops", 20, "Operations per transaction")
	churnCmd.Flags().IntVar(&keys, "keys", 500, "Size of the key space")
	churnCmd.Flags().IntVar(&abortPct, "abort-pct", 20, "Percent of transactions to abort")
	churnCmd.Flags().Uint64Var(&seed, "seed", 1, "Random seed")
	return churnCmd
}
