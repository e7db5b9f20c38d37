// vecmem is the command-line surface over the semantic memory store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Xsaven/vector-memory-mcp/internal/config"
	"github.com/Xsaven/vector-memory-mcp/internal/logging"
	"github.com/Xsaven/vector-memory-mcp/internal/store"
)

var (
	flagConfig string
	flagDB     string
	flagDebug  bool

	cfg *config.Config
	st  *store.MemoryStore
)

func main() {
	root := &cobra.Command{
		Use:           "vecmem",
		Short:         "Semantic vector memory store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(flagConfig)
			if err != nil {
				return err
			}
			if flagDebug {
				cfg.Debug = true
			}
			if flagDB != "" {
				cfg.DBPath = flagDB
			}
			if err := logging.Initialize(cfg.Debug); err != nil {
				return err
			}
			logging.Get(logging.CategoryCLI).Infow("vecmem start",
				"request_id", uuid.NewString(), "command", cmd.Name())

			st, err = store.Open(cfg.DBPath, cfg)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if st != nil {
				_ = st.Close()
			}
			logging.Sync()
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "database path override")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "verbose logging")

	root.AddCommand(
		storeCmd(),
		searchCmd(),
		recentCmd(),
		getCmd(),
		deleteCmd(),
		statsCmd(),
		tagsCmd(),
		cleanupCmd(),
		snapshotCmd(),
		normalizeCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func storeCmd() *cobra.Command {
	var category string
	var memTags []string
	cmd := &cobra.Command{
		Use:   "store <content>",
		Short: "Store a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := st.StoreMemory(context.Background(), args[0], category, memTags)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "other", "memory category")
	cmd.Flags().StringSliceVarP(&memTags, "tag", "t", nil, "tags (repeatable)")
	return cmd
}

func searchCmd() *cobra.Command {
	var limit, offset int
	var category string
	var filterTags []string
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memories by semantic similarity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, total, err := st.SearchMemories(context.Background(), args[0], limit, category, offset, filterTags)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"results":     results,
				"total_count": total,
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum results")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	cmd.Flags().StringVarP(&category, "category", "c", "", "category filter")
	cmd.Flags().StringSliceVarP(&filterTags, "tag", "t", nil, "tag filter (any match)")
	return cmd
}

func recentCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List recently stored memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := st.GetRecentMemories(context.Background(), limit)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum results")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch a memory by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			mem, err := st.GetMemoryByID(context.Background(), id)
			if err != nil {
				return err
			}
			if mem == nil {
				return fmt.Errorf("memory %d not found", id)
			}
			return printJSON(mem)
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a memory by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			deleted, err := st.DeleteMemory(context.Background(), id)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"deleted": deleted, "memory_id": id})
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := st.GetStats(context.Background())
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
}

func tagsCmd() *cobra.Command {
	var canonical, frequencies, weights bool
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "Show tag projections",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			switch {
			case canonical:
				out, err := st.GetCanonicalTags(ctx)
				if err != nil {
					return err
				}
				return printJSON(out)
			case frequencies:
				out, err := st.GetTagFrequencies(ctx)
				if err != nil {
					return err
				}
				return printJSON(out)
			case weights:
				out, err := st.GetTagWeights(ctx)
				if err != nil {
					return err
				}
				return printJSON(out)
			default:
				out, err := st.GetUniqueTags(ctx)
				if err != nil {
					return err
				}
				return printJSON(out)
			}
		},
	}
	cmd.Flags().BoolVar(&canonical, "canonical", false, "canonical vocabulary")
	cmd.Flags().BoolVar(&frequencies, "frequencies", false, "adoption counts")
	cmd.Flags().BoolVar(&weights, "weights", false, "IDF weights")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var daysOld, maxToKeep int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old, rarely accessed memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := st.ClearOldMemories(context.Background(), daysOld, maxToKeep)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().IntVar(&daysOld, "days", 30, "minimum age in days")
	cmd.Flags().IntVar(&maxToKeep, "keep", 1000, "memories to keep")
	return cmd
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Tag-state snapshots",
	}
	var label string
	create := &cobra.Command{
		Use:   "create",
		Short: "Snapshot the current tag state",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := st.SnapshotCreate(context.Background(), label)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	create.Flags().StringVarP(&label, "label", "l", "", "snapshot label")

	restore := &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Restore tags from a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := st.SnapshotRestore(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	cmd.AddCommand(create, restore)
	return cmd
}

func normalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Re-normalize the tag corpus",
	}
	var threshold float64
	preview := &cobra.Command{
		Use:   "preview",
		Short: "Dry-run the remapping the merge rules would produce",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := st.TagNormalizePreview(context.Background(), float32(threshold))
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	preview.Flags().Float64Var(&threshold, "threshold", 0, "similarity threshold override")

	var applyThreshold float64
	apply := &cobra.Command{
		Use:   "apply <preview-id> <snapshot-id>",
		Short: "Apply a previewed remapping, gated on a snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := st.TagNormalizeApply(context.Background(), args[0], args[1], float32(applyThreshold))
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	apply.Flags().Float64Var(&applyThreshold, "threshold", 0, "similarity threshold override")

	cmd.AddCommand(preview, apply)
	return cmd
}

func parseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
