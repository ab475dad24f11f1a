package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"cairn/internal/artifact"
	"cairn/internal/keys"
	"cairn/internal/listing"
	"cairn/internal/transfer"

	"github.com/spf13/cobra"
)

type openFunc func(verbose bool) (*artifact.Manager, io.Closer, error)

// cli holds the flags shared by every subcommand.
type cli struct {
	open    openFunc
	run     string
	verbose bool
}

func newRootCmd(open openFunc) *cobra.Command {
	c := &cli{open: open}
	root := &cobra.Command{
		Use:           "cairnctl",
		Short:         "Archive and restore per-run build artifacts in an object store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.run, "run", "", `build run as "job#number"`)
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log store and transfer activity to stderr")
	_ = root.MarkPersistentFlagRequired("run")

	root.AddCommand(
		c.archiveCmd(),
		c.unarchiveCmd(),
		c.deleteCmd(),
		c.browseCmd(),
		c.catCmd(),
		c.copyCmd(),
		c.stashCmd(),
		c.unstashCmd(),
	)
	return root
}

// withManager parses --run, opens a manager and closes its store afterwards.
func (c *cli) withManager(fn func(m *artifact.Manager, run keys.Run) error) error {
	run, err := keys.ParseRun(c.run)
	if err != nil {
		return err
	}
	m, closer, err := c.open(c.verbose)
	if err != nil {
		return err
	}
	defer closer.Close()
	return fn(m, run)
}

func (c *cli) archiveCmd() *cobra.Command {
	var dir string
	var includes, excludes []string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Upload the files of a directory as artifacts of the run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			files, err := artifact.Collect(dir, includes, excludes)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no files in %s match %v", dir, includes)
			}
			return c.withManager(func(m *artifact.Manager, run keys.Run) error {
				res, err := m.Archive(cmd.Context(), run, files)
				printBatch(cmd.OutOrStdout(), "archived", res)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "directory to archive from")
	cmd.Flags().StringArrayVar(&includes, "include", nil, `glob of files to archive, "**" aware (default all)`)
	cmd.Flags().StringArrayVar(&excludes, "exclude", nil, "glob of files to leave out")
	return cmd
}

func (c *cli) unarchiveCmd() *cobra.Command {
	var dest string
	var sel artifact.Selector
	cmd := &cobra.Command{
		Use:   "unarchive",
		Short: "Download artifacts of the run into a directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withManager(func(m *artifact.Manager, run keys.Run) error {
				res, err := m.Unarchive(cmd.Context(), run, sel, dest)
				printBatch(cmd.OutOrStdout(), "restored", res)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&dest, "dest", ".", "directory to restore into")
	cmd.Flags().BoolVar(&sel.All, "all", false, "restore every artifact")
	cmd.Flags().StringArrayVar(&sel.Paths, "path", nil, "exact relative path to restore")
	cmd.Flags().StringArrayVar(&sel.Patterns, "glob", nil, "glob of stored paths to restore")
	cmd.Flags().BoolVar(&sel.AllowMissing, "allow-missing", false, "skip --path entries that are not stored")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete every object stored for the run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withManager(func(m *artifact.Manager, run keys.Run) error {
				res, err := m.Delete(cmd.Context(), run)
				out := cmd.OutOrStdout()
				for _, k := range res.Failed() {
					fmt.Fprintf(out, "FAILED  %s: %v\n", k, res[k])
				}
				fmt.Fprintf(out, "deleted %d of %d objects for %s\n", len(res)-len(res.Failed()), len(res), run)
				return err
			})
		},
	}
}

func (c *cli) browseCmd() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "browse [path]",
		Short: "List one directory level of the run's artifacts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sub := ""
			if len(args) == 1 {
				sub = args[0]
			}
			return c.withManager(func(m *artifact.Manager, run keys.Run) error {
				var nodes []listing.Node
				var err error
				if recursive {
					nodes, err = m.List(cmd.Context(), run, sub)
				} else {
					nodes, err = m.Browse(cmd.Context(), run, sub)
				}
				if err != nil {
					return err
				}
				printNodes(cmd.OutOrStdout(), nodes)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "list every file below path")
	return cmd
}

func (c *cli) catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat PATH",
		Short: "Write one artifact to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withManager(func(m *artifact.Manager, run keys.Run) error {
				rc, err := m.Open(cmd.Context(), run, args[0])
				if err != nil {
					return err
				}
				defer rc.Close()
				_, err = io.Copy(cmd.OutOrStdout(), rc)
				return err
			})
		},
	}
}

func (c *cli) copyCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy every object of another run into the run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			src, err := keys.ParseRun(from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			return c.withManager(func(m *artifact.Manager, run keys.Run) error {
				res, err := m.CopyRun(cmd.Context(), src, run)
				printBatch(cmd.OutOrStdout(), "copied", res)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", `source run as "job#number"`)
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func (c *cli) stashCmd() *cobra.Command {
	var dir string
	var includes, excludes []string
	cmd := &cobra.Command{
		Use:   "stash NAME",
		Short: "Pack files into one named object of the run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withManager(func(m *artifact.Manager, run keys.Run) error {
				n, err := m.Stash(cmd.Context(), run, args[0], dir, includes, excludes)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stashed %d files as %q\n", n, args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "directory to stash from")
	cmd.Flags().StringArrayVar(&includes, "include", nil, "glob of files to stash (default all)")
	cmd.Flags().StringArrayVar(&excludes, "exclude", nil, "glob of files to leave out")
	return cmd
}

func (c *cli) unstashCmd() *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "unstash NAME",
		Short: "Restore a named stash of the run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withManager(func(m *artifact.Manager, run keys.Run) error {
				n, err := m.Unstash(cmd.Context(), run, args[0], dest)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unstashed %d files into %s\n", n, filepath.Clean(dest))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dest, "dest", ".", "directory to restore into")
	return cmd
}

// printBatch writes one line per path followed by a summary. res may be nil
// when the operation failed before any transfer started.
func printBatch(w io.Writer, verb string, res *transfer.BatchResult) {
	if res == nil {
		return
	}
	for _, p := range res.Succeeded {
		fmt.Fprintf(w, "ok      %s\n", p)
	}
	for _, p := range res.Skipped {
		fmt.Fprintf(w, "skipped %s\n", p)
	}
	for _, p := range res.FailedPaths() {
		terr := res.Failed[p]
		fmt.Fprintf(w, "FAILED  %s (%s, attempts=%d): %v\n", p, terr.Kind, res.Attempts[p], errors.Unwrap(terr))
	}
	fmt.Fprintf(w, "%s %d, skipped %d, failed %d\n", verb, len(res.Succeeded), len(res.Skipped), len(res.Failed))
}

func printNodes(w io.Writer, nodes []listing.Node) {
	for _, n := range nodes {
		name := n.Path
		if n.Kind == listing.Branch {
			name += "/"
		}
		modified := "-"
		if !n.LastModified.IsZero() {
			modified = n.LastModified.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%-4s %12d  %s  %s\n", n.Kind, n.Size, modified, name)
	}
}
