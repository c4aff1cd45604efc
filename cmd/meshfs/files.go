package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"meshfs/pkg/node"
	"meshfs/pkg/utils"

	"github.com/spf13/cobra"
)

func formatBytes(n int64) string { return utils.FormatDataSize(n) }

func writeCmd() *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "write [replica:path]",
		Short: "Write a file from --from or standard input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if from == "" || from == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(from)
			}
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			return withNode(func(ctx context.Context, n *node.Node) error {
				id, path, err := splitTarget(n, args[0])
				if err != nil {
					return err
				}
				e, err := n.WriteFile(ctx, id, path, data)
				if err != nil {
					return err
				}
				fmt.Printf("Wrote %s (%s, %s)\n", e.Path, formatBytes(e.Size), e.Address.Short())
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&from, "from", "f", "", "local file to upload (default stdin)")
	return cmd
}

func readCmd() *cobra.Command {
	var (
		out   string
		fetch bool
	)

	cmd := &cobra.Command{
		Use:     "read [replica:path]",
		Aliases: []string{"cat"},
		Short:   "Read a file to standard output or --out",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				id, path, err := splitTarget(n, args[0])
				if err != nil {
					return err
				}
				var data []byte
				if fetch {
					data, err = n.FetchFile(ctx, id, path)
				} else {
					data, err = n.ReadFile(ctx, id, path)
				}
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				return os.WriteFile(out, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this local file instead of stdout")
	cmd.Flags().BoolVar(&fetch, "fetch", false, "sync with holders before reading")
	return cmd
}

func lsCmd() *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "ls [replica[:path]]",
		Short: "List directory contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				id, dir, err := splitTarget(n, args[0])
				if err != nil {
					return err
				}
				t := newTable("TYPE", "SIZE", "MODIFIED", "AUTHOR", "NAME")
				if recursive {
					files, err := n.ListFiles(id, dir)
					if err != nil {
						return err
					}
					for _, e := range files {
						t.Row("-", formatBytes(e.Size), e.Timestamp.Time().Local().Format("2006-01-02 15:04"), e.Author.Short(), e.Path)
					}
				} else {
					children, err := n.Children(id, dir)
					if err != nil {
						return err
					}
					for _, c := range children {
						if c.Dir {
							t.Row("d", "", "", "", c.Name+"/")
							continue
						}
						e := c.Entry
						t.Row("-", formatBytes(e.Size), e.Timestamp.Time().Local().Format("2006-01-02 15:04"), e.Author.Short(), c.Name)
					}
				}
				fmt.Println(titleStyle.Render(fmt.Sprintf("%s:%s", id, dir)))
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "list every file beneath the path")
	return cmd
}

func rmCmd() *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "rm [replica:path]",
		Short: "Delete a file, or a directory with -r",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				id, path, err := splitTarget(n, args[0])
				if err != nil {
					return err
				}
				if recursive {
					count, err := n.DeleteDirectory(ctx, id, path)
					if err != nil {
						return err
					}
					fmt.Printf("Deleted %d files under %s\n", count, path)
					return nil
				}
				if _, err := n.DeleteFile(ctx, id, path); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", path)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "delete every file beneath the path")
	return cmd
}

func mvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv [replica:source] [replica:destination]",
		Short: "Move a file or directory, possibly into another replica",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				from, src, err := splitTarget(n, args[0])
				if err != nil {
					return err
				}
				to, dst, err := splitTarget(n, args[1])
				if err != nil {
					return err
				}
				if strings.HasSuffix(dst, "/") {
					dst += lastSegment(src)
				}
				if _, err := n.Entry(from, src); err == nil {
					if _, err := n.MoveFile(ctx, from, src, to, dst); err != nil {
						return err
					}
					fmt.Printf("Moved %s to %s\n", src, dst)
					return nil
				}
				count, err := n.MoveDirectory(ctx, from, src, to, dst)
				if err != nil {
					return err
				}
				if count == 0 {
					return fmt.Errorf("nothing to move at %s", src)
				}
				fmt.Printf("Moved %d files from %s to %s\n", count, src, dst)
				return nil
			})
		},
	}
}

func lastSegment(p string) string {
	p = strings.TrimSuffix(p, "/")
	return p[strings.LastIndex(p, "/")+1:]
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [replica]",
		Short: "Sync a replica with its known holders now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				id, err := resolveReplica(n, args[0])
				if err != nil {
					return err
				}
				results, err := n.SyncReplica(ctx, id)
				t := newTable("PEER", "STATUS", "PULLED", "APPLIED", "PUSHED", "OBJECTS", "DURATION", "ERROR")
				for _, r := range results {
					status, msg := writableStyle.Render("ok"), ""
					switch {
					case r.Err != nil:
						status, msg = readOnlyStyle.Render("failed"), r.Err.Error()
					case r.ObjectErr != nil:
						status, msg = readOnlyStyle.Render("partial"), r.ObjectErr.Error()
					}
					t.Row(r.Peer, status,
						fmt.Sprintf("%d", r.Pulled), fmt.Sprintf("%d", r.Applied),
						fmt.Sprintf("%d", r.Pushed), fmt.Sprintf("%d", r.Objects),
						r.Duration.Round(time.Millisecond).String(), mutedStyle.Render(msg))
				}
				if len(results) > 0 {
					fmt.Println(t.Render())
				}
				return err
			})
		},
	}
}

func gcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove stored content no replica refers to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				// Content written since the previous sweep is spared once.
				if _, err := n.CollectGarbage(ctx); err != nil {
					return err
				}
				stats, err := n.CollectGarbage(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d of %d objects in %s\n", stats.Removed, stats.Scanned, stats.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
}
