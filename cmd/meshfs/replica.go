package main

import (
	"context"
	"fmt"
	"time"

	"meshfs/pkg/node"
	"meshfs/pkg/types"

	"github.com/spf13/cobra"
)

func replicaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "replica",
		Aliases: []string{"replicas"},
		Short:   "Create, list and delete replicas",
	}
	cmd.AddCommand(replicaCreateCmd(), replicaListCmd(), replicaDeleteCmd())
	return cmd
}

func replicaCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a replica owned by this node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				id, err := n.CreateReplica(ctx)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
}

func replicaListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List held replicas",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				infos := n.ListReplicas()
				if len(infos) == 0 {
					fmt.Println("No replicas. Create one with 'meshfs replica create' or import a ticket.")
					return nil
				}
				t := newTable("REPLICA", "ACCESS", "RIGHTS", "FILES", "SIZE", "CREATED")
				for _, info := range infos {
					access := readOnlyStyle.Render("read-only")
					if info.Writable() {
						access = writableStyle.Render("writable")
					}
					size, _ := n.FolderSize(info.ID, "/")
					t.Row(
						info.ID.String(),
						access,
						info.Rights.String(),
						fmt.Sprintf("%d", info.Paths),
						formatBytes(size),
						info.Created.Local().Format("2006-01-02 15:04"),
					)
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
}

func replicaDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [replica]",
		Short: "Delete a replica and its log from this node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				id, err := resolveReplica(n, args[0])
				if err != nil {
					return err
				}
				if err := n.DeleteReplica(ctx, id); err != nil {
					return err
				}
				fmt.Printf("Replica deleted: %s\n", id)
				return nil
			})
		},
	}
}

func shareCmd() *cobra.Command {
	var (
		to     string
		mode   string
		prefix string
		expiry time.Duration
	)

	cmd := &cobra.Command{
		Use:   "share [replica]",
		Short: "Issue a ticket granting another node access to a replica",
		Long: `Issue a ticket for the node whose identity key is given with --to.
The recipient finds its key with 'meshfs status'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipient, err := types.ParsePublicKey(to)
			if err != nil {
				return fmt.Errorf("invalid --to key: %w", err)
			}
			shareMode, err := node.ParseShareMode(mode)
			if err != nil {
				return err
			}
			return withNode(func(ctx context.Context, n *node.Node) error {
				id, err := resolveReplica(n, args[0])
				if err != nil {
					return err
				}
				req := node.ShareRequest{To: recipient, Mode: shareMode, Prefix: prefix}
				if expiry > 0 {
					req.Expiry = time.Now().Add(expiry)
				}
				ticket, err := n.ShareReplica(ctx, id, req)
				if err != nil {
					return err
				}
				fmt.Println(ticket)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "identity key of the recipient")
	cmd.Flags().StringVar(&mode, "mode", "read", "access to grant: read or write")
	cmd.Flags().StringVar(&prefix, "prefix", "", "limit access to this path prefix")
	cmd.Flags().DurationVar(&expiry, "expires", 0, "capability lifetime, 0 for none")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [ticket...]",
		Short: "Import a replica from one or more tickets and sync it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tickets []*node.Ticket
			for _, arg := range args {
				t, err := node.ParseTicket(arg)
				if err != nil {
					return err
				}
				tickets = append(tickets, t)
			}
			ticket, err := node.MergeTickets(tickets...)
			if err != nil {
				return err
			}
			return withNode(func(ctx context.Context, n *node.Node) error {
				id, err := n.ImportTicket(ctx, ticket)
				if id.IsZero() {
					return err
				}
				if err != nil {
					fmt.Printf("Imported %s; initial sync failed: %v\n", id, err)
					return nil
				}
				fmt.Printf("Imported %s (%s)\n", id, ticket.Capability.Rights)
				return nil
			})
		},
	}
}
