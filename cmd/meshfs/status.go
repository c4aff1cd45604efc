package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"meshfs/pkg/node"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func statusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show this node's identity, replicas and storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(func(ctx context.Context, n *node.Node) error {
				if jsonOutput {
					return statusJSON(n)
				}
				fmt.Println(titleStyle.Render("meshfs node"))
				fmt.Printf("%s %s\n", mutedStyle.Render("identity:"), n.Identity())
				fmt.Printf("%s %s\n\n", mutedStyle.Render("address: "), n.Address())

				infos := n.ListReplicas()
				writable := 0
				for _, info := range infos {
					if info.Writable() {
						writable++
					}
				}
				cards := []string{
					renderStatCard("Replicas", fmt.Sprintf("%d", len(infos)), primaryColor),
					renderStatCard("Writable", fmt.Sprintf("%d", writable), accentColor),
					renderStatCard("Content", formatBytes(n.TotalSize()), warningColor),
				}
				if tr, ok := n.Times(); ok {
					cards = append(cards, renderStatCard("Last write", tr.Newest.Time().Local().Format("01-02 15:04"), mutedColor))
				}
				fmt.Println(lipgloss.JoinHorizontal(lipgloss.Top, cards...))

				if len(infos) == 0 {
					return nil
				}
				t := newTable("REPLICA", "ACCESS", "FILES", "SIZE", "OLDEST", "NEWEST")
				for _, info := range infos {
					access := readOnlyStyle.Render("read-only")
					if info.Writable() {
						access = writableStyle.Render("writable")
					}
					size, _ := n.FolderSize(info.ID, "/")
					oldest, newest := "-", "-"
					if tr, err := n.FolderTimes(info.ID, "/"); err == nil {
						oldest = tr.Oldest.Time().Local().Format("2006-01-02 15:04")
						newest = tr.Newest.Time().Local().Format("2006-01-02 15:04")
					}
					t.Row(info.ID.String(), access, fmt.Sprintf("%d", info.Paths), formatBytes(size), oldest, newest)
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print machine-readable output")
	return cmd
}

func statusJSON(n *node.Node) error {
	type replicaStatus struct {
		ID       string `json:"id"`
		Rights   string `json:"rights"`
		Writable bool   `json:"writable"`
		Files    int    `json:"files"`
		Entries  int    `json:"entries"`
		Size     int64  `json:"size"`
	}
	out := struct {
		Identity string          `json:"identity"`
		Address  string          `json:"address"`
		Size     int64           `json:"size"`
		Replicas []replicaStatus `json:"replicas"`
	}{
		Identity: n.Identity().String(),
		Address:  n.Address(),
		Size:     n.TotalSize(),
		Replicas: []replicaStatus{},
	}
	for _, info := range n.ListReplicas() {
		size, _ := n.FolderSize(info.ID, "/")
		out.Replicas = append(out.Replicas, replicaStatus{
			ID:       info.ID.String(),
			Rights:   info.Rights.String(),
			Writable: info.Writable(),
			Files:    info.Paths,
			Entries:  info.Entries,
			Size:     size,
		})
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var output string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadViper()
			if err != nil {
				return err
			}
			all := v.AllSettings()
			switch output {
			case "yaml":
				out, err := yaml.Marshal(all)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(all)
			}
			return fmt.Errorf("invalid output format: %s (use yaml or json)", output)
		},
	}
	show.Flags().StringVarP(&output, "output", "o", "yaml", "output format: yaml or json")

	cmd.AddCommand(show, &cobra.Command{
		Use:   "path",
		Short: "Print the config file in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadViper()
			if err != nil {
				return err
			}
			if used := v.ConfigFileUsed(); used != "" {
				fmt.Println(used)
				return nil
			}
			fmt.Println(mutedStyle.Render("(no config file, using defaults and MESHFS_* environment)"))
			return nil
		},
	})
	return cmd
}
