package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"meshfs/pkg/transport"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func tlsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tls",
		Short: "Manage certificates for encrypted peer connections",
	}
	cmd.AddCommand(tlsInitCmd())
	return cmd
}

func tlsInitCmd() *cobra.Command {
	var (
		dir      string
		name     string
		hosts    []string
		validity time.Duration
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Issue a node certificate, creating a CA when none exists",
		Long: `Issue a node certificate signed by the CA in --dir. Copy ca.crt and ca.key
to that directory on other nodes before running init there, so every peer
trusts the same root.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				dir = filepath.Join(cfg.DataDir, "tls")
			}
			if name == "" {
				name, _ = os.Hostname()
			}
			if len(hosts) == 0 {
				hosts = []string{"localhost", "127.0.0.1"}
			}

			tlsCfg, err := transport.GenerateNodeCertificates(dir, name, hosts, validity)
			if err != nil {
				return err
			}
			fmt.Println(titleStyle.Render("Certificates written to " + dir))
			fmt.Println(mutedStyle.Render("Add to your config file:"))
			snippet, err := yaml.Marshal(map[string]any{
				"transport": map[string]any{
					"tls": map[string]any{
						"enabled":             tlsCfg.Enabled,
						"cert":                tlsCfg.CertPath,
						"key":                 tlsCfg.KeyPath,
						"ca":                  tlsCfg.CAPath,
						"require_client_auth": tlsCfg.RequireClientAuth,
						"min_version":         tlsCfg.MinVersion,
					},
				},
			})
			if err != nil {
				return err
			}
			fmt.Print(string(snippet))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "certificate directory (default <data-dir>/tls)")
	cmd.Flags().StringVar(&name, "name", "", "certificate common name (default hostname)")
	cmd.Flags().StringSliceVar(&hosts, "hosts", nil, "DNS names and IPs peers dial this node by")
	cmd.Flags().DurationVar(&validity, "validity", transport.DefaultCertValidity, "certificate lifetime")
	return cmd
}
