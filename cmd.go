package main

import (
	"fmt"
	"time"

	"github.com/dylanconnolly/shop-gateway/auth"
	"github.com/dylanconnolly/shop-gateway/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	listen     string

	tokenSubject string
	tokenName    string
	tokenTTL     time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "shop-gateway",
	Short:        "Authenticated websocket gateway for the shop",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a signed credential for local testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tok, exp, err := auth.Issue(auth.Options{
			Secret: []byte(cfg.Auth.Secret),
			Alg:    cfg.Auth.Algorithm,
			Issuer: cfg.Auth.Issuer,
		}, auth.Identity{ID: tokenSubject, DisplayName: tokenName}, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to gateway.yaml (GATEWAY_* env vars override it)")

	serveCmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides the config")

	tokenCmd.Flags().StringVar(&tokenSubject, "sub", "", "user id")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 2*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("sub")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	return cfg, nil
}
