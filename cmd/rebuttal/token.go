package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/rebuttal/config"
	"github.com/mohammad-safakhou/rebuttal/internal/runtime"
)

// tokenCMD mints a token for an account holder, for local testing and support work.
func tokenCMD(cfgPath *string) *cobra.Command {
	var guest bool
	var ttl time.Duration

	var token = &cobra.Command{
		Use:   "token <owner-id>",
		Short: "Mint a signed identity token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil {
				return err
			}
			signed, err := runtime.SignJWT(args[0], guest, secret, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), signed)
			return err
		},
	}
	token.Flags().BoolVar(&guest, "guest", false, "mark the token as a guest identity")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	return token
}
