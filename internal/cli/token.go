package cli

import (
	"fmt"
	"time"

	"github.com/ambitiousfew/reqcast/credentials"
	"github.com/spf13/cobra"
)

func TokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the stored access token",
	}
	cmd.AddCommand(tokenShowCmd(), tokenSetCmd(), tokenClearCmd())
	return cmd
}

func tokenStore(cmd *cobra.Command) (*credentials.File, error) {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return nil, err
	}
	return credentials.NewFile(cfg.TokenFile, logger), nil
}

type tokenInfo struct {
	Token     string         `json:"token"`
	Claims    map[string]any `json:"claims,omitempty"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
	Expired   bool           `json:"expired"`
}

func tokenShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored token and its JWT claims",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := tokenStore(cmd)
			if err != nil {
				return err
			}
			token, err := store.Load()
			if err != nil {
				return err
			}
			if token == "" {
				return fmt.Errorf("no token stored in %s", store.Path())
			}

			info := tokenInfo{Token: token}
			// opaque tokens carry no claims, only the token is printed.
			if claims, err := credentials.Claims(token); err == nil {
				info.Claims = claims
				if at, ok, _ := credentials.ExpiresAt(token); ok {
					info.ExpiresAt = &at
					info.Expired = credentials.Expired(token, time.Now())
				}
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
}

func tokenSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set TOKEN",
		Short: "Store an access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := tokenStore(cmd)
			if err != nil {
				return err
			}
			if err := store.SetToken(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token stored in %s\n", store.Path())
			return nil
		},
	}
}

func tokenClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := tokenStore(cmd)
			if err != nil {
				return err
			}
			if err := store.ClearToken(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "token cleared")
			return nil
		},
	}
}
