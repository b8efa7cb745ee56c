package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/anji4cp/streamnexus/internal/auth"
	"github.com/anji4cp/streamnexus/internal/config"
	"github.com/anji4cp/streamnexus/internal/credentials"
)

func createEncryptKeyCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt-key [stream-key]",
		Short: "Encrypt a stream key with the configured passphrase",
		Long: `Prints the at-rest form of a stream key. The key is read from the argument,
or from the first line of stdin when no argument is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.ConfigPath)
			if err != nil {
				return err
			}
			c, err := credentials.NewCipher(cfg.Passphrase(), cfg.Credentials.Iterations)
			if err != nil {
				return err
			}
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				sc := bufio.NewScanner(cmd.InOrStdin())
				if sc.Scan() {
					key = sc.Text()
				}
				if err := sc.Err(); err != nil {
					return err
				}
			}
			key = strings.TrimSpace(key)
			if key == "" {
				return errors.New("empty stream key")
			}
			sealed, err := c.Encrypt(key)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}

func createTokenCommand(g *GlobalFlags) *cobra.Command {
	flags := &TokenFlags{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.User == "" && !flags.Admin {
				return errors.New("--user or --admin is required")
			}
			cfg, err := config.Load(g.ConfigPath)
			if err != nil {
				return err
			}
			svc, err := auth.NewService(cfg.Auth)
			if err != nil {
				return err
			}
			user := flags.User
			if user == "" {
				user = "admin"
			}
			tok, exp, err := svc.Issue(user, flags.Admin)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, tok)
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.User, "user", "", "user id carried as the token subject")
	cmd.Flags().BoolVar(&flags.Admin, "admin", false, "grant access to every user's resources")
	return cmd
}
