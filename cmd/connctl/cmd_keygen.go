package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"brokerage/internal/api/middleware"
	"brokerage/pkg/crypto"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new ENCRYPTION_KEY",
		Long: `Generate a random 32-byte key, base64 encoded, suitable for ENCRYPTION_KEY.

Changing the key makes every stored credential undecryptable: affected
connections move to the error status on their next test.

Example:
  connctl keygen >> .env`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKeyString()
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ENCRYPTION_KEY=%s\n", key)
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		secret string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token USER_ID",
		Short: "Issue a development JWT for a user",
		Long: `Issue an HS256 token with user_id and sub claims, signed with JWT_SECRET.
Intended for local testing; production tokens come from the auth service.

Example:
  connctl token 42 --ttl 1h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || userID <= 0 {
				return fmt.Errorf("USER_ID must be a positive integer, got %q", args[0])
			}
			if secret == "" {
				return errors.New("JWT secret is required (--secret or JWT_SECRET)")
			}

			token, err := middleware.IssueToken(secret, userID, ttl)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HS256 signing secret")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
