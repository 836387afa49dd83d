// Command paymentctl runs payment operations against the database directly:
// reconciliation, receipt replay, read-only provider checks and throttle
// resets.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smart-kids/graph-sub000/internal/app"
	"github.com/smart-kids/graph-sub000/internal/config"
	"github.com/smart-kids/graph-sub000/internal/pkg/jwt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "paymentctl",
		Short:         "Operate the STK push payment service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log to stderr")

	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(unthrottleCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withComponents builds the payment stack, runs fn and closes everything.
func withComponents(cmd *cobra.Command, fn func(ctx context.Context, c *app.Components) error) error {
	logger := zap.NewNop()
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		logger = l
		defer logger.Sync()
	}

	ctx := cmd.Context()
	c, err := app.BuildComponents(ctx, config.Load(), logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		c.Close(closeCtx)
	}()

	return fn(ctx, c)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile [transaction-id]",
		Short: "Query the provider and apply final results to PENDING payments",
		Long: `With a transaction id, reconciles that payment. Without one, sweeps
PENDING payments older than --older-than.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			limit, _ := cmd.Flags().GetInt("limit")

			return withComponents(cmd, func(ctx context.Context, c *app.Components) error {
				if len(args) == 1 {
					outcome, err := c.Payments.Reconcile(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd, outcome)
				}
				summary, err := c.Payments.ReconcileStale(ctx, olderThan, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, summary)
			})
		},
	}

	cmd.Flags().Duration("older-than", 5*time.Minute, "Only sweep payments created before now minus this")
	cmd.Flags().IntP("limit", "n", 100, "Maximum payments to sweep")

	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <transaction-id>",
		Short: "Ask the provider for a payment's result without changing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *app.Components) error {
				result, err := c.Payments.VerifyTransaction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-apply stored callbacks that were never processed",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			limit, _ := cmd.Flags().GetInt("limit")

			return withComponents(cmd, func(ctx context.Context, c *app.Components) error {
				n, err := c.Payments.ReplayReceipts(ctx, olderThan, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %d callback receipt(s)\n", n)
				return nil
			})
		},
	}

	cmd.Flags().Duration("older-than", time.Minute, "Skip receipts newer than this")
	cmd.Flags().IntP("limit", "n", 100, "Maximum receipts to replay")

	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show payment counts and totals by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *app.Components) error {
				stats, err := c.Payments.Stats(ctx, nil)
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
}

func unthrottleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unthrottle <phone>",
		Short: "Clear the initiation rate limit for a payer phone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, func(ctx context.Context, c *app.Components) error {
				if err := c.Payments.ResetThrottle(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "throttle cleared")
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token for calling the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyPath, _ := cmd.Flags().GetString("key")
			userID, _ := cmd.Flags().GetInt64("user")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			priv, err := jwt.LoadRSAPrivateKeyFromPEM(keyPath)
			if err != nil {
				return err
			}
			cfg := config.Load()
			token, err := jwt.NewGenerator(priv, cfg.JWT.Issuer, cfg.JWT.Audience, ttl).GenerateAccessToken(userID, nil, roles)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().String("key", "/app/secrets/jwt_private.pem", "RSA private key (PEM)")
	cmd.Flags().Int64("user", 1, "identity_id claim")
	cmd.Flags().StringSlice("roles", []string{jwt.RoleOps}, "Roles claim")
	cmd.Flags().Duration("ttl", 15*time.Minute, "Token lifetime")

	return cmd
}
