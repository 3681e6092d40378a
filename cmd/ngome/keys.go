package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/identity"
	"github.com/jkaninda/ngome/internal/storage"
)

var (
	keyName    string
	keySubject string
	keyTenant  string
	keyRoles   []string
	keyTTL     time.Duration
	keysJSON   bool
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage opaque API keys",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a new API key; the secret is printed once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withKeyStore(cmd.Context(), func(ctx context.Context, keys *storage.KeyRepository) error {
			secret, key, err := identity.Issue(ctx, keys, identity.KeySpec{
				Name:    keyName,
				Subject: keySubject,
				Tenant:  keyTenant,
				Roles:   keyRoles,
				TTL:     keyTTL,
			}, time.Now())
			if err != nil {
				return err
			}
			return printIssuedKey(cmd.OutOrStdout(), secret, key)
		})
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withKeyStore(cmd.Context(), func(ctx context.Context, keys *storage.KeyRepository) error {
			list, err := keys.List(ctx)
			if err != nil {
				return err
			}
			return printKeys(cmd.OutOrStdout(), list, time.Now())
		})
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyStore(cmd.Context(), func(ctx context.Context, keys *storage.KeyRepository) error {
			if err := keys.Revoke(ctx, args[0], time.Now()); err != nil {
				if errors.Is(err, identity.ErrKeyNotFound) {
					return fmt.Errorf("key %s not found", args[0])
				}
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "key %s revoked\n", args[0])
			return err
		})
	},
}

func init() {
	f := keysCreateCmd.Flags()
	f.StringVar(&keyName, "name", "", "display name")
	f.StringVar(&keySubject, "subject", "", "principal the key authenticates as (required)")
	f.StringVar(&keyTenant, "tenant", "", "tenant the key belongs to")
	f.StringSliceVar(&keyRoles, "role", nil, "role granted to the key (repeatable)")
	f.DurationVar(&keyTTL, "ttl", 0, "lifetime, e.g. 720h; 0 never expires")
	_ = keysCreateCmd.MarkFlagRequired("subject")

	keysCmd.PersistentFlags().BoolVar(&keysJSON, "json", false, "print JSON")
	keysCmd.AddCommand(keysCreateCmd, keysListCmd, keysRevokeCmd)
}

// withKeyStore opens the configured storage for the duration of fn.
func withKeyStore(ctx context.Context, fn func(context.Context, *storage.KeyRepository) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}
	db, err := openStorage(ctx, &cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return fn(ctx, db.Keys())
}

func printIssuedKey(w io.Writer, secret string, key *identity.Key) error {
	if keysJSON {
		return json.NewEncoder(w).Encode(struct {
			*identity.Key
			Secret string `json:"secret"`
		}{key, secret})
	}
	_, err := fmt.Fprintf(w, "id:      %s\nsubject: %s\ntenant:  %s\nroles:   %s\nexpires: %s\n\n%s\n\nStore this key now; it cannot be shown again.\n",
		key.ID, key.Subject, key.Tenant, strings.Join(key.Roles, ","), formatExpiry(key.ExpiresAt), secret)
	return err
}

func printKeys(w io.Writer, keys []identity.Key, now time.Time) error {
	if keysJSON {
		if keys == nil {
			keys = []identity.Key{}
		}
		return json.NewEncoder(w).Encode(keys)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSUBJECT\tTENANT\tROLES\tEXPIRES\tSTATE")
	for i := range keys {
		k := &keys[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			k.ID, k.Name, k.Subject, k.Tenant, strings.Join(k.Roles, ","), formatExpiry(k.ExpiresAt), keyState(k, now))
	}
	return tw.Flush()
}

func keyState(k *identity.Key, now time.Time) string {
	switch {
	case k.Revoked:
		return "revoked"
	case k.Expired(now):
		return "expired"
	default:
		return "active"
	}
}

func formatExpiry(t time.Time) string {
	if t.IsZero() || t.Equal(identity.NeverExpires) {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
