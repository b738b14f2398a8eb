package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gsmlg-opt/repub-sub002/pkg/auth"
	"github.com/gsmlg-opt/repub-sub002/pkg/metadata"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage access tokens",
	}
	cmd.AddCommand(newTokenCreateCmd(), newTokenListCmd(), newTokenDeleteCmd())
	return cmd
}

// resolveUser finds a user by email, creating it when --create-user is
// set.
func resolveUser(ctx context.Context, store metadata.Store, email string, create bool) (*metadata.User, error) {
	user, err := store.GetUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, metadata.ErrNotFound) {
		return nil, err
	}
	if !create {
		return nil, fmt.Errorf("no user with email %s (use --create-user to add one)", email)
	}
	user = &metadata.User{
		ID:        uuid.NewString(),
		Email:     email,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func newTokenCreateCmd() *cobra.Command {
	var (
		email      string
		label      string
		scopes     []string
		expiresIn  time.Duration
		createUser bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint a new token; the raw value is printed exactly once",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := context.Background()

			user, err := resolveUser(ctx, store, email, createUser)
			if err != nil {
				return err
			}

			var expiresAt *time.Time
			if expiresIn > 0 {
				t := time.Now().UTC().Add(expiresIn)
				expiresAt = &t
			}

			record, raw, err := auth.NewTokenService(store).CreateToken(ctx, user.ID, label, scopes, expiresAt)
			if err != nil {
				return err
			}

			fmt.Printf("token created for %s\n", user.Email)
			fmt.Printf("  label:  %s\n", record.Label)
			fmt.Printf("  scopes: %s\n", strings.Join(record.Scopes, ", "))
			if record.ExpiresAt != nil {
				fmt.Printf("  expires: %s\n", record.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Printf("\n%s\n\nStore this value now; it cannot be recovered.\n", raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "user the token belongs to")
	cmd.Flags().StringVar(&label, "label", "", "unique label for this token")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{"read:all"}, "scopes (admin, publish:all, publish:pkg:<name>, read:all)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "lifetime, e.g. 720h; 0 means no expiry")
	cmd.Flags().BoolVar(&createUser, "create-user", false, "create the user if it does not exist")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("label")
	return cmd
}

func newTokenListCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := context.Background()

			user, err := resolveUser(ctx, store, email, false)
			if err != nil {
				return err
			}
			tokens, err := store.ListTokens(ctx, user.ID)
			if err != nil {
				return err
			}
			if len(tokens) == 0 {
				fmt.Printf("no tokens for %s\n", user.Email)
				return nil
			}
			for _, tok := range tokens {
				expiry := "never"
				if tok.ExpiresAt != nil {
					expiry = tok.ExpiresAt.Format(time.RFC3339)
				}
				lastUsed := "never"
				if tok.LastUsedAt != nil {
					lastUsed = tok.LastUsedAt.Format(time.RFC3339)
				}
				fmt.Printf("%-20s scopes=%-30s expires=%-25s last_used=%s\n",
					tok.Label, strings.Join(tok.Scopes, ","), expiry, lastUsed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "user whose tokens to list")
	cmd.MarkFlagRequired("email")
	return cmd
}

func newTokenDeleteCmd() *cobra.Command {
	var email, label string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Revoke a token by label",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := context.Background()

			user, err := resolveUser(ctx, store, email, false)
			if err != nil {
				return err
			}
			if err := store.DeleteToken(ctx, user.ID, label); err != nil {
				if errors.Is(err, metadata.ErrNotFound) {
					return fmt.Errorf("no token labelled %q for %s", label, user.Email)
				}
				return err
			}
			fmt.Printf("token %q revoked\n", label)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "user the token belongs to")
	cmd.Flags().StringVar(&label, "label", "", "label of the token to revoke")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("label")
	return cmd
}
