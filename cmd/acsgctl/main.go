package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/takotech/acsg/internal/access"
	"github.com/takotech/acsg/internal/license"
	"github.com/takotech/acsg/internal/store/pg"
	"github.com/takotech/acsg/migrations"

	migratepkg "github.com/takotech/acsg/internal/migrate"
)

func main() {
	root := &cobra.Command{
		Use:           "acsgctl",
		Short:         "Operational tooling for the access control service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(licenseCmd(), migrateCmd(), seedCmd(), checkCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openStore() (*pg.Store, error) {
	dsn := strings.TrimSpace(os.Getenv("ACSG_PG_DSN"))
	if dsn == "" {
		return nil, errors.New("ACSG_PG_DSN is required")
	}
	return pg.Open(dsn)
}

func openLicenseService(store *pg.Store) (*license.Service, error) {
	secret := strings.TrimSpace(os.Getenv("ACSG_LICENSE_SECRET"))
	if secret == "" {
		return nil, errors.New("ACSG_LICENSE_SECRET is required")
	}
	cipher, err := license.NewCipher(secret)
	if err != nil {
		return nil, err
	}
	return license.NewService(store, cipher, time.Second)
}

func licenseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Manage license tokens",
	}

	var (
		expiry   string
		maxUsers int
		orgName  string
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Install a new license token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			expiryDate, err := time.Parse("2006-01-02", expiry)
			if err != nil {
				return fmt.Errorf("--expiry must be YYYY-MM-DD: %w", err)
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			svc, err := openLicenseService(store)
			if err != nil {
				return err
			}
			tok, err := svc.SetLicense(cmd.Context(), expiryDate, maxUsers, orgName)
			if err != nil {
				return err
			}
			fmt.Printf("license %s installed for %q, %d seats until %s\n", tok.ID, orgName, maxUsers, expiry)
			return nil
		},
	}
	set.Flags().StringVar(&expiry, "expiry", "", "expiry date (YYYY-MM-DD)")
	set.Flags().IntVar(&maxUsers, "max-users", 4, "concurrent seat quota")
	set.Flags().StringVar(&orgName, "org", "", "licensed organization name")
	_ = set.MarkFlagRequired("expiry")

	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt the current license with a fresh salt",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			svc, err := openLicenseService(store)
			if err != nil {
				return err
			}
			tok, err := svc.RotateLicense(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("license rotated, new token %s\n", tok.ID)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List license token rows, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			svc, err := openLicenseService(store)
			if err != nil {
				return err
			}
			tokens, err := svc.ListLicenses(cmd.Context())
			if err != nil {
				return err
			}
			for _, tok := range tokens {
				status := "inactive"
				if tok.IsActive {
					status = "active"
				}
				fmt.Printf("%s  %-8s  %s  %s\n", tok.ID, status, tok.CreatedAt.Format(time.RFC3339), tok.OrgName)
			}
			return nil
		},
	}

	cmd.AddCommand(set, rotate, list)
	return cmd
}

func withManager(fn func(ctx context.Context, m *migratepkg.Manager) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		m := migratepkg.NewManager(store.DB(), migrations.Files, migrations.Dir, migrations.SeedsDir)
		return fn(cmd.Context(), m)
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withManager(func(ctx context.Context, m *migratepkg.Manager) error {
				return m.Up(ctx)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: withManager(func(ctx context.Context, m *migratepkg.Manager) error {
				return m.Down(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show applied migrations",
			RunE: withManager(func(ctx context.Context, m *migratepkg.Manager) error {
				applied, err := m.Status(ctx)
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					fmt.Println("no migrations applied")
					return nil
				}
				for _, name := range applied {
					fmt.Println(name)
				}
				return nil
			}),
		},
	)
	return cmd
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate access-control data",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "roles",
		Short: "Verify role parent chains are acyclic",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			roles, err := store.Roles(cmd.Context())
			if err != nil {
				return err
			}
			if err := access.DetectRoleCycle(roles); err != nil {
				return err
			}
			fmt.Printf("%d roles checked, no cycles\n", len(roles))
			return nil
		},
	})
	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load builtin permissions and demo fixtures",
		RunE: withManager(func(ctx context.Context, m *migratepkg.Manager) error {
			return m.Seed(ctx)
		}),
	}
}
