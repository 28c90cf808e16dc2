package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BGMLAI/exoskull-sub007/pkg/api"
	"github.com/BGMLAI/exoskull-sub007/pkg/config"
	"github.com/BGMLAI/exoskull-sub007/pkg/store"
	"github.com/BGMLAI/exoskull-sub007/pkg/tenants"
	"github.com/BGMLAI/exoskull-sub007/pkg/timing"
)

var (
	tenantName      string
	tenantTimezone  string
	tenantContact   string
	tenantQuietFrom int
	tenantQuietTo   int
	tenantReason    string
	tokenTTL        time.Duration
	tokenSubject    string
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants",
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Register a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, closeDB, err := openDirectory(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		req := tenants.CreateRequest{
			ID:               args[0],
			Name:             tenantName,
			Timezone:         tenantTimezone,
			EmergencyContact: tenantContact,
		}
		if cmd.Flags().Changed("quiet-from") || cmd.Flags().Changed("quiet-to") {
			req.Quiet = &timing.QuietHours{Start: tenantQuietFrom, End: tenantQuietTo}
		}
		t, err := dir.Create(cmd.Context(), req)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(t, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var tenantSuspendCmd = &cobra.Command{
	Use:   "suspend <id>",
	Short: "Stop sweeping a tenant and refuse its proposals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, closeDB, err := openDirectory(cmd)
		if err != nil {
			return err
		}
		defer closeDB()
		return dir.Suspend(cmd.Context(), args[0], tenantReason)
	},
}

var tenantReactivateCmd = &cobra.Command{
	Use:   "reactivate <id>",
	Short: "Resume a suspended tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, closeDB, err := openDirectory(cmd)
		if err != nil {
			return err
		}
		defer closeDB()
		return dir.Reactivate(cmd.Context(), args[0])
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <tenant-id>",
	Short: "Mint an API bearer token signed with JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if cfg.JWTSecret == "" {
			return errors.New("JWT_SECRET is not set")
		}
		subject := tokenSubject
		if subject == "" {
			subject = "cli:" + args[0]
		}
		tok, err := api.NewJWTValidator([]byte(cfg.JWTSecret), "").Sign(subject, args[0], tokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	f := tenantCreateCmd.Flags()
	f.StringVar(&tenantName, "name", "", "Display name")
	f.StringVar(&tenantTimezone, "timezone", "UTC", "IANA timezone")
	f.StringVar(&tenantContact, "emergency-contact", "", "Number called at the last escalation level")
	f.IntVar(&tenantQuietFrom, "quiet-from", 22, "Quiet hours start (local hour)")
	f.IntVar(&tenantQuietTo, "quiet-to", 7, "Quiet hours end (local hour)")
	tenantSuspendCmd.Flags().StringVar(&tenantReason, "reason", "", "Why the tenant is suspended")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject (default cli:<tenant-id>)")

	tenantCmd.AddCommand(tenantCreateCmd, tenantSuspendCmd, tenantReactivateCmd)
	rootCmd.AddCommand(tenantCmd, tokenCmd)
}

func openDirectory(cmd *cobra.Command) (*tenants.Directory, func(), error) {
	db, err := store.Open(cmd.Context(), config.Load().DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	st := tenants.NewSQLStore(db)
	if err := st.Init(cmd.Context()); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return tenants.NewDirectory(st), func() { _ = db.Close() }, nil
}
