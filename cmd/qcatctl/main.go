package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"qcat/internal/config"
	"qcat/internal/configuration"
	"qcat/internal/email"
	"qcat/internal/notify"
	"qcat/internal/qdata"
	"qcat/internal/search"
	"qcat/internal/store"
	"qcat/internal/workflow"
)

func main() {
	root := &cobra.Command{
		Use:           "qcatctl",
		Short:         "Maintenance operations for the questionnaire service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		setSuperuserCmd(),
		grantRoleCmd(),
		revokeRoleCmd(),
		setMailDefaultsCmd(),
		sendNotificationMailsCmd(),
		setNextMaintenanceCmd(),
		loadConfigurationCmd(),
		activateEditionCmd(),
		addConfigurationCmd(),
		reindexCmd(),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.Config) (*store.PostgresStore, func(), error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	return store.NewPostgresStore(db), func() { _ = db.Close() }, nil
}

func setSuperuserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set_superuser <email>...",
		Short: "Grant superuser rights to existing users",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, closeDB, err := openStore(ctx, config.Load())
			if err != nil {
				return err
			}
			defer closeDB()
			for _, addr := range args {
				if err := st.SetSuperuser(ctx, addr, true); err != nil {
					return err
				}
				fmt.Printf("%s is now a superuser\n", addr)
			}
			return nil
		},
	}
}

func grantRoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant_role <email> <role>",
		Short: "Grant a global moderation role to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return changeRole(cmd.Context(), args[0], args[1], true)
		},
	}
}

func revokeRoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke_role <email> <role>",
		Short: "Revoke a global moderation role from a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return changeRole(cmd.Context(), args[0], args[1], false)
		},
	}
}

func changeRole(ctx context.Context, addr, name string, grant bool) error {
	role := workflow.Role(name)
	switch role {
	case workflow.RoleReviewer, workflow.RolePublisher, workflow.RoleSecretariat:
	default:
		return fmt.Errorf("unknown role %q, want reviewer, publisher or secretariat", name)
	}
	st, closeDB, err := openStore(ctx, config.Load())
	if err != nil {
		return err
	}
	defer closeDB()
	user, err := st.GetUserByEmail(ctx, addr)
	if err != nil {
		return err
	}
	if grant {
		if err := st.GrantRole(ctx, user.ID, role); err != nil {
			return err
		}
		fmt.Printf("granted %s to %s\n", name, addr)
		return nil
	}
	if err := st.RevokeRole(ctx, user.ID, role); err != nil {
		return err
	}
	fmt.Printf("revoked %s from %s\n", name, addr)
	return nil
}

func setMailDefaultsCmd() *cobra.Command {
	var (
		subscription string
		actions      string
		language     string
	)
	cmd := &cobra.Command{
		Use:   "set_mail_defaults",
		Short: "Reset every user's mail preferences to the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, closeDB, err := openStore(ctx, config.Load())
			if err != nil {
				return err
			}
			defer closeDB()
			affected, err := st.ResetMailPreferences(ctx, subscription, actions, language)
			if err != nil {
				return err
			}
			fmt.Printf("reset mail preferences for %d users\n", affected)
			return nil
		},
	}
	cmd.Flags().StringVar(&subscription, "subscription", "todo", "all, todo or none")
	cmd.Flags().StringVar(&actions, "actions", "", "comma separated actions, empty for all")
	cmd.Flags().StringVar(&language, "language", "en", "digest language")
	return cmd
}

func sendNotificationMailsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send_notification_mails",
		Short: "Process pending notification logs into digest mails once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := config.Load()
			st, closeDB, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeDB()
			mail := email.NewService(email.Config{
				Host:     cfg.SMTPHost,
				Port:     cfg.SMTPPort,
				Username: cfg.SMTPUsername,
				Password: cfg.SMTPPassword,
				From:     cfg.SMTPFrom,
				FromName: cfg.SMTPFromName,
			})
			if !mail.IsConfigured() {
				return fmt.Errorf("SMTP is not configured")
			}
			digester := notify.NewDigester(st, mail, []byte(cfg.ServerKey), cfg.BaseURL, cfg.NotificationsBatch, 0)
			sent, err := digester.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("sent %d digest mails\n", sent)
			return nil
		},
	}
}

func setNextMaintenanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set_next_maintenance <rfc3339-timestamp|clear>",
		Short: "Announce the next maintenance window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			value := args[0]
			if value == "clear" {
				value = ""
			} else if _, err := time.Parse(time.RFC3339, value); err != nil {
				return fmt.Errorf("not an RFC3339 timestamp: %q", value)
			}
			st, closeDB, err := openStore(ctx, config.Load())
			if err != nil {
				return err
			}
			defer closeDB()
			return st.SetSetting(ctx, store.SettingNextMaintenance, value)
		},
	}
}

func loadConfigurationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load_configuration <code> <edition> <file>",
		Short: "Load a configuration edition from a JSON file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			code, edition, path := args[0], args[1], args[2]
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			// Reject trees that would not load at request time.
			if _, err := configuration.Decode(code, edition, data); err != nil {
				return err
			}
			st, closeDB, err := openStore(ctx, config.Load())
			if err != nil {
				return err
			}
			defer closeDB()
			if err := st.UpsertEdition(ctx, code, edition, data); err != nil {
				return err
			}
			fmt.Printf("loaded %s edition %s\n", code, edition)
			return nil
		},
	}
}

func activateEditionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate_edition <code> <edition>",
		Short: "Make one edition of a configuration the active one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, closeDB, err := openStore(ctx, config.Load())
			if err != nil {
				return err
			}
			defer closeDB()
			if err := st.ActivateEdition(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("activated %s edition %s\n", args[0], args[1])
			return nil
		},
	}
}

func addConfigurationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add_configuration <questionnaire-code> <config-code>",
		Short: "Attach a derived configuration membership to a questionnaire",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, closeDB, err := openStore(ctx, config.Load())
			if err != nil {
				return err
			}
			defer closeDB()
			q, err := st.GetLatest(ctx, args[0])
			if err != nil {
				return err
			}
			if err := st.AddConfiguration(ctx, q.ID, args[1]); err != nil {
				return err
			}
			fmt.Printf("%s now listed under %s\n", q.Code, args[1])
			return nil
		},
	}
}

func reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := config.Load()
			st, closeDB, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeDB()
			if cfg.MeiliURL == "" {
				return fmt.Errorf("MEILI_URL is not configured")
			}
			meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
			defer meili.Close()
			registry := configuration.NewRegistry(st)
			svc := search.NewService(meili, search.NewDBSearch(st))
			svc.ReindexAll(ctx, recordBuilder(ctx, registry))
			fmt.Println("reindex complete")
			return nil
		},
	}
}

func recordBuilder(ctx context.Context, registry *configuration.Registry) func(store.Questionnaire) (search.Record, error) {
	return func(q store.Questionnaire) (search.Record, error) {
		cfg, err := registry.GetEdition(ctx, q.ConfigCode, q.Edition)
		if err != nil {
			return search.Record{}, err
		}
		data, err := qdata.ParseRaw(q.Data)
		if err != nil {
			return search.Record{}, err
		}
		var filterable []store.KeyFilter
		for _, f := range cfg.FilterConfiguration() {
			filterable = append(filterable, store.KeyFilter{Questiongroup: f.Questiongroup, Key: f.Key})
		}
		return search.RecordFromQuestionnaire(q, filterable, data), nil
	}
}
