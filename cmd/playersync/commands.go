package main

import (
	"time"

	"github.com/spf13/cobra"
)

var (
	configPath string
	userFlag   string
	jsonOutput bool
	verbose    bool

	acceptAll  string
	dismiss    bool
	forceSave  bool
	metricsOn  string
	pollEvery  time.Duration
	userAdmin  bool
	userActive bool

	rootCmd = &cobra.Command{
		Use:   "playersync",
		Short: "Keep client settings in step with the copy stored on your account",
		Long: `playersync compares this client's settings with the snapshot stored on
your account and lets you choose, setting by setting, which side wins.
Administrators can push settings to other users.`,
		SilenceUsage: true,
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Compare local settings with the stored snapshot and resolve differences",
		Args:  cobra.NoArgs,
		RunE:  withApp(runCheck), // Defined in cmd_sync.go
	}

	startupCmd = &cobra.Command{
		Use:   "startup",
		Short: "Store an initial snapshot if there is none, then check",
		Args:  cobra.NoArgs,
		RunE:  withApp(runStartup),
	}

	saveCmd = &cobra.Command{
		Use:   "save",
		Short: "Store the current local settings as the account snapshot",
		Args:  cobra.NoArgs,
		RunE:  withApp(runSave),
	}

	ignoreCmd = &cobra.Command{
		Use:   "ignore",
		Short: "Stop offering the current differences until the next save",
		Args:  cobra.NoArgs,
		RunE:  withApp(runIgnore),
	}

	resetIgnoreCmd = &cobra.Command{
		Use:   "reset-ignore",
		Short: "Offer previously ignored differences again",
		Args:  cobra.NoArgs,
		RunE:  withApp(runResetIgnore),
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the sync switch, counters, and pending overrides",
		Args:  cobra.NoArgs,
		RunE:  withApp(runStatus),
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Save after local edits and apply administrator overrides as they arrive",
		Args:  cobra.NoArgs,
		RunE:  withApp(runWatch),
	}

	overridesCmd = &cobra.Command{
		Use:   "overrides",
		Short: "Administrator overrides pending for this user",
	}
	overridesApplyCmd = &cobra.Command{
		Use:   "apply",
		Short: "Merge a pending administrator override into the local settings",
		Args:  cobra.NoArgs,
		RunE:  withApp(runOverridesApply),
	}

	// --- Administration ---
	adminCmd = &cobra.Command{
		Use:   "admin",
		Short: "Inspect and push other users' client settings",
	}
	adminViewCmd = &cobra.Command{
		Use:   "view <user|players>",
		Short: "Show a user's effective client settings",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runAdminView), // Defined in cmd_admin.go
	}
	adminPushCmd = &cobra.Command{
		Use:   "push <user> key=value...",
		Short: "Store an override with the given settings for one user",
		Args:  cobra.MinimumNArgs(2),
		RunE:  withApp(runAdminPush),
	}
	adminPushAllCmd = &cobra.Command{
		Use:   "push-all key=value...",
		Short: "Store an override with the given settings for every player",
		Args:  cobra.MinimumNArgs(1),
		RunE:  withApp(runAdminPushAll),
	}
	adminSetCmd = &cobra.Command{
		Use:   "set <user|players> <key> <value>",
		Short: "Edit one setting of a pending override",
		Args:  cobra.ExactArgs(3),
		RunE:  withApp(runAdminSet),
	}
	adminClearCmd = &cobra.Command{
		Use:   "clear <user> <key>",
		Short: "Remove one setting from a pending override",
		Args:  cobra.ExactArgs(2),
		RunE:  withApp(runAdminClear),
	}
	adminPendingCmd = &cobra.Command{
		Use:   "pending <user>",
		Short: "Print a user's pending override",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runAdminPending),
	}

	// --- Catalog and users ---
	catalogCmd = &cobra.Command{
		Use:   "catalog",
		Short: "Registered setting definitions",
	}
	catalogListCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered settings",
		Args:  cobra.NoArgs,
		RunE:  withApp(runCatalogList), // Defined in cmd_catalog.go
	}

	usersCmd = &cobra.Command{
		Use:   "users",
		Short: "Manage user records",
	}
	usersAddCmd = &cobra.Command{
		Use:   "add <id> <name>",
		Short: "Create or update a user",
		Args:  cobra.ExactArgs(2),
		RunE:  withApp(runUsersAdd),
	}
	usersListCmd = &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE:  withApp(runUsersList),
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: platform config dir)")
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "", "user to act as (overrides sync.user_id)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	for _, c := range []*cobra.Command{checkCmd, startupCmd} {
		c.Flags().StringVar(&acceptAll, "accept", "", "decide every change without prompting: new, old, or ignore")
		c.Flags().BoolVar(&dismiss, "dismiss", false, "ignore the differences until the next save")
	}
	saveCmd.Flags().BoolVar(&forceSave, "force", false, "save even when syncing is switched off")
	watchCmd.Flags().StringVar(&metricsOn, "metrics-addr", "", "serve Prometheus metrics and health probes on this address (overrides metrics.addr)")
	watchCmd.Flags().DurationVar(&pollEvery, "poll", 30*time.Second, "how often to look for administrator overrides")
	usersAddCmd.Flags().BoolVar(&userAdmin, "admin", false, "grant administrator rights")
	usersAddCmd.Flags().BoolVar(&userActive, "active", false, "mark the user as connected")

	rootCmd.AddCommand(checkCmd, startupCmd, saveCmd, ignoreCmd, resetIgnoreCmd, statusCmd, watchCmd)

	overridesCmd.AddCommand(overridesApplyCmd)
	rootCmd.AddCommand(overridesCmd)

	adminCmd.AddCommand(adminViewCmd, adminPushCmd, adminPushAllCmd, adminSetCmd, adminClearCmd, adminPendingCmd)
	rootCmd.AddCommand(adminCmd)

	catalogCmd.AddCommand(catalogListCmd)
	usersCmd.AddCommand(usersAddCmd, usersListCmd)
	rootCmd.AddCommand(catalogCmd, usersCmd)
}
