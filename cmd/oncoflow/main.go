package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"oncoflow/internal/app"
	"oncoflow/internal/db"
	"oncoflow/internal/domain"
	"oncoflow/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "oncoflow",
	Short: "Radiotherapy dossier workflow",
	Long: `oncoflow moves radiotherapy dossiers through the preparation workflow.
- Dossier: one patient's treatment preparation, always in exactly one status.
- Transition: a guarded move between statuses; every attempt is audited, committed or not.
- Checklist: per-status items that must be checked before a dossier may enter that status.
- Workflow: allowed transitions, roles per target status and checklist requirements, editable at runtime.
- Notifications: role-targeted events on transitions and for dossiers idle too long.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("backend") == "memory" {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ONCOFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("role", string(domain.RoleCoordination), "actor role")
	flags.StringSlice("permissions", nil, "actor permissions (workflow.admin, apikeys.manage)")
	flags.String("backend", "", "storage backend override (sqlite or memory)")
	flags.String("log-level", "info", "debug, info, warn or error")
	for _, name := range []string{"workspace", "json", "actor-id", "role", "permissions", "backend", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(dossierCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(checklistCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func logger() *slog.Logger {
	return logging.New(logging.ParseLevel(viper.GetString("log-level")))
}

func currentActor() domain.Actor {
	return domain.Actor{
		ID:          viper.GetString("actor-id"),
		Role:        domain.Role(viper.GetString("role")),
		Permissions: viper.GetStringSlice("permissions"),
	}
}

// withRuntime opens the workspace, runs fn and flushes queued notifications
// before closing.
func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Backend:   viper.GetString("backend"),
		Logger:    logger(),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	runErr := fn(ctx, rt)
	rt.Dispatcher.Drain(ctx)
	return runErr
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func statusList(in []string) []domain.Status {
	out := make([]domain.Status, 0, len(in))
	for _, s := range in {
		out = append(out, domain.Status(strings.TrimSpace(s)))
	}
	return out
}

func roleList(in []string) []domain.Role {
	out := make([]domain.Role, 0, len(in))
	for _, r := range in {
		out = append(out, domain.Role(strings.TrimSpace(r)))
	}
	return out
}
