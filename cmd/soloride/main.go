package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	appcfg "soloride/internal/config"
	"soloride/internal/db"
	"soloride/internal/engine"
	"soloride/internal/migrate"
	"soloride/internal/repo"
	"soloride/internal/rideapi"
	"soloride/internal/server"
	"soloride/internal/status"
)

var rootCmd = &cobra.Command{
	Use:   "soloride",
	Short: "Soloride CLI",
	Long: `Soloride books a shuttle ride for one rider and a dedicated vehicle shows up.
How: filler accounts book every other seat of a shared-ride proposal, the target
books the last seat, the service dispatches a dedicated vehicle for the "full"
ride, and the filler seats are cancelled. Failures roll the whole thing back.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SOLORIDE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(accountsCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(logCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter soloride.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := appcfg.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(appcfg.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Printf("Wrote %s; fill in account tokens before running.\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appcfg.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, cfg *appcfg.Config) error {
				handler, err := server.New(server.Config{
					Engine:   e,
					Store:    e.Store,
					App:      cfg,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: os.Getenv("SOLORIDE_JWT_SECRET")},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving soloride API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func runCmd() *cobra.Command {
	var target, routeID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a dedicated-vehicle upgrade",
		Long:  "Books filler seats, books the target, waits for the dedicated vehicle, cancels the fillers. Streams progress until the run ends.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--target required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, cfg *appcfg.Config) error {
				acct, err := cfg.Account(target)
				if err != nil {
					return err
				}
				route, err := cfg.Route(routeID)
				if err != nil {
					return err
				}
				for ev := range e.Run(ctx, acct, route) {
					switch ev.Type {
					case engine.EventLog:
						fmt.Println(ev.Line)
					case engine.EventResult:
						if viper.GetBool("json") {
							return printJSON(ev.Result)
						}
						fmt.Printf("Done: ride %d is a dedicated vehicle for %s.\n",
							ev.Result.Booking.ExternalRideID, ev.Result.Booking.AccountName)
						for _, id := range ev.Result.NeedsAttention {
							fmt.Printf("Needs attention: filler ride %d could not be cancelled.\n", id)
						}
					case engine.EventError:
						if viper.GetBool("json") {
							_ = printJSON(ev.Failure)
							return fmt.Errorf("run failed")
						}
						return fmt.Errorf("run failed (%s): %s", ev.Failure.Kind, ev.Failure.Reason)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "account id to upgrade")
	cmd.Flags().StringVar(&routeID, "route", "", "route id (default route when empty)")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func cancelCmd() *cobra.Command {
	var account string
	var rideID int64
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a booking",
		RunE: func(cmd *cobra.Command, args []string) error {
			if account == "" || rideID == 0 {
				return fmt.Errorf("--account and --ride required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, cfg *appcfg.Config) error {
				acct, err := cfg.Account(account)
				if err != nil {
					return err
				}
				res := e.Canceller.Cancel(ctx, acct, rideID)
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch res.Outcome {
				case engine.CancelOK:
					fmt.Printf("Cancelled ride %d for %s.\n", rideID, acct.Name)
				case engine.CancelAlreadyDone:
					fmt.Printf("Ride %d for %s was already cancelled.\n", rideID, acct.Name)
				case engine.CancelExternalFailure:
					return fmt.Errorf("cancel failed: %s", res.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account id")
	cmd.Flags().Int64Var(&rideID, "ride", 0, "external ride id")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("ride")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show account and booking status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, cfg *appcfg.Config) error {
				snap := e.Store.GetSnapshot()
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Account", "Status", "Message", "Active Rides"})
				for _, a := range snap.Accounts {
					rides := make([]string, 0, len(a.ActiveBookings))
					for _, b := range a.ActiveBookings {
						rides = append(rides, fmt.Sprintf("%d", b.RideID))
					}
					tw.AppendRow(table.Row{a.Name, a.Status, a.Message, strings.Join(rides, ", ")})
				}
				tw.Render()
				if len(snap.RideLog) > 0 {
					fmt.Println()
					lw := table.NewWriter()
					lw.SetOutputMirror(os.Stdout)
					lw.AppendHeader(table.Row{"Ride", "Account", "Kind", "Source", "Status", "Created"})
					for _, rec := range snap.RideLog {
						lw.AppendRow(table.Row{rec.ExternalRideID, rec.AccountName, rec.Kind, rec.Source, rec.Status, rec.CreatedAt})
					}
					lw.Render()
				}
				return nil
			})
		},
	}
	return cmd
}

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List configured accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appcfg.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			accounts := cfg.AccountList()
			if viper.GetBool("json") {
				type row struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				}
				out := make([]row, 0, len(accounts))
				for _, a := range accounts {
					out = append(out, row{ID: a.ID, Name: a.Name})
				}
				return printJSON(out)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Name"})
			for _, a := range accounts {
				tw.AppendRow(table.Row{a.ID, a.Name})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func routesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "List configured routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appcfg.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			routes := cfg.RouteList()
			if viper.GetBool("json") {
				return printJSON(routes)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Origin", "Destination", "Default"})
			for _, r := range routes {
				def := ""
				if r.ID == cfg.Defaults.Route {
					def = "*"
				}
				tw.AppendRow(table.Row{r.ID, r.Origin.Address, r.Destination.Address, def})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func searchCmd() *cobra.Command {
	var account, routeID string
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search ride proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			if account == "" {
				return fmt.Errorf("--account required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, cfg *appcfg.Config) error {
				acct, err := cfg.Account(account)
				if err != nil {
					return err
				}
				route, err := cfg.Route(routeID)
				if err != nil {
					return err
				}
				proposals, err := e.SearchProposals(ctx, acct, route)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(proposals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Proposal", "Ride", "Kind"})
				for _, p := range proposals {
					tw.AppendRow(table.Row{p.Ref, p.RideRef, p.Kind})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account id")
	cmd.Flags().StringVar(&routeID, "route", "", "route id (default route when empty)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the latest run's narration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				lines, err := r.LatestRunLines(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lines)
				}
				for _, line := range lines {
					fmt.Println(line)
				}
				return nil
			})
		},
	}
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine, *appcfg.Config) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := appcfg.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := &repo.Repo{DB: conn}
	store := status.New(cfg.AccountList(), r)
	client := rideapi.New(cfg.Service.BaseURL, cfg.Service.CityID, cfg.ServiceTimeout())
	e := engine.New(client, store, r, cfg)
	return fn(ctx, e, cfg)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
