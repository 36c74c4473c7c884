package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/migrate"
	"gateline/internal/pipeline"
	"gateline/internal/registry"
	"gateline/internal/repo"
	"gateline/internal/scheduler"
	"gateline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Gateline CI control plane",
	Long: `Gateline interprets declarative job and project definitions, resolves job
inheritance and templates, and runs check and gate pipelines for changes.
Gate pipelines serialize changes through named queues: a change merges only
when every voting job passes.`,
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
	viper.SetEnvPrefix("GATELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "gateline.yaml", "tenant config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int("concurrency", 4, "execution slots shared across all pipelines")
	rootCmd.PersistentFlags().String("log-dir", "", "job log directory (defaults to <workspace>/.gateline/logs)")
	rootCmd.PersistentFlags().Bool("strict-empty", false, "treat a pipeline resolving to zero jobs as an error")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("concurrency", rootCmd.PersistentFlags().Lookup("concurrency"))
	_ = viper.BindPFlag("log-dir", rootCmd.PersistentFlags().Lookup("log-dir"))
	_ = viper.BindPFlag("strict-empty", rootCmd.PersistentFlags().Lookup("strict-empty"))
}

func registerCommands() {
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(serveCmd())
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a tenant config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := loadInto(registry.New(), args[0])
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["code"] = registry.Code(err)
					out["error"] = err.Error()
				}
				if jErr := printJSON(out); jErr != nil {
					return jErr
				}
				if err != nil {
					return fmt.Errorf("%s", registry.Code(err))
				}
				return nil
			}
			if err != nil {
				return fmt.Errorf("%s: %w", registry.Code(err), err)
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func loadInto(reg *registry.Registry, path string) error {
	cfg, err := config.FromFile(path)
	if err != nil {
		return err
	}
	return reg.ReloadAll(cfg)
}

func planCmd() *cobra.Command {
	var ref string
	var touches []string
	cmd := &cobra.Command{
		Use:   "plan <pipeline> <project> [change]",
		Short: "Print the resolved job list for a change",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			changeID := ""
			if len(args) == 3 {
				changeID = args[2]
			}
			change := domain.Change{ID: changeID, Project: args[1], Ref: ref, Projects: touches}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				plan, err := e.Plan(args[0], change)
				if err != nil {
					return withCode(err)
				}
				if viper.GetBool("json") {
					return printJSON(plan)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Job", "Voting", "Timeout", "Required projects"})
				for _, pj := range plan.Jobs {
					tw.AppendRow(table.Row{pj.Job.Name, pj.Voting, pj.Job.Timeout, strings.Join(pj.Job.RequiredProjects, ",")})
				}
				tw.Render()
				if plan.Queue != "" {
					fmt.Printf("gate queue: %s\n", plan.Queue)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "change ref")
	cmd.Flags().StringArrayVar(&touches, "touches", []string{}, "touched project identifier (repeatable)")
	return cmd
}

func runCmd() *cobra.Command {
	var ref string
	var touches []string
	cmd := &cobra.Command{
		Use:   "run <pipeline> <project> <change>",
		Short: "Execute a pipeline for a change",
		Long:  "Runs every planned job and reports full per-job results. Exit code is 0 only when all voting jobs passed.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			change := domain.Change{ID: args[2], Project: args[1], Ref: ref, Projects: touches}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				build, results, err := e.Run(ctx, args[0], change)
				if err != nil {
					return withCode(err)
				}
				if viper.GetBool("json") {
					if err := printJSON(map[string]any{"build": build, "results": results}); err != nil {
						return err
					}
				} else {
					printResults(results)
					if build.ID != "" {
						fmt.Printf("build %s: %s\n", build.ID, build.State)
					}
				}
				if !domain.Success(results) {
					return fmt.Errorf("voting jobs failed")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "change ref")
	cmd.Flags().StringArrayVar(&touches, "touches", []string{}, "touched project identifier (repeatable)")
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Inspect job definitions"}
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	return job
}

func jobListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				names := e.Registry.Snapshot().Jobs()
				return printJSONOrLines(names)
			})
		},
	}
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a job's effective (inheritance-resolved) configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				eff, err := e.EffectiveJob(args[0])
				if err != nil {
					return withCode(err)
				}
				return printJSONOrIndent(eff)
			})
		},
	}
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Gate queues"}
	q.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show in-flight gate queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrIndent(e.Gates.Status())
			})
		},
	})
	return q
}

func historyCmd() *cobra.Command {
	var project, pipelineName string
	var n int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past builds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				builds, err := e.Repo.ListBuilds(ctx, repo.BuildFilters{Project: project, Pipeline: pipelineName, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(builds)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Pipeline", "Change", "Queue", "State", "Created"})
				for _, b := range builds {
					tw.AppendRow(table.Row{b.ID, b.Project, b.Pipeline, b.ChangeID, b.Queue, b.State, b.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project filter")
	cmd.Flags().StringVar(&pipelineName, "pipeline", "", "pipeline filter")
	cmd.Flags().IntVar(&n, "n", 20, "number of builds")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the control-plane HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("GATELINE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("GATELINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Gateline API on http://%s%s\n", addr, basePath)
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

// --- helpers ---

// withCode prefixes taxonomy-coded errors with their machine code.
func withCode(err error) error {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return fmt.Errorf("%s: %w", coded.Code(), err)
	}
	return err
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	logDir := viper.GetString("log-dir")
	if logDir == "" {
		logDir = filepath.Join(workspace, ".gateline", "logs")
	}
	reg := registry.New()
	if err := loadInto(reg, viper.GetString("config")); err != nil {
		return fmt.Errorf("%s: %w", registry.Code(err), err)
	}
	sched := scheduler.New(scheduler.NewShellExecutor(logDir), viper.GetInt("concurrency"))
	planner := pipeline.Engine{StrictEmpty: viper.GetBool("strict-empty")}
	e := engine.New(conn, reg, sched, planner)
	return fn(ctx, e)
}

func printResults(results []domain.JobResult) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Job", "Status", "Voting", "Duration", "Log"})
	for _, r := range results {
		tw.AppendRow(table.Row{r.JobName, r.Status, r.Voting, r.Duration.Round(time.Millisecond), r.LogURL})
	}
	tw.Render()
}

func printJSONOrIndent(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSONOrLines(items []string) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	for _, s := range items {
		fmt.Println(s)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
