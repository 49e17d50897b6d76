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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gateline/internal/app"
	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/gates"
	"gateline/internal/journal"
	"gateline/internal/repo"
	"gateline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gate",
	Short: "Gateline CLI",
	Long: `Gateline moves tasks through a fixed sequence of workflow gates and keeps
an append-only lifecycle log of every attempt.
Core concepts:
- Workspace: the .gateline directory holding the database; gateline.yml next to it holds policies.
- Task: a unit of work, born in DRAFT, delivered through nine gates ending at DELIVERED.
- Gate: a named checkpoint (product.discovery .. pm.sync) owned by exactly one role.
- Mode: strict blocks out-of-order attempts, tolerant records them with an audit flag, branch forks a secondary lineage.
- Lifecycle log: the immutable record of transitions and blocked outcomes; read it with 'gate log tail'.
- Blocked record: a recorded outcome naming what was missing and how to unblock; it is not an error.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("role", "", "acting role (product-ops, tech-lead, qa)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(advanceCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(lineageCmd())
	rootCmd.AddCommand(gatesCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskVerifyCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task in DRAFT",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if id == "" {
					id = uuid.NewString()
				}
				t, err := e.CreateTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (generated when omitted)")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskListCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
					State: domain.State(state),
					Limit: limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "State", "Owner", "Created", "Delivered"})
				for _, t := range tasks {
					delivered := ""
					if t.DeliveredAt != nil {
						delivered = *t.DeliveredAt
					}
					tw.AppendRow(table.Row{t.ID, t.CurrentState, t.Owner, t.CreatedAt, delivered})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by current state")
	cmd.Flags().IntVar(&limit, "limit", 50, "max tasks")
	return cmd
}

func taskVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <task-id>",
		Short: "Replay the log and check the stored states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Replay(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printJSONOrTable(report); err != nil {
					return err
				}
				if !report.Consistent {
					return fmt.Errorf("stored states diverge from the log")
				}
				return nil
			})
		},
	}
	return cmd
}

func advanceCmd() *cobra.Command {
	var gate, mode, output, lineage, branch string
	var why, followUps []string
	cmd := &cobra.Command{
		Use:   "advance <task-id>",
		Short: "Attempt a gate transition",
		Long: `Validates the attempt against the gate sequence and appends the outcome to
the lifecycle log. A blocked outcome is printed, not returned as an error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := domain.Role(viper.GetString("role"))
			if role == "" {
				return fmt.Errorf("--role required (product-ops, tech-lead, qa)")
			}
			fus, err := parseFollowUps(followUps)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.ValidateAndApply(ctx, engine.TransitionRequest{
					TaskID:    args[0],
					Gate:      gate,
					Mode:      domain.Mode(mode),
					ActorRole: role,
					Rationale: why,
					OutputRef: output,
					FollowUps: fus,
					Lineage:   lineage,
					Branch:    branch,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Print(journal.FormatRecord(rec))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&gate, "gate", "", "gate name (e.g. product.discovery)")
	cmd.Flags().StringVar(&mode, "mode", "strict", "transition mode (strict, tolerant, branch)")
	cmd.Flags().StringArrayVar(&why, "why", nil, "rationale entry (repeatable)")
	cmd.Flags().StringVar(&output, "output", "", "output reference produced by the gate's work")
	cmd.Flags().StringArrayVar(&followUps, "follow-up", nil, `follow-up as "owner=<role>,due=<date>" (repeatable)`)
	cmd.Flags().StringVar(&lineage, "lineage", "", "lineage to evaluate against (default main)")
	cmd.Flags().StringVar(&branch, "branch", "", "branch name for branch mode")
	_ = cmd.MarkFlagRequired("gate")
	return cmd
}

func parseFollowUps(in []string) ([]domain.FollowUp, error) {
	var out []domain.FollowUp
	for _, raw := range in {
		fu := domain.FollowUp{}
		for _, part := range strings.Split(raw, ",") {
			k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok {
				return nil, fmt.Errorf("invalid follow-up %q; expected owner=<role>,due=<date>", raw)
			}
			switch k {
			case "owner":
				fu.Owner = domain.Role(v)
			case "due":
				fu.Due = v
			default:
				return nil, fmt.Errorf("invalid follow-up field %q", k)
			}
		}
		if fu.Owner == "" {
			return nil, fmt.Errorf("follow-up %q missing owner", raw)
		}
		out = append(out, fu)
	}
	return out, nil
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Lifecycle log",
		Long:  "The append-only history of a task: every transition and every blocked attempt.",
	}
	log.AddCommand(logTailCmd())
	log.AddCommand(logRenderCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail <task-id>",
		Short: "Show the newest records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recs, err := e.Repo.LatestRecords(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "TS", "Kind", "Gate", "Mode", "Actor", "Lineage", "To"})
				for _, rec := range recs {
					tw.AppendRow(table.Row{rec.Seq, rec.TS, rec.Kind, rec.Gate, rec.Mode, rec.ActorRole, rec.Lineage, rec.ToState})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of records")
	return cmd
}

func logRenderCmd() *cobra.Command {
	var lineage string
	cmd := &cobra.Command{
		Use:   "render <task-id>",
		Short: "Print the log in its canonical text layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetTask(ctx, args[0]); err != nil {
					return err
				}
				recs, err := e.Repo.ListRecords(ctx, repo.RecordFilters{TaskID: args[0], Lineage: lineage})
				if err != nil {
					return err
				}
				for _, rec := range recs {
					fmt.Print(journal.FormatRecord(rec))
					fmt.Println()
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&lineage, "lineage", "", "restrict to one lineage")
	return cmd
}

func lineageCmd() *cobra.Command {
	lin := &cobra.Command{Use: "lineage", Short: "Task lineages"}
	lin.AddCommand(&cobra.Command{
		Use:   "list <task-id>",
		Short: "List lineages and their current states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListLineages(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return lin
}

func gatesCmd() *cobra.Command {
	g := &cobra.Command{Use: "gates", Short: "Gate sequence"}
	g.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the nine gates in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			seq := gates.Sequence()
			if viper.GetBool("json") {
				return printJSON(seq)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"#", "Gate", "From", "To", "Owner"})
			for _, d := range seq {
				tw.AppendRow(table.Row{gates.Position(d.Name), d.Name, d.From, d.To, d.Owner})
			}
			tw.Render()
			return nil
		},
	})
	return g
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "API keys for the HTTP server"}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysRevokeCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" {
				return fmt.Errorf("--role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorRole: domain.Role(role),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// The secret is shown once; only its hash is stored.
				return printJSONOrTable(map[string]string{
					"id":     key.ID,
					"role":   role,
					"name":   name,
					"secret": secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "actor role for the key")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keysListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, domain.Role(role))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "filter by role")
	return cmd
}

func keysRevokeCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default gateline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			appCtx, err := app.Open(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer appCtx.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("GATELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("GATELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: appCtx.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Gateline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	appCtx, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer appCtx.Close()
	return fn(ctx, appCtx.Engine)
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
