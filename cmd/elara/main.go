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

	"elara/internal/approval"
	"elara/internal/audit"
	"elara/internal/completion"
	"elara/internal/config"
	"elara/internal/db"
	"elara/internal/domain"
	"elara/internal/migrate"
	"elara/internal/outbox"
	"elara/internal/repo"
	"elara/internal/runtime"
	"elara/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "elara",
	Short: "Elara agent orchestration CLI",
	Long: `Elara runs capability-scoped specialist agents inside workspaces.
Owners define specialists, goals are delegated to eligible specialists under
policy, high-impact delegations wait for explicit approval, and every step
lands in a per-workspace tamper-evident audit chain plus a replayable
per-run event ledger.`,
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
	viper.SetEnvPrefix("ELARA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("role", "owner", "actor role (owner|member)")
	rootCmd.PersistentFlags().String("workspace-id", "ws-local", "tenant workspace id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("workspace-id", rootCmd.PersistentFlags().Lookup("workspace-id"))
}

func registerCommands() {
	rootCmd.AddCommand(specialistCmd())
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(companionCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorFromFlags() domain.ActorContext {
	return domain.ActorContext{
		UserID: viper.GetString("actor-id"),
		Role:   domain.Role(viper.GetString("role")),
	}
}

func specialistCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "specialist", Short: "Manage specialist agents"}
	cmd.AddCommand(specialistUpsertCmd())
	cmd.AddCommand(specialistListCmd())
	return cmd
}

func specialistUpsertCmd() *cobra.Command {
	var id, name, prompt, persona string
	var capabilities []string
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a specialist",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *runtime.Orchestrator) error {
				caps := make([]domain.Capability, 0, len(capabilities))
				for _, c := range capabilities {
					caps = append(caps, domain.Capability(c))
				}
				s, err := o.UpsertSpecialist(ctx, viper.GetString("workspace-id"), actorFromFlags(), domain.Specialist{
					ID:           id,
					Name:         name,
					Prompt:       prompt,
					Persona:      persona,
					Capabilities: caps,
				})
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "specialist id")
	cmd.Flags().StringVar(&name, "name", "", "specialist name")
	cmd.Flags().StringVar(&prompt, "prompt", "", "system prompt")
	cmd.Flags().StringVar(&persona, "persona", "", "persona text")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "capability (repeatable)")
	return cmd
}

func specialistListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List specialists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *runtime.Orchestrator) error {
				items, err := o.ListSpecialists(ctx, viper.GetString("workspace-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Capabilities"})
				for _, s := range items {
					caps := make([]string, 0, len(s.Capabilities))
					for _, c := range s.Capabilities {
						caps = append(caps, string(c))
					}
					tw.AppendRow(table.Row{s.ID, s.Name, strings.Join(caps, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func goalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "goal", Short: "Execute goals via delegation"}
	cmd.AddCommand(goalExecuteCmd())
	return cmd
}

func goalExecuteCmd() *cobra.Command {
	var approvedIDs []string
	cmd := &cobra.Command{
		Use:   "execute <goal>",
		Short: "Delegate a goal to eligible specialists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *runtime.Orchestrator) error {
				reply, err := o.ExecuteGoal(ctx, viper.GetString("workspace-id"), actorFromFlags(), args[0], approvedIDs)
				var required runtime.ApprovalRequiredError
				if errors.As(err, &required) {
					fmt.Printf("approval required: %s\n", required.ApprovalID)
					fmt.Println("approve it with: elara approval decide --id", required.ApprovalID, "--decision approved")
					return nil
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reply)
				}
				fmt.Printf("run %s: %s\n", reply.AgentRunID, reply.Summary)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Specialist", "Task", "Output"})
				for _, d := range reply.DelegatedResults {
					tw.AppendRow(table.Row{d.SpecialistID, d.Task, d.Output})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&approvedIDs, "approved-request-id", nil, "previously approved request id (repeatable)")
	return cmd
}

func companionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "companion", Short: "Companion messaging"}
	cmd.AddCommand(companionMessageCmd())
	return cmd
}

func companionMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message <text>",
		Short: "Send a companion message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *runtime.Orchestrator) error {
				reply, err := o.CompanionMessage(ctx, viper.GetString("workspace-id"), viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reply)
				}
				fmt.Println(reply.Response)
				return nil
			})
		},
	}
	return cmd
}

func approvalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approval", Short: "Manage approval requests"}
	cmd.AddCommand(approvalListCmd())
	cmd.AddCommand(approvalDecideCmd())
	return cmd
}

func approvalListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *runtime.Orchestrator) error {
				items, err := o.Approvals.List(ctx, viper.GetString("workspace-id"), domain.ApprovalStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Capability", "Action", "Status", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Capability, a.Action, a.Status, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending|approved|denied)")
	return cmd
}

func approvalDecideCmd() *cobra.Command {
	var id, decision string
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Decide an approval request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			if decision != string(domain.ApprovalApproved) && decision != string(domain.ApprovalDenied) {
				return fmt.Errorf("--decision must be approved or denied")
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *runtime.Orchestrator) error {
				req, err := o.Approvals.Decide(ctx, id, viper.GetString("actor-id"), domain.ApprovalStatus(decision))
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "approval request id")
	cmd.Flags().StringVar(&decision, "decision", "", "approved or denied")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Inspect the audit chain"}
	cmd.AddCommand(auditTailCmd())
	cmd.AddCommand(auditVerifyCmd())
	return cmd
}

func auditTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *runtime.Orchestrator) error {
				events, err := o.Audit.List(ctx, viper.GetString("workspace-id"), n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Action", "Outcome", "Created"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.ActorID, e.Action, e.Outcome, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func auditVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the workspace audit chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *runtime.Orchestrator) error {
				ok, err := o.Audit.Verify(ctx, viper.GetString("workspace-id"))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("audit chain verification failed for workspace %s", viper.GetString("workspace-id"))
				}
				fmt.Println("audit chain verified")
				return nil
			})
		},
	}
	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Replay run events"}
	cmd.AddCommand(eventsReplayCmd())
	return cmd
}

func eventsReplayCmd() *cobra.Command {
	var lastSeq int64
	cmd := &cobra.Command{
		Use:   "replay <agent-run-id>",
		Short: "Replay a run's events after a cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *runtime.Orchestrator) error {
				events, err := o.ReplayEvents(ctx, args[0], actorFromFlags(), lastSeq)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Type", "Payload", "Created"})
				for _, e := range events {
					payload, _ := json.Marshal(e.Payload)
					tw.AppendRow(table.Row{e.Seq, e.EventType, string(payload), e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&lastSeq, "last-seq", 0, "replay events after this seq")
	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "Outbox delivery"}
	cmd.AddCommand(outboxDrainCmd())
	return cmd
}

func outboxDrainCmd() *cobra.Command {
	var maxItems int
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Drain undelivered events (marks them delivered)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *runtime.Orchestrator) error {
				events, err := o.Runs.Drain(ctx, maxItems)
				if err != nil {
					return err
				}
				return printJSON(events)
			})
		},
	}
	cmd.Flags().IntVar(&maxItems, "max", 100, "maximum events to drain")
	return cmd
}

func memberCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Workspace membership"}
	cmd.AddCommand(memberAddCmd())
	return cmd
}

func memberAddCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Provision a workspace member",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user-id required")
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *runtime.Orchestrator) error {
				if err := o.Access.EnsureWorkspaceAccess(ctx, viper.GetString("workspace-id"), actorFromFlags()); err != nil {
					return err
				}
				return o.Access.AddMember(ctx, viper.GetString("workspace-id"), userID)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user to provision")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			secret := os.Getenv("ELARA_JWT_SECRET")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" && !cfg.Auth.AllowLegacyActorHeaders {
				return fmt.Errorf("ELARA_JWT_SECRET is required for bearer auth")
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *runtime.Orchestrator) error {
				handler, err := server.New(server.Config{
					Orchestrator: o,
					BasePath:     basePath,
					Auth: server.AuthConfig{
						JWTSecret:               secret,
						AllowLegacyActorHeaders: cfg.Auth.AllowLegacyActorHeaders,
					},
				})
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
				fmt.Printf("Serving Elara API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
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

func withOrchestrator(ctx context.Context, fn func(context.Context, *runtime.Orchestrator) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	access := &runtime.AccessRegistry{Workspaces: r}
	o := runtime.New(cfg, r, approval.New(r), audit.New(r), outbox.New(r), access, repo.MemoryStore{Repo: r}, completion.StubClient{})
	return fn(ctx, o)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
