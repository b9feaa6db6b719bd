package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lockline/internal/app"
	"lockline/internal/config"
	"lockline/internal/db"
	"lockline/internal/domain"
	"lockline/internal/engine"
	"lockline/internal/invalidation"
	"lockline/internal/repo"
	"lockline/internal/server"
	"lockline/internal/sweeper"
)

var rootCmd = &cobra.Command{
	Use:   "ll",
	Short: "Lockline CLI",
	Long: `Lockline coordinates who is mapping or validating which task of a project.
- Locks: a user locks a READY task for mapping, or a MAPPED task for validation; one lock per user per project.
- Unlock: the lock holder releases the task into its next state (MAPPED, BADIMAGERY, VALIDATED, INVALIDATED...).
- History: every lock, extension, comment and state change is recorded with its duration.
- Sweeper: locks held longer than locking.ttl are released automatically.
- Split: a square task being mapped can be split into its four child tiles.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LOCKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Int64("user-id", 0, "acting user id")
	rootCmd.PersistentFlags().Int64P("project", "p", 0, "project id")
	rootCmd.PersistentFlags().String("database-driver", "", "override database.driver (sqlite, postgres)")
	rootCmd.PersistentFlags().String("database-dsn", "", "override database.dsn")
	for _, name := range []string{"workspace", "json", "user-id", "project", "database-driver", "database-dsn"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(lockCmd())
	rootCmd.AddCommand(unlockCmd())
	rootCmd.AddCommand(undoCmd())
	rootCmd.AddCommand(extendCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(splitCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(invalidationsCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(licenseCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage lockline.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default lockline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	c.AddCommand(initCmd)
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate lockline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return c
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}

	var name, status, mappingPerm, validationPerm string
	var licenseID int64
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := requireProject()
				if err != nil {
					return err
				}
				p := domain.Project{ID: projectID, Name: name, Status: status, MappingPermission: mappingPerm, ValidationPermission: validationPerm}
				if licenseID != 0 {
					p.LicenseID = &licenseID
				}
				if p.Name == "" {
					p.Name = fmt.Sprintf("project-%d", projectID)
				}
				created, err := a.Engine.CreateProject(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "project name")
	create.Flags().StringVar(&status, "status", "PUBLISHED", "DRAFT, PUBLISHED or ARCHIVED")
	create.Flags().StringVar(&mappingPerm, "mapping-permission", "ANY", "ANY or ROLE")
	create.Flags().StringVar(&validationPerm, "validation-permission", "ANY", "ANY or ROLE")
	create.Flags().Int64Var(&licenseID, "license", 0, "license users must accept before locking")
	prj.AddCommand(create)

	prj.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Mapping", "Validation", "Tasks"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.MappingPermission, p.ValidationPermission, p.TotalTasks})
				}
				tw.Render()
				return nil
			})
		},
	})

	prj.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show a project with task counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := requireProject()
				if err != nil {
					return err
				}
				p, err := a.Engine.Repo.GetProject(ctx, a.DB, projectID)
				if err != nil {
					return err
				}
				counts, err := a.Engine.Repo.CountTasksByStatus(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "task_counts": counts})
				}
				fmt.Printf("Project: %d %s (%s)\n", p.ID, p.Name, p.Status)
				fmt.Println("Tasks:")
				for st, n := range counts {
					fmt.Printf("  %s: %d\n", st, n)
				}
				return nil
			})
		},
	})

	var newStatus string
	update := &cobra.Command{
		Use:   "set-status",
		Short: "Change a project's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := requireProject()
				if err != nil {
					return err
				}
				if err := a.Engine.Repo.UpdateProjectStatus(ctx, a.DB, projectID, newStatus); err != nil {
					return err
				}
				p, err := a.Engine.Repo.GetProject(ctx, a.DB, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	update.Flags().StringVar(&newStatus, "status", "", "DRAFT, PUBLISHED or ARCHIVED")
	_ = update.MarkFlagRequired("status")
	prj.AddCommand(update)
	return prj
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage tasks"}

	var (
		id       int64
		x, y, z  int
		square   bool
		geometry string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a READY task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := requireProject()
				if err != nil {
					return err
				}
				task := domain.Task{ID: id, ProjectID: projectID, IsSquare: square, Geometry: geometry}
				if cmd.Flags().Changed("zoom") {
					task.X, task.Y, task.Zoom = &x, &y, &z
				}
				if geometry != "" && !json.Valid([]byte(geometry)) {
					return fmt.Errorf("--geometry must be GeoJSON")
				}
				created, err := a.Engine.AddTask(ctx, task)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	add.Flags().Int64Var(&id, "id", 0, "task id (default next free id)")
	add.Flags().IntVar(&x, "x", 0, "tile x")
	add.Flags().IntVar(&y, "y", 0, "tile y")
	add.Flags().IntVar(&z, "zoom", 0, "tile zoom")
	add.Flags().BoolVar(&square, "square", false, "task is a square map tile")
	add.Flags().StringVar(&geometry, "geometry", "", "GeoJSON geometry")
	t.AddCommand(add)

	var status string
	var lockedBy int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				projectID, err := requireProject()
				if err != nil {
					return err
				}
				f := repo.TaskFilters{ProjectID: projectID}
				if status != "" {
					if f.Status, err = domain.ParseTaskStatus(status); err != nil {
						return err
					}
				}
				if lockedBy != 0 {
					f.LockedBy = &lockedBy
				}
				items, err := a.Engine.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Locked By", "Mapped By", "Validated By", "Tile"})
				for _, task := range items {
					tw.AppendRow(table.Row{task.ID, task.Status, ptrOrDash(task.LockedBy), ptrOrDash(task.MappedBy), ptrOrDash(task.ValidatedBy), tileLabel(task)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")
	list.Flags().Int64Var(&lockedBy, "locked-by", 0, "lock holder filter")
	t.AddCommand(list)

	t.AddCommand(&cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTaskKey(cmd.Context(), args[0], func(ctx context.Context, a *app.App, key domain.TaskKey) error {
				task, err := a.Engine.GetTask(ctx, key)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	})
	return t
}

func lockCmd() *cobra.Command {
	var validation bool
	cmd := &cobra.Command{
		Use:   "lock <task-id>",
		Short: "Lock a task for mapping (or validation)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return userTaskOp(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, key domain.TaskKey, userID int64) (domain.Task, error) {
				if validation {
					return e.LockForValidating(ctx, key, userID)
				}
				return e.LockForMapping(ctx, key, userID)
			})
		},
	}
	cmd.Flags().BoolVar(&validation, "validation", false, "lock for validation")
	return cmd
}

func unlockCmd() *cobra.Command {
	var status, comment string
	var issues []string
	cmd := &cobra.Command{
		Use:   "unlock <task-id>",
		Short: "Release your lock and move the task to a new status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			next, err := domain.ParseTaskStatus(status)
			if err != nil {
				return err
			}
			parsed, err := parseIssues(issues)
			if err != nil {
				return err
			}
			return userTaskOp(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, key domain.TaskKey, userID int64) (domain.Task, error) {
				return e.Unlock(ctx, engine.UnlockOptions{Key: key, UserID: userID, NewStatus: next, Comment: comment, Issues: parsed})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (MAPPED, BADIMAGERY, READY, VALIDATED, INVALIDATED)")
	cmd.Flags().StringVar(&comment, "comment", "", "comment to record")
	cmd.Flags().StringArrayVar(&issues, "issue", nil, "mapping issue as category_id:count:text (repeatable)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func undoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undo <task-id>",
		Short: "Undo the last state change of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return userTaskOp(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, key domain.TaskKey, userID int64) (domain.Task, error) {
				return e.Undo(ctx, key, userID)
			})
		},
	}
}

func extendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extend <task-id>",
		Short: "Extend your lock on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return userTaskOp(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, key domain.TaskKey, userID int64) (domain.Task, error) {
				return e.ExtendLock(ctx, key, userID)
			})
		},
	}
}

func stopCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "stop <task-id>",
		Short: "Give up your lock without changing the task's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return userTaskOp(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, key domain.TaskKey, userID int64) (domain.Task, error) {
				return e.ResetLock(ctx, key, userID, comment)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment to record")
	return cmd
}

func splitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "split <task-id>",
		Short: "Split a square task you are mapping into four tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := requireUser()
			if err != nil {
				return err
			}
			return withTaskKey(cmd.Context(), args[0], func(ctx context.Context, a *app.App, key domain.TaskKey) error {
				children, err := a.Engine.Split(ctx, key, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(children)
			})
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show a task's history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTaskKey(cmd.Context(), args[0], func(ctx context.Context, a *app.App, key domain.TaskKey) error {
				task, err := a.Engine.GetTask(ctx, key)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(task.History)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "When", "User", "Action", "Text", "Issues"})
				for _, h := range task.History {
					text := ""
					if h.ActionText != nil {
						text = *h.ActionText
					}
					tw.AppendRow(table.Row{h.ID, h.ActionDate.Format(time.RFC3339), h.UserID, h.Action, text, len(h.Issues)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func invalidationsCmd() *cobra.Command {
	var userID int64
	var role string
	var open bool
	cmd := &cobra.Command{
		Use:   "invalidations [task-id]",
		Short: "List invalidation cycles of a task, or of a user with --user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					items []domain.InvalidationCycle
					err   error
				)
				switch {
				case len(args) == 1:
					key, kerr := taskKey(args[0])
					if kerr != nil {
						return kerr
					}
					items, err = a.Engine.ListInvalidations(ctx, key)
				case userID != 0:
					f := invalidation.UserFilter{UserID: userID, ProjectID: viper.GetInt64("project"), Role: invalidation.AsMapper}
					if role == "invalidator" {
						f.Role = invalidation.AsInvalidator
					}
					if open {
						closed := false
						f.Closed = &closed
					}
					items, err = a.Engine.Invalidations.ListForUser(ctx, a.DB, f)
				default:
					return fmt.Errorf("pass a task id or --user")
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "list cycles for this user")
	cmd.Flags().StringVar(&role, "role", "mapper", "mapper or invalidator")
	cmd.Flags().BoolVar(&open, "open", false, "only open cycles")
	return cmd
}

func rbacCmd() *cobra.Command {
	r := &cobra.Command{Use: "rbac", Short: "Manage project roles"}
	roleOp := func(use, short string, fn func(context.Context, *app.App, int64, int64, string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <user-id> <role>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				target, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid user id %q", args[0])
				}
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					projectID, err := requireProject()
					if err != nil {
						return err
					}
					return fn(ctx, a, projectID, target, args[1])
				})
			},
		}
	}
	r.AddCommand(roleOp("grant", "Grant a role", func(ctx context.Context, a *app.App, projectID, userID int64, role string) error {
		if _, ok := a.Config.RBAC.Roles[role]; !ok {
			return fmt.Errorf("unknown role %q", role)
		}
		return a.Engine.Repo.AssignRole(ctx, a.DB, projectID, userID, role)
	}))
	r.AddCommand(roleOp("revoke", "Revoke a role", func(ctx context.Context, a *app.App, projectID, userID int64, role string) error {
		return a.Engine.Repo.RevokeRole(ctx, a.DB, projectID, userID, role)
	}))
	return r
}

func licenseCmd() *cobra.Command {
	l := &cobra.Command{Use: "license", Short: "Manage license acceptance"}
	l.AddCommand(&cobra.Command{
		Use:   "accept <license-id>",
		Short: "Accept a license as --user-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := requireUser()
			if err != nil {
				return err
			}
			licenseID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid license id %q", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.Repo.AcceptLicense(ctx, a.DB, userID, licenseID, domain.FormatTime(time.Now()))
			})
		},
	})
	return l
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the change feed"}
	var n int
	var after int64
	tail := &cobra.Command{
		Use:   "tail",
		Short: "List events after a cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Events.After(ctx, a.DB, n, after, viper.GetInt64("project"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Project", "Task", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.ProjectID, evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 50, "number of events")
	tail.Flags().Int64Var(&after, "after", 0, "event id cursor")
	lg.AddCommand(tail)
	return lg
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release every lock older than locking.ttl once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := sweeper.New(a.Engine).RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for --user-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := requireUser()
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.IssueToken(jwtSecret(cfg), userID, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the lock sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{JWTSecret: jwtSecret(a.Config)}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("LOCKLINE_JWT_SECRET or server.jwt_secret is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				sw := sweeper.New(a.Engine)
				sw.Start(ctx)
				defer sw.Stop()
				if d := server.NewWebhookDispatcher(a.Engine); d != nil {
					d.Start(ctx)
					defer d.Stop()
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Lockline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if d := viper.GetString("database-driver"); d != "" {
		cfg.Database.Driver = d
	}
	if dsn := viper.GetString("database-dsn"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	return cfg, cfg.Validate()
}

func jwtSecret(cfg *config.Config) string {
	if s := viper.GetString("jwt-secret"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.OpenWithConfig(viper.GetString("workspace"), cfg, log.New(os.Stderr, "lockline: ", log.LstdFlags))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func requireProject() (int64, error) {
	id := viper.GetInt64("project")
	if id <= 0 {
		return 0, fmt.Errorf("--project (or LOCKLINE_PROJECT) is required")
	}
	return id, nil
}

func requireUser() (int64, error) {
	id := viper.GetInt64("user-id")
	if id <= 0 {
		return 0, fmt.Errorf("--user-id (or LOCKLINE_USER_ID) is required")
	}
	return id, nil
}

func taskKey(arg string) (domain.TaskKey, error) {
	projectID, err := requireProject()
	if err != nil {
		return domain.TaskKey{}, err
	}
	taskID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || taskID <= 0 {
		return domain.TaskKey{}, fmt.Errorf("invalid task id %q", arg)
	}
	return domain.TaskKey{TaskID: taskID, ProjectID: projectID}, nil
}

func withTaskKey(ctx context.Context, arg string, fn func(context.Context, *app.App, domain.TaskKey) error) error {
	key, err := taskKey(arg)
	if err != nil {
		return err
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a, key)
	})
}

func userTaskOp(ctx context.Context, arg string, op func(context.Context, engine.Engine, domain.TaskKey, int64) (domain.Task, error)) error {
	userID, err := requireUser()
	if err != nil {
		return err
	}
	return withTaskKey(ctx, arg, func(ctx context.Context, a *app.App, key domain.TaskKey) error {
		task, err := op(ctx, a.Engine, key, userID)
		if err != nil {
			return err
		}
		return printJSONOrTable(task)
	})
}

// parseIssues reads category_id:count:text triples.
func parseIssues(raw []string) ([]domain.MappingIssue, error) {
	var res []domain.MappingIssue
	for _, r := range raw {
		parts := strings.SplitN(r, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid issue %q (want category_id:count:text)", r)
		}
		cat, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid issue category %q", parts[0])
		}
		count, err := strconv.Atoi(parts[1])
		if err != nil || count <= 0 {
			return nil, fmt.Errorf("invalid issue count %q", parts[1])
		}
		res = append(res, domain.MappingIssue{CategoryID: cat, Count: count, Issue: parts[2]})
	}
	return res, nil
}

func ptrOrDash(v *int64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(*v, 10)
}

func tileLabel(t domain.Task) string {
	if t.Zoom == nil || t.X == nil || t.Y == nil {
		return "-"
	}
	return fmt.Sprintf("%d/%d/%d", *t.Zoom, *t.X, *t.Y)
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
