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
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"linkforge/internal/config"
	"linkforge/internal/db"
	"linkforge/internal/domain"
	"linkforge/internal/engine"
	"linkforge/internal/migrate"
	"linkforge/internal/repo"
	"linkforge/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "lf",
	Short: "LinkForge CLI",
	Long: `LinkForge runs backlink automation campaigns.
A campaign collects target URLs, the decision engine picks an action per
target (comment, profile, forum, guest), and jobs are handed to external
worker agents that report results back. Plan quotas gate campaign and job
creation per billing period.`,
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
	viper.SetEnvPrefix("LINKFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(siteCmd())
	rootCmd.AddCommand(campaignCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(usageCmd())
	rootCmd.AddCommand(subscriptionCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func siteCmd() *cobra.Command {
	site := &cobra.Command{Use: "site", Short: "Manage sites"}
	site.AddCommand(siteCreateCmd())
	site.AddCommand(siteListCmd())
	return site
}

func siteCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <host>",
		Short: "Register a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				site, err := e.CreateSite(ctx, viper.GetString("user-id"), args[0])
				if err != nil {
					return err
				}
				return printJSON(site)
			})
		},
	}
	return cmd
}

func siteListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sites, err := e.Repo.ListSitesByUser(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sites)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Host", "Created"})
				for _, s := range sites {
					tw.AppendRow(table.Row{s.ID, s.Host, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func campaignCmd() *cobra.Command {
	campaign := &cobra.Command{Use: "campaign", Short: "Manage campaigns"}
	campaign.AddCommand(campaignCreateCmd())
	campaign.AddCommand(campaignListCmd())
	campaign.AddCommand(campaignShowCmd())
	campaign.AddCommand(campaignImportCmd())
	for _, verb := range []string{"start", "pause", "resume", "stop"} {
		campaign.AddCommand(campaignTransitionCmd(verb))
	}
	return campaign
}

func campaignCreateCmd() *cobra.Command {
	var siteID, mode string
	var actions []string
	var maxRetries int
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a campaign in draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCampaign(ctx, engine.CampaignCreateOptions{
					SiteID:         siteID,
					UserID:         viper.GetString("user-id"),
					Name:           args[0],
					AllowedActions: actions,
					ExecutionMode:  mode,
					MaxRetries:     maxRetries,
					ActorID:        viper.GetString("user-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&siteID, "site", "", "site id")
	cmd.Flags().StringSliceVar(&actions, "actions", nil, "allowed actions (comment,profile,forum,guest)")
	cmd.Flags().StringVar(&mode, "mode", "burst", "execution mode (burst|drip)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 1, "max attempts per job")
	_ = cmd.MarkFlagRequired("site")
	return cmd
}

func campaignListCmd() *cobra.Command {
	var siteID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List campaigns for a site",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				campaigns, err := e.Repo.ListCampaignsBySite(ctx, siteID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(campaigns)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Targets", "Jobs", "OK", "Failed", "Skipped"})
				for _, c := range campaigns {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Status, c.TotalTargets, c.JobsTotal, c.JobsSuccess, c.JobsFailed, c.JobsSkipped})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&siteID, "site", "", "site id")
	_ = cmd.MarkFlagRequired("site")
	return cmd
}

func campaignShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <campaign-id>",
		Short: "Show a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.Repo.GetCampaign(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	return cmd
}

func campaignImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import <campaign-id>",
		Short: "Import targets from a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ImportTargetsCSV(ctx, args[0], data, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				fmt.Printf("imported %d, duplicates %d, skipped %d\n", res.Imported, res.Duplicates, res.Skipped)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "csv file (url,anchor,destination,keyword)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func campaignTransitionCmd(verb string) *cobra.Command {
	shorts := map[string]string{
		"start":  "Start a draft campaign",
		"pause":  "Pause a campaign",
		"resume": "Resume a paused campaign",
		"stop":   "Stop a campaign",
	}
	return &cobra.Command{
		Use:   verb + " <campaign-id>",
		Short: shorts[verb],
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := viper.GetString("user-id")
				var (
					c   domain.Campaign
					err error
				)
				switch verb {
				case "start":
					var created int
					c, created, err = e.StartCampaign(ctx, args[0], actor)
					if err == nil {
						fmt.Printf("created %d jobs\n", created)
					}
				case "pause":
					c, err = e.PauseCampaign(ctx, args[0], actor)
				case "resume":
					c, err = e.ResumeCampaign(ctx, args[0], actor)
				case "stop":
					c, err = e.StopCampaign(ctx, args[0], actor)
				}
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{Use: "jobs", Short: "Inspect and override jobs"}
	jobs.AddCommand(jobsListCmd())
	jobs.AddCommand(jobsRetryCmd())
	jobs.AddCommand(jobsSkipCmd())
	return jobs
}

func jobsListCmd() *cobra.Command {
	var f repo.JobFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				jobs, err := e.Repo.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Campaign", "Action", "Status", "Attempts", "Error"})
				for _, j := range jobs {
					errCode := ""
					if j.ErrorCode != nil {
						errCode = *j.ErrorCode
					}
					tw.AppendRow(table.Row{j.ID, j.CampaignID, j.Action, j.Status, fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts), errCode})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SiteID, "site", "", "site filter")
	cmd.Flags().StringVar(&f.CampaignID, "campaign", "", "campaign filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max rows")
	return cmd
}

func jobsRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Retry a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.RetryJob(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
}

func jobsSkipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skip <job-id>",
		Short: "Skip a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.SkipJob(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
}

func usageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show quota usage for the current period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Quota.Report(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Metric", "Window", "Plan", "Used", "Limit", "Remaining", "Resets"})
				for _, row := range report {
					limit := fmt.Sprintf("%d", row.Limit)
					remaining := fmt.Sprintf("%d", row.Remaining)
					if row.Limit == config.Unlimited {
						limit, remaining = "unlimited", "unlimited"
					}
					tw.AppendRow(table.Row{row.Metric, row.Window, row.Plan, row.Used, limit, remaining, row.ResetAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func subscriptionCmd() *cobra.Command {
	sub := &cobra.Command{Use: "subscription", Short: "Manage subscriptions"}
	var plan string
	set := &cobra.Command{
		Use:   "set",
		Short: "Set the acting user's plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, ok := e.Config.Plans[plan]; !ok {
					return fmt.Errorf("plan %s is not configured", plan)
				}
				now := time.Now().UTC().Format(time.RFC3339)
				s := domain.Subscription{
					ID:          uuid.New().String(),
					UserID:      viper.GetString("user-id"),
					Plan:        plan,
					Status:      "active",
					PeriodStart: now,
					CreatedAt:   now,
				}
				if err := e.Repo.InsertSubscription(ctx, s); err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
	set.Flags().StringVar(&plan, "plan", "", "plan name")
	_ = set.MarkFlagRequired("plan")
	sub.AddCommand(set)
	return sub
}

func apikeyCmd() *cobra.Command {
	apikey := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the key once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					UserID:  viper.GetString("user-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Println(raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(keys)
			})
		},
	}
	apikey.AddCommand(create)
	apikey.AddCommand(list)
	return apikey
}

func sweepCmd() *cobra.Command {
	var maxAgeMinutes int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail locked/running jobs with no recent worker report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if maxAgeMinutes == 0 {
					maxAgeMinutes = e.Config.Sweep.MaxAgeMinutes
				}
				n, err := e.SweepStaleJobs(ctx, time.Duration(maxAgeMinutes)*time.Minute)
				if err != nil {
					return err
				}
				fmt.Printf("failed %d stale jobs\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxAgeMinutes, "max-age", 0, "staleness cutoff in minutes (default from config)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Activity log"}
	var siteID string
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events for a site",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evts, err := e.Repo.LatestEvents(ctx, siteID, limit)
				if err != nil {
					return err
				}
				return printJSON(evts)
			})
		},
	}
	tail.Flags().StringVar(&siteID, "site", "", "site id")
	tail.Flags().IntVar(&limit, "limit", 50, "max events")
	_ = tail.MarkFlagRequired("site")
	log.AddCommand(tail)
	return log
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
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
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:    cfg.Auth.JWTSecret,
				WorkerSecret: cfg.Auth.WorkerSecret,
			}
			if v := os.Getenv("LINKFORGE_JWT_SECRET"); v != "" {
				authCfg.JWTSecret = v
			}
			if v := os.Getenv("LINKFORGE_WORKER_SECRET"); v != "" {
				authCfg.WorkerSecret = v
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("LINKFORGE_JWT_SECRET is required for bearer auth")
			}
			if authCfg.WorkerSecret == "" {
				return fmt.Errorf("LINKFORGE_WORKER_SECRET is required for worker endpoints")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			sched := cron.New()
			if cfg.Sweep.Schedule != "" && cfg.Sweep.MaxAgeMinutes > 0 {
				maxAge := time.Duration(cfg.Sweep.MaxAgeMinutes) * time.Minute
				_, err := sched.AddFunc(cfg.Sweep.Schedule, func() {
					n, err := e.SweepStaleJobs(context.Background(), maxAge)
					if err != nil {
						fmt.Printf("sweep: %v\n", err)
						return
					}
					if n > 0 {
						fmt.Printf("sweep: failed %d stale jobs\n", n)
					}
				})
				if err != nil {
					return fmt.Errorf("invalid sweep schedule %q: %w", cfg.Sweep.Schedule, err)
				}
				sched.Start()
				defer sched.Stop()
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving LinkForge API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
