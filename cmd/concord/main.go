package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zen-systems/concord/pkg/config"
	"github.com/zen-systems/concord/pkg/task"
)

var (
	configFile  string
	useMock     bool
	jsonOutput  bool
	logLevel    string
	evidenceDir string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "concord",
		Short: "Concord - route one request across many language models",
		Long: `Concord analyzes a request, splits complex work into subtasks, routes each
subtask to the model that best fits the execution mode, runs them in parallel,
arbitrates between competing answers and synthesizes one response.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.concord/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&useMock, "mock", false, "use offline mock models instead of provider APIs")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().StringVar(&evidenceDir, "evidence-dir", "", "write an evidence bundle per task under this directory")

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(estimateCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(initCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func askCmd() *cobra.Command {
	var mode string
	var model string

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Run a request through the full pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := task.ParseMode(mode)
			if err != nil {
				return err
			}
			eng, err := buildEngine(engineOptions{
				configPath:  configFile,
				logLevel:    logLevel,
				mock:        useMock,
				evidenceDir: evidenceDir,
				model:       model,
			})
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			resp, err := eng.orch.Process(ctx, args[0], m)
			if err != nil {
				return err
			}
			if eng.recorder != nil {
				if rerr := eng.recorder.Err(); rerr != nil {
					eng.logger.Warn().Err(rerr).Msg("evidence bundle incomplete")
				}
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printResponse(cmd.OutOrStdout(), resp)
			if eng.recorder != nil {
				if dir := eng.recorder.RunDir(resp.TaskID); dir != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.New(color.Faint).Sprint("evidence:"), dir)
				}
			}
			if !resp.Success {
				return fmt.Errorf("task %s failed", resp.TaskID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", "balanced", "execution mode: fast, balanced or best_quality")
	cmd.Flags().StringVar(&model, "model", "", "pin every subtask to one model or alias")
	return cmd
}

func estimateCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "estimate [prompt]",
		Short: "Project cost and time without calling any model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := task.ParseMode(mode)
			if err != nil {
				return err
			}
			eng, err := buildEngine(engineOptions{configPath: configFile, logLevel: logLevel, mock: useMock})
			if err != nil {
				return err
			}
			defer eng.Close()

			est, err := eng.orch.Estimate(cmd.Context(), args[0], m)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), est)
			}
			printEstimate(cmd.OutOrStdout(), est)
			return nil
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", "balanced", "execution mode: fast, balanced or best_quality")
	return cmd
}

func modelsCmd() *cobra.Command {
	var resolve bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the model catalog and its health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if resolve {
				showAliases(cmd.OutOrStdout(), cfg.ModelAliases())
				return nil
			}

			eng, err := buildEngine(engineOptions{configPath: configFile, logLevel: logLevel, mock: useMock})
			if err != nil {
				return err
			}
			defer eng.Close()

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), eng.reg.Snapshot())
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tPROVIDER\t$/1K IN\t$/1K OUT\tLATENCY\tRELIABILITY\tBREAKER\tSTATUS")
			fmt.Fprintln(w, "-----\t--------\t-------\t--------\t-------\t-----------\t-------\t------")

			byID := make(map[string]task.ModelDescriptor)
			for _, d := range eng.reg.Snapshot() {
				byID[d.ID] = d
			}
			for _, spec := range cfg.Models {
				d, ok := byID[spec.ID]
				if !ok {
					fmt.Fprintf(w, "%s\t%s\t%.5f\t%.5f\t%s\t-\t-\t%s\n",
						spec.ID, spec.Provider, spec.PromptPer1K, spec.CompletionPer1K,
						time.Duration(spec.LatencyMS)*time.Millisecond, color.YellowString("no API key"))
					continue
				}
				status := color.GreenString("ready")
				if useMock {
					status = color.CyanString("mock")
				}
				fmt.Fprintf(w, "%s\t%s\t%.5f\t%.5f\t%s\t%.2f\t%s\t%s\n",
					d.ID, d.Provider, d.CostPerInputToken*1000, d.CostPerOutputToken*1000,
					d.AvgLatency, d.Reliability, breakerLabel(d.Breaker.State), status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&resolve, "resolve", false, "show alias resolution")
	return cmd
}

func initCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configFile
			if path == "" {
				path = config.DefaultPath()
			}
			if err := config.WriteDefault(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s wrote %s\n", color.GreenString("✓"), path)
			fmt.Fprintln(cmd.OutOrStdout(), "API keys are read from ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY and DEEPSEEK_API_KEY.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func showAliases(out io.Writer, aliases *config.ModelAliases) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tRESOLVES TO\tPROVIDER")
	fmt.Fprintln(w, "-----\t-----------\t--------")

	list := aliases.ListAliases()
	names := make([]string, 0, len(list))
	for name := range list {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		target := list[name]
		provider := aliases.GetProviderForModel(target)
		if provider == "" {
			provider = color.RedString("unknown")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, target, provider)
	}
	w.Flush()
}

func breakerLabel(s task.BreakerState) string {
	switch s {
	case task.BreakerOpen:
		return color.RedString(string(s))
	case task.BreakerHalfOpen:
		return color.YellowString(string(s))
	default:
		return color.GreenString(string(s))
	}
}

func printResponse(out io.Writer, resp *task.FinalResponse) {
	if resp.Success {
		fmt.Fprintln(out, resp.Content)
	} else {
		fmt.Fprintf(out, "%s %s\n", color.RedString("✗"), resp.Metadata["error"])
	}
	fmt.Fprintln(out)

	faint := color.New(color.Faint).SprintFunc()
	fmt.Fprintf(out, "%s %s  %s %.2f  %s $%.5f  %s %s\n",
		faint("mode:"), resp.Metadata["mode"],
		faint("confidence:"), resp.Confidence,
		faint("cost:"), resp.Cost.Total,
		faint("time:"), resp.WallTime.Round(time.Millisecond))
	fmt.Fprintf(out, "%s %s\n", faint("path:"), strings.Join(resp.ExecutionPath, " → "))
	fmt.Fprintf(out, "%s %s\n", faint("models:"), strings.Join(resp.ModelsUsed, ", "))
	for _, id := range resp.Failed {
		fmt.Fprintf(out, "%s subtask %s failed\n", color.YellowString("!"), id)
	}
}

func printEstimate(out io.Writer, est *task.Estimate) {
	fmt.Fprintf(out, "%s %s, %s %s\n", color.CyanString("mode:"), est.Mode, color.CyanString("complexity:"), est.Complexity)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SUBTASK\tTYPE\tMODEL\tEST. COST\tEST. TIME")
	models := make(map[string]task.RoutingAssignment, len(est.Assignments))
	for _, a := range est.Assignments {
		if _, ok := models[a.SubtaskID]; !ok {
			models[a.SubtaskID] = a
		}
	}
	for _, st := range est.Subtasks {
		a := models[st.ID]
		fmt.Fprintf(w, "%s\t%s\t%s\t$%.5f\t%s\n", st.ID, st.Type, a.Model.ID, a.EstimatedCost, a.EstimatedLatency.Round(time.Millisecond))
	}
	w.Flush()

	fmt.Fprintf(out, "\n%s $%.5f  %s %s\n", color.GreenString("total:"), est.Cost, color.GreenString("time:"), est.Time.Round(time.Millisecond))
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
