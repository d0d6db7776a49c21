package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/mod/modfile"

	"github.com/kolkov/modelcheck/check"
	"github.com/kolkov/modelcheck/internal/logging"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

func newRunCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bundled self-check scenarios",
		Long: `Run the bundled self-check scenarios under the configured strategy.

Each scenario is a small concurrent structure with a known bug class
(lost update, lock-order inversion). A correct engine
finds every one of them and prints the interleaving trace.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelfCheck(cmd, v)
		},
	}

	flags := cmd.Flags()
	flags.String("scenario", "", "run a single scenario by name (default: all)")
	flags.String("strategy", "random", "scheduling strategy: random or roundrobin")
	flags.Int64("seed", 42, "seed for the random strategy")
	flags.Int("invocations", 10_000, "invocation budget per scenario")
	flags.Int("hanging-threshold", 101, "per-location visit count that flags a spin")
	flags.Int("livelock-threshold", 10_000, "global event ceiling before declaring deadlock")
	flags.Bool("check-obstruction-freedom", false, "treat blocking in non-blocking actors as fatal")
	flags.Bool("collect-state-representation", false, "include state snapshots in traces")
	flags.Int("timeout-ms", 10_000, "per-invocation wall-clock budget")
	flags.String("dir", ".", "project directory (its go.mod names the report)")
	flags.String("log-level", "ERROR", "log level: DEBUG, INFO, WARN, ERROR")

	initConfig(v)
	_ = v.BindPFlag("scenario", flags.Lookup("scenario"))
	_ = v.BindPFlag("strategy", flags.Lookup("strategy"))
	_ = v.BindPFlag("seed", flags.Lookup("seed"))
	_ = v.BindPFlag("invocations", flags.Lookup("invocations"))
	_ = v.BindPFlag("hanging_threshold", flags.Lookup("hanging-threshold"))
	_ = v.BindPFlag("livelock_threshold", flags.Lookup("livelock-threshold"))
	_ = v.BindPFlag("check_obstruction_freedom", flags.Lookup("check-obstruction-freedom"))
	_ = v.BindPFlag("collect_state_representation", flags.Lookup("collect-state-representation"))
	_ = v.BindPFlag("timeout_ms", flags.Lookup("timeout-ms"))
	_ = v.BindPFlag("dir", flags.Lookup("dir"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))

	return cmd
}

func runSelfCheck(cmd *cobra.Command, v *viper.Viper) error {
	out := cmd.OutOrStdout()

	project := resolveProject(v.GetString("dir"))
	fmt.Fprintln(out, headerStyle.Render("modelcheck self-check")+dimStyle.Render(" ["+project+"]"))

	suite := selfCheckSuite()
	if name := v.GetString("scenario"); name != "" {
		one, ok := suite[name]
		if !ok {
			return fmt.Errorf("unknown scenario %q (have: %s)", name, scenarioNames(suite))
		}
		suite = map[string]selfCheck{name: one}
	}

	logger := logging.New(os.Stderr, v.GetString("log_level"))

	failures := 0
	for name, sc := range suite {
		opts := check.Options{
			HangingDetectionThreshold:  v.GetInt("hanging_threshold"),
			LivelockEventsThreshold:    v.GetInt("livelock_threshold"),
			CheckObstructionFreedom:    v.GetBool("check_obstruction_freedom"),
			CollectStateRepresentation: v.GetBool("collect_state_representation"),
			Timeout:                    time.Duration(v.GetInt("timeout_ms")) * time.Millisecond,
			Logger:                     logger,
			Registry:                   sc.registry,
		}

		var strategy check.Strategy
		switch v.GetString("strategy") {
		case "roundrobin":
			strategy = check.NewRoundRobinStrategy(v.GetInt("invocations"))
		case "random":
			strategy = check.NewRandomStrategy(v.GetInt64("seed"), v.GetInt("invocations"))
		default:
			return fmt.Errorf("unknown strategy %q", v.GetString("strategy"))
		}

		res, err := check.RunScenario(sc.scenario, opts, strategy)
		if err != nil {
			return fmt.Errorf("scenario %s: %w", name, err)
		}

		switch {
		case res.NonDeterministic:
			fmt.Fprintf(out, "%s %s: %s %s\n", warnStyle.Render("!"), name,
				res.Outcome, warnStyle.Render("(non-deterministic re-run, no trace)"))
			failures++
		case res.Failed():
			fmt.Fprintf(out, "%s %s: %s %s\n", failStyle.Render("x"), name,
				failStyle.Render(res.Outcome.String()),
				dimStyle.Render(fmt.Sprintf("(%d invocations)", res.Invocations)))
			fmt.Fprintln(out, res.Report)
			failures++
		default:
			fmt.Fprintf(out, "%s %s: no violation in %d invocations\n",
				okStyle.Render("ok"), name, res.Invocations)
		}
	}

	fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%d scenario(s), %d with findings", len(suite), failures)))
	return nil
}

// resolveProject names the run after the go.mod of the project
// directory, falling back to the directory name.
func resolveProject(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "go.mod"))
	if err == nil {
		if f, perr := modfile.Parse("go.mod", data, nil); perr == nil && f.Module != nil {
			return f.Module.Mod.Path
		}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	return filepath.Base(abs)
}

func scenarioNames(suite map[string]selfCheck) string {
	names := ""
	for name := range suite {
		if names != "" {
			names += ", "
		}
		names += name
	}
	return names
}
