package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/kharf/overlaycd/pkg/apply"
	"github.com/kharf/overlaycd/pkg/inventory"
	"github.com/kharf/overlaycd/pkg/kube"
	"github.com/kharf/overlaycd/pkg/overlay"
	"github.com/kharf/overlaycd/pkg/plan"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"sigs.k8s.io/controller-runtime/pkg/client/config"
)

var Version = "development"

const (
	exitOK             = 0
	exitPartialFailure = 1
	exitLoadError      = 2
	exitCancelled      = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	cliConfig, err := initCliConfig()
	if err != nil {
		fmt.Println(err)
		return exitLoadError
	}
	log, err := initLogger()
	if err != nil {
		fmt.Println(err)
		return exitLoadError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := RootCommandBuilder{
		planCommandBuilder:  PlanCommandBuilder{log: log, config: cliConfig},
		applyCommandBuilder: ApplyCommandBuilder{log: log, config: cliConfig},
	}.Build()
	if err := root.ExecuteContext(ctx); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.cause != nil {
				fmt.Println(exit.cause)
			}
			return exit.code
		}
		fmt.Println(err)
		return exitLoadError
	}
	return exitOK
}

// exitError carries the process exit code for a failed command.
type exitError struct {
	code  int
	cause error
}

func (err *exitError) Error() string {
	if err.cause == nil {
		return fmt.Sprintf("exit code %d", err.code)
	}
	return err.cause.Error()
}

func (err *exitError) Unwrap() error {
	return err.cause
}

type RootCommandBuilder struct {
	planCommandBuilder  PlanCommandBuilder
	applyCommandBuilder ApplyCommandBuilder
}

func (builder RootCommandBuilder) Build() *cobra.Command {
	rootCmd := cobra.Command{
		Use:           "overlaycd",
		Short:         "A declarative-overlay deployment orchestrator",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(builder.planCommandBuilder.Build())
	rootCmd.AddCommand(builder.applyCommandBuilder.Build())
	return &rootCmd
}

type PlanCommandBuilder struct {
	log    logr.Logger
	config *viper.Viper
}

func (builder PlanCommandBuilder) Build() *cobra.Command {
	var root string
	var stateDir string
	var liveDiff bool
	cmd := &cobra.Command{
		Use:   "plan <overlay>",
		Short: "Render an overlay and print the plan against the applied state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cobraCmd *cobra.Command, args []string) error {
			executionPlan, _, err := buildPlan(
				cobraCmd.Context(),
				builder.log,
				builder.config,
				args[0],
				root,
				stateDir,
				liveDiff,
			)
			if err != nil {
				return &exitError{code: exitLoadError, cause: err}
			}
			printPlan(cobraCmd, executionPlan)
			return nil
		},
	}
	addCommonFlags(cmd, builder.config, &root, &stateDir, &liveDiff)
	return cmd
}

type ApplyCommandBuilder struct {
	log    logr.Logger
	config *viper.Viper
}

func (builder ApplyCommandBuilder) Build() *cobra.Command {
	var root string
	var stateDir string
	var liveDiff bool
	var bestEffort bool
	var dryRun bool
	var workers int
	cmd := &cobra.Command{
		Use:   "apply <overlay>",
		Short: "Render an overlay and apply the plan to the cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cobraCmd *cobra.Command, args []string) error {
			ctx := cobraCmd.Context()
			executionPlan, stateInstance, err := buildPlan(
				ctx,
				builder.log,
				builder.config,
				args[0],
				root,
				stateDir,
				liveDiff,
			)
			if err != nil {
				return &exitError{code: exitLoadError, cause: err}
			}

			endpoint, err := clusterEndpoint()
			if err != nil {
				return &exitError{code: exitLoadError, cause: err}
			}
			policy := apply.StopOnFirstError
			if bestEffort {
				policy = apply.BestEffort
			}
			applier := &apply.Applier{
				Log:               builder.log,
				Endpoint:          endpoint,
				InventoryInstance: *stateInstance,
				Policy:            policy,
				DryRun:            dryRun,
				WorkerPoolSize:    workers,
			}
			result, err := applier.Apply(ctx, executionPlan)
			if err != nil {
				return &exitError{code: exitPartialFailure, cause: err}
			}
			printResult(cobraCmd, result)
			if result.Cancelled {
				return &exitError{code: exitCancelled, cause: context.Canceled}
			}
			if applyErr := result.Err(); applyErr != nil {
				return &exitError{code: exitPartialFailure, cause: applyErr}
			}
			return nil
		},
	}
	addCommonFlags(cmd, builder.config, &root, &stateDir, &liveDiff)
	cmd.Flags().
		BoolVar(&bestEffort, "best-effort", false, "Continue on step failures and aggregate them instead of halting")
	cmd.Flags().
		BoolVar(&dryRun, "dry-run", false, "Report the steps without issuing any cluster calls")
	cmd.Flags().
		IntVar(&workers, "workers", builder.config.GetInt("workers"), "Worker pool size for steps without dependencies")
	return cmd
}

func addCommonFlags(
	cmd *cobra.Command,
	cliConfig *viper.Viper,
	root *string,
	stateDir *string,
	liveDiff *bool,
) {
	cmd.Flags().
		StringVar(root, "root", cliConfig.GetString("root"), "Directory containing base and overlay directories")
	cmd.Flags().
		StringVar(stateDir, "state-dir", cliConfig.GetString("state.dir"), "Directory holding applied state snapshots")
	cmd.Flags().
		BoolVar(liveDiff, "live-diff", cliConfig.GetBool("live.diff"), "Diff against live cluster state instead of the stored snapshot")
}

func buildPlan(
	ctx context.Context,
	log logr.Logger,
	cliConfig *viper.Viper,
	overlayName string,
	root string,
	stateDir string,
	liveDiff bool,
) (*plan.Plan, *inventory.Instance, error) {
	loader := overlay.Loader{
		Log:  log,
		FS:   afero.NewOsFs(),
		Root: root,
	}
	definition, err := loader.Load(overlayName)
	if err != nil {
		return nil, nil, err
	}
	desired, err := overlay.Render(definition)
	if err != nil {
		return nil, nil, err
	}

	stateInstance := &inventory.Instance{
		Log:  log,
		Path: stateDir,
	}
	applied, err := stateInstance.Load(overlayName)
	if err != nil {
		return nil, nil, err
	}

	builder := plan.Builder{Log: log}
	if liveDiff {
		endpoint, err := clusterEndpoint()
		if err != nil {
			return nil, nil, err
		}
		builder.Live = endpoint
	}
	executionPlan, err := builder.Build(ctx, overlayName, desired, applied)
	if err != nil {
		return nil, nil, err
	}
	return executionPlan, stateInstance, nil
}

func clusterEndpoint() (*kube.DynamicClient, error) {
	kubeConfig, err := config.GetConfig()
	if err != nil {
		return nil, err
	}
	return kube.NewDynamicClient(kubeConfig)
}

func printPlan(cmd *cobra.Command, executionPlan *plan.Plan) {
	var creates, updates, deletes, unchanged int
	for _, step := range executionPlan.Steps {
		switch step.Action {
		case plan.Create:
			creates++
		case plan.Update:
			updates++
		case plan.Delete:
			deletes++
		default:
			unchanged++
			continue
		}
		cmd.Printf("%s %s\n", step.Action, step.Document.Identity())
	}
	cmd.Printf(
		"%d to create, %d to update, %d to delete, %d unchanged\n",
		creates,
		updates,
		deletes,
		unchanged,
	)
}

func printResult(cmd *cobra.Command, result *apply.Result) {
	for _, id := range result.Applied {
		cmd.Printf("applied %s\n", id)
	}
	for _, failure := range result.Failed {
		cmd.Printf("failed %s: %s\n", failure.ID, failure.Cause)
	}
	for _, id := range result.Skipped {
		cmd.Printf("skipped %s\n", id)
	}
	if result.Cancelled {
		cmd.Println("cancelled")
	}
}

func initCliConfig() (*viper.Viper, error) {
	cliConfig := viper.New()
	cliConfig.SetEnvPrefix("overlaycd")
	cliConfig.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cliConfig.AutomaticEnv()
	cliConfig.SetDefault("root", ".")
	cliConfig.SetDefault("workers", runtime.GOMAXPROCS(0))
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	cliConfig.SetDefault("state.dir", filepath.Join(home, ".overlaycd", "state"))
	return cliConfig, nil
}

func initLogger() (logr.Logger, error) {
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.OutputPaths = []string{"stdout"}
	zapLogger, err := zapConfig.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zapLogger), nil
}
