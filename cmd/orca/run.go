package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/davidroman0O/orca/errors"
	"github.com/davidroman0O/orca/pipeline"
	"github.com/davidroman0O/orca/scheduler"
)

func newRunCommand(flags *globalFlags) *cobra.Command {
	var showMetrics bool

	cmd := &cobra.Command{
		Use:   "run [pipeline.yaml...]",
		Short: "Run one or more pipeline files to completion",
		Long: `Loads every pipeline file, validates it and runs the resulting executions
concurrently, at most scheduler.workers at a time. The command fails when
any execution does not succeed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			execs := make([]*pipeline.Execution, 0, len(args))
			for _, path := range args {
				file, err := loadPipelineFile(path)
				if err != nil {
					return err
				}
				if err := file.Validate(a.definitions); err != nil {
					return errors.WithContext(err, map[string]interface{}{"file": path})
				}
				exec := file.Execution()
				a.logger.Info("Loaded %s as execution %s (%d stages)", path, exec.ID, exec.StageCount())
				execs = append(execs, exec)
			}

			results := a.runner.RunAll(cmd.Context(), execs)
			fmt.Fprint(cmd.OutOrStdout(), scheduler.FormatResults(results))

			if showMetrics {
				fmt.Fprintln(cmd.OutOrStdout())
				if err := a.WriteMetrics(cmd.OutOrStdout()); err != nil {
					return err
				}
			}
			return failures(results)
		},
	}

	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "Print the collected metrics after the run")
	return cmd
}

func newResumeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume [execution-id...]",
		Short: "Resume stored executions",
		Long: `Reloads executions from the configured repository and continues them from
their persisted state. Only useful with a durable persistence driver.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			results := make([]scheduler.RunResult, 0, len(args))
			for _, id := range args {
				_, result := a.runner.Resume(cmd.Context(), id)
				results = append(results, result)
			}
			fmt.Fprint(cmd.OutOrStdout(), scheduler.FormatResults(results))
			return failures(results)
		},
	}
}

func failures(results []scheduler.RunResult) error {
	failed := 0
	for _, r := range results {
		if r.Status != pipeline.StatusSucceeded {
			failed++
		}
	}
	if failed > 0 {
		return errors.Newf(errors.ErrTerminal, "%d of %d executions did not succeed", failed, len(results))
	}
	return nil
}
