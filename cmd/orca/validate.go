package main

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/spf13/cobra"

	"github.com/davidroman0O/orca/config"
	"github.com/davidroman0O/orca/errors"
	"github.com/davidroman0O/orca/scheduler"
	"github.com/davidroman0O/orca/stages"
	"github.com/davidroman0O/orca/store"
)

func newValidateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [pipeline.yaml...]",
		Short: "Check pipeline files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(flags); err != nil {
				return err
			}
			defs := stages.Register(scheduler.NewDefinitionRegistry())

			invalid := 0
			for _, path := range args {
				file, err := loadPipelineFile(path)
				if err == nil {
					err = file.Validate(defs)
				}
				if err != nil {
					invalid++
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d stages)\n", path, len(file.Stages))
			}
			if invalid > 0 {
				return errors.Newf(errors.ErrInvalidInput, "%d of %d pipeline files are invalid", invalid, len(args))
			}
			return nil
		},
	}
}

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "schema [pipeline|config]",
		Short:     "Print the JSON schema of pipeline or config files",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"pipeline", "config"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "pipeline"
			if len(args) == 1 {
				target = args[0]
			}

			var t reflect.Type
			switch target {
			case "pipeline":
				t = reflect.TypeOf(PipelineFile{})
			case "config":
				t = reflect.TypeOf(config.Config{})
			default:
				return errors.Newf(errors.ErrInvalidInput, "unknown schema %q, expected pipeline or config", target)
			}

			out, err := json.MarshalIndent(store.TypeToSchema(t), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
