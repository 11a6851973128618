// Command progrun is the CLI shell around the programmatic tool-calling
// runtime: it loads configuration, wires the tool registry and sandboxed
// code_execution Caller, and runs one generated program per invocation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/haasonsaas/progrun/internal/config"
	"github.com/haasonsaas/progrun/internal/runtime"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "progrun",
		Short: "Run LLM-generated programs against a bound tool registry",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults to built-in defaults)")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newToolsCmd(&configPath))
	root.AddCommand(newValidateConfigCmd(&configPath))

	return root
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default()
	}
	return config.Load(path)
}

func newRunCmd(configPath *string) *cobra.Command {
	var session string
	var codeFile string
	var showMetadata bool

	cmd := &cobra.Command{
		Use:   "run [code]",
		Short: "Execute a generated program in the sandbox and print its result",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			program, err := resolveProgram(args, codeFile)
			if err != nil {
				return err
			}

			rt, err := runtime.New(context.Background(), cfg)
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}
			defer rt.Close()

			result, err := rt.RunProgram(context.Background(), session, program)
			if err != nil {
				if result != nil {
					fmt.Fprintln(os.Stderr, result.Content)
				}
				return err
			}
			fmt.Println(result.Content)
			if showMetadata && result.Metadata != nil {
				encoded, merr := json.MarshalIndent(result.Metadata, "", "  ")
				if merr != nil {
					return fmt.Errorf("encode execution metadata: %w", merr)
				}
				fmt.Println(string(encoded))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "cli", "session key the execution history is recorded under")
	cmd.Flags().StringVar(&codeFile, "file", "", "read the program from this file instead of the positional argument")
	cmd.Flags().BoolVar(&showMetadata, "metadata", false, "also print the structured execution metadata (tool-call accounting, token savings)")
	return cmd
}

func resolveProgram(args []string, codeFile string) (string, error) {
	if codeFile != "" {
		data, err := os.ReadFile(codeFile)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", codeFile, err)
		}
		return string(data), nil
	}
	if len(args) == 1 {
		return args[0], nil
	}
	return "", fmt.Errorf("provide a program as an argument or with --file")
}

func newToolsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools bound into the sandbox and their generated documentation",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			rt, err := runtime.New(context.Background(), cfg)
			if err != nil {
				return fmt.Errorf("build runtime: %w", err)
			}
			defer rt.Close()
			fmt.Println(rt.Caller.GenerateToolDocumentation())
			return nil
		},
	}
}

func newValidateConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the config file without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(*configPath); err != nil {
				return err
			}
			fmt.Println("config is valid")
			return nil
		},
	}
}
