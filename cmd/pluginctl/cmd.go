package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	plugins "github.com/mantonx/plughost/sdk"
)

type options struct {
	addr    string
	timeout time.Duration
}

// New builds the pluginctl command tree.
func New() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "pluginctl",
		Short:         "Drive a plugin over its line protocol",
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", fmt.Sprintf("127.0.0.1:%d", plugins.DefaultPort), "plugin host:port")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "overall timeout, including waiting for the plugin to listen")

	root.AddCommand(
		requestCmd(opts, "info", "Print the plugin's info", cobra.NoArgs, func(args []string) (plugins.Request, error) {
			return plugins.Request{Method: plugins.MethodGetInfo}, nil
		}),
		requestCmd(opts, "health [CHECK]", "Run a health check", cobra.MaximumNArgs(1), func(args []string) (plugins.Request, error) {
			data := map[string]interface{}{}
			if len(args) == 1 {
				data["check_name"] = args[0]
			}
			return plugins.Request{Method: plugins.MethodHealthCheck, Data: data}, nil
		}),
		requestCmd(opts, "init CONFIG_JSON", "Initialize the plugin", cobra.ExactArgs(1), func(args []string) (plugins.Request, error) {
			config, err := parseObject(args[0])
			if err != nil {
				return plugins.Request{}, fmt.Errorf("config: %w", err)
			}
			return plugins.Request{Method: plugins.MethodInitialize, Data: map[string]interface{}{"config": config}}, nil
		}),
		requestCmd(opts, "start", "Start the plugin", cobra.NoArgs, func(args []string) (plugins.Request, error) {
			return plugins.Request{Method: plugins.MethodStart}, nil
		}),
		requestCmd(opts, "stop", "Stop the plugin", cobra.NoArgs, func(args []string) (plugins.Request, error) {
			return plugins.Request{Method: plugins.MethodStop}, nil
		}),
		requestCmd(opts, "exec DATA_JSON", "Send data through execute_action", cobra.ExactArgs(1), func(args []string) (plugins.Request, error) {
			data, err := parseObject(args[0])
			if err != nil {
				return plugins.Request{}, fmt.Errorf("data: %w", err)
			}
			return plugins.Request{Method: plugins.MethodExecuteAction, Data: data}, nil
		}),
		rawCmd(opts),
		validateCmd(),
	)
	return root
}

type buildRequest func(args []string) (plugins.Request, error)

func requestCmd(opts *options, use, short string, argsFn cobra.PositionalArgs, build buildRequest) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  argsFn,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := build(args)
			if err != nil {
				return err
			}
			return call(cmd, opts, func(ctx context.Context, c *plugins.Client) (*plugins.Response, error) {
				return c.Call(ctx, req)
			})
		},
	}
}

func rawCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "raw LINE",
		Short: "Send one raw line, valid JSON or not",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *plugins.Client) (*plugins.Response, error) {
				return c.CallRaw(ctx, []byte(args[0]))
			})
		},
	}
}

// validateCmd checks plugin.cue manifests without contacting a plugin.
func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate MANIFEST...",
		Short: "Validate plugin.cue manifests",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				m, err := plugins.LoadManifest(path)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s: %s %s\n", path, m.Name, m.Version)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d manifests invalid", failed, len(args))
			}
			return nil
		},
	}
}

func call(cmd *cobra.Command, opts *options, fn func(context.Context, *plugins.Client) (*plugins.Response, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	client, err := plugins.Dial(ctx, opts.addr, plugins.ClientOptions{RetryMaxElapsed: opts.timeout})
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := fn(ctx, client)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	return resp.Err()
}

func parseObject(s string) (map[string]interface{}, error) {
	var v map[string]interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("must be a JSON object: %w", err)
	}
	if v == nil {
		v = map[string]interface{}{}
	}
	return v, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
