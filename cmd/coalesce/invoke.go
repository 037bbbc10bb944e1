package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newInvokeCmd() *cobra.Command {
	var (
		configPath string
		argsJSON   string
		ttlSeconds int
	)

	cmd := &cobra.Command{
		Use:   "invoke <model> <input>",
		Short: "Invoke a model once through the gateway",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelArgs, err := parseArgs(argsJSON)
			if err != nil {
				return err
			}

			st, err := newStack(configPath)
			if err != nil {
				return err
			}
			defer st.close()

			ttl := st.cfg.Cache.DefaultTTL
			if cmd.Flags().Changed("ttl") {
				ttl = time.Duration(ttlSeconds) * time.Second
			}

			result, cached, err := st.gateway.Invoke(cmd.Context(), args[0], args[1], modelArgs, ttl)
			if err != nil {
				return err
			}

			if cached {
				fmt.Println("(cached)")
			}
			fmt.Println(string(result))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "coalesce.yaml", "path to config file")
	cmd.Flags().StringVar(&argsJSON, "args", "", "extra model arguments as a JSON object")
	cmd.Flags().IntVar(&ttlSeconds, "ttl", 0, "cache TTL in seconds (0 bypasses the cache)")
	return cmd
}

func newBatchCmd() *cobra.Command {
	var (
		configPath string
		argsJSON   string
	)

	cmd := &cobra.Command{
		Use:   "batch <model> <input>...",
		Short: "Invoke a model over several inputs in one batch",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelArgs, err := parseArgs(argsJSON)
			if err != nil {
				return err
			}

			st, err := newStack(configPath)
			if err != nil {
				return err
			}
			defer st.close()

			results := st.gateway.BatchInvoke(cmd.Context(), args[0], args[1:], modelArgs, st.cfg.Cache.DefaultTTL)
			for i, res := range results {
				if res.Err != nil {
					fmt.Printf("[%d] error: %v\n", i, res.Err)
					continue
				}
				fmt.Printf("[%d] %s\n", i, res.Payload)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "coalesce.yaml", "path to config file")
	cmd.Flags().StringVar(&argsJSON, "args", "", "extra model arguments as a JSON object")
	return cmd
}

func parseArgs(argsJSON string) (map[string]any, error) {
	if argsJSON == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &m); err != nil {
		return nil, fmt.Errorf("parse --args: %w", err)
	}
	return m, nil
}
