package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/coalesce-ai/coalesce/pkg/config"
	"github.com/coalesce-ai/coalesce/pkg/models"
	"github.com/coalesce-ai/coalesce/pkg/registry"
	"github.com/spf13/cobra"
)

func newModelsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage registered model configurations",
	}

	openRegistry := func() (*registry.SQLiteRegistry, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return registry.New(cfg.DBPath)
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered models",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			defer func() { _ = reg.Close() }()

			list, err := reg.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tMETHOD\tENDPOINT\tHEADERS")
			for _, mc := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", mc.Name, mc.Method, mc.Endpoint, len(mc.Headers))
			}
			return w.Flush()
		},
	}

	var (
		endpoint    string
		method      string
		contentType string
		headers     []string
		defaultArgs string
	)
	registerCmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register or update a model configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mc := models.ModelConfig{
				Name:        args[0],
				Endpoint:    endpoint,
				Method:      method,
				ContentType: contentType,
			}
			if len(headers) > 0 {
				mc.Headers = make(map[string]string, len(headers))
				for _, h := range headers {
					k, v, err := splitHeader(h)
					if err != nil {
						return err
					}
					mc.Headers[k] = v
				}
			}
			if defaultArgs != "" {
				if err := json.Unmarshal([]byte(defaultArgs), &mc.DefaultArgs); err != nil {
					return fmt.Errorf("parse --default-args: %w", err)
				}
			}

			reg, err := openRegistry()
			if err != nil {
				return err
			}
			defer func() { _ = reg.Close() }()

			if err := reg.Register(cmd.Context(), mc); err != nil {
				return err
			}
			fmt.Printf("Registered model %q\n", mc.Name)
			return nil
		},
	}
	registerCmd.Flags().StringVar(&endpoint, "endpoint", "", "upstream endpoint URL (required)")
	registerCmd.Flags().StringVar(&method, "method", "", "HTTP method (default POST)")
	registerCmd.Flags().StringVar(&contentType, "content-type", "", "request content type (default application/json)")
	registerCmd.Flags().StringArrayVar(&headers, "header", nil, "request header as key=value, repeatable")
	registerCmd.Flags().StringVar(&defaultArgs, "default-args", "", "default model arguments as a JSON object")
	_ = registerCmd.MarkFlagRequired("endpoint")

	rmCmd := &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a model configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			defer func() { _ = reg.Close() }()

			if err := reg.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed model %q\n", args[0])
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "coalesce.yaml", "path to config file")
	cmd.AddCommand(listCmd, registerCmd, rmCmd)
	return cmd
}

func splitHeader(h string) (string, string, error) {
	for i := 0; i < len(h); i++ {
		if h[i] == '=' {
			if i == 0 {
				break
			}
			return h[:i], h[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("invalid header %q, want key=value", h)
}
