package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/u2fbridge/internal/observability"
	"github.com/danmuck/u2fbridge/internal/protocol"
	"github.com/danmuck/u2fbridge/internal/u2f"
	"github.com/spf13/cobra"
)

var (
	Version = "0.1.0"

	configPath   string
	outputFormat string
	nativeAddr   string
	fallbackURL  string
	waitFor      time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "u2fctl",
	Short: "Issue U2F sign and register requests to the local key handler",
	Long: `u2fctl discovers the key handler (native messaging host first, websocket
comms page second), sends one U2F request and prints the response.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitLogger("u2fctl")
	},
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Send a u2f_sign_request",
	RunE: func(cmd *cobra.Command, args []string) error {
		appID, _ := cmd.Flags().GetString("app-id")
		challenge, _ := cmd.Flags().GetString("challenge")
		keyHandles, _ := cmd.Flags().GetStringSlice("key-handle")
		timeout, _ := cmd.Flags().GetInt("timeout")

		cfg, client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Disconnect()

		ctx, cancel := context.WithTimeout(cmd.Context(), waitFor)
		defer cancel()
		data, err := client.SignContext(ctx, signRequests(appID, challenge, keyHandles), timeoutArg(timeout)...)
		return printResult(cfg.Output, client, protocol.MessageSignResponse, data, err)
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Send a u2f_register_request",
	RunE: func(cmd *cobra.Command, args []string) error {
		appID, _ := cmd.Flags().GetString("app-id")
		challenge, _ := cmd.Flags().GetString("challenge")
		keyHandles, _ := cmd.Flags().GetStringSlice("key-handle")
		timeout, _ := cmd.Flags().GetInt("timeout")

		cfg, client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Disconnect()

		regs := []protocol.RegisterRequest{{Version: "U2F_V2", Challenge: challenge, AppID: appID}}
		ctx, cancel := context.WithTimeout(cmd.Context(), waitFor)
		defer cancel()
		data, err := client.RegisterContext(ctx, regs, signRequests(appID, challenge, keyHandles), timeoutArg(timeout)...)
		return printResult(cfg.Output, client, protocol.MessageRegisterResponse, data, err)
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Discover the key handler transport without sending a request",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Disconnect()

		ctx, cancel := context.WithTimeout(cmd.Context(), waitFor)
		defer cancel()
		kind, err := client.Connect(ctx)
		return printProbe(cfg.Output, client, kind, err)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "u2fctl config path (toml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "Output format: text, json, yaml")
	rootCmd.PersistentFlags().StringVar(&nativeAddr, "native-addr", "", "native messaging host socket")
	rootCmd.PersistentFlags().StringVar(&fallbackURL, "fallback-url", "", "websocket base serving the comms page")
	rootCmd.PersistentFlags().DurationVar(&waitFor, "wait", time.Minute, "how long to wait for the response")

	for _, c := range []*cobra.Command{signCmd, registerCmd} {
		c.Flags().String("app-id", "", "relying party app id")
		c.Flags().String("challenge", "", "websafe-base64 challenge")
		c.Flags().StringSlice("key-handle", nil, "registered key handle (repeatable)")
		c.Flags().Int("timeout", 0, "timeoutSeconds sent to the key handler (0 uses the default)")
		_ = c.MarkFlagRequired("app-id")
		_ = c.MarkFlagRequired("challenge")
	}
	_ = signCmd.MarkFlagRequired("key-handle")

	rootCmd.AddCommand(signCmd, registerCmd, probeCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

func resolveConfig() (cliConfig, error) {
	cfg := defaultCLIConfig()
	if strings.TrimSpace(configPath) != "" {
		loaded, err := loadCLIConfig(configPath)
		if err != nil {
			return cliConfig{}, err
		}
		cfg = loaded
	}
	if nativeAddr != "" {
		cfg.Client.Native.Addr = nativeAddr
	}
	if fallbackURL != "" {
		cfg.Client.Fallback.BaseURL = fallbackURL
	}
	if outputFormat != "" {
		out, err := parseOutput(outputFormat)
		if err != nil {
			return cliConfig{}, err
		}
		cfg.Output = out
	}
	return cfg, nil
}

func newClient() (cliConfig, *u2f.Client, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return cliConfig{}, nil, err
	}
	if cfg.Client.Native.Addr == "" && cfg.Client.Fallback.BaseURL == "" {
		return cliConfig{}, nil, fmt.Errorf("no transport configured: set --native-addr or --fallback-url")
	}
	return cfg, u2f.NewClient(cfg.Client), nil
}

func signRequests(appID, challenge string, keyHandles []string) []protocol.SignRequest {
	out := make([]protocol.SignRequest, 0, len(keyHandles))
	for _, kh := range keyHandles {
		kh = strings.TrimSpace(kh)
		if kh == "" {
			continue
		}
		out = append(out, protocol.SignRequest{
			Version:   "U2F_V2",
			Challenge: challenge,
			KeyHandle: kh,
			AppID:     appID,
		})
	}
	return out
}

func timeoutArg(v int) []int {
	if v <= 0 {
		return nil
	}
	return []int{v}
}

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
