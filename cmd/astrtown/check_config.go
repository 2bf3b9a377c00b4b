package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"astrtown.ai/internal/logging"
)

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "gateway.url: %s\n", logging.MaskURL(cfg.Gateway.URL))
			switch {
			case cfg.Gateway.TokenFile != "":
				fmt.Fprintf(out, "gateway.token: from %s\n", cfg.Gateway.TokenFile)
			default:
				fmt.Fprintf(out, "gateway.token: %s\n", logging.MaskToken(cfg.Gateway.Token))
			}
			fmt.Fprintf(out, "dispatch.invite_decision_mode: %s\n", cfg.Dispatch.InviteDecisionMode)
			fmt.Fprintf(out, "reflection: enabled=%t llm_model=%q\n", cfg.ReflectionEnabled(), cfg.LLM.Model)
			fmt.Fprintf(out, "tools.listen: %s (hmac=%t)\n", cfg.Tools.Listen, cfg.Tools.HMACSecret != "")
			fmt.Fprintln(out, "ok")
			return nil
		},
	}
}
