// Command promoverify runs the promotion-trigger verification pipeline and
// inspects its stores.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/promoverify/pkg/config"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := newRootCmd(os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "promoverify",
		Short:         "Verify promotion triggers against multiple event sources",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg := config.Load()
			handler := slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: cfg.SlogLevel()})
			slog.SetDefault(slog.New(handler))
		},
	}

	root.AddCommand(serveCmd())
	root.AddCommand(submitCmd())
	root.AddCommand(canonicalizeCmd())
	root.AddCommand(verifyCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(healthCmd())
	root.AddCommand(auditCmd())
	return root
}
