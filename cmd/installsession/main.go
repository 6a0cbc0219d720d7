// Command installsession installs packages through delegated install
// sessions and manages the sessions left behind.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "installsession",
	Short:         "Install packages through delegated install sessions",
	Long:          `installsession creates an install session under the caller's identity, streams the package artifacts into it and commits it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("transport", "simulate", "Installer transport: simulate or shell")
	pf.String("shell-cmd", "adb shell", "Command that opens a shell on the target (shell transport)")
	pf.String("owner", "", "Owner name used when the service runs privileged (default $INSTALLSESSION_OWNER)")
	pf.Int("service-uid", -1, "Override the uid the installer service runs as (-1 detects it from the transport)")
	pf.String("token", "", "Legacy authorization token; the HMAC key is read from $INSTALLSESSION_TOKEN_KEY")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")
	pf.String("log-level", "warn", "Log level: debug, info, warn or error")
}
