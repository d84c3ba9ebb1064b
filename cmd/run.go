package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/divert/internal/daemon"
	"firestige.xyz/divert/internal/diverter"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the diverter in the foreground",
	Long: `Run the diverter in the foreground until SIGINT or SIGTERM.

On start the host network configuration is saved and, in user mode, the
loopback aliases and default route are installed. On shutdown the saved
configuration is restored. SIGHUP reloads log settings.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDiverter(); err != nil {
			exitWithError("divert failed", err)
		}
	},
}

var pidFile string

func init() {
	runCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "", "PID file path")
}

func runDiverter() error {
	d, err := daemon.New(configFile, pidFile, diverter.Deps{})
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}
	return d.Run()
}
