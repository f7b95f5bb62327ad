// Command trok is the trok CLI: it submits and inspects tasks on a trokd
// server, follows its live feed, and runs one-shot local builds.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/GoCodeAlone/trok/config"
	"github.com/GoCodeAlone/trok/internal/version"
)

const defaultServer = "http://localhost:8000"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the settings shared by every subcommand.
type cli struct {
	v *viper.Viper
}

func (c *cli) client() *Client {
	return newClient(c.v.GetString("server"), c.v.GetString("token"))
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.NewViper()}
	root := &cobra.Command{
		Use:           "trok",
		Short:         "trok monorepo build CLI",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(version.String("trok") + "\n")

	pf := root.PersistentFlags()
	pf.String("server", defaultServer, "trokd server URL (or $TROK_SERVER)")
	pf.String("token", "", "JWT auth token (or $TROK_TOKEN)")
	_ = c.v.BindPFlag("server", pf.Lookup("server"))
	_ = c.v.BindPFlag("token", pf.Lookup("token"))

	root.AddCommand(
		newSubmitCmd(c),
		newTasksCmd(c),
		newSnapshotsCmd(c),
		newReposCmd(c),
		newRescanCmd(c),
		newStatusCmd(c),
		newWatchCmd(c),
		newLoginCmd(c),
		newRunCmd(),
		newCollectDistCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String("trok"))
		},
	}
}
