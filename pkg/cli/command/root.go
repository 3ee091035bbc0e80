package command

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zkcoord/go-sdk/pkg/zkcoord"
	"github.com/zkcoord/go-sdk/pkg/zkcoord/coordination/zk"
)

var (
	globalFlags = &GlobalFlags{}
)

type GlobalFlags struct {
	Servers        []string
	SessionTimeout time.Duration
	Config         string
}

func GetRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zkcoord",
		Short: "zkcoord command line client",
	}

	cmd.PersistentFlags().StringSliceVarP(&globalFlags.Servers, "servers", "s", []string{"127.0.0.1:2181"}, "The coordination ensemble addresses")
	cmd.PersistentFlags().DurationVar(&globalFlags.SessionTimeout, "session-timeout", 10*time.Second, "The session timeout")
	cmd.PersistentFlags().StringVar(&globalFlags.Config, "config", "", "config file with connection settings")

	viper.BindPFlag("servers", cmd.PersistentFlags().Lookup("servers"))
	viper.BindPFlag("session-timeout", cmd.PersistentFlags().Lookup("session-timeout"))

	viper.SetDefault("servers", []string{"127.0.0.1:2181"})
	viper.SetDefault("session-timeout", 10*time.Second)

	cmd.AddCommand(newLockCommand())
	cmd.AddCommand(newElectionCommand())
	return cmd
}

func newClient() *zkcoord.Client {
	config := zk.Config{
		Servers:        viper.GetStringSlice("servers"),
		SessionTimeout: viper.GetDuration("session-timeout"),
	}
	if globalFlags.Config != "" {
		loaded, err := zk.LoadConfig(globalFlags.Config)
		if err != nil {
			ExitWithError(ExitInvalidInput, err)
		}
		config = loaded
	}
	conn, err := zk.Connect(config)
	if err != nil {
		ExitWithError(ExitBadConnection, err)
	}
	return zkcoord.NewClient(conn)
}
