package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/zkcoord/go-sdk/pkg/zkcoord/lock"
)

func newLockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock {acquire,status}",
		Short: "Manage a distributed lock",
	}
	cmd.AddCommand(newLockAcquireCommand())
	cmd.AddCommand(newLockStatusCommand())
	return cmd
}

func newLockAcquireCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acquire <name>",
		Short: "Acquire a lock and hold it until interrupted",
		Args:  cobra.ExactArgs(1),
		Run:   runLockAcquireCommand,
	}
	cmd.Flags().Bool("shared", false, "acquire a shared lock instead of an exclusive one")
	cmd.Flags().String("data", "", "payload to store in the lock node")
	return cmd
}

func runLockAcquireCommand(cmd *cobra.Command, args []string) {
	client := newClient()
	shared, _ := cmd.Flags().GetBool("shared")
	data, _ := cmd.Flags().GetString("data")

	var l lock.Lock
	var err error
	if shared {
		l, err = client.NewSharedLock(args[0], lock.WithData([]byte(data)))
	} else {
		l, err = client.NewExclusiveLock(args[0], lock.WithData([]byte(data)))
	}
	if err != nil {
		ExitWithError(ExitInvalidInput, err)
	}

	if err := l.Lock(context.Background()); err != nil {
		ExitWithError(ExitError, err)
	}
	fmt.Println("Acquired", l.LockPath())

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt

	if _, err := l.Unlock(context.Background()); err != nil {
		ExitWithError(ExitError, err)
	}
	ExitWithSuccess()
}

func newLockStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <name>",
		Short: "Report whether a lock could currently be acquired",
		Args:  cobra.ExactArgs(1),
		Run:   runLockStatusCommand,
	}
	cmd.Flags().Bool("shared", false, "check a shared acquisition instead of an exclusive one")
	return cmd
}

func runLockStatusCommand(cmd *cobra.Command, args []string) {
	client := newClient()
	shared, _ := cmd.Flags().GetBool("shared")

	var l lock.Lock
	var err error
	if shared {
		l, err = client.NewSharedLock(args[0])
	} else {
		l, err = client.NewExclusiveLock(args[0])
	}
	if err != nil {
		ExitWithError(ExitInvalidInput, err)
	}

	acquirable, err := l.Acquirable(context.Background())
	if err != nil {
		ExitWithError(ExitError, err)
	}
	owner, err := l.OwnerData(context.Background())
	if err != nil {
		ExitWithError(ExitError, err)
	}
	if acquirable {
		ExitWithOutput("acquirable")
	}
	ExitWithOutput(fmt.Sprintf("held by %q", string(owner)))
}
