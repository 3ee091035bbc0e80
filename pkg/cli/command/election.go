package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zkcoord/go-sdk/pkg/zkcoord/election"
)

func newElectionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "election {vote,observe}",
		Short: "Participate in or observe a leader election",
	}
	cmd.AddCommand(newElectionVoteCommand())
	cmd.AddCommand(newElectionObserveCommand())
	return cmd
}

func newElectionVoteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vote <election>",
		Short: "Enter an election and report transitions until interrupted",
		Args:  cobra.ExactArgs(1),
		Run:   runElectionVoteCommand,
	}
	cmd.Flags().String("data", "", "payload identifying this candidate; defaults to a generated id")
	return cmd
}

func runElectionVoteCommand(cmd *cobra.Command, args []string) {
	client := newClient()
	data, _ := cmd.Flags().GetString("data")
	if data == "" {
		data = uuid.New().String()
	}

	candidate, err := client.NewCandidate(args[0], election.WithData([]byte(data)))
	if err != nil {
		ExitWithError(ExitInvalidInput, err)
	}
	candidate.OnWinningElection(func() {
		fmt.Println("elected leader")
	})
	candidate.OnLosingElection(func() {
		fmt.Println("following")
	})

	if err := candidate.Vote(context.Background()); err != nil {
		ExitWithError(ExitError, err)
	}
	fmt.Println("Voted as", candidate.VotePath())

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt

	if err := candidate.Close(context.Background()); err != nil {
		ExitWithError(ExitError, err)
	}
	ExitWithSuccess()
}

func newElectionObserveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "observe <election>",
		Short: "Report leader transitions until interrupted",
		Args:  cobra.ExactArgs(1),
		Run:   runElectionObserveCommand,
	}
}

func runElectionObserveCommand(cmd *cobra.Command, args []string) {
	client := newClient()
	observer, err := client.NewObserver(args[0])
	if err != nil {
		ExitWithError(ExitInvalidInput, err)
	}
	observer.OnNewLeader(func() {
		fmt.Printf("leader: %s\n", string(observer.LeaderData()))
	})
	observer.OnLeadersDeath(func() {
		fmt.Println("no leader")
	})

	if err := observer.Observe(context.Background()); err != nil {
		ExitWithError(ExitError, err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt

	if err := observer.Close(); err != nil {
		ExitWithError(ExitError, err)
	}
	ExitWithSuccess()
}
