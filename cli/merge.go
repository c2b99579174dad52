package cli

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/graftdb/graft/internal/merge"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <source> <target>",
	Short: "Merge a branch into another",
	Long:  "Squashes the changes of the source branch into the target branch as one commit",
	Args:  cobra.ExactArgs(2),
	Run:   mergeCommand,
}

var rebaseCmd = &cobra.Command{
	Use:   "rebase <parent> <branch>",
	Short: "Rebase a branch on its parent",
	Long:  "Recreates the branch on the parent's current state and replays its own changes",
	Args:  cobra.ExactArgs(2),
	Run:   rebaseCommand,
}

var mergeMessage string

func init() {
	mergeCmd.Flags().StringVarP(&mergeMessage, "message", "m", "", "commit message")
	rebaseCmd.Flags().StringVarP(&mergeMessage, "message", "m", "", "commit message")
}

func mergeCommand(cmd *cobra.Command, args []string) {
	runMergeOperation(cmd.Context(), args[0], args[1], false)
}

func rebaseCommand(cmd *cobra.Command, args []string) {
	runMergeOperation(cmd.Context(), args[0], args[1], true)
}

func runMergeOperation(ctx context.Context, source, target string, rebase bool) {
	r := openRepo()
	defer r.Close()

	var op *merge.Operation
	if rebase {
		op = r.Merges.PrepareRebase(source, target)
	} else {
		op = r.Merges.PrepareMerge(source, target)
	}
	op.WithAuthor(r.Config.Author()).
		WithMessage(mergeMessage).
		WithLockTimeout(r.Config.Core.LockTimeout)

	result, err := op.Execute(ctx)
	if err != nil {
		log.Fatal(err)
	}

	switch result.Status {
	case merge.Completed:
		if result.Commit == nil {
			fmt.Println("Already up to date")
			return
		}
		fmt.Printf("%s (commit %s at %d)\n", result.Commit.Comment, result.Commit.ID, result.Commit.Timestamp)
	case merge.FailedWithConflicts:
		fmt.Printf("Found %d conflict(s):\n", len(result.Conflicts))
		for _, c := range result.Conflicts {
			fmt.Printf("  [%s] %s\n", c.Type, c.Message)
			for _, a := range c.Attributes {
				fmt.Printf("      %s\n", a)
			}
		}
		os.Exit(1)
	case merge.Failed:
		log.Fatal(result.APIError)
	}
}
