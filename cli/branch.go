package cli

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"

	"github.com/graftdb/graft/internal/branch"
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Manage branches",
}

var branchCreateCmd = &cobra.Command{
	Use:   "create <parent> <name>",
	Short: "Create a branch",
	Long:  "Creates a new branch under the given parent path",
	Args:  cobra.ExactArgs(2),
	Run:   branchCreateCommand,
}

var branchListCmd = &cobra.Command{
	Use:   "list [parent]",
	Short: "List branches",
	Args:  cobra.MaximumNArgs(1),
	Run:   branchListCommand,
}

var branchShowCmd = &cobra.Command{
	Use:   "show <path>",
	Short: "Show a branch",
	Args:  cobra.ExactArgs(1),
	Run:   branchShowCommand,
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete <path>",
	Short: "Delete a branch and its children",
	Args:  cobra.ExactArgs(1),
	Run:   branchDeleteCommand,
}

var branchReopenCmd = &cobra.Command{
	Use:   "reopen <path>",
	Short: "Reopen a deleted branch",
	Long:  "Recreates a deleted branch on the current state of its parent",
	Args:  cobra.ExactArgs(1),
	Run:   branchReopenCommand,
}

var branchMetadata []string

func init() {
	branchCreateCmd.Flags().StringArrayVarP(&branchMetadata, "metadata", "m", nil, "metadata entry as key=value, repeatable")
	branchListCmd.Flags().Bool("deleted", false, "include deleted branches")
}

func branchCreateCommand(cmd *cobra.Command, args []string) {
	r := openRepo()
	defer r.Close()

	metadata := make(branch.Metadata)
	for _, entry := range branchMetadata {
		k, v, ok := strings.Cut(entry, "=")
		if !ok {
			log.Fatalf("Invalid metadata entry %q, expected key=value", entry)
		}
		metadata[k] = v
	}

	b, err := r.Branches.Create(args[0], args[1], metadata)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Created branch %s (base %d)\n", b.Path, b.BaseTimestamp)
}

func branchListCommand(cmd *cobra.Command, args []string) {
	r := openRepo()
	defer r.Close()

	parent := branch.MainPath
	if len(args) == 1 {
		parent = args[0]
	}
	includeDeleted, _ := cmd.Flags().GetBool("deleted")

	main, err := r.Branches.Get(parent)
	if err != nil {
		log.Fatal(err)
	}
	children, err := r.Branches.Children(parent, includeDeleted)
	if err != nil {
		log.Fatal(err)
	}

	for _, b := range append([]*branch.Branch{main}, children...) {
		state, err := r.Branches.CompareState(b.Path)
		if err != nil {
			log.Fatal(err)
		}
		marker := " "
		if b.Deleted {
			marker = "D"
		}
		fmt.Printf("%s %-40s %s\n", marker, b.Path, state)
	}
}

func branchShowCommand(cmd *cobra.Command, args []string) {
	r := openRepo()
	defer r.Close()

	b, err := r.Branches.Get(args[0])
	if err != nil {
		log.Fatal(err)
	}
	state, err := r.Branches.CompareState(b.Path)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Path:      %s\n", b.Path)
	fmt.Printf("ID:        %d\n", b.ID)
	fmt.Printf("Parent:    %s\n", b.ParentPath)
	fmt.Printf("Base:      %d\n", b.BaseTimestamp)
	fmt.Printf("Head:      %d\n", b.HeadTimestamp)
	fmt.Printf("State:     %s\n", state)
	fmt.Printf("Deleted:   %t\n", b.Deleted)
	fmt.Printf("Segments:  %v\n", b.Segments)
	if len(b.Metadata) > 0 {
		fmt.Println("Metadata:")
		for k, v := range b.Metadata {
			fmt.Printf("  %s = %s\n", k, v)
		}
	}
	if len(b.NameAliases) > 0 {
		fmt.Printf("Aliases:   %s\n", strings.Join(b.NameAliases, ", "))
	}
}

func branchDeleteCommand(cmd *cobra.Command, args []string) {
	r := openRepo()
	defer r.Close()

	if err := r.Branches.Delete(args[0]); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Deleted branch %s\n", args[0])
}

func branchReopenCommand(cmd *cobra.Command, args []string) {
	r := openRepo()
	defer r.Close()

	b, err := r.Branches.Reopen(args[0])
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Reopened branch %s (base %d)\n", b.Path, b.BaseTimestamp)
}
