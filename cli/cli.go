// Package cli implements the graft command line interface.
package cli

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/graftdb/graft/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "graft",
	Short: "Graft is a branching revision store",
	Long:  `Graft manages versioned objects on a tree of branches with copy-on-write visibility, merge, rebase and operation locking.`,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a repository",
	Long:  "Initializes a new graft repository in the current directory",
	Run:   initCommand,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)

	// Branch management commands
	rootCmd.AddCommand(branchCmd)
	branchCmd.AddCommand(branchCreateCmd, branchListCmd, branchShowCmd, branchDeleteCmd, branchReopenCmd)

	// Merge and rebase commands
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(rebaseCmd)

	// Operation lock commands
	rootCmd.AddCommand(locksCmd)
	locksCmd.AddCommand(locksReleaseCmd, locksReleaseAllCmd)

	rootCmd.AddCommand(configCmd)
}

func initCommand(cmd *cobra.Command, args []string) {
	workDir, err := os.Getwd()
	if err != nil {
		log.Fatalf("Get working directory: %v", err)
	}
	if err := repo.Init(workDir); err != nil {
		log.Fatal(err)
	}
	log.Println("Graft repository initialized")
}

// openRepo locates and opens the enclosing repository, or exits.
func openRepo() *repo.Repository {
	workDir, err := os.Getwd()
	if err != nil {
		log.Fatalf("Get working directory: %v", err)
	}
	root, err := repo.Find(workDir)
	if err != nil {
		log.Fatal(err)
	}
	r, err := repo.Open(root)
	if err != nil {
		log.Fatal(err)
	}
	return r
}
