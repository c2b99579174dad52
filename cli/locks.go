package cli

import (
	"fmt"
	"log"
	"strconv"

	"github.com/spf13/cobra"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Show and release operation locks",
	Run:   locksCommand,
}

var locksReleaseCmd = &cobra.Command{
	Use:   "release <id>",
	Short: "Force-release one lock",
	Args:  cobra.ExactArgs(1),
	Run:   locksReleaseCommand,
}

var locksReleaseAllCmd = &cobra.Command{
	Use:   "release-all",
	Short: "Force-release every lock",
	Run:   locksReleaseAllCommand,
}

func locksCommand(cmd *cobra.Command, args []string) {
	r := openRepo()
	defer r.Close()

	locks := r.Locks.Locks()
	if len(locks) == 0 {
		fmt.Println("No locks held")
		return
	}
	for _, l := range locks {
		holder := l.FirstContext()
		fmt.Printf("%4d  %-50s %s since %s\n", l.ID, l.Target, holder, l.CreationDate.Format("15:04:05"))
	}
}

func locksReleaseCommand(cmd *cobra.Command, args []string) {
	r := openRepo()
	defer r.Close()

	id, err := strconv.Atoi(args[0])
	if err != nil {
		log.Fatalf("Invalid lock id %q", args[0])
	}
	if err := r.Locks.UnlockByID(id); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Released lock %d\n", id)
}

func locksReleaseAllCommand(cmd *cobra.Command, args []string) {
	r := openRepo()
	defer r.Close()

	if err := r.Locks.UnlockAll(); err != nil {
		log.Fatal(err)
	}
	fmt.Println("Released all locks")
}
