package cli

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/graftdb/graft/internal/config"
	"github.com/graftdb/graft/internal/repo"
)

var configCmd = &cobra.Command{
	Use:   "config <key> [value]",
	Short: "Get or set configuration values",
	Long:  "Reads or writes configuration keys such as user.name or core.lock_timeout",
	Args:  cobra.RangeArgs(1, 2),
	Run:   configCommand,
}

var configGlobal bool

func init() {
	configCmd.Flags().BoolVar(&configGlobal, "global", false, "write to the global configuration")
}

func configCommand(cmd *cobra.Command, args []string) {
	workDir, err := os.Getwd()
	if err != nil {
		log.Fatalf("Get working directory: %v", err)
	}
	root, err := repo.Find(workDir)
	if err != nil && !configGlobal {
		log.Fatal(err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		log.Fatal(err)
	}

	if len(args) == 1 {
		value, err := cfg.Get(args[0])
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(value)
		return
	}

	if err := cfg.Set(args[0], args[1]); err != nil {
		log.Fatal(err)
	}
	if configGlobal {
		err = config.SaveGlobal(cfg)
	} else {
		err = config.SaveRepo(root, cfg)
	}
	if err != nil {
		log.Fatal(err)
	}
}
