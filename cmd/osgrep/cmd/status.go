package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aliou/osgrep/internal/config"
	"github.com/aliou/osgrep/internal/meta"
	"github.com/aliou/osgrep/internal/oserr"
	"github.com/aliou/osgrep/internal/server"
	"github.com/aliou/osgrep/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [path]",
	Short: "Show index and server status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := "."
		if len(args) == 1 {
			root = args[0]
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return err
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		fmt.Printf("store:   %s\n", cfg.Index.StoreName)

		dataDir, err := cfg.DataDir()
		if err != nil {
			return err
		}
		st, err := store.OpenIfExists(dataDir)
		switch {
		case err == nil:
			count, cerr := st.CountRows(cmd.Context())
			st.Close()
			if cerr != nil {
				return cerr
			}
			fmt.Printf("chunks:  %d\n", count)
		case oserr.HasCode(err, oserr.CodeStoreMissing):
			fmt.Println("chunks:  not indexed")
		default:
			return err
		}

		metaPath, err := config.MetaPath()
		if err != nil {
			return err
		}
		ms := meta.NewStore(metaPath)
		if err := ms.Load(); err != nil {
			return err
		}
		fmt.Printf("files:   %d tracked\n", ms.Len())

		if info, err := server.ReadInfo(absRoot); err == nil {
			fmt.Printf("server:  pid %d on port %d since %s\n",
				info.PID, info.Port, info.StartedAt.Format("2006-01-02 15:04:05"))
		} else {
			fmt.Println("server:  not running")
		}
		return nil
	},
}
