package cmd

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/mezonai/combinedb/blockvault"
	"github.com/mezonai/combinedb/chain"
	"github.com/mezonai/combinedb/common"
	"github.com/mezonai/combinedb/logx"
	"github.com/mezonai/combinedb/snapshot"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var errVaultDisabled = errors.New("the block vault is not enabled in the configuration")

var (
	syncPreviousID string
	syncBlogStart  uint32
	syncBlogEnd    uint32
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Exchange snapshots and blocks with the block vault",
}

func openVault(ctx context.Context) (*blockvault.Client, error) {
	if !dbConfig.BlockVault.Enabled {
		return nil, errVaultDisabled
	}
	backend, err := blockvault.ConnectPostgres(ctx, dbConfig.BlockVault.DSN)
	if err != nil {
		return nil, err
	}
	return blockvault.NewClient(backend, dbConfig.BlockVault.QueueSize), nil
}

var vaultSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Restore the latest archived snapshot and count the blocks after it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var previousID []byte
		if syncPreviousID != "" {
			var err error
			if previousID, err = common.DecodeID(syncPreviousID); err != nil {
				return errors.Wrap(err, "--previous-id")
			}
		}

		client, err := openVault(ctx)
		if err != nil {
			return err
		}
		defer client.Close()
		d, err := openDatabase()
		if err != nil {
			return err
		}
		defer d.Close()

		var (
			blocks uint64
			bytes  uint64
		)
		err = client.Sync(ctx, previousID, blockvault.SyncFuncs{
			Snapshot: func(path string) error {
				if err := verifySnapshot(path); err != nil {
					return err
				}
				head, _, err := importSnapshot(d, path, syncBlogStart, syncBlogEnd)
				if err != nil {
					return err
				}
				logx.Info(logCategory, "restored archived snapshot at ", head)
				return nil
			},
			Block: func(block []byte) error {
				blocks++
				bytes += uint64(len(block))
				return nil
			},
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revision %d, %s blocks (%s) to replay\n",
			d.Revision(), humanize.Comma(int64(blocks)), humanize.Bytes(bytes))
		return nil
	},
}

var vaultProposeSnapshotCmd = &cobra.Command{
	Use:   "propose-snapshot <file>",
	Short: "Propose a snapshot file to the block vault at its head watermark",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := verifySnapshot(args[0]); err != nil {
			return err
		}
		r, err := snapshot.OpenFile(args[0])
		if err != nil {
			return err
		}
		head, err := chain.ReadSnapshotHead(r)
		if err != nil {
			return err
		}

		client, err := openVault(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()

		wm := blockvault.Watermark{BlockNum: head.BlockNum, Timestamp: head.Timestamp}
		if !<-client.ProposeSnapshot(wm, args[0]) {
			return errors.Errorf("block vault refused snapshot at %s", wm)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "snapshot at %s accepted\n", wm)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(vaultCmd)
	vaultCmd.AddCommand(vaultSyncCmd, vaultProposeSnapshotCmd)

	vaultSyncCmd.Flags().StringVar(&syncPreviousID, "previous-id", "", "id of the last block this node has (base58)")
	vaultSyncCmd.Flags().Uint32Var(&syncBlogStart, "blog-start", 0, "first block in the block log")
	vaultSyncCmd.Flags().Uint32Var(&syncBlogEnd, "blog-end", 0, "last block in the block log, 0 when empty")
}
