package cmd

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/mezonai/combinedb/chain"
	"github.com/mezonai/combinedb/common"
	"github.com/mezonai/combinedb/jsonx"
	"github.com/mezonai/combinedb/logx"
	"github.com/mezonai/combinedb/snapshot"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	exportHead      uint32
	exportHeadID    string
	exportPrevID    string
	exportTimestamp uint32

	importBlogStart uint32
	importBlogEnd   uint32
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Write, read and inspect state snapshots",
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the current state to the snapshot directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		head := chain.BlockState{BlockNum: exportHead, Timestamp: exportTimestamp}
		var err error
		if head.ID, err = common.DecodeID(exportHeadID); err != nil {
			return errors.Wrap(err, "--head-id")
		}
		if exportPrevID != "" {
			if head.Previous, err = common.DecodeID(exportPrevID); err != nil {
				return errors.Wrap(err, "--previous-id")
			}
		}

		d, err := openDatabase()
		if err != nil {
			return err
		}
		defer d.Close()

		path, err := exportSnapshot(d, head, dbConfig.SnapshotDir)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		if dbConfig.KeepSnapshots == 0 {
			return nil
		}
		return snapshot.Cleanup(dbConfig.SnapshotDir, dbConfig.KeepSnapshots)
	},
}

func exportSnapshot(d *chain.CombinedDatabase, head chain.BlockState, dir string) (string, error) {
	need, err := snapshot.EstimateSize(dir)
	if err != nil {
		return "", err
	}
	if err := snapshot.EnsureFreeSpace(dir, need); err != nil {
		return "", err
	}
	fw, err := snapshot.NewFileWriter(filepath.Join(dir, snapshot.FileName(head.BlockNum)), chain.SnapshotVersionCurrent)
	if err != nil {
		return "", err
	}
	if err := d.AddToSnapshot(fw.Writer, head, chain.NewAuthorizationManager(d), chain.NewResourceLimitsManager(d)); err != nil {
		fw.Abort()
		return "", err
	}
	if err := fw.Close(); err != nil {
		return "", err
	}
	return fw.Path(), nil
}

var snapshotImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the state with a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := verifySnapshot(args[0]); err != nil {
			return err
		}
		d, err := openDatabase()
		if err != nil {
			return err
		}
		defer d.Close()

		head, chainID, err := importSnapshot(d, args[0], importBlogStart, importBlogEnd)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "head:     %s\nchain id: %x\n", head, chainID)
		return nil
	},
}

// verifySnapshot checks the detached signature of path when a snapshot key is configured.
func verifySnapshot(path string) error {
	if dbConfig.SnapshotPublicKey == "" {
		return nil
	}
	v, err := snapshot.NewVerifier(dbConfig.SnapshotPublicKey)
	if err != nil {
		return err
	}
	return v.VerifyFile(path)
}

func importSnapshot(d *chain.CombinedDatabase, path string, blogStart, blogEnd uint32) (chain.BlockState, []byte, error) {
	r, err := snapshot.OpenFile(path)
	if err != nil {
		return chain.BlockState{}, nil, err
	}
	head, chainID, err := d.ReadFromSnapshot(r, blogStart, blogEnd,
		chain.NewAuthorizationManager(d), chain.NewResourceLimitsManager(d), chain.NewForkDatabase())
	if err != nil {
		return head, nil, err
	}
	return head, chainID, d.Flush()
}

type sectionReport struct {
	Name string `json:"name"`
	Rows int    `json:"rows"`
}

type inspectReport struct {
	Version       uint32          `json:"version"`
	HeadBlockNum  uint32          `json:"head_block_num"`
	HeadID        string          `json:"head_id"`
	Sections      []sectionReport `json:"sections"`
	LegacyChainID string          `json:"legacy_chain_id,omitempty"`
}

func inspectSnapshot(path string) (*inspectReport, error) {
	r, err := snapshot.OpenFile(path)
	if err != nil {
		return nil, err
	}
	head, err := chain.ReadSnapshotHead(r)
	if err != nil {
		return nil, err
	}
	report := &inspectReport{
		Version:      r.Version(),
		HeadBlockNum: head.BlockNum,
		HeadID:       common.EncodeID(head.ID),
	}
	for _, info := range r.SectionInfos() {
		report.Sections = append(report.Sections, sectionReport{Name: info.Name, Rows: info.Rows})
	}
	genesis, err := chain.ExtractLegacyGenesisState(r)
	if err != nil {
		return nil, err
	}
	if genesis != nil {
		id, err := genesis.ChainID()
		if err != nil {
			return nil, err
		}
		report.LegacyChainID = hex.EncodeToString(id)
	}
	return report, nil
}

var snapshotInspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Print the version, head and sections of a snapshot",
	Args:  cobra.ExactArgs(1),
	// inspecting needs no database configuration
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := inspectSnapshot(args[0])
		if err != nil {
			return err
		}
		logx.Info(logCategory, "inspected ", args[0])
		out := cmd.OutOrStdout()
		if outputJSON {
			return jsonx.WriteIndented(out, report)
		}
		fmt.Fprintf(out, "version: %d\nhead:    #%d %s\n", report.Version, report.HeadBlockNum, report.HeadID)
		for _, s := range report.Sections {
			fmt.Fprintf(out, "  %-24s %s rows\n", s.Name, humanize.Comma(int64(s.Rows)))
		}
		if report.LegacyChainID != "" {
			fmt.Fprintf(out, "legacy genesis, chain id %s\n", report.LegacyChainID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotExportCmd, snapshotImportCmd, snapshotInspectCmd)

	snapshotExportCmd.Flags().Uint32Var(&exportHead, "head", 0, "head block number")
	snapshotExportCmd.Flags().StringVar(&exportHeadID, "head-id", "", "head block id (base58)")
	snapshotExportCmd.Flags().StringVar(&exportPrevID, "previous-id", "", "previous block id (base58)")
	snapshotExportCmd.Flags().Uint32Var(&exportTimestamp, "timestamp", 0, "head block timestamp")
	_ = snapshotExportCmd.MarkFlagRequired("head-id")

	snapshotImportCmd.Flags().Uint32Var(&importBlogStart, "blog-start", 0, "first block in the block log")
	snapshotImportCmd.Flags().Uint32Var(&importBlogEnd, "blog-end", 0, "last block in the block log, 0 when empty")
}
