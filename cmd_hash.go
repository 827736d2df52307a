package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/qsw/qsw/internal/manifest"
)

func newHashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "计算构建目录的内容摘要，不写入任何文件",
		Args:  cobra.NoArgs,
		RunE:  runHash,
	}
	addSiteFlags(cmd)
	cmd.Flags().Bool("json", false, "输出与 apphash.json 相同的文档")
	return cmd
}

func runHash(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mode, err := manifest.ParseMode(cfg.Site.Type)
	if err != nil {
		return exitError{code: 1, err: err}
	}

	info, err := manifest.Build(cfg.Site.Root)
	if err != nil {
		return exitError{code: 1, err: fmt.Errorf("计算摘要失败: %w", err)}
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		doc, err := manifest.Marshal(info, mode)
		if err != nil {
			return exitError{code: 1, err: err}
		}
		fmt.Fprintln(stdOut, string(doc))
		return nil
	}

	fmt.Fprintf(stdOut, "%s\t%d files\t%s\n", info.Hash, len(info.Files), humanize.Bytes(uint64(info.Size)))
	return nil
}
