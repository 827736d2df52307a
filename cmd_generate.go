package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/qsw/qsw/internal/generator"
)

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "在构建目录中生成缓存脚本与 apphash.json",
		Args:  cobra.NoArgs,
		RunE:  runGenerate,
	}
	addSiteFlags(cmd)
	cmd.Flags().Bool("debug", false, "Add debugging logs in output scripts")
	cmd.Flags().Bool("uncompressed", false, "Output uncompressed scripts")
	cmd.Flags().String("prefix", "QSW", "Cache tier prefix")
	cmd.Flags().String("cache-version", "v1", "Cache tier version")
	return cmd
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	site := cfg.Site

	fmt.Fprintf(stdOut, "ROOT: %s\n", site.Root)
	fmt.Fprintf(stdOut, "TYPE: %s\n", site.Type)
	if site.Uncompressed {
		fmt.Fprintln(stdOut, "UNCOMPRESSED: True")
	}
	if site.Debug {
		fmt.Fprintln(stdOut, "DEBUG: True")
	}

	result, err := generator.Generate(generator.Options{
		Root:         site.Root,
		Type:         site.Type,
		Debug:        site.Debug,
		Uncompressed: site.Uncompressed,
		Prefix:       site.CachePrefix,
		Version:      site.CacheVersion,
	})
	if err != nil {
		return exitError{code: 1, err: fmt.Errorf("生成失败: %w", err)}
	}

	if result.OfflineCreated {
		fmt.Fprintf(stdOut, "Created %s at: %s\n", generator.OfflineFileName, site.Root)
	}
	if result.Appended != "" {
		fmt.Fprintf(stdOut, "APPEND: %s\n", result.Appended)
	}
	fmt.Fprintf(stdOut, "HASH: %s (%d files, %s)\n",
		result.Dir.Hash, len(result.Dir.Files), humanize.Bytes(uint64(result.Dir.Size)))
	fmt.Fprintln(stdOut, "Application service worker generated!")
	return nil
}
