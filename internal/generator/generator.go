// Package generator writes the build-time artifacts into an output directory:
// the manifest, the cache runtime script, the page-side handler script and,
// in runtime mode, a default offline page.
package generator

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/js"

	"github.com/qsw/qsw/internal/cache"
	"github.com/qsw/qsw/internal/manifest"
	"github.com/qsw/qsw/internal/reconciler"
	"github.com/qsw/qsw/internal/worker"
)

const (
	ScriptFileName  = "service-worker.js"
	HandlerFileName = "service-worker-handler.js"
	AppendFileName  = "service-worker-append.js"
	OfflineFileName = "offline.html"

	jsMediaType = "application/javascript"
)

//go:embed templates/*
var templateFS embed.FS

var scriptTemplates = template.Must(template.New("scripts").Funcs(template.FuncMap{
	"json": func(v any) (string, error) {
		data, err := json.Marshal(v)
		return string(data), err
	},
}).ParseFS(templateFS, "templates/*.tmpl"))

// Options 对应命令行参数，Prefix/Version 为空时使用默认 tier 命名。
type Options struct {
	Root         string
	Type         string
	Debug        bool
	Uncompressed bool
	Prefix       string
	Version      string
}

// Result 汇总一次生成的产物信息。
type Result struct {
	Root           string
	Mode           manifest.Mode
	Dir            *manifest.DirInfo
	OfflineCreated bool
	Appended       string
	Outputs        []string
}

// scriptData 作为模板数据注入脚本，而不是在文本上做替换。
type scriptData struct {
	Debug        bool
	Static       bool
	Prefix       string
	Version      string
	OfflinePath  string
	ManifestPath string
	ScriptURL    string
	StorageKey   string
	ReadyEvent   string
}

// Generate 按固定顺序生成产物，任何一步失败都直接返回错误。
// manifest 最后写入，因此其哈希覆盖了本次生成的脚本。
func Generate(opts Options) (*Result, error) {
	rawType := opts.Type
	if rawType == "" {
		rawType = string(manifest.ModeRuntime)
	}
	mode, err := manifest.ParseMode(rawType)
	if err != nil {
		return nil, err
	}

	if opts.Root == "" {
		opts.Root = "build"
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("directory not found: %q", root)
	}

	result := &Result{Root: root, Mode: mode}
	paths := struct {
		manifest, script, handler, appendix, offline string
	}{
		manifest: filepath.Join(root, manifest.FileName),
		script:   filepath.Join(root, ScriptFileName),
		handler:  filepath.Join(root, HandlerFileName),
		appendix: filepath.Join(root, AppendFileName),
		offline:  filepath.Join(root, OfflineFileName),
	}

	if !mode.Static() && !isRegularFile(paths.offline) {
		page, err := templateFS.ReadFile("templates/" + OfflineFileName)
		if err != nil {
			return nil, fmt.Errorf("failed to read offline template: %w", err)
		}
		if err := os.WriteFile(paths.offline, page, 0o644); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", OfflineFileName, err)
		}
		result.OfflineCreated = true
	}

	for _, stale := range []string{paths.manifest, paths.script, paths.handler} {
		if err := removeFileIfExists(stale); err != nil {
			return nil, fmt.Errorf("failed to remove existing files: %w", err)
		}
	}

	data := newScriptData(opts, mode)
	if err := render(paths.script, "service-worker.js.tmpl", data); err != nil {
		return nil, fmt.Errorf("failed to write service worker: %w", err)
	}
	if err := render(paths.handler, "service-worker-handler.js.tmpl", data); err != nil {
		return nil, fmt.Errorf("failed to write service worker handler: %w", err)
	}

	if isRegularFile(paths.appendix) {
		if err := appendFile(paths.script, paths.appendix); err != nil {
			return nil, fmt.Errorf("failed to append custom service worker code: %w", err)
		}
		result.Appended = paths.appendix
	}

	if !opts.Uncompressed {
		for _, path := range []string{paths.script, paths.handler} {
			if err := minifyFile(path); err != nil {
				return nil, fmt.Errorf("failed to minify %s: %w", path, err)
			}
		}
	}

	dir, err := manifest.Build(root)
	if err != nil {
		return nil, fmt.Errorf("failed to generate directory info: %w", err)
	}
	doc, err := manifest.Marshal(dir, mode)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(paths.manifest, doc, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", manifest.FileName, err)
	}

	result.Dir = dir
	result.Outputs = []string{paths.script, paths.handler, paths.manifest}
	return result, nil
}

func newScriptData(opts Options, mode manifest.Mode) scriptData {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = cache.DefaultPrefix
	}
	version := opts.Version
	if version == "" {
		version = cache.DefaultVersion
	}
	return scriptData{
		Debug:        opts.Debug,
		Static:       mode.Static(),
		Prefix:       prefix,
		Version:      version,
		OfflinePath:  worker.DefaultOfflinePath,
		ManifestPath: worker.DefaultManifestPath,
		ScriptURL:    reconciler.DefaultScriptURL,
		StorageKey:   reconciler.HashStorageKey,
		ReadyEvent:   reconciler.DefaultReadyEvent,
	}
}

func render(path, name string, data scriptData) error {
	var buf bytes.Buffer
	if err := scriptTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func appendFile(dst, src string) error {
	extra, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(dst, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append([]byte("\n"), extra...)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func minifyFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m := minify.New()
	m.AddFunc(jsMediaType, js.Minify)
	out, err := m.Bytes(jsMediaType, content)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return errors.New("minification returned empty code")
	}
	return os.WriteFile(path, out, 0o644)
}

// removeFileIfExists 只删除普通文件，同名目录保持不动。
func removeFileIfExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	return os.Remove(path)
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
