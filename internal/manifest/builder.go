package manifest

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirInfo 汇总一次目录遍历的结果。Files 为排序后的 web 路径，Hash 为遍历顺序上的滚动摘要。
type DirInfo struct {
	Hash  string
	Files []string
	Size  int64
	Root  string
}

// walkItem 是遍历栈中的一个待处理条目。
type walkItem struct {
	path string
	name string
}

// Build 遍历 root 并生成确定性的内容摘要。
//
// 每一层按字典序列出条目后再深入子目录，visited 记录已访问目录的真实路径以阻断符号链接环。
// 普通文件参与滚动摘要 H_i = md5(H_{i-1} + name + base64(content))，
// 其它类型（socket、FIFO 等）以及无法 stat 的条目直接跳过。读取文件失败会终止整个构建。
func Build(root string) (*DirInfo, error) {
	if root == "" {
		return nil, errors.New("directory path required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve directory path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("directory path not found: %q", abs)
	}

	var (
		hash    string
		size    int64
		files   []string
		visited = make(map[string]struct{})
	)

	stack, err := enterDir(abs, visited, nil)
	if err != nil {
		return nil, err
	}

	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		stat, err := os.Stat(item.path)
		if err != nil {
			continue
		}

		switch {
		case stat.IsDir():
			stack, err = enterDir(item.path, visited, stack)
			if err != nil {
				return nil, err
			}
		case stat.Mode().IsRegular():
			files = append(files, item.path)
			size += stat.Size()
			hash, err = rollHash(hash, item.name, item.path)
			if err != nil {
				return nil, fmt.Errorf("failed to read file %s: %w", item.path, err)
			}
		}
	}

	return &DirInfo{
		Hash:  hash,
		Files: webPaths(abs, files),
		Size:  size,
		Root:  abs,
	}, nil
}

// enterDir 标记目录已访问，并把其子条目按逆字典序压栈，保证出栈顺序与递归先序一致。
func enterDir(dir string, visited map[string]struct{}, stack []walkItem) ([]walkItem, error) {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		real = dir
	}
	if _, seen := visited[real]; seen {
		return stack, nil
	}
	visited[real] = struct{}{}

	f, err := os.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}
	sort.Strings(names)

	for i := len(names) - 1; i >= 0; i-- {
		stack = append(stack, walkItem{path: filepath.Join(dir, names[i]), name: names[i]})
	}
	return stack, nil
}

func rollHash(prev, name, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	io.WriteString(h, prev)
	io.WriteString(h, name)
	enc := base64.NewEncoder(base64.StdEncoding, h)
	if _, err := io.Copy(enc, f); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// webPaths 去掉 root 前缀、统一为正斜杠并确保以 / 开头，最后按字典序排序。
func webPaths(root string, files []string) []string {
	result := make([]string, 0, len(files))
	for _, file := range files {
		rel := strings.TrimPrefix(file, root)
		rel = strings.ReplaceAll(rel, "\\", "/")
		if !strings.HasPrefix(rel, "/") {
			rel = "/" + rel
		}
		result = append(result, rel)
	}
	sort.Strings(result)
	return result
}
