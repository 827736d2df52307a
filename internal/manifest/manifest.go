package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FileName 是构建目录下 manifest 产物的固定文件名。
const FileName = "apphash.json"

// Mode 描述部署策略：static 在安装阶段预缓存完整文件列表，runtime 随流量惰性填充。
type Mode string

const (
	ModeStatic  Mode = "static"
	ModeRuntime Mode = "runtime"
)

// ErrInvalidManifest 表示 manifest 结构不满足当前模式的要求。
var ErrInvalidManifest = errors.New("invalid manifest structure")

// ParseMode 将用户输入标准化为 Mode，非法值返回错误。
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeStatic:
		return ModeStatic, nil
	case ModeRuntime:
		return ModeRuntime, nil
	default:
		return "", fmt.Errorf("invalid type: %q, must be \"static\" or \"runtime\"", raw)
	}
}

// Static 判断是否为 static 模式。
func (m Mode) Static() bool {
	return m == ModeStatic
}

// Manifest 是 apphash.json 的读取视图。部署方可以额外注入 disable/unregister
// 用于强制一次性的客户端动作。
type Manifest struct {
	Hash       string   `json:"hash"`
	Files      []string `json:"files,omitempty"`
	Size       int64    `json:"size,omitempty"`
	Disable    bool     `json:"disable,omitempty"`
	Unregister bool     `json:"unregister,omitempty"`
}

// Decode 宽松解析 manifest：字段类型不符时保持零值而不是整体失败，
// 以便调用方在校验 hash 之前先处理 disable/unregister。
func Decode(data []byte) (*Manifest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("decode manifest: %w", ErrInvalidManifest)
	}

	m := &Manifest{}
	if v, ok := raw["hash"]; ok {
		_ = json.Unmarshal(v, &m.Hash)
	}
	if v, ok := raw["files"]; ok {
		var files []string
		if err := json.Unmarshal(v, &files); err == nil {
			m.Files = files
		}
	}
	if v, ok := raw["size"]; ok {
		_ = json.Unmarshal(v, &m.Size)
	}
	if v, ok := raw["disable"]; ok {
		_ = json.Unmarshal(v, &m.Disable)
	}
	if v, ok := raw["unregister"]; ok {
		_ = json.Unmarshal(v, &m.Unregister)
	}
	return m, nil
}

// HasHash 表示 hash 字段存在且为非空字符串。
func (m *Manifest) HasHash() bool {
	return m != nil && m.Hash != ""
}

// Validate 校验安装阶段需要的结构：hash 必须存在；static 模式下 files 必须是非空字符串数组。
func (m *Manifest) Validate(mode Mode) error {
	if !m.HasHash() {
		return fmt.Errorf("%w: hash missing", ErrInvalidManifest)
	}
	if mode.Static() && len(m.Files) == 0 {
		return fmt.Errorf("%w: files missing", ErrInvalidManifest)
	}
	return nil
}

type staticDocument struct {
	Hash  string   `json:"hash"`
	Files []string `json:"files"`
	Size  int64    `json:"size"`
}

type runtimeDocument struct {
	Hash string `json:"hash"`
}

// Marshal 按模式输出 manifest：static 为 {hash, files, size}，runtime 只有 {hash}。
func Marshal(info *DirInfo, mode Mode) ([]byte, error) {
	if info == nil {
		return nil, errors.New("dir info required")
	}
	switch mode {
	case ModeStatic:
		files := info.Files
		if files == nil {
			files = []string{}
		}
		return json.Marshal(staticDocument{Hash: info.Hash, Files: files, Size: info.Size})
	case ModeRuntime:
		return json.Marshal(runtimeDocument{Hash: info.Hash})
	default:
		return nil, fmt.Errorf("invalid type: %q", mode)
	}
}
