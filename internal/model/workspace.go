package model

import (
	"path"
	"strings"
)

type WorkspaceFile struct {
	Path     string          `json:"path" yaml:"path"`
	Name     string          `json:"name" yaml:"name"`
	IsDir    bool            `json:"is_dir" yaml:"is_dir"`
	Size     int64           `json:"size,omitempty" yaml:"size,omitempty"`
	URL      string          `json:"url,omitempty" yaml:"url,omitempty"`
	Children []WorkspaceFile `json:"children,omitempty" yaml:"children,omitempty"`
}

// NormalizePath 文件树和 URL 等待表都用它做键
func NormalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	cleaned := path.Clean("/" + p)
	return strings.TrimPrefix(cleaned, "/")
}

func CloneFiles(files []WorkspaceFile) []WorkspaceFile {
	if files == nil {
		return nil
	}
	out := make([]WorkspaceFile, len(files))
	for i, f := range files {
		out[i] = f
		out[i].Children = CloneFiles(f.Children)
	}
	return out
}
