package diskspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
)

// ErrInsufficient 可用空间不足
type ErrInsufficient struct {
	Dir      string
	Free     uint64
	Required uint64
}

func (e *ErrInsufficient) Error() string {
	return fmt.Sprintf("存储空间不足: %s 可用 %.1f MB, 至少需要 %.1f MB",
		e.Dir, float64(e.Free)/1024/1024, float64(e.Required)/1024/1024)
}

// Free 返回 dir 所在分区的可用字节数，目录不存在时向上查找已存在的父目录
func Free(dir string) (uint64, error) {
	path, err := existingAncestor(dir)
	if err != nil {
		return 0, err
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("获取磁盘使用情况失败: %w", err)
	}
	return usage.Free, nil
}

// Ensure 检查 dir 所在分区至少有 required 字节可用
func Ensure(dir string, required uint64) error {
	free, err := Free(dir)
	if err != nil {
		return err
	}
	if free < required {
		return &ErrInsufficient{Dir: dir, Free: free, Required: required}
	}
	return nil
}

func existingAncestor(dir string) (string, error) {
	path, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		parent := filepath.Dir(path)
		if parent == path {
			return "", fmt.Errorf("找不到已存在的目录: %s", dir)
		}
		path = parent
	}
}
