package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// ReplaceFile 将临时文件发布到目标路径。部分平台不允许 rename 覆盖已存在的文件，
// 因此先删除旧文件再 rename。
func ReplaceFile(tempPath, target string) error {
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove previous %s: %w", target, err)
	}
	if err := os.Rename(tempPath, target); err != nil {
		return fmt.Errorf("publish %s: %w", target, err)
	}
	return nil
}

// ReplaceDir 以整体 rename 的方式发布临时目录，替换已有的完整 bundle。
func ReplaceDir(tempDir, target string) error {
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("remove previous %s: %w", target, err)
	}
	if err := os.Rename(tempDir, target); err != nil {
		return fmt.Errorf("publish %s: %w", target, err)
	}
	return nil
}
