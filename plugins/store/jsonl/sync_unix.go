//go:build !windows

package jsonl

import "os"

// syncDir 尽力 fsync 父目录，持久化新文件的目录项。
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
