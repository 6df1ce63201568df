// pkg/driver/raw/sync_other.go

//go:build !linux

package raw

import (
	"os"
	"time"
)

func fdatasync(f *os.File) error {
	return f.Sync()
}

func accessTime(fi os.FileInfo) time.Time {
	return fi.ModTime()
}
