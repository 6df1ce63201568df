// pkg/utils/rusage.go

package utils

import (
	"fmt"
	"syscall"
)

type Rusage struct {
	syscall.Rusage
}

func (ru *Rusage) GetUtime() float64 {
	return float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6
}

func (ru *Rusage) GetStime() float64 {
	return float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6
}

// Since returns the user and system CPU seconds spent after prev.
func (ru *Rusage) Since(prev *Rusage) (float64, float64) {
	return ru.GetUtime() - prev.GetUtime(), ru.GetStime() - prev.GetStime()
}

func (ru *Rusage) String() string {
	return fmt.Sprintf("user %.3fs, sys %.3fs, maxrss %d KiB", ru.GetUtime(), ru.GetStime(), ru.Maxrss)
}

func GetRusage() *Rusage {
	var ru syscall.Rusage
	_ = syscall.Getrusage(syscall.RUSAGE_SELF, &ru)
	return &Rusage{ru}
}
