// pkg/raster/checksum.go

package raster

import (
	"context"
	"math"
)

var checksumPrimes = [...]int{7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43}

// ChecksumLines computes the classic 16 bit raster checksum of a window
// whose rows are produced by line: each sample is taken modulo the next
// prime of a cycle that runs across the whole window, the results are
// summed, and the sum is folded to 16 bits after every line. Samples are
// rounded first; non-finite ones count as 0.
func ChecksumLines(w Window, line func(y int, vals []float64) error) (int, error) {
	vals := make([]float64, w.XSize)
	var sum, prime int
	for y := w.YOff; y < w.YOff+w.YSize; y++ {
		if err := line(y, vals); err != nil {
			return 0, err
		}
		for _, f := range vals {
			var v int
			if !math.IsNaN(f) && !math.IsInf(f, 0) {
				v = int(math.Floor(f + 0.5))
			}
			sum += v % checksumPrimes[prime]
			prime++
			if prime == len(checksumPrimes) {
				prime = 0
			}
		}
		sum &= 0xffff
	}
	return sum, nil
}

// Checksum computes the checksum of one band window of ds. A zero window
// means the whole raster.
func Checksum(ctx context.Context, ds Dataset, band int, w Window) (int, error) {
	info := ds.Info()
	if w.XSize == 0 && w.YSize == 0 {
		w = Window{XSize: info.XSize, YSize: info.YSize}
	}
	buf := make([]byte, w.XSize*8)
	return ChecksumLines(w, func(y int, vals []float64) error {
		req := &IORequest{Window: Window{w.XOff, y, w.XSize, 1}, Bands: []int{band}, BufType: Float64, Buf: buf}
		if err := ds.RawRead(ctx, req); err != nil {
			return err
		}
		for i := range vals {
			vals[i] = Decode(Float64, buf[i*8:])
		}
		return nil
	})
}
