package progress

import "io"

// Reader wraps an io.Reader and reports the completed percentage whenever it advances by at least step points.
// When total is unknown no percentages are reported.
type Reader struct {
	r          io.Reader
	total      int64
	step       float64
	onProgress func(percent float64)

	read        int64
	lastPercent float64
}

func NewReader(r io.Reader, total int64, step float64, onProgress func(percent float64)) *Reader {
	if step <= 0 {
		step = 1
	}

	return &Reader{r: r, total: total, step: step, onProgress: onProgress}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n <= 0 || pr.total <= 0 || pr.onProgress == nil {
		return n, err
	}

	pr.read += int64(n)

	percent := min(float64(pr.read)*100/float64(pr.total), 100)
	if percent-pr.lastPercent >= pr.step || (percent == 100 && pr.lastPercent < 100) {
		pr.lastPercent = percent
		pr.onProgress(percent)
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

// Throttle returns a callback that forwards integer percentages to report only when they
// have advanced by at least step since the last forwarded value.
func Throttle(step int, report func(percent int)) func(percent float64) {
	if step <= 0 {
		step = 1
	}

	last := 0

	return func(percent float64) {
		p := min(int(percent), 100)
		if p-last >= step || (p == 100 && last < 100) {
			last = p
			report(p)
		}
	}
}
