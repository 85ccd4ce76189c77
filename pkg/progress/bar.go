package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"kubegems.io/smdeploy/pkg/units"
)

type Bar struct {
	Name      string
	Total     int64  // total bytes, -1 for indeterminate
	Completed int64  // completed bytes
	Width     int    // width of the bar
	Status    string // status text
	Done      bool   // if the bar is done
	mp        *MultiBar
	mu        sync.Mutex
}

func (b *Bar) Write(w io.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Width == 0 {
		b.Width = 40
	}
	var completed int
	var status string

	switch {
	case b.Done:
		completed = b.Width
		status = b.Status
	case b.Total <= 0:
		status = b.Status
	default:
		completed = int(float64(b.Width) * float64(b.Completed) / float64(b.Total))
		if completed < 0 {
			completed = 0
		}
		if completed > b.Width {
			completed = b.Width
		}
		status = units.HumanSize(float64(b.Completed)) + "/" + units.HumanSize(float64(b.Total))
	}

	fmt.Fprintf(w, "%s [%s%s] %s\n",
		b.Name,
		strings.Repeat("+", completed),
		strings.Repeat("-", b.Width-completed),
		status,
	)
}

func (b *Bar) SetProgress(completed, total int64) {
	b.mu.Lock()
	b.Completed, b.Total = completed, total
	b.mu.Unlock()
	b.Notify()
}

func (b *Bar) SetStatus(name, status string) {
	b.mu.Lock()
	b.Name, b.Status = name, status
	b.mu.Unlock()
	b.Notify()
}

func (b *Bar) Increment(n int64) {
	b.mu.Lock()
	b.Completed += n
	b.mu.Unlock()
	b.Notify()
}

func (b *Bar) finish(status string) {
	b.mu.Lock()
	b.Done = true
	if status != "" {
		b.Status = status
	}
	b.mu.Unlock()
	b.Notify()
}

func (b *Bar) Notify() {
	if b.mp != nil {
		b.mp.haschange.Store(true)
	}
}

func (b *Bar) start(name string, total int64, onProcess string) {
	b.mu.Lock()
	b.Name, b.Total, b.Completed, b.Status, b.Done = name, total, 0, onProcess, false
	b.mu.Unlock()
	b.Notify()
}

func (b *Bar) progress(n int64, onComplete string) {
	b.mu.Lock()
	b.Completed += n
	if b.Total > 0 && b.Completed >= b.Total {
		b.Status = onComplete
	}
	b.mu.Unlock()
	b.Notify()
}

// WrapReader counts bytes read from rc into the bar.
func (b *Bar) WrapReader(rc io.ReadCloser, name string, total int64, onProcess, onComplete string) io.ReadCloser {
	b.start(name, total, onProcess)
	return &barReader{rc: rc, b: b, onComplete: onComplete}
}

type barReader struct {
	rc         io.ReadCloser
	b          *Bar
	onComplete string
}

func (r *barReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	r.b.progress(int64(n), r.onComplete)
	return n, err
}

func (r *barReader) Close() error {
	return r.rc.Close()
}
