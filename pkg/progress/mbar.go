package progress

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 5

type MultiBar struct {
	w               io.Writer // writer to destination
	width           int
	lastWrittenRows int
	bars            []*Bar
	barslock        sync.Mutex
	eg              *errgroup.Group

	haschange atomic.Bool
}

func NewMultiBar(dest io.Writer, width int, concurrent int) *MultiBar {
	mb := &MultiBar{
		width: width,
		w:     dest,
		eg:    &errgroup.Group{},
	}
	if concurrent <= 0 {
		concurrent = DefaultConcurrency
	}
	mb.eg.SetLimit(concurrent)
	return mb
}

func (m *MultiBar) print() {
	m.barslock.Lock()
	defer m.barslock.Unlock()
	m.haschange.Store(false)

	buf := &bytes.Buffer{}

	// clear previous rows
	if m.lastWrittenRows > 0 {
		buf.Write(CUU(m.lastWrittenRows))
		buf.Write(ED(0))
	}
	for _, b := range m.bars {
		b.Write(buf)
	}
	// write once
	_, _ = m.w.Write(buf.Bytes())
	m.lastWrittenRows = len(m.bars)
}

func (m *MultiBar) Run(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if m.haschange.CompareAndSwap(true, false) {
				m.print()
			}
		}
	}
}

// Go adds a bar and runs fun in the worker group, the bar is marked done or failed by its result.
func (m *MultiBar) Go(name string, initstatus string, fun func(b *Bar) error) {
	bar := &Bar{
		mp:     m,
		Name:   name,
		Status: initstatus,
		Width:  m.width,
	}
	m.barslock.Lock()
	m.bars = append(m.bars, bar)
	m.barslock.Unlock()
	m.haschange.Store(true)

	m.eg.Go(func() error {
		if err := fun(bar); err != nil {
			bar.finish("failed")
			return err
		}
		bar.finish("")
		return nil
	})
}

func (m *MultiBar) Wait() error {
	err := m.eg.Wait()
	m.print()
	return err
}
