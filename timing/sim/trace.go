package sim

import (
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Stage indices of TraceRecord.Latency.
const (
	StageFetch = iota
	StageDecode
	StageExecute
	StageMemory
	StageWriteback
	NumStages
)

// TraceRecord describes one retired instruction.
type TraceRecord struct {
	Tick  uint64
	PC    uint64
	Paddr uint64
	Type  string
	// Latency is the number of ticks spent in each stage.
	Latency [NumStages]uint64
}

func (r *TraceRecord) format(b *strings.Builder) {
	fmt.Fprintf(b, "%d\t%#x\t%#x\t%s", r.Tick, r.PC, r.Paddr, r.Type)
	for _, l := range r.Latency {
		fmt.Fprintf(b, "\t%d", l)
	}
	b.WriteByte('\n')
}

const traceHeader = "tick\tpc\tpaddr\ttype\tfetch\tdecode\texecute\tmemory\twriteback\n"

// TraceSink compresses trace records on a background goroutine. The
// simulation only ever sends; nothing flows back into simulation state.
type TraceSink struct {
	records chan TraceRecord
	group   *errgroup.Group
	ctx     context.Context
}

// NewTraceSink starts a sink writing gzip-compressed, tab-separated records
// to w. buffer is the channel capacity.
func NewTraceSink(w io.Writer, buffer int) *TraceSink {
	group, ctx := errgroup.WithContext(context.Background())
	s := &TraceSink{
		records: make(chan TraceRecord, buffer),
		group:   group,
		ctx:     ctx,
	}

	group.Go(func() error {
		return s.drain(w)
	})

	return s
}

func (s *TraceSink) drain(w io.Writer) error {
	zw := gzip.NewWriter(w)
	bw := bufio.NewWriter(zw)

	var err error
	if _, err = bw.WriteString(traceHeader); err != nil {
		err = fmt.Errorf("failed to write trace header: %w", err)
	}

	var b strings.Builder
	for rec := range s.records {
		if err != nil {
			continue
		}

		b.Reset()
		rec.format(&b)
		if _, werr := bw.WriteString(b.String()); werr != nil {
			err = fmt.Errorf("failed to write trace record: %w", werr)
		}
	}

	if ferr := bw.Flush(); err == nil && ferr != nil {
		err = fmt.Errorf("failed to flush trace: %w", ferr)
	}
	if cerr := zw.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close trace: %w", cerr)
	}
	return err
}

// Record queues one record. Records are dropped once the writer failed.
func (s *TraceSink) Record(rec TraceRecord) {
	select {
	case s.records <- rec:
	case <-s.ctx.Done():
	}
}

// Close flushes all queued records and returns the first write error.
func (s *TraceSink) Close() error {
	close(s.records)
	return s.group.Wait()
}
