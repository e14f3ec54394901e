package lua

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// OutputRecord is one line printed by a decoder script
type OutputRecord struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
}

// OutputMetrics counts script output; all fields are updated atomically
type OutputMetrics struct {
	RecordsProcessed   int64
	RecordsOverwritten int64
	ErrorsOccurred     int64
}

// MaxBufferSize sets an upper limit on the output buffer to guard against misconfiguration
const MaxBufferSize uint32 = 1024 * 1024

// outputBuffer keeps the most recent script output; when full the oldest lines are overwritten
type outputBuffer struct {
	buffer  mpmc.RichOverlappedRingBuffer[OutputRecord]
	metrics OutputMetrics
}

func newOutputBuffer(size uint32) (*outputBuffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if size > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", size, MaxBufferSize)
	}
	return &outputBuffer{buffer: mpmc.NewOverlappedRingBuffer[OutputRecord](size)}, nil
}

func (b *outputBuffer) add(rec OutputRecord) {
	overwrites, err := b.buffer.EnqueueM(rec)
	if err != nil {
		atomic.AddInt64(&b.metrics.ErrorsOccurred, 1)
		return
	}
	atomic.AddInt64(&b.metrics.RecordsOverwritten, int64(overwrites))
	atomic.AddInt64(&b.metrics.RecordsProcessed, 1)
}

// drain removes and returns all buffered records, oldest first
func (b *outputBuffer) drain() []OutputRecord {
	var out []OutputRecord
	for !b.buffer.IsEmpty() {
		rec, err := b.buffer.Dequeue()
		if err != nil {
			atomic.AddInt64(&b.metrics.ErrorsOccurred, 1)
			break
		}
		out = append(out, rec)
	}
	return out
}

func (b *outputBuffer) snapshot() OutputMetrics {
	return OutputMetrics{
		RecordsProcessed:   atomic.LoadInt64(&b.metrics.RecordsProcessed),
		RecordsOverwritten: atomic.LoadInt64(&b.metrics.RecordsOverwritten),
		ErrorsOccurred:     atomic.LoadInt64(&b.metrics.ErrorsOccurred),
	}
}

// PlainText concatenates record contents, ignoring metadata
func PlainText(records []OutputRecord) string {
	var sb strings.Builder
	for _, r := range records {
		sb.WriteString(r.Content)
	}
	return sb.String()
}
