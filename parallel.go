package credvault

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ParallelConfig controls the fan-out used to decode records
type ParallelConfig struct {
	// Enabled enables parallel record decoding
	Enabled bool

	// MaxWorkers is the maximum number of worker goroutines
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int

	// MinRecordsForParallel is the minimum number of records to use parallel processing
	// Below this threshold, sequential processing is used
	// Defaults to 4
	MinRecordsForParallel int
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil // Nothing to validate if disabled
	}

	if p.MaxWorkers < 0 {
		return errors.New("parallel max workers cannot be negative")
	}
	if p.MaxWorkers > 1024 {
		return errors.New("parallel max workers must not exceed 1024")
	}
	if p.MinRecordsForParallel < 1 {
		return errors.New("parallel min records threshold must be at least 1")
	}
	if p.MinRecordsForParallel > 1000 {
		return errors.New("parallel min records threshold must not exceed 1000")
	}

	return nil
}

// DefaultParallelConfig returns the default parallel processing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:               true,
		MaxWorkers:            runtime.NumCPU(),
		MinRecordsForParallel: 4,
	}
}

// StoredRecord is an encrypted record as returned by a Store
type StoredRecord struct {
	ID       string
	Envelope RecordEnvelope

	// Err is set by the store when the blob could not be parsed into an
	// envelope. Such records are reported as skipped.
	Err error
}

// LoadedRecord is a successfully decoded record with its store id
type LoadedRecord struct {
	ID     string
	Record *AccountRecord
}

// SkippedRecord is a record that failed to decode
type SkippedRecord struct {
	ID  string
	Err error
}

// LoadResult is the outcome of decoding a batch of records. Records keep
// the order of the input; failures never abort the batch.
type LoadResult struct {
	Records []LoadedRecord
	Skipped []SkippedRecord
}

// SkippedCount returns the number of records that could not be decoded
func (r *LoadResult) SkippedCount() int {
	return len(r.Skipped)
}

// decodeJob is a single record decode slot
type decodeJob struct {
	stored *StoredRecord
	record *AccountRecord
	err    error
}

// DecodeAll decodes every stored record under key. Each record is decoded
// independently: a failure is recorded in Skipped and its siblings still
// run. The only error returned is the context's, with the partial result.
func (c *RecordCodec) DecodeAll(ctx context.Context, key []byte, stored []StoredRecord, cfg ParallelConfig) (*LoadResult, error) {
	jobs := make([]decodeJob, len(stored))
	for i := range stored {
		jobs[i].stored = &stored[i]
	}

	if !cfg.Enabled || len(jobs) < cfg.MinRecordsForParallel {
		for i := range jobs {
			if err := ctx.Err(); err != nil {
				markCancelled(jobs[i:], err)
				break
			}
			c.runJob(&jobs[i], key)
		}
		return collect(jobs), ctx.Err()
	}

	// Determine number of workers
	numWorkers := cfg.MaxWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > len(jobs) {
		numWorkers = len(jobs)
	}

	var wg sync.WaitGroup
	jobChan := make(chan int)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobChan {
				c.runJob(&jobs[idx], key)
			}
		}()
	}

	sent := 0
send:
	for ; sent < len(jobs); sent++ {
		select {
		case jobChan <- sent:
		case <-ctx.Done():
			break send
		}
	}
	close(jobChan)
	wg.Wait()

	if sent < len(jobs) {
		markCancelled(jobs[sent:], ctx.Err())
	}
	return collect(jobs), ctx.Err()
}

// runJob decodes one record, converting a panic into a per-record error
func (c *RecordCodec) runJob(job *decodeJob, key []byte) {
	defer func() {
		if r := recover(); r != nil {
			job.record = nil
			job.err = NewDecodeError(job.stored.ID, "panic in decode worker", fmt.Errorf("%v", r))
		}
	}()
	if job.stored.Err != nil {
		job.err = NewDecodeError(job.stored.ID, "unreadable envelope", job.stored.Err)
		return
	}
	job.record, job.err = c.decode(job.stored.ID, &job.stored.Envelope, key)
}

func markCancelled(jobs []decodeJob, err error) {
	for i := range jobs {
		jobs[i].err = NewDecodeError(jobs[i].stored.ID, "load cancelled", err)
	}
}

func collect(jobs []decodeJob) *LoadResult {
	result := &LoadResult{}
	for _, job := range jobs {
		if job.err != nil {
			result.Skipped = append(result.Skipped, SkippedRecord{ID: job.stored.ID, Err: job.err})
			continue
		}
		result.Records = append(result.Records, LoadedRecord{ID: job.stored.ID, Record: job.record})
	}
	return result
}
