package matcher

import (
	"runtime"
	"sync"
	"time"
)

// Sample is one named buffer of a batch.
type Sample struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// BatchHit is one matched rule for the sample at Index of the batch.
type BatchHit struct {
	Index  int    `json:"index"`
	Sample string `json:"sample"`
	Rule   string `json:"rule"`
}

// BatchError is the scan error of the sample at Index of the batch.
type BatchError struct {
	Index  int    `json:"index"`
	Sample string `json:"sample"`
	Error  string `json:"error"`
}

// BatchResult contains the results of scanning a batch of samples.
type BatchResult struct {
	ProcessedSamples int                 `json:"processed_samples"`
	MatchedRules     map[string][]string `json:"matched_rules"` // rule name -> sample names, in batch order
	Hits             []BatchHit          `json:"hits"`          // ordered by sample index, then rule order
	Errors           []BatchError        `json:"errors,omitempty"`
	ProcessingTime   time.Duration       `json:"processing_time"`
}

// BatchProcessor scans many samples against one rule set with a bounded
// number of workers.
type BatchProcessor struct {
	set     *RuleSet
	workers int
}

func NewBatchProcessor(set *RuleSet) *BatchProcessor {
	return &BatchProcessor{set: set, workers: runtime.GOMAXPROCS(0)}
}

func (bp *BatchProcessor) WithWorkers(n int) *BatchProcessor {
	if n > 0 {
		bp.workers = n
	}
	return bp
}

type sampleOutcome struct {
	out *ScanOutcome
	err error
}

// ProcessBatch scans every sample. Per-sample errors are collected in
// Errors and do not stop the batch. Samples are identified by their index,
// names need not be unique.
func (bp *BatchProcessor) ProcessBatch(samples []Sample) *BatchResult {
	start := time.Now()
	outcomes := make([]sampleOutcome, len(samples))

	jobs := make(chan int)
	var wg sync.WaitGroup
	workers := bp.workers
	if workers > len(samples) {
		workers = len(samples)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out, err := bp.set.Scan(samples[i].Data)
				outcomes[i] = sampleOutcome{out: out, err: err}
			}
		}()
	}
	for i := range samples {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	result := &BatchResult{
		ProcessedSamples: len(samples),
		MatchedRules:     make(map[string][]string),
		Hits:             []BatchHit{},
	}
	for i, o := range outcomes {
		if o.err != nil {
			result.Errors = append(result.Errors, BatchError{Index: i, Sample: samples[i].Name, Error: o.err.Error()})
		}
		if o.out == nil {
			continue
		}
		for _, rule := range o.out.Matched {
			result.MatchedRules[rule] = append(result.MatchedRules[rule], samples[i].Name)
			result.Hits = append(result.Hits, BatchHit{Index: i, Sample: samples[i].Name, Rule: rule})
		}
	}
	result.ProcessingTime = time.Since(start)
	return result
}
