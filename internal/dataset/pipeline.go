package dataset

import "fmt"

// Options configures Build.
type Options struct {
	OutputsPerStep int64
	DownsampleStep int64
	Bucket         BucketOptions
}

// Build prepares, pairs, buckets and batches records, then attaches frame
// positions to every batch.
func Build(records []Record, opts Options) ([]*Batch, error) {
	sources := make([]PreparedSource, 0, len(records))
	targets := make([]PreparedTarget, 0, len(records))

	for _, rec := range records {
		sources = append(sources, PrepareSource(rec.SourceData()))

		t, err := PrepareTarget(rec.TargetData(), opts.OutputsPerStep, opts.DownsampleStep)
		if err != nil {
			return nil, err
		}

		targets = append(targets, t)
	}

	examples, err := Zip(sources, targets)
	if err != nil {
		return nil, err
	}

	batches, err := GroupByBucket(examples, opts.Bucket)
	if err != nil {
		return nil, err
	}

	for i, b := range batches {
		if err := AddFramePositions(b, opts.OutputsPerStep, opts.DownsampleStep); err != nil {
			return nil, fmt.Errorf("dataset: batch %d: %w", i, err)
		}
	}

	return batches, nil
}
