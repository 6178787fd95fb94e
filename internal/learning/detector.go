package learning

import (
	"github.com/google/uuid"

	"github.com/axels2025/naked-put-agent/internal/models"
)

// Detector implements §4.7's Pattern Detector and Path Analyzer: bucketing closed
// trades along each named dimension and emitting a DetectedPattern wherever a
// bucket's outcome diverges from the overall baseline.
type Detector struct {
	minSamples int
}

// NewDetector constructs a Detector. minSamples defaults to
// models.DefaultMinSampleSize when zero or negative.
func NewDetector(minSamples int) *Detector {
	if minSamples <= 0 {
		minSamples = models.DefaultMinSampleSize
	}
	return &Detector{minSamples: minSamples}
}

// DetectEntry runs the Pattern Detector's ~19 entry-time dimensions.
func (d *Detector) DetectEntry(records []Record) []*models.DetectedPattern {
	return d.detect(records, patternDetectorDimensions, "entry")
}

// DetectPath runs the Path Analyzer's seven path/exit dimensions.
func (d *Detector) DetectPath(records []Record) []*models.DetectedPattern {
	return d.detect(records, pathAnalyzerDimensions, "path")
}

func (d *Detector) detect(records []Record, dims map[string]func(Record) string, patternType string) []*models.DetectedPattern {
	if len(records) < d.minSamples {
		return nil
	}
	baseline := computeBaseline(records)

	var out []*models.DetectedPattern
	for dimName, labelFor := range dims {
		for _, b := range groupBy(records, dimName, labelFor) {
			if len(b.records) < d.minSamples {
				continue
			}
			out = append(out, patternFromBucket(patternType, b, baseline))
		}
	}
	return out
}

// patternFromBucket computes win_rate/avg_roi for bucket, compares to the overall
// baseline via Welch's t-test on ROI, and packages the result as a
// DetectedPattern. p_value and effect_size are always computed; IsSignificant
// (applied later by the Statistical Validator) is what decides whether a pattern
// is reported as actionable.
func patternFromBucket(patternType string, b bucket, baseline Baseline) *models.DetectedPattern {
	bucketBaseline := computeBaseline(b.records)
	pValue := welchTTest(bucketBaseline.ROIs, baseline.ROIs)

	return &models.DetectedPattern{
		ID:              uuid.NewString(),
		PatternType:     patternType,
		PatternName:     b.dimension + "=" + b.label,
		SampleSize:      len(b.records),
		WinRate:         bucketBaseline.WinRate,
		AvgROI:          bucketBaseline.AvgROI,
		BaselineWinRate: baseline.WinRate,
		BaselineROI:     baseline.AvgROI,
		PValue:          pValue,
		EffectSize:      bucketBaseline.AvgROI - baseline.AvgROI,
		Confidence:      1 - pValue,
		Predicates:      map[string]string{b.dimension: b.label},
	}
}
