package learning

import (
	"github.com/axels2025/naked-put-agent/internal/models"
)

// Record is one closed trade's full feature vector, assembled from its Trade,
// EntrySnapshot, ExitSnapshot, and PositionSnapshots, so the Pattern Detector and
// Path Analyzer can bucket it along either the entry-time or path/exit dimensions
// without re-querying storage per dimension.
type Record struct {
	Trade    *models.Trade
	Entry    *models.EntrySnapshot
	Exit     *models.ExitSnapshot
	Path     []*models.PositionSnapshot
	Win      bool
	ROI      float64
}

// Baseline is the overall-population metrics a bucket is compared against.
type Baseline struct {
	WinRate float64
	AvgROI  float64
	ROIs    []float64
}

// computeBaseline reduces every record to a Baseline of win_rate/avg_roi plus the
// raw per-trade ROI series the two-sample tests need.
func computeBaseline(records []Record) Baseline {
	var b Baseline
	if len(records) == 0 {
		return b
	}
	wins := 0
	sum := 0.0
	b.ROIs = make([]float64, 0, len(records))
	for _, r := range records {
		if r.Win {
			wins++
		}
		sum += r.ROI
		b.ROIs = append(b.ROIs, r.ROI)
	}
	b.WinRate = float64(wins) / float64(len(records))
	b.AvgROI = sum / float64(len(records))
	return b
}

// bucket groups records sharing a (dimension, label) key so each group can be
// compared against the baseline independently.
type bucket struct {
	dimension string
	label     string
	records   []Record
}

func groupBy(records []Record, dimension string, labelFor func(Record) string) []bucket {
	groups := make(map[string][]Record)
	order := make([]string, 0)
	for _, r := range records {
		label := labelFor(r)
		if label == "" {
			continue
		}
		if _, ok := groups[label]; !ok {
			order = append(order, label)
		}
		groups[label] = append(groups[label], r)
	}
	out := make([]bucket, 0, len(order))
	for _, label := range order {
		out = append(out, bucket{dimension: dimension, label: label, records: groups[label]})
	}
	return out
}
