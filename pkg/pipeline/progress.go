package pipeline

import "github.com/ledgerworks/payeeflow/pkg/contracts"

// Progress is the single user-facing projection of a batch's per-stage
// counters.
type Progress struct {
	Percent       float64 `json:"percentComplete"`
	Indeterminate bool    `json:"indeterminate,omitempty"`
	Phase         string  `json:"currentStep"`
}

// Classification takes the first quarter of the bar; the enabled enrichment
// stages split the rest evenly, an in-progress stage counting half its share.
const classificationShare = 25.0

var phaseLabels = map[contracts.Stage]string{
	contracts.StageClassification: "Classification",
	contracts.StageSupplier:       "Supplier matching",
	contracts.StageAddress:        "Address validation",
	contracts.StageMerchant:       "Merchant enrichment",
	contracts.StagePrediction:     "Prediction",
}

// Project derives the overall percentage and phase label for a batch.
func Project(b *contracts.Batch) Progress {
	switch b.Status {
	case contracts.BatchCompleted:
		return Progress{Percent: 100, Phase: "Completed"}
	case contracts.BatchCancelled:
		return Progress{Phase: "Cancelled"}
	case contracts.BatchFailed:
		return Progress{Phase: "Failed"}
	}

	cls := b.Stages[contracts.StageClassification]
	if cls == nil {
		cls = &contracts.StageProgress{}
	}
	// Streaming uploads register records incrementally; without a known total
	// a percentage would be misleading.
	if cls.Total == 0 && cls.Processed > 0 {
		return Progress{Indeterminate: true, Phase: phaseLabels[contracts.StageClassification]}
	}
	if cls.Total == 0 || cls.Processed < cls.Total {
		pct := 0.0
		if cls.Total > 0 {
			pct = float64(cls.Processed) / float64(cls.Total) * classificationShare
		}
		return Progress{Percent: pct, Phase: phaseLabels[contracts.StageClassification]}
	}

	var enabled []contracts.Stage
	for _, s := range contracts.EnrichmentStages {
		if b.StageEnabled(s) {
			enabled = append(enabled, s)
		}
	}
	if len(enabled) == 0 {
		return Progress{Percent: 100, Phase: "Completing enrichment"}
	}

	share := (100 - classificationShare) / float64(len(enabled))
	pct := classificationShare
	phase := ""
	for _, s := range enabled {
		p := b.Stages[s]
		if p == nil {
			continue
		}
		switch {
		case p.Status.IsTerminal():
			pct += share
		case p.Status == contracts.StageInProgress:
			pct += share / 2
			if phase == "" {
				phase = phaseLabels[s]
			}
		}
	}
	if phase == "" {
		phase = "Completing enrichment"
	}
	return Progress{Percent: pct, Phase: phase}
}
