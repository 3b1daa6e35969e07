package contracts

// BatchStatus is the lifecycle state of an upload batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchEnriching  BatchStatus = "enriching"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// StageStatus is the per-record, per-stage state. Terminal statuses are
// write-once: a stage that reached one never accepts further result writes.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
	StageSkipped    StageStatus = "skipped"
	StageCancelled  StageStatus = "cancelled"
)

// IsTerminal reports whether no further writes are permitted for the stage.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageSkipped, StageCancelled:
		return true
	}
	return false
}

// Stage identifies one of the five enrichment steps.
type Stage string

const (
	StageClassification Stage = "classification"
	StageSupplier       Stage = "supplier"
	StageAddress        Stage = "address"
	StageMerchant       Stage = "merchant"
	StagePrediction     Stage = "prediction"
)

// AllStages lists the stages in dispatch order. Classification always runs
// first; the remaining four have no required ordering between them.
var AllStages = []Stage{StageClassification, StageSupplier, StageAddress, StageMerchant, StagePrediction}

// EnrichmentStages are the stages that follow classification.
var EnrichmentStages = []Stage{StageSupplier, StageAddress, StageMerchant, StagePrediction}

// SearchStatus is the lifecycle state of an AsyncSearchRequest.
type SearchStatus string

const (
	SearchSubmitted       SearchStatus = "submitted"
	SearchPolling         SearchStatus = "polling"
	SearchWebhookReceived SearchStatus = "webhook_received"
	SearchCompleted       SearchStatus = "completed"
	SearchFailed          SearchStatus = "failed"
	SearchCancelled       SearchStatus = "cancelled"
	SearchNoMatch         SearchStatus = "no_match"
)

// IsTerminal reports whether the search request is immutable.
func (s SearchStatus) IsTerminal() bool {
	switch s {
	case SearchCompleted, SearchFailed, SearchCancelled, SearchNoMatch:
		return true
	}
	return false
}

// PayeeType is the categorical classification of a payee.
type PayeeType string

const (
	PayeeIndividual       PayeeType = "Individual"
	PayeeBusiness         PayeeType = "Business"
	PayeeGovernment       PayeeType = "Government"
	PayeeInsurance        PayeeType = "Insurance"
	PayeeBanking          PayeeType = "Banking"
	PayeeInternalTransfer PayeeType = "Internal Transfer"
	PayeeUnknown          PayeeType = "Unknown"
)

// ParsePayeeType validates a classifier-returned type against the enum.
// Unrecognized values return PayeeUnknown and ok=false.
func ParsePayeeType(s string) (PayeeType, bool) {
	switch PayeeType(s) {
	case PayeeIndividual, PayeeBusiness, PayeeGovernment, PayeeInsurance,
		PayeeBanking, PayeeInternalTransfer, PayeeUnknown:
		return PayeeType(s), true
	}
	return PayeeUnknown, false
}

// MerchantMatchStatus reports the outcome of card-network enrichment for a
// single record.
type MerchantMatchStatus string

const (
	MerchantMatch   MerchantMatchStatus = "MATCH"
	MerchantNoMatch MerchantMatchStatus = "NO_MATCH"
	MerchantError   MerchantMatchStatus = "ERROR"
)
