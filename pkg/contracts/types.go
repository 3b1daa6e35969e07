// Package contracts defines the shared domain types for the payee
// enrichment pipeline: batches, records, the async-search registry, webhook
// events and the curated supplier catalog. All cross-worker state flows
// through these types via the record store.
package contracts

import "time"

// StageProgress tracks one stage's counters on a batch.
type StageProgress struct {
	Status    StageStatus `json:"status"`
	Total     int         `json:"total"`
	Processed int         `json:"processed"`
	Succeeded int         `json:"succeeded"`
}

// Batch is a unit of bulk work tied to a single upload.
type Batch struct {
	ID           string      `json:"id"`
	OriginalName string      `json:"originalName"`
	StoredName   string      `json:"storedName"`
	FileHash     string      `json:"fileHash,omitempty"`
	Status       BatchStatus `json:"status"`

	TotalRecords     int `json:"totalRecords"`
	ProcessedRecords int `json:"processedRecords"`
	SkippedRecords   int `json:"skippedRecords"`

	// Stages holds per-stage status and counters, keyed by stage name.
	Stages map[Stage]*StageProgress `json:"stages"`

	// EnabledStages records the upload-time stage selection.
	EnabledStages []Stage `json:"enabledStages"`

	// AddressColumnMap maps address parts (address, city, state, postalCode)
	// to source column names.
	AddressColumnMap map[string]string `json:"addressColumnMap,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// StageEnabled reports whether a stage was selected at upload time.
func (b *Batch) StageEnabled(s Stage) bool {
	for _, e := range b.EnabledStages {
		if e == s {
			return true
		}
	}
	return false
}

// Classification holds the classify stage result.
type Classification struct {
	PayeeType      PayeeType `json:"payeeType,omitempty"`
	Confidence     float64   `json:"confidence"`
	SicCode        string    `json:"sicCode,omitempty"`
	SicDescription string    `json:"sicDescription,omitempty"`
	Reasoning      string    `json:"reasoning,omitempty"`
	ReviewStatus   string    `json:"reviewStatus,omitempty"`
}

// SupplierMatch holds the supplier-match stage result.
type SupplierMatch struct {
	SupplierID      string  `json:"supplierId,omitempty"`
	SupplierName    string  `json:"supplierName,omitempty"`
	MatchConfidence float64 `json:"matchConfidence"`
	MatchReasoning  string  `json:"matchReasoning,omitempty"`
}

// ValidatedAddress holds the address-validate stage result.
type ValidatedAddress struct {
	FormattedAddress string  `json:"formattedAddress,omitempty"`
	StreetNumber     string  `json:"streetNumber,omitempty"`
	Street           string  `json:"street,omitempty"`
	City             string  `json:"city,omitempty"`
	State            string  `json:"state,omitempty"`
	PostalCode       string  `json:"postalCode,omitempty"`
	Country          string  `json:"country,omitempty"`
	Latitude         float64 `json:"latitude,omitempty"`
	Longitude        float64 `json:"longitude,omitempty"`
	Confidence       float64 `json:"confidence"`
	ValidationStatus string  `json:"validationStatus,omitempty"`
	PlaceID          string  `json:"placeId,omitempty"`
}

// MerchantEnrichment holds the merchant-enrich stage result.
type MerchantEnrichment struct {
	MatchStatus         MerchantMatchStatus `json:"merchantMatchStatus,omitempty"`
	Confidence          float64             `json:"merchantConfidence"`
	BusinessName        string              `json:"businessName,omitempty"`
	TaxID               string              `json:"taxId,omitempty"`
	MerchantIDs         []string            `json:"merchantIds,omitempty"`
	MCC                 string              `json:"mcc,omitempty"`
	MCCGroup            string              `json:"mccGroup,omitempty"`
	Address             string              `json:"address,omitempty"`
	City                string              `json:"city,omitempty"`
	State               string              `json:"state,omitempty"`
	PostalCode          string              `json:"postalCode,omitempty"`
	TransactionRecency  string              `json:"transactionRecency,omitempty"`
	CommercialHistory   string              `json:"commercialHistory,omitempty"`
	SmallBusiness       bool                `json:"smallBusiness,omitempty"`
	LastTransactionDate string              `json:"lastTransactionDate,omitempty"`
	DataQualityLevel    string              `json:"dataQualityLevel,omitempty"`
	EnrichmentDate      *time.Time          `json:"enrichmentDate,omitempty"`
}

// Prediction holds the predict stage result.
type Prediction struct {
	PaymentSuccess           float64    `json:"predictedPaymentSuccess"`
	Confidence               float64    `json:"predictionConfidence"`
	RiskFactors              []string   `json:"riskFactors,omitempty"`
	RecommendedPaymentMethod string     `json:"recommendedPaymentMethod,omitempty"`
	FraudRiskScore           float64    `json:"fraudRiskScore"`
	PredictionDate           *time.Time `json:"predictionDate,omitempty"`
}

// StageState is the per-record status of one stage.
type StageState struct {
	Status    StageStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
	UpdatedAt time.Time   `json:"updatedAt,omitempty"`
}

// Record is one payee within a batch. It is created at upload time, mutated
// only by its owning stage workers and never reparented.
type Record struct {
	ID      string `json:"id"`
	BatchID string `json:"batchId"`

	OriginalName string `json:"originalName"`
	CleanedName  string `json:"cleanedName"`

	// OriginalPayload is the opaque source row, keyed by column name.
	OriginalPayload map[string]string `json:"originalPayload,omitempty"`

	Address    string `json:"address,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`

	IsExcluded       bool   `json:"isExcluded"`
	ExclusionKeyword string `json:"exclusionKeyword,omitempty"`

	Classification *Classification     `json:"classification,omitempty"`
	Supplier       *SupplierMatch      `json:"supplier,omitempty"`
	ValidAddress   *ValidatedAddress   `json:"validatedAddress,omitempty"`
	Merchant       *MerchantEnrichment `json:"merchant,omitempty"`
	Prediction     *Prediction         `json:"prediction,omitempty"`

	// Stages is keyed by stage name; every enabled stage eventually reaches a
	// terminal status here.
	Stages map[Stage]*StageState `json:"stages"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StageStatusOf returns the record's status for a stage, defaulting to pending.
func (r *Record) StageStatusOf(s Stage) StageStatus {
	if st, ok := r.Stages[s]; ok && st != nil {
		return st.Status
	}
	return StagePending
}

// KnownSupplier is an entry in the curated supplier catalog. The catalog is
// read-only for the pipeline; replication from upstream is an external job.
type KnownSupplier struct {
	SupplierID           string  `json:"supplierId"`
	Name                 string  `json:"name"`
	NormalizedName       string  `json:"normalizedName"`
	Category             string  `json:"category,omitempty"`
	MCC                  string  `json:"mcc,omitempty"`
	Industry             string  `json:"industry,omitempty"`
	PaymentType          string  `json:"paymentType,omitempty"`
	City                 string  `json:"city,omitempty"`
	State                string  `json:"state,omitempty"`
	Confidence           float64 `json:"confidence"`
	NameLength           int     `json:"nameLength"`
	HasBusinessIndicator bool    `json:"hasBusinessIndicator"`
	CommonNameScore      float64 `json:"commonNameScore"`
}

// ExclusionKeyword is one entry of the keyword exclusion set. Keywords are
// unique after casefolding.
type ExclusionKeyword struct {
	ID        string    `json:"id"`
	Keyword   string    `json:"keyword"`
	AddedBy   string    `json:"addedBy,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AsyncSearchRequest tracks one bulk submission to the card network. Once
// terminal it is immutable; late webhook or poll results are dropped.
type AsyncSearchRequest struct {
	SearchID string `json:"searchId"`
	BatchID  string `json:"batchId"`
	RecordID string `json:"recordId,omitempty"`

	Status SearchStatus `json:"status"`

	RequestPayload  []byte `json:"requestPayload,omitempty"`
	ResponsePayload []byte `json:"responsePayload,omitempty"`

	// PayloadHash is the SHA-256 of the JCS-canonicalized request payload,
	// used to spot duplicate submissions in operations tooling.
	PayloadHash string `json:"payloadHash,omitempty"`

	// Mapping relates per-row correlation ids to record ids so individual
	// rows can be resolved from a bulk response.
	Mapping map[string]string `json:"searchIdMapping"`

	PollAttempts int        `json:"pollAttempts"`
	LastPolledAt *time.Time `json:"lastPolledAt,omitempty"`
	SubmittedAt  time.Time  `json:"submittedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`

	Error string `json:"error,omitempty"`
}

// WebhookEvent is one inbound card-network notification. EventID uniqueness
// dedupes replays; processing is idempotent.
type WebhookEvent struct {
	EventID       string     `json:"eventId"`
	EventType     string     `json:"eventType"`
	BulkRequestID string     `json:"bulkRequestId"`
	Payload       []byte     `json:"payload,omitempty"`
	Processed     bool       `json:"processed"`
	ProcessedAt   *time.Time `json:"processedAt,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	ReceivedAt    time.Time  `json:"receivedAt"`
}
