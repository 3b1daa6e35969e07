package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ledgerworks/payeeflow/pkg/classify"
	"github.com/ledgerworks/payeeflow/pkg/contracts"
	"github.com/ledgerworks/payeeflow/pkg/exclusion"
	"github.com/ledgerworks/payeeflow/pkg/pipeline"
	"github.com/ledgerworks/payeeflow/pkg/store"
)

// Enqueuer accepts a created batch for background processing.
type Enqueuer interface {
	Enqueue(batchID string) error
}

// Canceller soft-cancels a running batch.
type Canceller interface {
	CancelBatch(ctx context.Context, batchID string) error
}

// EventHandler processes a deduplicated merchant webhook event.
type EventHandler interface {
	HandleEvent(ctx context.Context, eventType, bulkRequestID string) error
}

// FileArchive stores uploaded batch files by content hash.
type FileArchive interface {
	Put(ctx context.Context, data []byte) (string, error)
}

// Server is the HTTP surface of the enrichment pipeline.
type Server struct {
	store      store.Store
	files      FileArchive
	queue      Enqueuer
	canceller  Canceller
	filter     *exclusion.Filter
	classifier classify.Classifier
	events     EventHandler

	webhookSecret string
	adminSecret   string

	// defaultStages is the stage selection applied when an upload does not
	// pick its own.
	defaultStages []contracts.Stage

	logger *slog.Logger
}

// Config wires the server's collaborators.
type Config struct {
	Store         store.Store
	Files         FileArchive
	Queue         Enqueuer
	Canceller     Canceller
	Filter        *exclusion.Filter
	Classifier    classify.Classifier
	Events        EventHandler
	WebhookSecret string
	AdminSecret   string
	DefaultStages []contracts.Stage
}

func NewServer(cfg Config) *Server {
	stages := cfg.DefaultStages
	if len(stages) == 0 {
		stages = contracts.AllStages
	}
	return &Server{
		store:         cfg.Store,
		files:         cfg.Files,
		queue:         cfg.Queue,
		canceller:     cfg.Canceller,
		filter:        cfg.Filter,
		classifier:    cfg.Classifier,
		events:        cfg.Events,
		webhookSecret: cfg.WebhookSecret,
		adminSecret:   cfg.AdminSecret,
		defaultStages: stages,
		logger:        slog.Default().With("component", "api"),
	}
}

// Routes builds the ServeMux with all endpoints registered.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /upload/batches", s.handleListBatches)
	mux.HandleFunc("POST /upload/batches/{batchId}/cancel", s.handleCancelBatch)
	mux.HandleFunc("GET /status/{batchId}", s.handleStatus)
	mux.HandleFunc("POST /classify-single", s.handleClassifySingle)
	mux.HandleFunc("GET /classifications/{batchId}", s.handleClassifications)

	admin := http.NewServeMux()
	admin.HandleFunc("POST /keywords", s.handleCreateKeyword)
	admin.HandleFunc("GET /keywords", s.handleListKeywords)
	admin.HandleFunc("PATCH /keywords/{id}", s.handleUpdateKeyword)
	admin.HandleFunc("DELETE /keywords/{id}", s.handleDeleteKeyword)
	admin.HandleFunc("POST /keywords/test", s.handleTestKeyword)
	mux.Handle("/keywords", RequireAdmin(s.adminSecret, admin))
	mux.Handle("/keywords/", RequireAdmin(s.adminSecret, admin))

	mux.HandleFunc("POST /webhooks/merchant/search-notifications", s.handleWebhook)
	mux.HandleFunc("GET /webhooks/merchant/health", s.handleWebhookHealth)

	return mux
}

type statusResponse struct {
	Status           string  `json:"status"`
	CurrentStep      string  `json:"currentStep"`
	ProgressMessage  string  `json:"progressMessage"`
	TotalRecords     int     `json:"totalRecords"`
	ProcessedRecords int     `json:"processedRecords"`
	PercentComplete  float64 `json:"percentComplete"`
	Indeterminate    bool    `json:"indeterminate,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	batch, err := s.store.GetBatch(r.Context(), r.PathValue("batchId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "unknown batch")
			return
		}
		WriteInternal(w, err)
		return
	}

	p := pipeline.Project(batch)
	msg := fmt.Sprintf("%s: %d of %d records processed", p.Phase, batch.ProcessedRecords, batch.TotalRecords)
	if p.Indeterminate {
		msg = fmt.Sprintf("%s: %d records processed", p.Phase, batch.ProcessedRecords)
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:           string(batch.Status),
		CurrentStep:      p.Phase,
		ProgressMessage:  msg,
		TotalRecords:     batch.TotalRecords,
		ProcessedRecords: batch.ProcessedRecords,
		PercentComplete:  p.Percent,
		Indeterminate:    p.Indeterminate,
	})
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	batches, err := s.store.ListBatches(r.Context(), limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if batches == nil {
		batches = []*contracts.Batch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batchId")
	batch, err := s.store.GetBatch(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "unknown batch")
			return
		}
		WriteInternal(w, err)
		return
	}
	switch batch.Status {
	case contracts.BatchCompleted, contracts.BatchFailed, contracts.BatchCancelled:
		WriteConflict(w, "batch already "+string(batch.Status))
		return
	}
	if err := s.canceller.CancelBatch(r.Context(), batchID); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"batchId": batchID, "status": string(contracts.BatchCancelled)})
}

func (s *Server) handleClassifications(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batchId")
	if _, err := s.store.GetBatch(r.Context(), batchID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "unknown batch")
			return
		}
		WriteInternal(w, err)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if pageSize < 1 || pageSize > 500 {
		pageSize = 100
	}

	records, err := s.store.ListRecords(r.Context(), batchID, pageSize, (page-1)*pageSize)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if records == nil {
		records = []*contracts.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records":  records,
		"page":     page,
		"pageSize": pageSize,
	})
}

type classifySingleRequest struct {
	PayeeName string `json:"payeeName"`
}

type classifySingleResponse struct {
	PayeeName        string  `json:"payeeName"`
	CleanedName      string  `json:"cleanedName"`
	PayeeType        string  `json:"payeeType"`
	Confidence       float64 `json:"confidence"`
	SicCode          string  `json:"sicCode,omitempty"`
	SicDescription   string  `json:"sicDescription,omitempty"`
	Reasoning        string  `json:"reasoning,omitempty"`
	IsExcluded       bool    `json:"isExcluded"`
	ExclusionKeyword string  `json:"exclusionKeyword,omitempty"`
}

// handleClassifySingle classifies one name synchronously, bypassing the
// pipeline. The exclusion filter is consulted but does not suppress the
// classification.
func (s *Server) handleClassifySingle(w http.ResponseWriter, r *http.Request) {
	var req classifySingleRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.PayeeName == "" {
		WriteBadRequest(w, "payeeName is required")
		return
	}

	cleaned := cleanName(req.PayeeName)
	keyword, err := s.filter.Match(r.Context(), req.PayeeName)
	if err != nil {
		s.logger.WarnContext(r.Context(), "exclusion check failed", "error", err)
	}

	res, err := s.classifier.Classify(r.Context(), cleaned)
	if err != nil {
		WriteError(w, http.StatusBadGateway, "Classifier Unavailable", "classification failed; try again later")
		return
	}
	writeJSON(w, http.StatusOK, classifySingleResponse{
		PayeeName:        req.PayeeName,
		CleanedName:      cleaned,
		PayeeType:        string(res.PayeeType),
		Confidence:       res.Confidence,
		SicCode:          res.SicCode,
		SicDescription:   res.SicDescription,
		Reasoning:        res.Reasoning,
		IsExcluded:       keyword != "",
		ExclusionKeyword: keyword,
	})
}
