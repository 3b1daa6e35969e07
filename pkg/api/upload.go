package api

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerworks/payeeflow/pkg/contracts"
	"github.com/ledgerworks/payeeflow/pkg/normalize"
)

const maxUploadBytes = 32 << 20

// payeeColumnGuesses are header names tried, in order, when the upload does
// not name its payee column.
var payeeColumnGuesses = []string{"payee", "payee name", "payee_name", "name", "vendor", "supplier"}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		WriteBadRequest(w, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		WriteBadRequest(w, "file field is required")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if len(data) > maxUploadBytes {
		WriteError(w, http.StatusRequestEntityTooLarge, "File Too Large", "upload exceeds the size limit")
		return
	}

	colMap := map[string]string{}
	for part, field := range map[string]string{
		"address":    "addressColumn",
		"city":       "cityColumn",
		"state":      "stateColumn",
		"postalCode": "postalCodeColumn",
	} {
		if v := r.FormValue(field); v != "" {
			colMap[part] = v
		}
	}

	rows, err := parseUpload(data, r.FormValue("payeeColumn"), colMap)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if len(rows) == 0 {
		WriteBadRequest(w, "no payee rows found in upload")
		return
	}

	stages := s.defaultStages
	if raw := r.FormValue("stages"); raw != "" {
		stages, err = parseStages(raw)
		if err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
	}

	fileHash, err := s.files.Put(r.Context(), data)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	now := time.Now().UTC()
	batch := &contracts.Batch{
		ID:               uuid.NewString(),
		OriginalName:     header.Filename,
		StoredName:       fileHash,
		FileHash:         fileHash,
		Status:           contracts.BatchPending,
		TotalRecords:     len(rows),
		EnabledStages:    stages,
		AddressColumnMap: colMap,
		Stages:           map[contracts.Stage]*contracts.StageProgress{},
		CreatedAt:        now,
	}
	for _, st := range stages {
		batch.Stages[st] = &contracts.StageProgress{Status: contracts.StagePending, Total: len(rows)}
	}

	records := make([]*contracts.Record, 0, len(rows))
	for _, row := range rows {
		rec := &contracts.Record{
			ID:              uuid.NewString(),
			BatchID:         batch.ID,
			OriginalName:    row.name,
			CleanedName:     normalize.Name(row.name),
			OriginalPayload: row.payload,
			Address:         row.address["address"],
			City:            row.address["city"],
			State:           row.address["state"],
			PostalCode:      row.address["postalCode"],
			Stages:          map[contracts.Stage]*contracts.StageState{},
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		for _, st := range stages {
			rec.Stages[st] = &contracts.StageState{Status: contracts.StagePending, UpdatedAt: now}
		}
		records = append(records, rec)
	}

	if err := s.store.CreateBatch(r.Context(), batch); err != nil {
		WriteInternal(w, err)
		return
	}
	if err := s.store.CreateRecords(r.Context(), records); err != nil {
		WriteInternal(w, err)
		return
	}
	if err := s.queue.Enqueue(batch.ID); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "Queue Full", "the system is busy; retry shortly")
		return
	}

	s.logger.InfoContext(r.Context(), "batch uploaded",
		"batch", batch.ID, "file", header.Filename, "records", len(rows))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"batchId": batch.ID,
		"status":  string(batch.Status),
	})
}

type uploadRow struct {
	name    string
	address map[string]string
	payload map[string]string
}

// parseUpload reads the CSV, locates the payee column and extracts one row
// per non-empty payee name. Address parts come from the column map when the
// upload provides one.
func parseUpload(data []byte, payeeColumn string, colMap map[string]string) ([]uploadRow, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("upload is not a readable CSV: %v", err)
	}
	index := make(map[string]int, len(header))
	for i, col := range header {
		index[strings.ToLower(strings.TrimSpace(col))] = i
	}

	payeeIdx := -1
	if payeeColumn != "" {
		idx, ok := index[strings.ToLower(strings.TrimSpace(payeeColumn))]
		if !ok {
			return nil, fmt.Errorf("payee column %q not found in upload", payeeColumn)
		}
		payeeIdx = idx
	} else {
		for _, guess := range payeeColumnGuesses {
			if idx, ok := index[guess]; ok {
				payeeIdx = idx
				break
			}
		}
		if payeeIdx < 0 {
			return nil, fmt.Errorf("could not identify a payee column; pass payeeColumn explicitly")
		}
	}

	addrIdx := map[string]int{}
	for part, col := range colMap {
		if idx, ok := index[strings.ToLower(strings.TrimSpace(col))]; ok {
			addrIdx[part] = idx
		}
	}

	var rows []uploadRow
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed CSV row: %v", err)
		}
		if payeeIdx >= len(rec) {
			continue
		}
		name := strings.TrimSpace(rec[payeeIdx])
		if name == "" {
			continue
		}

		payload := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				payload[col] = rec[i]
			}
		}
		addr := map[string]string{}
		for part, idx := range addrIdx {
			if idx < len(rec) {
				addr[part] = strings.TrimSpace(rec[idx])
			}
		}
		rows = append(rows, uploadRow{name: name, address: addr, payload: payload})
	}
	return rows, nil
}

func parseStages(raw string) ([]contracts.Stage, error) {
	var stages []contracts.Stage
	seen := map[contracts.Stage]bool{}
	for _, part := range strings.Split(raw, ",") {
		stage := contracts.Stage(strings.TrimSpace(strings.ToLower(part)))
		valid := false
		for _, known := range contracts.AllStages {
			if stage == known {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("unknown stage %q", part)
		}
		if !seen[stage] {
			seen[stage] = true
			stages = append(stages, stage)
		}
	}
	// Classification always runs; it anchors every other stage.
	if !seen[contracts.StageClassification] {
		stages = append([]contracts.Stage{contracts.StageClassification}, stages...)
	}
	return stages, nil
}

func cleanName(raw string) string { return normalize.Name(raw) }

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}
