package pipeline

import (
	"context"

	"github.com/ledgerworks/payeeflow/pkg/address"
	"github.com/ledgerworks/payeeflow/pkg/classify"
	"github.com/ledgerworks/payeeflow/pkg/contracts"
	"github.com/ledgerworks/payeeflow/pkg/predict"
	"github.com/ledgerworks/payeeflow/pkg/supplier"
)

// ClassifyWorker runs the classifier capability for one record. Coerced
// answers (unrecognized payee type) still complete the stage, flagged for
// review; only transport failures beyond retry fail it.
type ClassifyWorker struct {
	classifier classify.Classifier
}

func NewClassifyWorker(c classify.Classifier) *ClassifyWorker {
	return &ClassifyWorker{classifier: c}
}

func (w *ClassifyWorker) Stage() contracts.Stage { return contracts.StageClassification }

func (w *ClassifyWorker) Process(ctx context.Context, rec *contracts.Record) (any, error) {
	res, err := w.classifier.Classify(ctx, rec.CleanedName)
	if err != nil {
		return nil, err
	}
	c := &contracts.Classification{
		PayeeType:      res.PayeeType,
		Confidence:     res.Confidence,
		SicCode:        res.SicCode,
		SicDescription: res.SicDescription,
		Reasoning:      res.Reasoning,
	}
	if res.Err != "" {
		c.ReviewStatus = "needs_review"
		if c.Reasoning == "" {
			c.Reasoning = res.Err
		} else {
			c.Reasoning += "; " + res.Err
		}
	}
	return c, nil
}

// SupplierWorker matches one record against the known-supplier catalog. The
// best match is persisted; no match above the confidence floor completes the
// stage with an empty match.
type SupplierWorker struct {
	matcher *supplier.Matcher
}

func NewSupplierWorker(m *supplier.Matcher) *SupplierWorker {
	return &SupplierWorker{matcher: m}
}

func (w *SupplierWorker) Stage() contracts.Stage { return contracts.StageSupplier }

func (w *SupplierWorker) Process(ctx context.Context, rec *contracts.Record) (any, error) {
	matches, err := w.matcher.BestMatches(ctx, rec.CleanedName)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return &contracts.SupplierMatch{}, nil
	}
	best := matches[0]
	return &contracts.SupplierMatch{
		SupplierID:      best.Supplier.SupplierID,
		SupplierName:    best.Supplier.Name,
		MatchConfidence: best.Confidence,
		MatchReasoning:  best.Reasoning,
	}, nil
}

// AddressWorker validates one record's postal address. Records without any
// address fields skip the stage.
type AddressWorker struct {
	validator address.Validator
}

func NewAddressWorker(v address.Validator) *AddressWorker {
	return &AddressWorker{validator: v}
}

func (w *AddressWorker) Stage() contracts.Stage { return contracts.StageAddress }

func (w *AddressWorker) Process(ctx context.Context, rec *contracts.Record) (any, error) {
	in := address.Input{
		Address:    rec.Address,
		City:       rec.City,
		State:      rec.State,
		PostalCode: rec.PostalCode,
	}
	if in.Empty() {
		return nil, &SkipError{Reason: "no address provided"}
	}
	return w.validator.Validate(ctx, in)
}

// PredictWorker runs the payment-outcome model over the record's accumulated
// enrichment. It tolerates missing upstream results; the feature payload just
// carries less signal.
type PredictWorker struct {
	predictor predict.Predictor
}

func NewPredictWorker(p predict.Predictor) *PredictWorker {
	return &PredictWorker{predictor: p}
}

func (w *PredictWorker) Stage() contracts.Stage { return contracts.StagePrediction }

func (w *PredictWorker) Process(ctx context.Context, rec *contracts.Record) (any, error) {
	data := predict.PayeeData{
		CleanedName: rec.CleanedName,
		PayeeType:   string(contracts.PayeeUnknown),
		State:       rec.State,
	}
	if rec.Classification != nil {
		data.PayeeType = string(rec.Classification.PayeeType)
		data.Confidence = rec.Classification.Confidence
		data.SicCode = rec.Classification.SicCode
	}
	if rec.ValidAddress != nil {
		data.HasValidAddress = rec.ValidAddress.ValidationStatus == "validated"
		if rec.ValidAddress.State != "" {
			data.State = rec.ValidAddress.State
		}
	}
	if rec.Merchant != nil {
		data.MerchantMatched = rec.Merchant.MatchStatus == contracts.MerchantMatch
		data.MCC = rec.Merchant.MCC
		data.SmallBusiness = rec.Merchant.SmallBusiness
	}
	return w.predictor.Predict(ctx, data)
}
