package media

import (
	"context"
	"time"
)

// UnsupportedFormatSource fails fast on documents whose MIME type the LLM
// cannot describe. It sits before the budget gate so unsupported formats
// never drain budget.
type UnsupportedFormatSource struct {
	// Supported reports whether the LLM can describe the given MIME type.
	Supported func(mime string) bool
	Clock     func() time.Time
}

func (s *UnsupportedFormatSource) Get(_ context.Context, req Request) (*Record, error) {
	if req.Mime == "" || s.Supported(req.Mime) {
		return nil, nil
	}
	return &Record{
		UniqueID:       req.UniqueID,
		Status:         StatusUnsupportedFormat,
		Kind:           req.Kind,
		MimeType:       req.Mime,
		StickerSetName: req.StickerSetName,
		StickerName:    req.StickerName,
		FailureReason:  "mime type not supported by model",
		TS:             s.now(),
	}, nil
}

func (s *UnsupportedFormatSource) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// BudgetExhaustedSource gates the AI generator behind the per-tick budget.
// With budget available it consumes one unit and passes through; otherwise it
// terminates the chain with a budget_exhausted record.
type BudgetExhaustedSource struct {
	Budget *Budget
	Clock  func() time.Time
}

func (s *BudgetExhaustedSource) Get(_ context.Context, req Request) (*Record, error) {
	if s.Budget.TryConsume() {
		return nil, nil
	}
	now := time.Now()
	if s.Clock != nil {
		now = s.Clock()
	}
	return &Record{
		UniqueID:       req.UniqueID,
		Status:         StatusBudgetExhausted,
		Kind:           req.Kind,
		StickerSetName: req.StickerSetName,
		StickerName:    req.StickerName,
		Retryable:      true,
		TS:             now,
	}, nil
}
