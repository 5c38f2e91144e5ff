package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/okian/receiptreward/internal/domain/model"
	"github.com/okian/receiptreward/internal/domain/submission"
	"github.com/okian/receiptreward/pkg/logger"
)

// submitRequest mirrors the OpenAPI schema for POST /submitReceipt.
type submitRequest struct {
	Image        string `json:"image"`
	Address      string `json:"address"`
	DeviceID     string `json:"deviceID"`
	CaptchaToken string `json:"captchaToken"`
}

// submitResponse carries the full outcome. Validation keeps the legacy
// response key older clients read.
type submitResponse struct {
	SubmissionID string                  `json:"submissionId"`
	Timestamp    int64                   `json:"timestamp"`
	Approved     bool                    `json:"approved"`
	RewardIssued bool                    `json:"rewardIssued"`
	Validation   model.ValidationVerdict `json:"validation"`
}

// SubmitHandler handles receipt submissions.
type SubmitHandler struct {
	submitter    Submitter
	maxBodyBytes int64
	log          logger.Logger
}

// NewSubmitHandler creates a new submit handler.
func NewSubmitHandler(submitter Submitter, maxBodyBytes int64, log logger.Logger) *SubmitHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	if log == nil {
		log = logger.Named("api")
	}
	return &SubmitHandler{submitter: submitter, maxBodyBytes: maxBodyBytes, log: log}
}

// HandleSubmit handles POST /submitReceipt requests.
func (h *SubmitHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	const op = "api.submit_receipt"
	ctx := r.Context()

	if r.Method != http.MethodPost {
		writeError(w, NewKind(op, ErrMethod))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, WrapKind(op, ErrPayloadTooLarge, err))
			return
		}
		writeError(w, WrapKind(op, ErrBadRequest, err))
		return
	}

	image, err := model.DecodeImage(req.Image)
	if err != nil {
		writeError(w, WrapKind(op, ErrBadRequest, err))
		return
	}

	out, err := h.submitter.SubmitReceipt(ctx, req.CaptchaToken, submission.RawSubmission{
		Image:    image,
		Address:  req.Address,
		DeviceID: req.DeviceID,
	})
	if err != nil {
		f := writeError(w, err)
		if f.status >= http.StatusInternalServerError {
			h.log.Error(ctx, "submission failed", logger.String("code", f.code), logger.Error(err))
		} else {
			h.log.Info(ctx, "submission refused", logger.String("code", f.code), logger.Int("status", f.status))
		}
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		SubmissionID: out.SubmissionID,
		Timestamp:    out.Timestamp,
		Approved:     out.Approved,
		RewardIssued: out.RewardIssued,
		Validation:   out.Verdict,
	})
}
