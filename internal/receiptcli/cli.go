// Package receiptcli implements the submit-receipt operator tool.
package receiptcli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/okian/receiptreward/internal/domain/model"
	"github.com/okian/receiptreward/pkg/logger"
)

// Run submits the configured receipt and writes the outcome as JSON to out.
func Run(ctx context.Context, cfg *Config, out io.Writer) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := model.ValidateAddress(cfg.Address); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}

	image, err := os.ReadFile(cfg.ImagePath)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	if len(image) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrUsage, cfg.ImagePath)
	}

	log := logger.Get()
	log.Info(ctx, "submitting receipt",
		logger.String("url", cfg.BaseURL),
		logger.String("image", cfg.ImagePath),
		logger.String("mime", model.ImageMIME(image)),
		logger.Int("bytes", len(image)),
		logger.String("address", cfg.Address),
	)

	outcome, err := NewClient(cfg.BaseURL, cfg.Timeout).Submit(ctx, SubmitRequest{
		Image:        model.ImageDataURL(image),
		Address:      cfg.Address,
		DeviceID:     cfg.DeviceID,
		CaptchaToken: cfg.CaptchaToken,
	})
	if err != nil {
		return err
	}

	log.Info(ctx, "receipt judged",
		logger.String("submission_id", outcome.SubmissionID),
		logger.Bool("approved", outcome.Approved),
		logger.Bool("reward_issued", outcome.RewardIssued),
	)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(outcome)
}

// ShowHelp prints usage information for the submit-receipt tool.
func ShowHelp(w io.Writer) {
	_, _ = io.WriteString(w, `Receipt Submission Tool
=======================

Posts one receipt image to a running receipt service and prints the outcome.

Usage:
  go run ./cmd/submit-receipt [options]

Options:
  -url string
        Base URL of the service (default "http://localhost:9080")
  -image string
        Path to the receipt image (required)
  -address string
        Wallet address to reward, 0x followed by 40 hex digits (required)
  -device string
        Device identifier (required)
  -captcha string
        reCAPTCHA token, when the service verifies captcha
  -timeout duration
        HTTP request timeout (default 3m)
  -help
        Show this help message

Example:
  go run ./cmd/submit-receipt -image receipt.jpg \
      -address 0x71C7656EC7ab88b098defB751B7401B5f6d8976F -device laptop-1
`)
}
