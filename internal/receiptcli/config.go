package receiptcli

import (
	"errors"
	"time"
)

// ErrUsage reports missing or malformed command line input.
var ErrUsage = errors.New("usage error")

// Config holds the parameters of one submission.
type Config struct {
	BaseURL      string        // Base URL of the service
	ImagePath    string        // Receipt image file
	Address      string        // Wallet address to reward
	DeviceID     string        // Client device identifier
	CaptchaToken string        // Optional reCAPTCHA token
	Timeout      time.Duration // HTTP request timeout
}

// SubmitRequest mirrors the POST /submitReceipt body.
type SubmitRequest struct {
	Image        string `json:"image"`
	Address      string `json:"address"`
	DeviceID     string `json:"deviceID"`
	CaptchaToken string `json:"captchaToken,omitempty"`
}

// Verdict is the classifier judgment returned by the service.
type Verdict struct {
	ValidityFactor        float64 `json:"validityFactor"`
	DescriptionOfAnalysis string  `json:"descriptionOfAnalysis"`
}

// Outcome is the 200 response of POST /submitReceipt.
type Outcome struct {
	SubmissionID string  `json:"submissionId"`
	Timestamp    int64   `json:"timestamp"`
	Approved     bool    `json:"approved"`
	RewardIssued bool    `json:"rewardIssued"`
	Validation   Verdict `json:"validation"`
}

func (c *Config) validate() error {
	switch {
	case c.BaseURL == "":
		return errors.Join(ErrUsage, errors.New("-url is required"))
	case c.ImagePath == "":
		return errors.Join(ErrUsage, errors.New("-image is required"))
	case c.Address == "":
		return errors.Join(ErrUsage, errors.New("-address is required"))
	case c.DeviceID == "":
		return errors.Join(ErrUsage, errors.New("-device is required"))
	}
	return nil
}
