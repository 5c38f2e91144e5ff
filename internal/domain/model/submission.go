// Package model contains domain models passed between layers.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// AddressLength is the length of an account address including the 0x prefix.
	AddressLength = 42
	// MaxDeviceIDLength bounds the client supplied device identifier.
	MaxDeviceIDLength = 256
)

// Submission is a single receipt validation attempt. It is immutable after
// construction: accessors return copies and there are no setters.
type Submission struct {
	id        string
	image     []byte
	address   string
	deviceID  string
	timestamp int64 // ms since epoch
}

// NewSubmission validates the raw fields and freezes them into a Submission
// stamped with at.
func NewSubmission(id string, image []byte, address, deviceID string, at time.Time) (*Submission, error) {
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}
	if err := ValidateAddress(address); err != nil {
		return nil, err
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" || len(deviceID) > MaxDeviceIDLength {
		return nil, fmt.Errorf("%w: length must be 1..%d", ErrInvalidDeviceID, MaxDeviceIDLength)
	}

	img := make([]byte, len(image))
	copy(img, image)

	return &Submission{
		id:        id,
		image:     img,
		address:   address,
		deviceID:  deviceID,
		timestamp: at.UnixMilli(),
	}, nil
}

func (s *Submission) ID() string       { return s.id }
func (s *Submission) Address() string  { return s.address }
func (s *Submission) DeviceID() string { return s.deviceID }
func (s *Submission) Timestamp() int64 { return s.timestamp }

// Image returns a copy of the encoded image.
func (s *Submission) Image() []byte {
	out := make([]byte, len(s.image))
	copy(out, s.image)
	return out
}

// ImageSize returns the size of the encoded image in bytes.
func (s *Submission) ImageSize() int { return len(s.image) }

// ValidateAddress checks that addr is a 0x-prefixed, 20-byte hex account
// address. Mixed-case addresses must carry a valid EIP-55 checksum.
func ValidateAddress(addr string) error {
	if len(addr) != AddressLength || !strings.HasPrefix(addr, "0x") {
		return fmt.Errorf("%w: want %d characters with 0x prefix", ErrInvalidAddress, AddressLength)
	}
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("%w: not hex", ErrInvalidAddress)
	}
	digits := addr[2:]
	mixed := digits != strings.ToLower(digits) && digits != strings.ToUpper(digits)
	if mixed && common.HexToAddress(addr).Hex() != addr {
		return fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	return nil
}
