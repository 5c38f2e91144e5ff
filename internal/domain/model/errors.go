package model

import "errors"

// Validation errors for submission fields.
var (
	ErrEmptyImage      = errors.New("image is empty")
	ErrInvalidImage    = errors.New("image is not valid base64")
	ErrInvalidAddress  = errors.New("invalid account address")
	ErrInvalidDeviceID = errors.New("invalid device id")
)
