package model_test

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	model "github.com/okian/receiptreward/internal/domain/model"
	"github.com/smartystreets/goconvey/convey"
)

const testAddress = "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"

// pngHeader is enough for content sniffing to report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestNewSubmission(t *testing.T) {
	convey.Convey("Given raw submission fields", t, func() {
		at := time.UnixMilli(1_700_000_000_123)

		convey.Convey("When all fields are valid", func() {
			image := []byte("receipt-bytes")
			s, err := model.NewSubmission("sub-1", image, testAddress, " device-1 ", at)

			convey.Convey("Then the submission should be stamped and frozen", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(s.ID(), convey.ShouldEqual, "sub-1")
				convey.So(s.Address(), convey.ShouldEqual, testAddress)
				convey.So(s.DeviceID(), convey.ShouldEqual, "device-1")
				convey.So(s.Timestamp(), convey.ShouldEqual, int64(1_700_000_000_123))
				convey.So(s.ImageSize(), convey.ShouldEqual, len(image))
			})

			convey.Convey("Then mutating the input or the accessor copy should not change it", func() {
				image[0] = 'X'
				got := s.Image()
				got[1] = 'Y'
				convey.So(string(s.Image()), convey.ShouldEqual, "receipt-bytes")
			})
		})

		convey.Convey("When the image is empty", func() {
			_, err := model.NewSubmission("sub-1", nil, testAddress, "d", at)
			convey.So(errors.Is(err, model.ErrEmptyImage), convey.ShouldBeTrue)
		})

		convey.Convey("When the device id is blank", func() {
			_, err := model.NewSubmission("sub-1", []byte("x"), testAddress, "   ", at)
			convey.So(errors.Is(err, model.ErrInvalidDeviceID), convey.ShouldBeTrue)
		})

		convey.Convey("When the device id is too long", func() {
			_, err := model.NewSubmission("sub-1", []byte("x"), testAddress, strings.Repeat("d", model.MaxDeviceIDLength+1), at)
			convey.So(errors.Is(err, model.ErrInvalidDeviceID), convey.ShouldBeTrue)
		})

		convey.Convey("When the address is invalid", func() {
			_, err := model.NewSubmission("sub-1", []byte("x"), "0x123", "d", at)
			convey.So(errors.Is(err, model.ErrInvalidAddress), convey.ShouldBeTrue)
		})
	})
}

func TestValidateAddress(t *testing.T) {
	convey.Convey("Given account addresses", t, func() {
		convey.So(model.ValidateAddress(testAddress), convey.ShouldBeNil)
		convey.So(model.ValidateAddress(strings.ToLower(testAddress)), convey.ShouldBeNil)
		convey.So(model.ValidateAddress("0x"+strings.ToUpper(testAddress[2:])), convey.ShouldBeNil)

		convey.Convey("Then malformed addresses should be rejected", func() {
			for _, addr := range []string{
				"",
				"71C7656EC7ab88b098defB751B7401B5f6d8976F",   // no prefix
				"0x71C7656EC7ab88b098defB751B7401B5f6d8976",  // short
				"0x71C7656EC7ab88b098defB751B7401B5f6d8976FF", // long
				"0xZZC7656EC7ab88b098defB751B7401B5f6d8976F", // not hex
				"0X71C7656EC7ab88b098defB751B7401B5f6d8976F", // upper prefix
				"0x71c7656EC7ab88b098defB751B7401B5f6d8976F", // bad checksum
			} {
				err := model.ValidateAddress(addr)
				convey.So(errors.Is(err, model.ErrInvalidAddress), convey.ShouldBeTrue)
			}
		})
	})
}

func TestVerdictApproval(t *testing.T) {
	convey.Convey("Given validation verdicts", t, func() {
		convey.Convey("Then only an exact factor of 1 is approved", func() {
			convey.So(model.ValidationVerdict{ValidityFactor: 1}.Approved(), convey.ShouldBeTrue)
			convey.So(model.ValidationVerdict{ValidityFactor: 0}.Approved(), convey.ShouldBeFalse)
			convey.So(model.ValidationVerdict{ValidityFactor: 0.99}.Approved(), convey.ShouldBeFalse)
			convey.So(model.ValidationVerdict{ValidityFactor: 0.7}.Approved(), convey.ShouldBeFalse)
			convey.So(model.ValidationVerdict{ValidityFactor: 1.5}.Approved(), convey.ShouldBeFalse)
		})
	})
}

func TestOutcomeEvent(t *testing.T) {
	convey.Convey("Given a submission and its outcome", t, func() {
		s, err := model.NewSubmission("sub-9", []byte("img"), testAddress, "dev-9", time.UnixMilli(42))
		convey.So(err, convey.ShouldBeNil)

		out := model.Outcome{
			SubmissionID: s.ID(),
			Timestamp:    s.Timestamp(),
			Approved:     true,
			Verdict:      model.ValidationVerdict{ValidityFactor: 1, DescriptionOfAnalysis: "ok"},
			RewardIssued: false,
		}
		ev := model.NewOutcomeEvent(s, out)

		convey.Convey("Then the event should carry the outcome and submitter", func() {
			convey.So(ev.SubmissionID, convey.ShouldEqual, "sub-9")
			convey.So(ev.Address, convey.ShouldEqual, testAddress)
			convey.So(ev.DeviceID, convey.ShouldEqual, "dev-9")
			convey.So(ev.Timestamp, convey.ShouldEqual, int64(42))
			convey.So(ev.Approved, convey.ShouldBeTrue)
			convey.So(ev.RewardIssued, convey.ShouldBeFalse)
			convey.So(ev.ValidityFactor, convey.ShouldEqual, 1.0)
		})
	})
}

func TestDecodeImage(t *testing.T) {
	convey.Convey("Given encoded images", t, func() {
		raw := base64.StdEncoding.EncodeToString(pngHeader)

		convey.Convey("When the image is raw base64", func() {
			b, err := model.DecodeImage(raw)
			convey.So(err, convey.ShouldBeNil)
			convey.So(b, convey.ShouldResemble, pngHeader)
		})

		convey.Convey("When the image is a data url", func() {
			b, err := model.DecodeImage("data:image/png;base64," + raw)
			convey.So(err, convey.ShouldBeNil)
			convey.So(b, convey.ShouldResemble, pngHeader)
		})

		convey.Convey("When the data url is not base64", func() {
			_, err := model.DecodeImage("data:image/png," + raw)
			convey.So(errors.Is(err, model.ErrInvalidImage), convey.ShouldBeTrue)
		})

		convey.Convey("When the payload is not base64", func() {
			_, err := model.DecodeImage("not base64!")
			convey.So(errors.Is(err, model.ErrInvalidImage), convey.ShouldBeTrue)
		})

		convey.Convey("When the image is empty", func() {
			_, err := model.DecodeImage("")
			convey.So(errors.Is(err, model.ErrEmptyImage), convey.ShouldBeTrue)
			_, err = model.DecodeImage("data:image/png;base64,")
			convey.So(errors.Is(err, model.ErrEmptyImage), convey.ShouldBeTrue)
		})

		convey.Convey("When round tripping through a data url", func() {
			url := model.ImageDataURL(pngHeader)
			convey.So(url, convey.ShouldStartWith, "data:image/png;base64,")
			b, err := model.DecodeImage(url)
			convey.So(err, convey.ShouldBeNil)
			convey.So(b, convey.ShouldResemble, pngHeader)
		})

		convey.Convey("When sniffing plain text", func() {
			convey.So(model.ImageMIME([]byte("hello")), convey.ShouldEqual, "text/plain")
		})
	})
}
