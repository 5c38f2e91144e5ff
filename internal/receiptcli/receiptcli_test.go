package receiptcli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/okian/receiptreward/internal/domain/model"
	"github.com/okian/receiptreward/internal/receiptcli"
	"github.com/okian/receiptreward/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

const testAddress = "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"

func init() {
	_ = logger.Init()
}

func writeImage(t *testing.T, content []byte) string {
	path := filepath.Join(t.TempDir(), "receipt.png")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun(t *testing.T) {
	Convey("Given a receipt service", t, func() {
		var got receiptcli.SubmitRequest
		status := http.StatusOK
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			if status != http.StatusOK {
				_, _ = w.Write([]byte(`{"code":"quota_exceeded","message":"submission quota exceeded"}`))
				return
			}
			_, _ = w.Write([]byte(`{"submissionId":"sub-1","timestamp":42,"approved":true,"rewardIssued":true,` +
				`"validation":{"validityFactor":1,"descriptionOfAnalysis":"clear receipt"}}`))
		}))
		defer srv.Close()

		image := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
		cfg := &receiptcli.Config{
			BaseURL:      srv.URL + "/",
			ImagePath:    writeImage(t, image),
			Address:      testAddress,
			DeviceID:     "device-1",
			CaptchaToken: "token",
			Timeout:      5 * time.Second,
		}
		var out bytes.Buffer

		Convey("When the receipt is accepted", func() {
			err := receiptcli.Run(context.Background(), cfg, &out)

			Convey("Then the request should carry the image as a data url", func() {
				So(err, ShouldBeNil)
				So(got.Image, ShouldStartWith, "data:image/png;base64,")
				decoded, err := model.DecodeImage(got.Image)
				So(err, ShouldBeNil)
				So(decoded, ShouldResemble, image)
				So(got.Address, ShouldEqual, testAddress)
				So(got.DeviceID, ShouldEqual, "device-1")
				So(got.CaptchaToken, ShouldEqual, "token")
			})

			Convey("Then the outcome should be printed", func() {
				var printed receiptcli.Outcome
				So(json.Unmarshal(out.Bytes(), &printed), ShouldBeNil)
				So(printed.SubmissionID, ShouldEqual, "sub-1")
				So(printed.Approved, ShouldBeTrue)
				So(printed.RewardIssued, ShouldBeTrue)
				So(printed.Validation.DescriptionOfAnalysis, ShouldEqual, "clear receipt")
			})
		})

		Convey("When the service refuses the receipt", func() {
			status = http.StatusConflict
			err := receiptcli.Run(context.Background(), cfg, &out)

			Convey("Then the API error should be returned", func() {
				var apiErr *receiptcli.APIError
				So(errors.As(err, &apiErr), ShouldBeTrue)
				So(apiErr.Status, ShouldEqual, http.StatusConflict)
				So(apiErr.Code, ShouldEqual, "quota_exceeded")
				So(err.Error(), ShouldContainSubstring, "quota_exceeded")
				So(out.Len(), ShouldEqual, 0)
			})
		})

		Convey("When the address is malformed", func() {
			cfg.Address = "0x123"
			err := receiptcli.Run(context.Background(), cfg, &out)
			So(errors.Is(err, receiptcli.ErrUsage), ShouldBeTrue)
		})

		Convey("When a required flag is missing", func() {
			cfg.DeviceID = ""
			err := receiptcli.Run(context.Background(), cfg, &out)
			So(errors.Is(err, receiptcli.ErrUsage), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "-device")
		})

		Convey("When the image file does not exist", func() {
			cfg.ImagePath = filepath.Join(t.TempDir(), "missing.png")
			err := receiptcli.Run(context.Background(), cfg, &out)
			So(err, ShouldNotBeNil)
			So(errors.Is(err, receiptcli.ErrUsage), ShouldBeFalse)
		})
	})
}

func TestShowHelp(t *testing.T) {
	Convey("Given the help text", t, func() {
		var b strings.Builder
		receiptcli.ShowHelp(&b)

		Convey("Then it should document every flag", func() {
			for _, flag := range []string{"-url", "-image", "-address", "-device", "-captcha", "-timeout"} {
				So(b.String(), ShouldContainSubstring, flag)
			}
		})
	})
}
