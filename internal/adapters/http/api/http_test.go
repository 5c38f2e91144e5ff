package api_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/okian/receiptreward/internal/adapters/http/api"
	"github.com/okian/receiptreward/internal/domain/model"
	"github.com/okian/receiptreward/internal/domain/submission"
	"github.com/okian/receiptreward/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

const address = "0x2222222222222222222222222222222222222222"

type submitCall struct {
	token string
	raw   submission.RawSubmission
}

type mockSubmitter struct {
	mu    sync.Mutex
	out   model.Outcome
	err   error
	explode bool
	calls []submitCall
}

func (m *mockSubmitter) SubmitReceipt(_ context.Context, token string, raw submission.RawSubmission) (model.Outcome, error) {
	if m.explode {
		panic("boom")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, submitCall{token: token, raw: raw})
	return m.out, m.err
}

type mockStatsProvider struct {
	stats map[string]any
}

func (m *mockStatsProvider) GetStats() map[string]any {
	return m.stats
}

func body(image, addr, device, token string) string {
	b, _ := json.Marshal(map[string]string{
		"image":        image,
		"address":      addr,
		"deviceID":     device,
		"captchaToken": token,
	})
	return string(b)
}

func newMux(sub api.Submitter, opts ...api.Option) *http.ServeMux {
	server := api.NewServer(sub, &mockStatsProvider{stats: map[string]any{"started": true}}, opts...)
	mux := http.NewServeMux()
	server.Register(context.Background(), mux)
	return mux
}

func do(h http.Handler, method, path, payload string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(payload))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_Register(t *testing.T) {
	Convey("Given a new API server", t, func() {
		mux := newMux(&mockSubmitter{})

		Convey("When registering routes", func() {
			Convey("Then the health endpoint should report ok", func() {
				w := do(mux, http.MethodGet, "/healthz", "")
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, `"status":"ok"`)
			})

			Convey("And the stats endpoint should return provider stats", func() {
				w := do(mux, http.MethodGet, "/stats", "")
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, `"started":true`)
			})

			Convey("And the metrics endpoint should serve Prometheus text", func() {
				_ = do(mux, http.MethodGet, "/healthz", "")
				w := do(mux, http.MethodGet, "/metrics", "")
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, "receipt_rewards_http_requests_total")
			})

			Convey("And unsupported methods should be refused", func() {
				So(do(mux, http.MethodPost, "/stats", "").Code, ShouldEqual, http.StatusMethodNotAllowed)
				So(do(mux, http.MethodGet, "/submitReceipt", "").Code, ShouldEqual, http.StatusMethodNotAllowed)
			})
		})

		Convey("When registering on a nil mux", func() {
			server := api.NewServer(&mockSubmitter{}, &mockStatsProvider{})
			So(func() { server.Register(context.Background(), nil) }, ShouldPanic)
		})
	})
}

func TestSubmitReceipt(t *testing.T) {
	Convey("Given the submitReceipt endpoint", t, func() {
		image := []byte("\x89PNG\r\n\x1a\nreceipt")
		encoded := base64.StdEncoding.EncodeToString(image)
		sub := &mockSubmitter{out: model.Outcome{
			SubmissionID: "sub-1",
			Timestamp:    1700000000000,
			Approved:     true,
			RewardIssued: true,
			Verdict:      model.ValidationVerdict{ValidityFactor: 1, DescriptionOfAnalysis: "A receipt."},
		}}
		mux := newMux(sub)

		Convey("When a valid receipt is submitted", func() {
			w := do(mux, http.MethodPost, "/submitReceipt", body(encoded, address, "device-1", "token-1"))

			Convey("Then the full outcome should be returned", func() {
				So(w.Code, ShouldEqual, http.StatusOK)

				var resp map[string]any
				So(json.Unmarshal(w.Body.Bytes(), &resp), ShouldBeNil)
				So(resp["submissionId"], ShouldEqual, "sub-1")
				So(resp["approved"], ShouldEqual, true)
				So(resp["rewardIssued"], ShouldEqual, true)
				So(resp["timestamp"], ShouldEqual, 1700000000000.0)

				validation := resp["validation"].(map[string]any)
				So(validation["validityFactor"], ShouldEqual, 1.0)
				So(validation["descriptionOfAnalysis"], ShouldEqual, "A receipt.")
			})

			Convey("Then the decoded image and token should reach the submitter", func() {
				So(sub.calls, ShouldHaveLength, 1)
				So(sub.calls[0].token, ShouldEqual, "token-1")
				So(sub.calls[0].raw.Image, ShouldResemble, image)
				So(sub.calls[0].raw.Address, ShouldEqual, address)
				So(sub.calls[0].raw.DeviceID, ShouldEqual, "device-1")
			})
		})

		Convey("When the image is sent as a data URL", func() {
			w := do(mux, http.MethodPost, "/submitReceipt", body("data:image/png;base64,"+encoded, address, "device-1", ""))
			So(w.Code, ShouldEqual, http.StatusOK)
			So(sub.calls[0].raw.Image, ShouldResemble, image)
		})

		Convey("When the reward failed after approval", func() {
			sub.out.RewardIssued = false
			w := do(mux, http.MethodPost, "/submitReceipt", body(encoded, address, "device-1", ""))

			Convey("Then the request should still succeed", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, `"approved":true`)
				So(w.Body.String(), ShouldContainSubstring, `"rewardIssued":false`)
			})
		})

		Convey("When the body is not JSON", func() {
			w := do(mux, http.MethodPost, "/submitReceipt", "{not json")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(w.Body.String(), ShouldContainSubstring, `"code":"bad_request"`)
			So(sub.calls, ShouldBeEmpty)
		})

		Convey("When the image is not base64", func() {
			w := do(mux, http.MethodPost, "/submitReceipt", body("!!!", address, "device-1", ""))
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(sub.calls, ShouldBeEmpty)
		})

		Convey("When the image is missing", func() {
			w := do(mux, http.MethodPost, "/submitReceipt", body("", address, "device-1", ""))
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When the body exceeds the limit", func() {
			small := newMux(sub, api.WithMaxBodyBytes(64))
			w := do(small, http.MethodPost, "/submitReceipt", body(strings.Repeat("A", 200), address, "device-1", ""))

			So(w.Code, ShouldEqual, http.StatusRequestEntityTooLarge)
			So(w.Body.String(), ShouldContainSubstring, `"code":"payload_too_large"`)
		})

		cases := []struct {
			name   string
			err    error
			status int
			code   string
		}{
			{"an invalid submission", fmt.Errorf("%w: %w", submission.ErrInvalidSubmission, model.ErrInvalidAddress), http.StatusBadRequest, "invalid_submission"},
			{"a failed captcha", submission.ErrCaptchaFailed, http.StatusForbidden, "captcha_failed"},
			{"an exhausted quota", submission.ErrQuotaExceeded, http.StatusConflict, "quota_exceeded"},
			{"a duplicate receipt", submission.ErrDuplicateReceipt, http.StatusConflict, "duplicate_receipt"},
			{"a validation service failure", fmt.Errorf("%w: upstream 502", submission.ErrValidationService), http.StatusInternalServerError, "validation_service_error"},
			{"an unreachable ledger", fmt.Errorf("%w: dial tcp", submission.ErrLedgerUnavailable), http.StatusInternalServerError, "ledger_unavailable"},
			{"an unavailable guard", submission.ErrIdempotencyUnavailable, http.StatusInternalServerError, "idempotency_unavailable"},
			{"an unexpected error", errors.New("secret internal detail"), http.StatusInternalServerError, "internal_error"},
		}
		for _, tc := range cases {
			Convey("When the submitter fails with "+tc.name, func() {
				sub.err = tc.err
				w := do(mux, http.MethodPost, "/submitReceipt", body(encoded, address, "device-1", ""))

				So(w.Code, ShouldEqual, tc.status)
				So(w.Body.String(), ShouldContainSubstring, `"code":"`+tc.code+`"`)
				So(w.Body.String(), ShouldNotContainSubstring, "secret internal detail")
				So(w.Body.String(), ShouldNotContainSubstring, "validityFactor")

				exposed := do(mux, http.MethodGet, "/metrics", "").Body.String()
				So(exposed, ShouldContainSubstring, `error_type="`+tc.code+`"`)
			})
		}
	})
}

func TestWrap(t *testing.T) {
	Convey("Given the wrapped API", t, func() {
		sub := &mockSubmitter{}
		h := api.Wrap(newMux(sub), []string{"https://app.example"}, nil)

		Convey("When the browser sends a CORS preflight", func() {
			req := httptest.NewRequest(http.MethodOptions, "/submitReceipt", http.NoBody)
			req.Header.Set("Origin", "https://app.example")
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			req.Header.Set("Access-Control-Request-Headers", "Content-Type")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			Convey("Then the origin should be allowed", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Header().Get("Access-Control-Allow-Origin"), ShouldEqual, "https://app.example")
				So(w.Header().Get("Access-Control-Allow-Headers"), ShouldEqual, "Content-Type")
			})
		})

		Convey("When a handler panics", func() {
			sub.explode = true
			payload := body(base64.StdEncoding.EncodeToString([]byte("img")), address, "device-1", "")
			w := do(h, http.MethodPost, "/submitReceipt", payload)

			Convey("Then the panic should become a 500", func() {
				So(w.Code, ShouldEqual, http.StatusInternalServerError)
			})
		})
	})
}
