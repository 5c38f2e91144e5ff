package classifier_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/okian/receiptreward/internal/adapters/classifier"
	"github.com/okian/receiptreward/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

var pngImage = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

// fakeCompletions answers chat/completions with a scripted assistant message.
type fakeCompletions struct {
	content string
	status  int
	raw     string
	request map[string]any
	auth    string
	path    string
}

func (f *fakeCompletions) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.auth = r.Header.Get("Authorization")
	f.path = r.URL.Path
	_ = json.NewDecoder(r.Body).Decode(&f.request)

	if f.status != 0 {
		http.Error(w, "upstream exploded", f.status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if f.raw != "" {
		_, _ = w.Write([]byte(f.raw))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": f.content}},
		},
	})
}

func TestOpenAIClassifier(t *testing.T) {
	Convey("Given an OpenAI-compatible classifier", t, func() {
		ctx := context.Background()
		fake := &fakeCompletions{content: `{"validityFactor": 1, "descriptionOfAnalysis": "A grocery receipt."}`}
		srv := httptest.NewServer(fake)
		defer srv.Close()

		c, err := classifier.NewOpenAI(srv.URL+"/v1/", "sk-test", "gpt-4o")
		So(err, ShouldBeNil)

		Convey("When the model approves the receipt", func() {
			verdict, err := c.Validate(ctx, pngImage)

			Convey("Then the verdict should be returned unchanged", func() {
				So(err, ShouldBeNil)
				So(verdict.ValidityFactor, ShouldEqual, 1.0)
				So(verdict.DescriptionOfAnalysis, ShouldEqual, "A grocery receipt.")
			})

			Convey("Then the request should carry the image and credentials", func() {
				So(fake.path, ShouldEqual, "/v1/chat/completions")
				So(fake.auth, ShouldEqual, "Bearer sk-test")
				So(fake.request["model"], ShouldEqual, "gpt-4o")

				encoded, _ := json.Marshal(fake.request["messages"])
				So(string(encoded), ShouldContainSubstring, "data:image/png;base64,")
			})
		})

		Convey("When the model rejects the receipt", func() {
			fake.content = `{"validityFactor": 0, "descriptionOfAnalysis": "A cat."}`
			verdict, err := c.Validate(ctx, pngImage)

			So(err, ShouldBeNil)
			So(verdict.ValidityFactor, ShouldEqual, 0.0)
		})

		Convey("When the model wraps its answer in a code fence", func() {
			fake.content = "```json\n{\"validityFactor\": 1}\n```"
			verdict, err := c.Validate(ctx, pngImage)

			So(err, ShouldBeNil)
			So(verdict.ValidityFactor, ShouldEqual, 1.0)
		})

		Convey("When the answer lacks validityFactor", func() {
			fake.content = `{"descriptionOfAnalysis": "unsure"}`
			_, err := c.Validate(ctx, pngImage)

			Convey("Then it should fail as a malformed reply", func() {
				So(errors.Is(err, classifier.ErrMalformedReply), ShouldBeTrue)
			})
		})

		Convey("When validityFactor is not a number", func() {
			fake.content = `{"validityFactor": "yes"}`
			_, err := c.Validate(ctx, pngImage)
			So(errors.Is(err, classifier.ErrMalformedReply), ShouldBeTrue)
		})

		Convey("When the answer is not JSON", func() {
			fake.content = "It looks like a receipt to me."
			_, err := c.Validate(ctx, pngImage)
			So(errors.Is(err, classifier.ErrMalformedReply), ShouldBeTrue)
		})

		Convey("When the completion has no choices", func() {
			fake.raw = `{"choices": []}`
			_, err := c.Validate(ctx, pngImage)
			So(errors.Is(err, classifier.ErrMalformedReply), ShouldBeTrue)
		})

		Convey("When the service returns an error status", func() {
			fake.status = http.StatusTooManyRequests
			_, err := c.Validate(ctx, pngImage)

			Convey("Then it should fail as an upstream error", func() {
				So(errors.Is(err, classifier.ErrUpstream), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "429")
			})
		})

		Convey("When the context is already cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err := c.Validate(cctx, pngImage)

			So(errors.Is(err, classifier.ErrUpstream), ShouldBeTrue)
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
		})
	})
}

func TestStaticClassifier(t *testing.T) {
	Convey("Given a static classifier", t, func() {
		ctx := context.Background()

		Convey("When it is configured to approve", func() {
			c := classifier.NewStatic(1, classifier.WithLatencyRange(0, 0), classifier.WithDescription("looks fine"))
			verdict, err := c.Validate(ctx, []byte("img"))

			So(err, ShouldBeNil)
			So(verdict.ValidityFactor, ShouldEqual, 1.0)
			So(verdict.DescriptionOfAnalysis, ShouldEqual, "looks fine")
		})

		Convey("When it simulates latency", func() {
			c := classifier.NewStatic(0, classifier.WithLatencyRange(10*time.Millisecond, 20*time.Millisecond))
			start := time.Now()
			verdict, err := c.Validate(ctx, []byte("img"))

			So(err, ShouldBeNil)
			So(verdict.ValidityFactor, ShouldEqual, 0.0)
			So(time.Since(start), ShouldBeGreaterThanOrEqualTo, 10*time.Millisecond)
		})

		Convey("When the context expires during the simulated latency", func() {
			c := classifier.NewStatic(1, classifier.WithLatencyRange(time.Second, 2*time.Second))
			cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			defer cancel()
			_, err := c.Validate(cctx, []byte("img"))

			So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
		})

		Convey("When the image is empty", func() {
			c := classifier.NewStatic(1, classifier.WithLatencyRange(0, 0))
			_, err := c.Validate(ctx, nil)
			So(errors.Is(err, classifier.ErrMalformedReply), ShouldBeTrue)
		})
	})
}

func TestStripFencesViaReply(t *testing.T) {
	Convey("Given a reply with surrounding whitespace", t, func() {
		fake := &fakeCompletions{content: "\n  " + strings.Repeat(" ", 3) + `{"validityFactor": 1}` + "\n"}
		srv := httptest.NewServer(fake)
		defer srv.Close()

		c, err := classifier.NewOpenAI(srv.URL, "", "m")
		So(err, ShouldBeNil)
		verdict, err := c.Validate(context.Background(), pngImage)

		So(err, ShouldBeNil)
		So(verdict.ValidityFactor, ShouldEqual, 1.0)
		So(fake.auth, ShouldEqual, "")
	})
}
