package redisdedupe_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/okian/receiptreward/internal/adapters/redisdedupe"
	"github.com/okian/receiptreward/internal/domain/dedupe"
	"github.com/okian/receiptreward/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

func TestRedisGuard(t *testing.T) {
	Convey("Given two replicas sharing one Redis", t, func() {
		ctx := context.Background()
		mr, err := miniredis.Run()
		So(err, ShouldBeNil)
		defer mr.Close()

		clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		a := redisdedupe.New(clientA, time.Hour)
		b := redisdedupe.New(clientB, time.Hour, redisdedupe.WithLocalCacheSize(10))
		defer func() { _ = a.Close(); _ = b.Close() }()

		fp := dedupe.Fingerprint([]byte("receipt"))

		Convey("When a fingerprint is recorded on one replica", func() {
			seen, err := a.SeenAndRecord(ctx, fp)
			So(err, ShouldBeNil)
			So(seen, ShouldBeFalse)

			Convey("Then the key should live in Redis with the TTL", func() {
				So(mr.Exists("receipt:fp:"+fp), ShouldBeTrue)
				So(mr.TTL("receipt:fp:"+fp), ShouldEqual, time.Hour)
				So(a.Size(), ShouldEqual, 1)
			})

			Convey("Then both replicas should report it as seen", func() {
				seenA, err := a.SeenAndRecord(ctx, fp)
				So(err, ShouldBeNil)
				So(seenA, ShouldBeTrue)

				seenB, err := b.SeenAndRecord(ctx, fp)
				So(err, ShouldBeNil)
				So(seenB, ShouldBeTrue)
			})

			Convey("Then unrecording should release it for every replica", func() {
				So(a.Unrecord(ctx, fp), ShouldBeNil)
				So(a.Size(), ShouldEqual, 0)

				seen, err := b.SeenAndRecord(ctx, fp)
				So(err, ShouldBeNil)
				So(seen, ShouldBeFalse)
			})

			Convey("Then it should be released once the TTL passes", func() {
				mr.FastForward(time.Hour + time.Second)

				seen, err := b.SeenAndRecord(ctx, fp)
				So(err, ShouldBeNil)
				So(seen, ShouldBeFalse)
			})

			Convey("Then Count should see it across replicas", func() {
				_, _ = b.SeenAndRecord(ctx, dedupe.Fingerprint([]byte("other")))
				n, err := a.Count(ctx)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 2)
			})
		})

		Convey("When Redis fails", func() {
			mr.SetError("ERR server down")

			Convey("Then recording should report the store unavailable", func() {
				_, err := a.SeenAndRecord(ctx, fp)
				So(errors.Is(err, dedupe.ErrUnavailable), ShouldBeTrue)
			})

			Convey("Then unrecording should report the store unavailable", func() {
				err := a.Unrecord(ctx, fp)
				So(errors.Is(err, dedupe.ErrUnavailable), ShouldBeTrue)
			})
		})

		Convey("When a custom key prefix is used", func() {
			c := redisdedupe.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 0, redisdedupe.WithKeyPrefix("test:"))
			defer func() { _ = c.Close() }()

			_, err := c.SeenAndRecord(ctx, fp)
			So(err, ShouldBeNil)
			So(mr.Exists("test:"+fp), ShouldBeTrue)
		})
	})
}

func TestDial(t *testing.T) {
	Convey("Given a Redis address", t, func() {
		ctx := context.Background()
		mr, err := miniredis.Run()
		So(err, ShouldBeNil)
		addr := mr.Addr()

		Convey("When Redis is up", func() {
			g, err := redisdedupe.Dial(ctx, addr, "", 0, time.Minute)
			So(err, ShouldBeNil)
			So(g.Close(), ShouldBeNil)
			mr.Close()
		})

		Convey("When Redis is down", func() {
			mr.Close()
			_, err := redisdedupe.Dial(ctx, addr, "", 0, time.Minute)
			So(errors.Is(err, dedupe.ErrUnavailable), ShouldBeTrue)
		})
	})
}
