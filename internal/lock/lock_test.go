package lock_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parleyhq/parley/internal/lock"
)

type recordingLocker struct {
	acquireFn func(ctx context.Context, key string, ttl time.Duration) (bool, error)
	acquired  []string
	released  []string
}

func (l *recordingLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.acquired = append(l.acquired, key)
	if l.acquireFn != nil {
		return l.acquireFn(ctx, key, ttl)
	}
	return true, nil
}

func (l *recordingLocker) Release(ctx context.Context, key string) error {
	l.released = append(l.released, key)
	return nil
}

var _ = Describe("WithLock", func() {
	var (
		ctx    context.Context
		locker *recordingLocker
	)

	BeforeEach(func() {
		ctx = context.Background()
		locker = &recordingLocker{}
	})

	It("runs the function while holding the lock and releases afterwards", func() {
		ran := false
		held, err := lock.WithLock(ctx, locker, "lock:conversation:1", time.Minute, func(ctx context.Context) error {
			ran = true
			Expect(locker.released).To(BeEmpty())
			return nil
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(held).To(BeTrue())
		Expect(ran).To(BeTrue())
		Expect(locker.released).To(Equal([]string{"lock:conversation:1"}))
	})

	It("skips the function when the lock is held elsewhere", func() {
		locker.acquireFn = func(ctx context.Context, key string, ttl time.Duration) (bool, error) {
			return false, nil
		}

		ran := false
		held, err := lock.WithLock(ctx, locker, "lock:conversation:1", time.Minute, func(ctx context.Context) error {
			ran = true
			return nil
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(held).To(BeFalse())
		Expect(ran).To(BeFalse())
		Expect(locker.released).To(BeEmpty())
	})

	It("releases the lock even when the function fails", func() {
		held, err := lock.WithLock(ctx, locker, "lock:conversation:1", time.Minute, func(ctx context.Context) error {
			return errors.New("turn blew up")
		})

		Expect(held).To(BeTrue())
		Expect(err).To(MatchError("turn blew up"))
		Expect(locker.released).To(Equal([]string{"lock:conversation:1"}))
	})

	It("propagates acquisition errors without running the function", func() {
		locker.acquireFn = func(ctx context.Context, key string, ttl time.Duration) (bool, error) {
			return false, errors.New("store down")
		}

		held, err := lock.WithLock(ctx, locker, "lock:conversation:1", time.Minute, func(ctx context.Context) error {
			Fail("function must not run")
			return nil
		})

		Expect(held).To(BeFalse())
		Expect(err).To(MatchError(ContainSubstring("store down")))
	})
})

var _ = Describe("ConversationKey", func() {
	It("namespaces the key by conversation id", func() {
		Expect(lock.ConversationKey(42)).To(Equal("lock:conversation:42"))
	})
})
