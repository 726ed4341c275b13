package rpcproxy_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	rpcproxy "github.com/JohnPlummer/jp-go-rpcproxy"
)

// faultedChannel reports a faulted state from the start.
type faultedChannel struct {
	client Calculator
}

func (c *faultedChannel) Client() Calculator               { return c.client }
func (c *faultedChannel) State() rpcproxy.ConnectionState { return rpcproxy.StateFaulted }
func (c *faultedChannel) Close() error                     { return nil }

var _ = Describe("Connections", func() {
	var (
		ctx     context.Context
		remote  *fakeCalculator
		factory *countingFactory[Calculator]
	)

	BeforeEach(func() {
		ctx = context.Background()
		remote = &fakeCalculator{}
		factory = newCountingFactory[Calculator](remote)
	})

	newClient := func(f rpcproxy.ConnectionFactory[Calculator], opts ...rpcproxy.Option) *rpcproxy.Client[Calculator] {
		base := []rpcproxy.Option{
			rpcproxy.WithLogger(quietLogger()),
			rpcproxy.WithConstantDelay(time.Millisecond),
		}
		client, err := rpcproxy.New[Calculator](f, append(base, opts...)...)
		Expect(err).NotTo(HaveOccurred())
		return client
	}

	It("opens one connection per call and closes it afterwards", func() {
		client := newClient(factory)

		_, err := client.Invoke(ctx, "Add", 1, 2)
		Expect(err).NotTo(HaveOccurred())
		_, err = client.Invoke(ctx, "Add", 3, 4)
		Expect(err).NotTo(HaveOccurred())

		Expect(factory.opens.Load()).To(Equal(int32(2)))
		Expect(factory.closes.Load()).To(Equal(int32(2)))
	})

	It("keeps the connection across retries of non-transport failures", func() {
		attempts := 0
		remote.addFunc = func(ctx context.Context, a, b int) (int, error) {
			attempts++
			if attempts < 3 {
				return 0, &busyError{}
			}
			return a + b, nil
		}
		client := newClient(factory,
			rpcproxy.WithMaxRetries(3),
			rpcproxy.RetryOnError[*busyError](nil),
		)

		_, err := client.Invoke(ctx, "Add", 1, 2)

		Expect(err).NotTo(HaveOccurred())
		Expect(factory.opens.Load()).To(Equal(int32(1)))
		Expect(factory.closes.Load()).To(Equal(int32(1)))
	})

	It("replaces the connection after a transient transport fault", func() {
		attempts := 0
		remote.addFunc = func(ctx context.Context, a, b int) (int, error) {
			attempts++
			if attempts == 1 {
				return 0, rpcproxy.NewCommunicationError("recv", errors.New("connection reset"))
			}
			return a + b, nil
		}
		client := newClient(factory)

		sum, err := rpcproxy.Call[int](ctx, client, "Add", 1, 2)

		Expect(err).NotTo(HaveOccurred())
		Expect(sum).To(Equal(3))
		Expect(factory.opens.Load()).To(Equal(int32(2)))
		Expect(factory.closes.Load()).To(Equal(int32(2)))
	})

	It("closes the connection when the call fails", func() {
		remote.addFunc = func(ctx context.Context, a, b int) (int, error) {
			return 0, errors.New("boom")
		}
		client := newClient(factory)

		_, err := client.Invoke(ctx, "Add", 1, 2)

		Expect(err).To(MatchError("boom"))
		Expect(factory.closes.Load()).To(Equal(factory.opens.Load()))
	})

	It("returns factory errors that are not retryable", func() {
		factory.openErr = errors.New("no credentials")
		client := newClient(factory)

		_, err := client.Invoke(ctx, "Add", 1, 2)

		Expect(err).To(MatchError("no credentials"))
		Expect(factory.opens.Load()).To(Equal(int32(1)))
		Expect(remote.getCallCount()).To(BeZero())
	})

	It("retries factory errors that are transport faults", func() {
		factory.openErr = rpcproxy.NewCommunicationError("dial", errors.New("connection refused"))
		client := newClient(factory, rpcproxy.WithMaxRetries(2))

		_, err := client.Invoke(ctx, "Add", 1, 2)

		Expect(errors.Is(err, rpcproxy.ErrRetryExhausted)).To(BeTrue())
		var commErr *rpcproxy.CommunicationError
		Expect(errors.As(err, &commErr)).To(BeTrue())
		Expect(factory.opens.Load()).To(Equal(int32(3)))
	})

	It("treats a channel that is not open as a faulted connection", func() {
		opens := 0
		f := rpcproxy.ConnectionFactoryFunc[Calculator](func(context.Context) (rpcproxy.Channel[Calculator], error) {
			opens++
			return &faultedChannel{client: remote}, nil
		})
		client := newClient(f, rpcproxy.WithMaxRetries(1))

		_, err := client.Invoke(ctx, "Add", 1, 2)

		Expect(errors.Is(err, rpcproxy.ErrConnectionFaulted)).To(BeTrue())
		Expect(opens).To(Equal(2))
		Expect(remote.getCallCount()).To(BeZero())
	})

	It("treats a nil channel client as a faulted connection", func() {
		client := newClient(rpcproxy.StaticFactory[Calculator](nil), rpcproxy.WithMaxRetries(0))

		_, err := client.Invoke(ctx, "Add", 1, 2)

		Expect(errors.Is(err, rpcproxy.ErrConnectionFaulted)).To(BeTrue())
	})

	Describe("ConnectionState", func() {
		It("has string names", func() {
			Expect(rpcproxy.StateOpen.String()).To(Equal("open"))
			Expect(rpcproxy.StateFaulted.String()).To(Equal("faulted"))
			Expect(rpcproxy.StateClosed.String()).To(Equal("closed"))
			Expect(rpcproxy.ConnectionState(9).String()).To(Equal("unknown"))
		})
	})

	Describe("StaticChannel", func() {
		It("is always open", func() {
			ch := rpcproxy.NewStaticChannel[Calculator](remote)

			Expect(ch.Close()).To(Succeed())
			Expect(ch.State()).To(Equal(rpcproxy.StateOpen))
			Expect(ch.Client()).To(BeIdenticalTo(remote))
		})
	})
})
