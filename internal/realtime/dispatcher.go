package realtime

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/campusline/school-backend/internal/api/metrics"
	"github.com/campusline/school-backend/internal/core/domain"
)

const (
	defaultWorkers = 4
	channelBuffer  = 256
)

// Deliverer pushes an encoded frame to an account's open connections.
type Deliverer interface {
	Deliver(accountID string, payload []byte) int
}

// Dispatcher routes notifications to a fixed set of workers using consistent
// hashing on the recipient account, guaranteeing per-account ordering.
type Dispatcher struct {
	workers []chan domain.Notification
	target  Deliverer
	now     func() time.Time
	log     zerolog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher with numWorkers sharded workers.
// If numWorkers <= 0, defaultWorkers is used.
func NewDispatcher(numWorkers int, target Deliverer, log zerolog.Logger) *Dispatcher {
	if numWorkers <= 0 {
		numWorkers = defaultWorkers
	}
	d := &Dispatcher{
		workers: make([]chan domain.Notification, numWorkers),
		target:  target,
		now:     time.Now,
		log:     log.With().Str("component", "notification_dispatcher").Logger(),
	}
	for i := range d.workers {
		d.workers[i] = make(chan domain.Notification, channelBuffer)
	}
	return d
}

// Start launches all worker goroutines. Workers stop when ctx is cancelled;
// Start returns immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, ch := range d.workers {
		d.wg.Add(1)
		go d.runWorker(ctx, i, ch)
	}
}

// Wait blocks until every worker has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Enqueue hands n to the worker responsible for its recipient without
// blocking. A full worker channel yields domain.ErrQueueFull.
func (d *Dispatcher) Enqueue(n domain.Notification) error {
	idx := d.shardIndex(n.AccountID)
	select {
	case d.workers[idx] <- n:
		metrics.NotificationsQueueDepth.WithLabelValues(strconv.Itoa(idx)).Inc()
		return nil
	default:
		metrics.NotificationsDeliveredTotal.WithLabelValues("dropped").Inc()
		return domain.ErrQueueFull
	}
}

// shardIndex maps an account id deterministically to a worker index.
func (d *Dispatcher) shardIndex(accountID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	return int(h.Sum32() % uint32(len(d.workers)))
}

func (d *Dispatcher) runWorker(ctx context.Context, id int, ch <-chan domain.Notification) {
	defer d.wg.Done()
	depth := metrics.NotificationsQueueDepth.WithLabelValues(strconv.Itoa(id))

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-ch:
			depth.Dec()
			d.deliver(id, n)
		}
	}
}

func (d *Dispatcher) deliver(worker int, n domain.Notification) {
	frame, err := encode(TypeNotification, n.ID, n, d.now())
	if err != nil {
		metrics.NotificationsDeliveredTotal.WithLabelValues("dropped").Inc()
		d.log.Error().Err(err).
			Str("notification_id", n.ID).
			Int("worker_id", worker).
			Msg("notification encoding failed")
		return
	}

	if recipients := d.target.Deliver(n.AccountID, frame); recipients == 0 {
		metrics.NotificationsDeliveredTotal.WithLabelValues("no_recipient").Inc()
		d.log.Debug().Str("account_id", n.AccountID).Str("notification_id", n.ID).Msg("no open connection for notification")
		return
	}
	metrics.NotificationsDeliveredTotal.WithLabelValues("delivered").Inc()
}
