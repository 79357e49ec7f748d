package email

import (
	"context"
	"log"
	"sync"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/EFForg/portal-access/models"
)

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, to string, kind models.NotificationKind, token string) error
}

type job struct {
	to    string
	kind  models.NotificationKind
	token string
}

// Queue sends notifications in the background so that request handlers
// never wait on SMTP. It implements models.Notifier.
type Queue struct {
	sender  Sender
	jobs    chan job
	timeout time.Duration
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewQueue returns a Queue holding up to size pending messages. Call Run
// exactly once to start delivering.
func NewQueue(sender Sender, size int) *Queue {
	q := &Queue{
		sender:  sender,
		jobs:    make(chan job, size),
		timeout: 30 * time.Second,
	}
	q.wg.Add(1)
	return q
}

// Send enqueues a message. It fails if the queue is full or has shut down.
func (q *Queue) Send(ctx context.Context, to string, kind models.NotificationKind, token string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errors.Wrapf(models.ErrUpstreamNotify, "email queue stopped, dropping %s for %s", kind, to)
	}
	select {
	case q.jobs <- job{to: to, kind: kind, token: token}:
		return nil
	default:
		return errors.Wrapf(models.ErrUpstreamNotify, "email queue full, dropping %s for %s", kind, to)
	}
}

// Run delivers queued messages until ctx is done, then stops accepting new
// ones and flushes whatever is still queued.
func (q *Queue) Run(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case j := <-q.jobs:
			q.deliver(ctx, j)
		case <-ctx.Done():
			q.mu.Lock()
			q.closed = true
			q.mu.Unlock()
			q.flush()
			return
		}
	}
}

// Wait blocks until Run has returned.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) flush() {
	for {
		select {
		case j := <-q.jobs:
			q.deliver(context.Background(), j)
		default:
			return
		}
	}
}

func (q *Queue) deliver(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	if err := q.sender.Send(ctx, j.to, j.kind, j.token); err != nil {
		log.Printf("[email] couldn't send %s email: %v", j.kind, err)
		raven.CaptureError(err, map[string]string{"notification": string(j.kind)})
	}
}
