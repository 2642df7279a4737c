package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sungwon/mail-dispatch/internal/email"
	"github.com/sungwon/mail-dispatch/internal/msgstore"
	"github.com/sungwon/mail-dispatch/internal/queue"
	"github.com/sungwon/mail-dispatch/internal/sender"
)

var errStoreDown = errors.New("connection refused")

// fakeRecords is an in-memory RecordStore.
type fakeRecords struct {
	mu        sync.Mutex
	records   map[int64]*email.Record
	updates   []email.Update
	findErr   error
	updateErr func(u email.Update) error
	findCalls int
	findPanic bool

	// afterFind sees the stored record once Find has copied it out.
	afterFind func(rec *email.Record)
}

func newFakeRecords(recs ...*email.Record) *fakeRecords {
	f := &fakeRecords{records: map[int64]*email.Record{}}
	for _, r := range recs {
		f.records[r.ID] = r
	}
	return f
}

func (f *fakeRecords) Find(_ context.Context, id int64) (*email.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if f.findPanic {
		panic("driver exploded")
	}
	if f.findErr != nil {
		return nil, f.findErr
	}
	rec, ok := f.records[id]
	if !ok {
		return nil, email.ErrNotFound
	}
	cp := *rec
	if f.afterFind != nil {
		f.afterFind(rec)
	}
	return &cp, nil
}

func (f *fakeRecords) Update(_ context.Context, id int64, u email.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		if err := f.updateErr(u); err != nil {
			return err
		}
	}
	rec, ok := f.records[id]
	if !ok {
		return email.ErrNotFound
	}
	if !u.Allows(rec.Status) {
		return email.ErrStatusConflict
	}
	f.updates = append(f.updates, u)
	u.Apply(rec)
	return nil
}

func (f *fakeRecords) get(id int64) *email.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.records[id]
	return &cp
}

// statuses returns the status written by each update, in order.
func (f *fakeRecords) statuses() []email.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []email.Status
	for _, u := range f.updates {
		if u.Status != nil {
			out = append(out, *u.Status)
		}
	}
	return out
}

// fakeBodies is an in-memory body store that can fail a number of times.
type fakeBodies struct {
	bodies   map[int64]string
	failures int
	calls    int
}

func (f *fakeBodies) Put(_ context.Context, id int64, body string) error {
	f.bodies[id] = body
	return nil
}

func (f *fakeBodies) Get(_ context.Context, id int64) (string, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return "", errStoreDown
	}
	body, ok := f.bodies[id]
	if !ok {
		return "", msgstore.ErrNotFound
	}
	return body, nil
}

func (f *fakeBodies) Delete(_ context.Context, id int64) error {
	delete(f.bodies, id)
	return nil
}

type activityEntry struct {
	recordID int64
	status   string
	message  string
	details  string
}

type fakeActivity struct {
	entries []activityEntry
	err     error
}

func (f *fakeActivity) Append(_ context.Context, recordID int64, status, message, details string) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, activityEntry{recordID, status, message, details})
	return nil
}

func (f *fakeActivity) statuses() []string {
	out := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.status)
	}
	return out
}

type delayedPublish struct {
	rec   email.Record
	delay time.Duration
}

type fakePublisher struct {
	published []delayedPublish
	err       error
}

func (f *fakePublisher) PublishDelayed(_ context.Context, rec *email.Record, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, delayedPublish{rec: *rec, delay: delay})
	return nil
}

type fakeSender struct {
	sent   []*sender.Message
	sendFn func(msg *sender.Message) (*sender.Result, error)
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) Send(_ context.Context, msg *sender.Message) (*sender.Result, error) {
	f.sent = append(f.sent, msg)
	if f.sendFn != nil {
		return f.sendFn(msg)
	}
	return &sender.Result{ProviderMessageID: "msg-1@example.com"}, nil
}

type fakeLimiter struct {
	allowed bool
	err     error
	window  time.Duration
}

func (f *fakeLimiter) Allow(context.Context, int64) (bool, error) { return f.allowed, f.err }
func (f *fakeLimiter) Window() time.Duration                      { return f.window }

type fakePacer struct {
	waits int
	err   error
}

func (f *fakePacer) Wait(context.Context) error {
	f.waits++
	return f.err
}

// fakeAcker records how deliveries were settled.
type fakeAcker struct {
	acks     int
	requeues int
}

func (a *fakeAcker) Ack(uint64, bool) error { a.acks++; return nil }
func (a *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	if requeue {
		a.requeues++
	}
	return nil
}
func (a *fakeAcker) Reject(uint64, bool) error { return nil }

// fakeStream replays deliveries and then returns err.
type fakeStream struct {
	deliveries []*queue.Delivery
	err        error
}

func (s *fakeStream) Next(ctx context.Context) (*queue.Delivery, error) {
	if len(s.deliveries) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d := s.deliveries[0]
	s.deliveries = s.deliveries[1:]
	return d, nil
}
