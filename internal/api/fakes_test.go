package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/email"
	"github.com/sungwon/mail-dispatch/internal/msgstore"
	"github.com/sungwon/mail-dispatch/internal/scheduler"
	"github.com/sungwon/mail-dispatch/internal/storage"
)

type fakeAccounts struct {
	accounts map[string]*storage.Account
	err      error
	touched  []int64
}

func (f *fakeAccounts) FindByAPIKey(_ context.Context, key string) (*storage.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	a, ok := f.accounts[key]
	if !ok {
		return nil, storage.ErrAccountNotFound
	}
	return a, nil
}

func (f *fakeAccounts) TouchLastUsed(_ context.Context, id int64) error {
	f.touched = append(f.touched, id)
	return nil
}

type fakeRecordStore struct {
	records   map[int64]*email.Record
	nextID    int64
	lastQuery storage.QuerySpec
	createErr error
	counts    map[email.Status]int

	// beforeUpdate runs between a handler's load and its write, letting a
	// test move the record on concurrently.
	beforeUpdate func(rec *email.Record)
}

func newFakeRecordStore(recs ...*email.Record) *fakeRecordStore {
	f := &fakeRecordStore{records: map[int64]*email.Record{}, nextID: 100}
	for _, r := range recs {
		f.records[r.ID] = r
	}
	return f
}

func (f *fakeRecordStore) Create(_ context.Context, rec *email.Record) error {
	if f.createErr != nil {
		return f.createErr
	}
	if rec.MaxRetries == 0 {
		rec.MaxRetries = email.DefaultMaxRetries
	}
	f.nextID++
	rec.ID = f.nextID
	cp := *rec
	f.records[rec.ID] = &cp
	return nil
}

func (f *fakeRecordStore) Get(_ context.Context, accountID, id int64) (*email.Record, error) {
	rec, ok := f.records[id]
	if !ok || (accountID != storage.RootAccountID && rec.AccountID != accountID) {
		return nil, email.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRecordStore) Update(_ context.Context, id int64, u email.Update) error {
	rec, ok := f.records[id]
	if !ok {
		return email.ErrNotFound
	}
	if f.beforeUpdate != nil {
		f.beforeUpdate(rec)
	}
	if !u.Allows(rec.Status) {
		return email.ErrStatusConflict
	}
	u.Apply(rec)
	return nil
}

func (f *fakeRecordStore) List(_ context.Context, q storage.QuerySpec) (storage.Page, error) {
	f.lastQuery = q
	var out []*email.Record
	for _, r := range f.records {
		if q.AccountID != storage.RootAccountID && r.AccountID != q.AccountID {
			continue
		}
		out = append(out, r)
	}
	return storage.Page{Records: out, Total: len(out), Page: 1, PerPage: 10, TotalPages: 1}, nil
}

func (f *fakeRecordStore) CountByStatus(context.Context, int64) (map[email.Status]int, error) {
	return f.counts, nil
}

type fakeTemplateStore struct {
	templates map[int64]*email.Template
	nextID    int64
	duplicate bool
}

func (f *fakeTemplateStore) Get(_ context.Context, accountID, id int64) (*email.Template, error) {
	t, ok := f.templates[id]
	if !ok || (accountID != storage.RootAccountID && t.AccountID != accountID) {
		return nil, email.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTemplateStore) GetByCode(_ context.Context, accountID int64, code string) (*email.Template, error) {
	for _, t := range f.templates {
		if t.AccountID == accountID && t.Code == code {
			cp := *t
			return &cp, nil
		}
	}
	return nil, email.ErrNotFound
}

func (f *fakeTemplateStore) List(_ context.Context, accountID int64, status email.TemplateStatus, search string) ([]*email.Template, error) {
	out := []*email.Template{}
	for _, t := range f.templates {
		if accountID != storage.RootAccountID && t.AccountID != accountID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		if search != "" && !strings.Contains(t.Name, search) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTemplateStore) Create(_ context.Context, tpl *email.Template) error {
	if f.duplicate {
		return storage.ErrDuplicateCode
	}
	f.nextID++
	tpl.ID = f.nextID
	cp := *tpl
	f.templates[tpl.ID] = &cp
	return nil
}

func (f *fakeTemplateStore) Save(_ context.Context, tpl *email.Template) error {
	if _, ok := f.templates[tpl.ID]; !ok {
		return email.ErrNotFound
	}
	cp := *tpl
	f.templates[tpl.ID] = &cp
	return nil
}

func (f *fakeTemplateStore) Delete(_ context.Context, accountID, id int64) error {
	t, ok := f.templates[id]
	if !ok || (accountID != storage.RootAccountID && t.AccountID != accountID) {
		return email.ErrNotFound
	}
	delete(f.templates, id)
	return nil
}

type fakeBodies struct {
	bodies map[int64]string
	err    error
}

func (f *fakeBodies) Put(_ context.Context, id int64, body string) error {
	if f.err != nil {
		return f.err
	}
	f.bodies[id] = body
	return nil
}

func (f *fakeBodies) Get(_ context.Context, id int64) (string, error) {
	b, ok := f.bodies[id]
	if !ok {
		return "", msgstore.ErrNotFound
	}
	return b, nil
}

func (f *fakeBodies) Delete(_ context.Context, id int64) error {
	delete(f.bodies, id)
	return nil
}

type fakeActivity struct {
	entries map[int64][]email.ActivityLog
}

func (f *fakeActivity) ListForRecord(_ context.Context, id int64) ([]email.ActivityLog, error) {
	return f.entries[id], nil
}

// fakeDispatcher mirrors the scheduler hand-off against a fakeRecordStore.
type fakeDispatcher struct {
	records  *fakeRecordStore
	fail     bool
	enqueued []int64
	summary  scheduler.Summary
	runErr   error
}

func (f *fakeDispatcher) Enqueue(ctx context.Context, rec *email.Record) bool {
	f.enqueued = append(f.enqueued, rec.ID)
	if f.fail {
		_ = f.records.Update(ctx, rec.ID, email.HandOffFailed("Failed to push to queue"))
		return false
	}
	_ = f.records.Update(ctx, rec.ID, email.SetStatus(email.StatusQueued))
	rec.Status = email.StatusQueued
	return true
}

func (f *fakeDispatcher) ProcessPendingEmails(context.Context) (scheduler.Summary, error) {
	return f.summary, f.runErr
}

type fakeQueue struct{ depth int }

func (f fakeQueue) QueueCount(context.Context) int { return f.depth }

var errDBDown = errors.New("db down")

// testAPI bundles a router with its fakes. Account "root-key" signs as the
// root account, "acct-key" as account 7.
type testAPI struct {
	router    http.Handler
	records   *fakeRecordStore
	templates *fakeTemplateStore
	bodies    *fakeBodies
	dispatch  *fakeDispatcher
	accounts  *fakeAccounts
}

func newTestAPI(recs ...*email.Record) *testAPI {
	records := newFakeRecordStore(recs...)
	ta := &testAPI{
		records:   records,
		templates: &fakeTemplateStore{templates: map[int64]*email.Template{}, nextID: 10},
		bodies:    &fakeBodies{bodies: map[int64]string{}},
		dispatch:  &fakeDispatcher{records: records},
		accounts: &fakeAccounts{accounts: map[string]*storage.Account{
			"root-key":   {ID: 1, AccountID: storage.RootAccountID, APIKey: "root-key", APISecret: "root-secret", Active: true},
			"acct-key":   {ID: 2, AccountID: 7, APIKey: "acct-key", APISecret: "acct-secret", Active: true},
			"banned-key": {ID: 3, AccountID: 8, APIKey: "banned-key", APISecret: "banned-secret", Active: false},
		}},
	}
	ta.router = NewRouter(Deps{
		DB:       &fakeDB{},
		Accounts: ta.accounts,
		Emails: &EmailHandlers{
			Records:   records,
			Templates: ta.templates,
			Bodies:    ta.bodies,
			Activity:  &fakeActivity{entries: map[int64][]email.ActivityLog{}},
			Dispatch:  ta.dispatch,
			Queue:     fakeQueue{depth: 4},
		},
		Templates: ta.templates,
	}, Config{SignatureWindow: 5 * time.Minute}, zerolog.Nop())
	return ta
}

// do sends a request signed with key.
func (ta *testAPI) do(method, path, key, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		secret := ta.accounts.accounts[key].APISecret
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(HeaderAPIKey, key)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, Sign(secret, key, ts))
	}
	rec := httptest.NewRecorder()
	ta.router.ServeHTTP(rec, req)
	return rec
}
