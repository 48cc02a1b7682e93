package claims

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"delivery-guard/internal/metrics"
	"delivery-guard/internal/models"
	"delivery-guard/internal/notification"
	"delivery-guard/internal/repository/memory"
	"delivery-guard/internal/storefront"
)

type flakyStorage struct {
	*memory.ObjectStore
	failOn int
	puts   int
}

func (f *flakyStorage) Put(ctx context.Context, path string, body io.Reader, size int64, contentType string) error {
	f.puts++
	if f.puts == f.failOn {
		return errors.New("bucket unavailable")
	}
	return f.ObjectStore.Put(ctx, path, body, size, contentType)
}

type recordingMailer struct {
	sent []notification.Email
	err  error
}

func (m *recordingMailer) Send(_ context.Context, e notification.Email) error {
	m.sent = append(m.sent, e)
	return m.err
}

type recordingIndexer struct {
	docs map[string]interface{}
}

func (r *recordingIndexer) IndexDocument(_ context.Context, _ string, id string, doc interface{}) error {
	if r.docs == nil {
		r.docs = map[string]interface{}{}
	}
	r.docs[id] = doc
	return nil
}

func photo(name string) File {
	return File{Name: name, ContentType: "image/jpeg", Data: []byte("jpeg-bytes")}
}

func validRequest() Request {
	guide := photo("guia.jpg")
	return Request{
		OrderID:           "order-1",
		WarehouseID:       "wh-1",
		InvoiceNumber:     "FV-100",
		ProductReference:  "REF-9",
		DefectiveQuantity: 2,
		Description:       "Caja aplastada",
		ClaimantName:      "Ana",
		ClaimantContact:   "+573001234567",
		Evidence:          []File{photo("a.jpg"), photo("b.jpg"), photo("c.jpg")},
		Guide:             &guide,
		Delivery:          DeliveryContext{QRID: "qr-1"},
	}
}

func TestCreateStoresTicketFilesAndComment(t *testing.T) {
	store := memory.NewStore()
	objects := memory.NewObjectStore()
	mailer := &recordingMailer{}
	indexer := &recordingIndexer{}
	c := NewCreator(store, objects, NewActorResolver("system-user", nil), mailer, "despachos@example.com").
		WithIndexer(indexer, "claims")

	res, err := c.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Ticket.Type != models.TicketTypeClaim || res.Ticket.Priority != models.TicketPriorityHigh {
		t.Errorf("unexpected ticket %+v", res.Ticket)
	}
	if len(res.EvidencePaths) != 3 || !strings.Contains(res.GuidePath, "guia-") {
		t.Errorf("unexpected paths %v %q", res.EvidencePaths, res.GuidePath)
	}
	if !strings.HasPrefix(res.EvidencePaths[0], "system-user/"+res.Ticket.ID+"/0-") {
		t.Errorf("evidence path not namespaced: %s", res.EvidencePaths[0])
	}
	if store.AttachmentCount() != 4 || len(objects.Paths()) != 4 {
		t.Errorf("expected 4 attachments and files, got %d and %d", store.AttachmentCount(), len(objects.Paths()))
	}
	if comments := store.Comments(res.Ticket.ID); len(comments) != 1 || !comments[0].Internal {
		t.Errorf("expected one internal comment, got %+v", comments)
	}
	if res.Ticket.Metadata["claimant_contact_masked"] != "*********4567" {
		t.Errorf("unexpected masked contact %q", res.Ticket.Metadata["claimant_contact_masked"])
	}

	c.Announce(context.Background(), res)
	if len(mailer.sent) != 1 || mailer.sent[0].To[0] != "despachos@example.com" {
		t.Errorf("expected dispatch mail, got %+v", mailer.sent)
	}
	if _, ok := indexer.docs[res.Ticket.ID]; !ok {
		t.Error("expected ticket to be indexed")
	}
}

func TestAnnounceCountsUndeliveredMail(t *testing.T) {
	tests := []struct {
		name    string
		mailer  notification.Mailer
		mailbox string
	}{
		{"smtp disabled", notification.LogMailer{}, "despachos@example.com"},
		{"no mailbox", &recordingMailer{}, ""},
		{"smtp error", &recordingMailer{err: errors.New("connection refused")}, "despachos@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCreator(memory.NewStore(), memory.NewObjectStore(), NewActorResolver("system-user", nil), tt.mailer, tt.mailbox)
			res, err := c.Create(context.Background(), validRequest())
			if err != nil {
				t.Fatalf("Create: %v", err)
			}

			counter := metrics.NotificationFailuresTotal.WithLabelValues("claims_mail")
			before := testutil.ToFloat64(counter)
			c.Announce(context.Background(), res)
			if got := testutil.ToFloat64(counter) - before; got != 1 {
				t.Errorf("claims_mail failures grew by %v, want 1", got)
			}
		})
	}
}

func TestCreateKeepsTextAsTyped(t *testing.T) {
	mailer := &recordingMailer{}
	c := NewCreator(memory.NewStore(), memory.NewObjectStore(), NewActorResolver("system-user", nil), mailer, "d@example.com")

	req := validRequest()
	req.InvoiceNumber = "  FV-1 A&B  "
	req.ProductReference = `REF "9"`
	req.Description = "Caja rota <lado B>"
	res, err := c.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := res.Ticket.Metadata["invoice_number"]; got != "FV-1 A&B" {
		t.Errorf("invoice_number = %q", got)
	}
	if got := res.Ticket.Metadata["product_reference"]; got != `REF "9"` {
		t.Errorf("product_reference = %q", got)
	}

	c.Announce(context.Background(), res)
	if len(mailer.sent) != 1 || !strings.Contains(mailer.sent[0].Body, "Caja rota <lado B>") {
		t.Errorf("mail body should carry the raw text, got %+v", mailer.sent)
	}
}

func TestCreateRollsBackOnUploadFailure(t *testing.T) {
	for _, failOn := range []int{1, 3, 4} {
		store := memory.NewStore()
		objects := &flakyStorage{ObjectStore: memory.NewObjectStore(), failOn: failOn}
		c := NewCreator(store, objects, NewActorResolver("system-user", nil), &recordingMailer{}, "d@example.com")

		if _, err := c.Create(context.Background(), validRequest()); err == nil {
			t.Fatalf("failOn=%d: expected error", failOn)
		}
		if store.TicketCount() != 0 || store.AttachmentCount() != 0 {
			t.Errorf("failOn=%d: %d tickets and %d attachments left", failOn, store.TicketCount(), store.AttachmentCount())
		}
		if paths := objects.Paths(); len(paths) != 0 {
			t.Errorf("failOn=%d: files left behind %v", failOn, paths)
		}
	}
}

func TestDiscardRemovesEverything(t *testing.T) {
	store := memory.NewStore()
	objects := memory.NewObjectStore()
	c := NewCreator(store, objects, NewActorResolver("system-user", nil), nil, "")

	res, err := c.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	c.Discard(context.Background(), res)
	if store.TicketCount() != 0 || store.AttachmentCount() != 0 || len(objects.Paths()) != 0 {
		t.Error("discard left state behind")
	}
}

func TestCreateValidation(t *testing.T) {
	c := NewCreator(memory.NewStore(), memory.NewObjectStore(), NewActorResolver("system-user", nil), nil, "")

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing guide", func(r *Request) { r.Guide = nil }},
		{"zero quantity", func(r *Request) { r.DefectiveQuantity = 0 }},
		{"missing invoice", func(r *Request) { r.InvoiceNumber = " " }},
		{"bad content type", func(r *Request) { r.Evidence[0].ContentType = "text/html" }},
		{"empty file", func(r *Request) { r.Evidence[1].Data = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := c.Create(context.Background(), req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

type fakeDirectory struct {
	superadmin, profile, authUser string
	calls                         int
}

func (d *fakeDirectory) EarliestProfileWithRole(context.Context, string) (string, error) {
	d.calls++
	return orNotFound(d.superadmin)
}

func (d *fakeDirectory) AnyProfile(context.Context) (string, error) {
	d.calls++
	return orNotFound(d.profile)
}

func (d *fakeDirectory) AnyAuthUser(context.Context) (string, error) {
	d.calls++
	return orNotFound(d.authUser)
}

func orNotFound(id string) (string, error) {
	if id == "" {
		return "", storefront.ErrNotFound
	}
	return id, nil
}

func TestActorResolverChain(t *testing.T) {
	tests := []struct {
		name string
		cfg  string
		dir  *fakeDirectory
		want string
		err  error
	}{
		{"configured wins", "cfg-user", &fakeDirectory{superadmin: "sa"}, "cfg-user", nil},
		{"superadmin", "", &fakeDirectory{superadmin: "sa", profile: "p"}, "sa", nil},
		{"any profile", "", &fakeDirectory{profile: "p", authUser: "u"}, "p", nil},
		{"auth user", "", &fakeDirectory{authUser: "u"}, "u", nil},
		{"nothing", "", &fakeDirectory{}, "", ErrNoSystemActor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewActorResolver(tt.cfg, tt.dir).Resolve(context.Background())
			if !errors.Is(err, tt.err) || got != tt.want {
				t.Fatalf("got %q, %v; want %q, %v", got, err, tt.want, tt.err)
			}
		})
	}
}

func TestActorResolverCachesFallback(t *testing.T) {
	dir := &fakeDirectory{profile: "p"}
	r := NewActorResolver("", dir)
	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if dir.calls != 2 {
		t.Errorf("expected one chain walk of 2 lookups, got %d", dir.calls)
	}
}
