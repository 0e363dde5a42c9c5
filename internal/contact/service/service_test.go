package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"linkage/internal/contact/metrics"
	"linkage/internal/contact/models"
	"linkage/internal/contact/store"
	"linkage/internal/platform/database"
	dErrors "linkage/pkg/domain-errors"
	"linkage/pkg/platform/sentinel"
	"linkage/pkg/requestcontext"
	linktest "linkage/pkg/testutil"
)

// contactStore is the store surface the suite drives directly.
type contactStore interface {
	Store
	SoftDelete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int, error)
}

// faultyStore fails the nth Update or every Create on demand, and can run a
// hook before each Update.
type faultyStore struct {
	contactStore
	mu           sync.Mutex
	failUpdateAt int
	updates      int
	failCreate   bool
	queries      int
	beforeUpdate func()
}

func (f *faultyStore) Query(ctx context.Context, filter models.Filter) ([]*models.Contact, error) {
	f.mu.Lock()
	f.queries++
	f.mu.Unlock()
	return f.contactStore.Query(ctx, filter)
}

func (f *faultyStore) Create(ctx context.Context, c *models.Contact) (*models.Contact, error) {
	f.mu.Lock()
	fail := f.failCreate
	f.mu.Unlock()
	if fail {
		return nil, errors.New("insert contact: connection reset by peer")
	}
	return f.contactStore.Create(ctx, c)
}

func (f *faultyStore) Update(ctx context.Context, id int64, u models.ContactUpdate) (*models.Contact, error) {
	f.mu.Lock()
	f.updates++
	fail := f.failUpdateAt > 0 && f.updates == f.failUpdateAt
	hook := f.beforeUpdate
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if fail {
		return nil, errors.New("update contact: connection reset by peer")
	}
	return f.contactStore.Update(ctx, id, u)
}

type ServiceSuite struct {
	suite.Suite
	newBackend func(t *testing.T) (contactStore, StoreTx)
	store      *faultyStore
	service    *Service
	metrics    *metrics.Metrics
	ctx        func() context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, &ServiceSuite{newBackend: func(*testing.T) (contactStore, StoreTx) {
		st := store.NewInMemory()
		return st, st
	}})
}

// TestServiceSuiteSQLite runs the same cases through SQL transactions joined
// via the context.
func TestServiceSuiteSQLite(t *testing.T) {
	suite.Run(t, &ServiceSuite{newBackend: func(t *testing.T) (contactStore, StoreTx) {
		db, err := database.OpenSQLite(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		return store.NewSQLite(db.DB), database.NewTxRunner(db.DB, 0)
	}})
}

func (s *ServiceSuite) SetupTest() {
	backend, tx := s.newBackend(s.T())
	s.store = &faultyStore{contactStore: backend}
	s.metrics = metrics.NewWithRegisterer(prometheus.NewRegistry())
	s.service = New(s.store, WithStoreTx(tx), WithMetrics(s.metrics))
	s.ctx = linktest.ClockContext(time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC), time.Minute)
}

func (s *ServiceSuite) identify(email, phone string) *models.ClusterView {
	resp, err := s.service.Identify(s.ctx(), models.IdentifyRequest{Email: email, PhoneNumber: phone})
	s.Require().NoError(err)
	s.Require().NotNil(resp.Contact)
	return resp.Contact
}

func (s *ServiceSuite) contact(id int64) *models.Contact {
	found, err := s.store.contactStore.Query(context.Background(), models.Filter{IDs: []int64{id}, IncludeDeleted: true})
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	return found[0]
}

func (s *ServiceSuite) count() int {
	n, err := s.store.Count(context.Background())
	s.Require().NoError(err)
	return n
}

// requireOneHop checks every secondary links directly to a primary.
func (s *ServiceSuite) requireOneHop() {
	n := s.count()
	for id := int64(1); id <= int64(n); id++ {
		c := s.contact(id)
		if c.IsPrimary() {
			s.Nil(c.LinkedID, "primary %d must not link", id)
			continue
		}
		s.Require().NotNil(c.LinkedID, "secondary %d must link", id)
		s.True(s.contact(*c.LinkedID).IsPrimary(), "secondary %d must link to a primary", id)
	}
}

func (s *ServiceSuite) requireView(want, got *models.ClusterView) {
	if diff := cmp.Diff(want, got); diff != "" {
		s.Failf("cluster view mismatch", "(-want +got):\n%s", diff)
	}
}

// TestNewIdentity verifies a first submission becomes a lone primary.
func (s *ServiceSuite) TestNewIdentity() {
	got := s.identify("lorraine@hillvalley.edu", "123456")

	s.requireView(&models.ClusterView{
		PrimaryContactID:    1,
		Emails:              []string{"lorraine@hillvalley.edu"},
		PhoneNumbers:        []string{"123456"},
		SecondaryContactIDs: []int64{},
	}, got)
	s.Equal(1, s.count())
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ContactsCreated.WithLabelValues("primary")))
}

// TestIdempotence verifies repeating a known submission writes nothing.
func (s *ServiceSuite) TestIdempotence() {
	first := s.identify("lorraine@hillvalley.edu", "123456")
	second := s.identify("lorraine@hillvalley.edu", "123456")
	third := s.identify("  lorraine@hillvalley.edu ", "123456")

	s.requireView(first, second)
	s.requireView(first, third)
	s.Equal(1, s.count())
}

// TestSecondaryGrowth verifies new information links to the existing primary.
func (s *ServiceSuite) TestSecondaryGrowth() {
	s.identify("lorraine@hillvalley.edu", "123456")
	got := s.identify("mcfly@hillvalley.edu", "123456")

	s.requireView(&models.ClusterView{
		PrimaryContactID:    1,
		Emails:              []string{"lorraine@hillvalley.edu", "mcfly@hillvalley.edu"},
		PhoneNumbers:        []string{"123456"},
		SecondaryContactIDs: []int64{2},
	}, got)

	sec := s.contact(2)
	s.Equal(models.LinkPrecedenceSecondary, sec.LinkPrecedence)
	s.True(sec.IsLinkedTo(1))

	s.Run("partial requests return the whole cluster", func() {
		for _, req := range [][2]string{
			{"", "123456"},
			{"lorraine@hillvalley.edu", ""},
			{"mcfly@hillvalley.edu", ""},
		} {
			s.requireView(got, s.identify(req[0], req[1]))
		}
		s.Equal(2, s.count())
	})

	s.Run("fields seen on different rows are not new", func() {
		s.identify("", "999")
		s.Equal(3, s.count())
		// mcfly@ and 999 each match, in different clusters: merge, no insert.
		merged := s.identify("mcfly@hillvalley.edu", "999")
		s.Equal(3, s.count())
		s.Equal(int64(1), merged.PrimaryContactID)
		s.Equal([]int64{2, 3}, merged.SecondaryContactIDs)
	})
	s.requireOneHop()
}

// TestMerge verifies a request bridging two clusters keeps the older primary.
func (s *ServiceSuite) TestMerge() {
	s.identify("george@hillvalley.edu", "919191")
	s.identify("biffsucks@hillvalley.edu", "717171")

	got := s.identify("george@hillvalley.edu", "717171")

	s.requireView(&models.ClusterView{
		PrimaryContactID:    1,
		Emails:              []string{"george@hillvalley.edu", "biffsucks@hillvalley.edu"},
		PhoneNumbers:        []string{"919191", "717171"},
		SecondaryContactIDs: []int64{2},
	}, got)
	s.Equal(2, s.count(), "a bridging request adds no row")

	demoted := s.contact(2)
	s.Equal(models.LinkPrecedenceSecondary, demoted.LinkPrecedence)
	s.True(demoted.IsLinkedTo(1))
	s.True(demoted.UpdatedAt.After(demoted.CreatedAt))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ClustersMerged))
	s.requireOneHop()
}

// TestMergeFlattensDemotedClusters verifies the demoted primary's own
// secondaries are re-pointed at the surviving primary.
func (s *ServiceSuite) TestMergeFlattensDemotedClusters() {
	s.identify("doc@hillvalley.edu", "1985")    // 1
	s.identify("marty@hillvalley.edu", "1955")  // 2
	s.identify("calvin@hillvalley.edu", "1955") // 3 -> 2
	s.identify("marty@hillvalley.edu", "2015")  // 4 -> 2
	s.Require().True(s.contact(3).IsLinkedTo(2))

	got := s.identify("doc@hillvalley.edu", "1955")

	s.requireView(&models.ClusterView{
		PrimaryContactID:    1,
		Emails:              []string{"doc@hillvalley.edu", "marty@hillvalley.edu", "calvin@hillvalley.edu"},
		PhoneNumbers:        []string{"1985", "1955", "2015"},
		SecondaryContactIDs: []int64{2, 3, 4},
	}, got)
	for _, id := range []int64{2, 3, 4} {
		s.True(s.contact(id).IsLinkedTo(1), "contact %d links to the surviving primary", id)
	}
	s.Equal(2.0, testutil.ToFloat64(s.metrics.ContactsRelinked))
	s.requireOneHop()
}

// TestMatchedSecondaryPullsInItsPrimary verifies a request matching only a
// secondary of one cluster still merges that cluster.
func (s *ServiceSuite) TestMatchedSecondaryPullsInItsPrimary() {
	s.identify("doc@hillvalley.edu", "1985")    // 1
	s.identify("emmett@hillvalley.edu", "1985") // 2 -> 1
	s.identify("clara@hillvalley.edu", "1885")  // 3

	got := s.identify("emmett@hillvalley.edu", "1885")

	s.Equal(int64(1), got.PrimaryContactID)
	s.Equal([]int64{2, 3}, got.SecondaryContactIDs)
	s.Equal([]string{"doc@hillvalley.edu", "emmett@hillvalley.edu", "clara@hillvalley.edu"}, got.Emails)
	s.Equal(3, s.count())
	s.True(s.contact(3).IsLinkedTo(1))
	s.requireOneHop()
}

// TestOlderPrimaryWinsRegardlessOfMatchField verifies selection is by age,
// not by which field matched.
func (s *ServiceSuite) TestOlderPrimaryWinsRegardlessOfMatchField() {
	s.identify("", "717171")              // 1
	s.identify("biff@hillvalley.edu", "") // 2
	got := s.identify("biff@hillvalley.edu", "717171")

	s.Equal(int64(1), got.PrimaryContactID)
	s.Equal([]string{"biff@hillvalley.edu"}, got.Emails)
	s.Equal([]string{"717171"}, got.PhoneNumbers)
	s.Equal([]int64{2}, got.SecondaryContactIDs)
}

// TestRollback verifies a failure mid-merge leaves no partial writes.
func (s *ServiceSuite) TestRollback() {
	s.identify("doc@hillvalley.edu", "1985")    // 1
	s.identify("marty@hillvalley.edu", "1955")  // 2
	s.identify("calvin@hillvalley.edu", "1955") // 3 -> 2

	s.store.failUpdateAt = s.store.updates + 2 // demotion succeeds, relink fails
	_, err := s.service.Identify(s.ctx(), models.IdentifyRequest{Email: "doc@hillvalley.edu", PhoneNumber: "1955"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))

	s.True(s.contact(2).IsPrimary(), "demotion rolled back")
	s.True(s.contact(3).IsLinkedTo(2))
	s.Equal(3, s.count())
	s.Zero(testutil.ToFloat64(s.metrics.ClustersMerged))
	s.requireOneHop()

	s.Run("create failure is internal", func() {
		s.store.failCreate = true
		_, err := s.service.Identify(s.ctx(), models.IdentifyRequest{Email: "jennifer@hillvalley.edu"})
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
		s.Equal(3, s.count())
	})
}

// TestValidation verifies requests without fields never reach the store.
func (s *ServiceSuite) TestValidation() {
	for _, req := range []models.IdentifyRequest{{}, {Email: "   ", PhoneNumber: "\t"}} {
		_, err := s.service.Identify(s.ctx(), req)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	}
	s.Zero(s.store.queries)
}

// TestConcurrentFirstContact verifies identical first-time requests racing
// each other create exactly one primary.
func (s *ServiceSuite) TestConcurrentFirstContact() {
	const goroutines = 25
	var wg sync.WaitGroup
	primaryIDs := make([]int64, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := s.service.Identify(context.Background(), models.IdentifyRequest{
				Email:       "lorraine@hillvalley.edu",
				PhoneNumber: "123456",
			})
			if err == nil {
				primaryIDs[i] = resp.Contact.PrimaryContactID
			}
		}(i)
	}
	wg.Wait()

	s.Equal(1, s.count())
	for _, id := range primaryIDs {
		s.Equal(int64(1), id)
	}
}

// TestCluster verifies lookup by any member id.
func (s *ServiceSuite) TestCluster() {
	s.identify("lorraine@hillvalley.edu", "123456")
	want := s.identify("mcfly@hillvalley.edu", "123456")

	for _, id := range []int64{1, 2} {
		resp, err := s.service.Cluster(context.Background(), id)
		s.Require().NoError(err)
		s.requireView(want, resp.Contact)
	}

	_, err := s.service.Cluster(context.Background(), 42)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

// TestSoftDeletedContactsAreIgnored verifies deleted rows never match.
func (s *ServiceSuite) TestSoftDeletedContactsAreIgnored() {
	s.identify("doc@hillvalley.edu", "1985") // 1
	s.Require().NoError(s.store.SoftDelete(context.Background(), 1))

	got := s.identify("doc@hillvalley.edu", "1985")

	s.requireView(&models.ClusterView{
		PrimaryContactID:    2,
		Emails:              []string{"doc@hillvalley.edu"},
		PhoneNumbers:        []string{"1985"},
		SecondaryContactIDs: []int64{},
	}, got)
	s.True(s.contact(1).IsPrimary(), "deleted contact is left alone")
	s.True(s.contact(2).IsPrimary())
	s.requireOneHop()
}

// TestDanglingLinkAnchorsOnOldestMatch verifies matches whose primary is
// deleted resolve to the oldest match without changing it.
func (s *ServiceSuite) TestDanglingLinkAnchorsOnOldestMatch() {
	s.identify("doc@hillvalley.edu", "1985")    // 1
	s.identify("emmett@hillvalley.edu", "1985") // 2 -> 1
	s.Require().NoError(s.store.SoftDelete(context.Background(), 1))
	before := s.contact(2)

	got := s.identify("emmett@hillvalley.edu", "")

	s.requireView(&models.ClusterView{
		PrimaryContactID:    2,
		Emails:              []string{"emmett@hillvalley.edu"},
		PhoneNumbers:        []string{"1985"},
		SecondaryContactIDs: []int64{},
	}, got)
	after := s.contact(2)
	s.Equal(models.LinkPrecedenceSecondary, after.LinkPrecedence)
	s.True(after.IsLinkedTo(1))
	s.True(before.UpdatedAt.Equal(after.UpdatedAt), "anchor is not rewritten")
	s.Equal(2, s.count())

	s.Run("cluster lookup anchors on the contact itself", func() {
		resp, err := s.service.Cluster(context.Background(), 2)
		s.Require().NoError(err)
		s.requireView(got, resp.Contact)
	})
}

// TestMergeRelinksSoftDeletedSecondaries verifies flattening also re-points
// deleted secondaries, which stay out of the view.
func (s *ServiceSuite) TestMergeRelinksSoftDeletedSecondaries() {
	s.identify("doc@hillvalley.edu", "1985")    // 1
	s.identify("marty@hillvalley.edu", "1955")  // 2
	s.identify("calvin@hillvalley.edu", "1955") // 3 -> 2
	s.Require().NoError(s.store.SoftDelete(context.Background(), 3))

	got := s.identify("doc@hillvalley.edu", "1955")

	s.requireView(&models.ClusterView{
		PrimaryContactID:    1,
		Emails:              []string{"doc@hillvalley.edu", "marty@hillvalley.edu"},
		PhoneNumbers:        []string{"1985", "1955"},
		SecondaryContactIDs: []int64{2},
	}, got)
	deleted := s.contact(3)
	s.True(deleted.IsLinkedTo(1))
	s.NotNil(deleted.DeletedAt)
	s.requireOneHop()
}

// TestClusterOnSecondaryOfSecondary verifies a lookup never reports a
// primary that is not a member of the view.
func (s *ServiceSuite) TestClusterOnSecondaryOfSecondary() {
	s.identify("doc@hillvalley.edu", "1985")    // 1
	s.identify("emmett@hillvalley.edu", "1985") // 2 -> 1
	email := "clara@hillvalley.edu"
	ctx := s.ctx()
	stray, err := s.store.Create(ctx, models.NewSecondary(&email, nil, 2, requestcontext.Now(ctx)))
	s.Require().NoError(err)

	resp, err := s.service.Cluster(context.Background(), stray.ID)
	s.Require().NoError(err)

	s.Equal(stray.ID, resp.Contact.PrimaryContactID)
	s.Equal([]string{"clara@hillvalley.edu"}, resp.Contact.Emails)
	s.Empty(resp.Contact.PhoneNumbers)
	s.Empty(resp.Contact.SecondaryContactIDs)
}

// TestConcurrentMergesKeepOneHop verifies two merges sharing a primary
// serialize even when their emails and phones differ. The second call
// reaches its demotion first and stalls there while the first call starts.
func (s *ServiceSuite) TestConcurrentMergesKeepOneHop() {
	s.identify("alice@hillvalley.edu", "111") // 1
	s.identify("biff@hillvalley.edu", "555")  // 2
	s.identify("clara@hillvalley.edu", "777") // 3

	// Autocommit writes so a stalled call holds no transaction.
	svc := New(s.store, WithStoreTx(directTx{}))

	stalled := make(chan struct{})
	firstDone := make(chan struct{})
	var armed atomic.Bool
	armed.Store(true)
	s.store.mu.Lock()
	s.store.beforeUpdate = func() {
		if !armed.CompareAndSwap(true, false) {
			return
		}
		close(stalled)
		select {
		case <-firstDone:
		case <-time.After(200 * time.Millisecond):
		}
	}
	s.store.mu.Unlock()

	firstCtx, secondCtx := s.ctx(), s.ctx()
	var (
		wg                  sync.WaitGroup
		firstErr, secondErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, secondErr = svc.Identify(secondCtx, models.IdentifyRequest{Email: "biff@hillvalley.edu", PhoneNumber: "777"})
	}()
	select {
	case <-stalled:
	case <-time.After(5 * time.Second):
		s.FailNow("second merge never reached its demotion")
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(firstDone)
		_, firstErr = svc.Identify(firstCtx, models.IdentifyRequest{Email: "alice@hillvalley.edu", PhoneNumber: "555"})
	}()
	wg.Wait()

	s.Require().NoError(firstErr)
	s.Require().NoError(secondErr)
	for _, id := range []int64{2, 3} {
		s.True(s.contact(id).IsLinkedTo(1), "contact %d links to the surviving primary", id)
	}
	s.requireOneHop()

	got := s.identify("clara@hillvalley.edu", "")
	s.Equal(int64(1), got.PrimaryContactID)
	s.Equal([]int64{2, 3}, got.SecondaryContactIDs)
}

// TestClusterMovedRetakesLocks verifies a call whose cluster gained an
// anchor after the unlocked read retries with that anchor locked.
func (s *ServiceSuite) TestClusterMovedRetakesLocks() {
	s.identify("doc@hillvalley.edu", "1985") // 1
	locker := &recordingLocker{}
	svc := New(s.store, WithStoreTx(directTx{}), WithLocker(locker))

	// Held keys miss contact 1, as if it appeared after the unlocked read.
	req := models.IdentifyRequest{Email: "doc@hillvalley.edu", PhoneNumber: "2015"}
	rec, release, err := svc.reconcileLocked(s.ctx(), req, req.Keys())
	s.Require().NoError(err)
	release()

	s.Equal(int64(1), rec.primaryID)
	s.Require().Len(locker.calls, 2)
	s.NotContains(locker.calls[0], models.ContactKey(1))
	s.Contains(locker.calls[1], models.ContactKey(1))
	s.Equal(2, s.count(), "only the retry wrote")
}

type recordingLocker struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingLocker) Acquire(_ context.Context, keys []string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), keys...))
	return func() {}, nil
}

type stuckLocker struct{}

func (stuckLocker) Acquire(ctx context.Context, _ []string) (func(), error) {
	<-ctx.Done()
	return nil, errors.Join(sentinel.ErrLockTimeout, ctx.Err())
}

func TestIdentifyLockTimeout(t *testing.T) {
	svc := New(store.NewInMemory(), WithLocker(stuckLocker{}), WithLockTimeout(10*time.Millisecond))
	_, err := svc.Identify(context.Background(), models.IdentifyRequest{Email: "doc@hillvalley.edu"})
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))
}

func TestAssemblePromotesPrimaryFields(t *testing.T) {
	ptr := func(v string) *string { return &v }
	linked := int64(5)
	members := []*models.Contact{
		{ID: 3, Email: ptr("second@x"), PhoneNumber: ptr("2"), LinkedID: &linked, LinkPrecedence: models.LinkPrecedenceSecondary},
		{ID: 5, Email: ptr("first@x"), LinkPrecedence: models.LinkPrecedencePrimary},
		{ID: 7, Email: ptr("second@x"), PhoneNumber: ptr("3"), LinkedID: &linked, LinkPrecedence: models.LinkPrecedenceSecondary},
	}

	got := assemble(5, members)

	want := &models.ClusterView{
		PrimaryContactID:    5,
		Emails:              []string{"first@x", "second@x"},
		PhoneNumbers:        []string{"2", "3"},
		SecondaryContactIDs: []int64{3, 7},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("assemble mismatch (-want +got):\n%s", diff)
	}
}
