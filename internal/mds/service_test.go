package mds_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/motech/platform/internal/mds"
	"github.com/motech/platform/internal/mds/mdstest"
	"github.com/motech/platform/internal/shared/auth"
	"github.com/motech/platform/internal/shared/errors"
	"github.com/motech/platform/internal/shared/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	domain       = "org.motechproject.mds.test.domain."
	testModule   = "MOTECH Platform Data Services Test Bundle"
	bookClass    = domain + "Book"
	authorClass  = domain + "Author"
	patientClass = domain + "Patient"
	clinicClass  = domain + "Clinic"
	districtCls  = domain + "District"
	stateClass   = domain + "State"
	languageCls  = domain + "Language"
	entityClass  = domain + "TestMdsEntity"
)

func testEntities() []mds.Entity {
	title := mdstest.FieldFlags("title", mds.TypeString, true, true, false)
	code := mdstest.Field("code", mds.TypeString)
	code.ReadOnly = true

	return []mds.Entity{
		{
			ClassName: bookClass,
			Module:    testModule,
			Fields: []mds.Field{
				title,
				code,
				mdstest.Relationship("authors", mds.TypeManyToMany, authorClass, "books"),
			},
			Lookups: []mds.Lookup{
				{Name: "byTitle", SingleObjectReturn: true, ExposedViaRest: true, Fields: mdstest.LookupFieldDtos("title")},
			},
		},
		{
			ClassName: authorClass,
			Module:    testModule,
			Fields: []mds.Field{
				mdstest.FieldFlags("name", mds.TypeString, true, true, false),
				mdstest.Relationship("books", mds.TypeManyToMany, bookClass, "authors"),
			},
		},
		{
			ClassName: patientClass,
			Module:    testModule,
			Fields: []mds.Field{
				mdstest.Field("name", mds.TypeString),
				mdstest.Relationship("clinics", mds.TypeManyToMany, clinicClass, "patients"),
			},
		},
		{
			ClassName: clinicClass,
			Module:    testModule,
			Fields: []mds.Field{
				mdstest.Field("name", mds.TypeString),
				mdstest.Relationship("patients", mds.TypeManyToMany, patientClass, "clinics"),
			},
		},
		{
			ClassName:     districtCls,
			Module:        testModule,
			RecordHistory: true,
			Fields: []mds.Field{
				mdstest.Field("name", mds.TypeString),
				mdstest.Relationship("state", mds.TypeManyToOne, stateClass, "districts"),
				mdstest.Relationship("language", mds.TypeOneToOne, languageCls, ""),
			},
		},
		{
			ClassName:     stateClass,
			Module:        testModule,
			RecordHistory: true,
			Fields: []mds.Field{
				mdstest.Field("name", mds.TypeString),
				mdstest.Relationship("districts", mds.TypeOneToMany, districtCls, "state"),
				mdstest.Relationship("languages", mds.TypeManyToMany, languageCls, ""),
			},
		},
		{
			ClassName: languageCls,
			Module:    testModule,
			Fields:    []mds.Field{mdstest.Field("name", mds.TypeString)},
		},
		{
			ClassName: entityClass,
			Module:    testModule,
			Fields: []mds.Field{
				mdstest.FieldFlags("someString", mds.TypeString, false, true, false),
				mdstest.FieldWithDefault("someInt", mds.TypeInteger, 7),
				mdstest.Field("superClassString", mds.TypeString),
				mdstest.FieldWithComboboxSettings("color", false, false, "red", "green"),
				mdstest.FieldWithComboboxSettings("tags", true, true, "a", "b"),
			},
			Lookups: []mds.Lookup{
				{Name: "findByInheritedField", Fields: mdstest.LookupFieldDtos("superClassString")},
				{Name: "findByAutoGeneratedField", Fields: mdstest.LookupFieldDtos(mds.FieldCreator)},
				{Name: "findByPrefix", Fields: []mds.LookupField{mdstest.LookupFieldDto("someString", mds.OpStartsWith)}},
				{Name: "findByIntRange", Fields: []mds.LookupField{mdstest.LookupFieldOfType("someInt", mds.LookupRange)}},
				{Name: "findByIntSet", Fields: []mds.LookupField{mdstest.LookupFieldOfType("someInt", mds.LookupSet)}},
				{Name: "findGreaterThan", Fields: []mds.LookupField{mdstest.LookupFieldDto("someInt", mds.OpGreater)}},
			},
		},
	}
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the same instant until Advance is called.
func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) handle(_ context.Context, e events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) all() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.Event(nil), l.events...)
}

type fixture struct {
	services *mds.Services
	bus      *events.MemoryBus
	clock    *stepClock
	crud     *eventLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := mds.NewRegistry()
	require.NoError(t, registry.Register(testEntities()...))

	bus := events.NewMemoryBus(zerolog.Nop())
	crud := &eventLog{}
	require.NoError(t, bus.Subscribe(context.Background(), mds.CrudWildcard, "crud-log", crud.handle))

	clock := &stepClock{now: time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)}
	return &fixture{
		services: mdstest.NewServices(registry, bus, mds.WithClock(clock.Now)),
		bus:      bus,
		clock:    clock,
		crud:     crud,
	}
}

func (f *fixture) ds(t *testing.T, className string) *mds.DataService {
	t.Helper()
	ds, err := f.services.For(className)
	require.NoError(t, err)
	return ds
}

func (f *fixture) create(t *testing.T, className string, values map[string]any) *mds.Instance {
	t.Helper()
	inst, err := f.ds(t, className).Create(context.Background(), mds.NewInstance(values))
	require.NoError(t, err)
	return inst
}

func (f *fixture) find(t *testing.T, className, id string) *mds.Instance {
	t.Helper()
	inst, err := f.ds(t, className).FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, inst)
	return inst
}

func TestCrudEvent_PublishedOnCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	subject := mds.CreateSubject(testModule, "", "TestMdsEntity", mds.CrudCreate)
	assert.Equal(t, "mds.crud.MOTECHPlatformDataServicesTestBundle.TestMdsEntity.CREATE", subject)

	listener := &eventLog{}
	require.NoError(t, f.bus.Subscribe(ctx, subject, subject, listener.handle))

	created := f.create(t, entityClass, map[string]any{"someString": "hello"})

	received := listener.all()
	require.Len(t, received, 1)
	params := received[0]
	moduleName, _ := params.String(mds.ParamModuleName)
	entityName, _ := params.String(mds.ParamEntityName)
	class, _ := params.String(mds.ParamEntityClass)
	objectID, _ := params.String(mds.ParamObjectID)
	assert.Equal(t, "MOTECHPlatformDataServicesTestBundle", moduleName)
	assert.Equal(t, "TestMdsEntity", entityName)
	assert.Equal(t, entityClass, class)
	assert.Equal(t, created.ID, objectID)
	_, hasNamespace := params.String(mds.ParamNamespace)
	assert.False(t, hasNamespace)
}

func TestCreate_RequiredField(t *testing.T) {
	f := newFixture(t)
	books := f.ds(t, bookClass)

	_, err := books.Create(context.Background(), mds.NewInstance(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, mds.ErrRequiredField)
	assert.ErrorIs(t, err, errors.ErrValidation)
	assert.Equal(t, "required", errors.From(err).Details["title"])

	count, err := books.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, f.crud.all())
}

func TestCreate_UnknownFieldRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.ds(t, bookClass).Create(context.Background(), mds.NewInstance(map[string]any{"title": "t", "pages": 3}))
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestAutoFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	books := f.ds(t, bookClass)

	created := f.create(t, bookClass, map[string]any{"title": "someString"})
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "motech", created.Creator)
	assert.Equal(t, "motech", created.Owner)
	assert.Equal(t, "motech", created.ModifiedBy)
	assert.Equal(t, f.clock.Now(), created.CreationDate)
	assert.Equal(t, created.CreationDate, created.ModificationDate)

	// The clock has not moved; the modification date still has to.
	update := created.Clone()
	update.Set("title", "anotherString")
	update.Owner = "newOwner"
	updated, err := books.Update(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, "newOwner", updated.Owner)
	assert.Equal(t, "motech", updated.Creator)
	assert.True(t, updated.ModificationDate.After(created.ModificationDate))
	assert.Equal(t, created.CreationDate, updated.CreationDate)

	f.clock.Advance(time.Minute)
	aliceCtx := auth.WithUser(ctx, &auth.User{UserName: "alice"})
	again, err := books.Update(aliceCtx, updated)
	require.NoError(t, err)
	assert.Equal(t, "alice", again.ModifiedBy)
	assert.Equal(t, "newOwner", again.Owner)
	assert.Equal(t, f.clock.Now(), again.ModificationDate)
}

func TestDefaultsAndCombobox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entities := f.ds(t, entityClass)

	created := f.create(t, entityClass, map[string]any{"color": "red", "tags": []any{"a", "custom"}})
	assert.Equal(t, int64(7), created.Get("someInt"))
	assert.Equal(t, "red", created.Get("color"))
	assert.Equal(t, []string{"a", "custom"}, created.Get("tags"))

	_, err := entities.Create(ctx, mds.NewInstance(map[string]any{"color": "blue"}))
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestUpdate_ReadOnlyField(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	books := f.ds(t, bookClass)

	created := f.create(t, bookClass, map[string]any{"title": "t", "code": "B-1"})

	change := created.Clone().Set("code", "B-2")
	_, err := books.Update(ctx, change)
	assert.ErrorIs(t, err, errors.ErrValidation)

	omit := mds.NewInstance(map[string]any{"title": "t2"})
	omit.ID = created.ID
	updated, err := books.Update(ctx, omit)
	require.NoError(t, err)
	assert.Equal(t, "B-1", updated.Get("code"))
}

func TestUpdate_Missing(t *testing.T) {
	f := newFixture(t)
	inst := mds.NewInstance(map[string]any{"title": "t"})
	inst.ID = "missing"
	_, err := f.ds(t, bookClass).Update(context.Background(), inst)
	assert.True(t, errors.IsNotFound(err))
}

func TestFindByID_Missing(t *testing.T) {
	f := newFixture(t)
	inst, err := f.ds(t, bookClass).FindByID(context.Background(), "nope")
	assert.NoError(t, err)
	assert.Nil(t, inst)
}

func TestLookups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entities := f.ds(t, entityClass)

	for i, s := range []string{"field1", "field2", "field3"} {
		f.create(t, entityClass, map[string]any{
			"someString":       s,
			"someInt":          int64(i + 1),
			"superClassString": "superClassString" + s[len(s)-1:],
		})
	}

	found, err := entities.Lookup(ctx, "findByInheritedField", map[string]any{"superClassString": "superClassString3"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "field3", found[0].Get("someString"))

	found, err = entities.Lookup(ctx, "findByAutoGeneratedField", map[string]any{mds.FieldCreator: "motech"})
	require.NoError(t, err)
	require.Len(t, found, 3)
	for i, want := range []string{"field1", "field2", "field3"} {
		assert.Equal(t, want, found[i].Get("someString"))
	}

	tests := []struct {
		lookup string
		params map[string]any
		want   int
	}{
		{"findByPrefix", map[string]any{"someString": "field"}, 3},
		{"findByPrefix", map[string]any{"someString": "nope"}, 0},
		{"findByIntRange", map[string]any{"someInt": "2..3"}, 2},
		{"findByIntRange", map[string]any{"someInt": mds.Range{Max: int64(1)}}, 1},
		{"findByIntSet", map[string]any{"someInt": []any{float64(1), float64(3)}}, 2},
		{"findGreaterThan", map[string]any{"someInt": "1"}, 2},
	}
	for _, tt := range tests {
		found, err := entities.Lookup(ctx, tt.lookup, tt.params)
		require.NoError(t, err, tt.lookup)
		assert.Len(t, found, tt.want, "%s %v", tt.lookup, tt.params)
	}

	_, err = entities.Lookup(ctx, "noSuchLookup", nil)
	assert.True(t, errors.IsNotFound(err))
	_, err = entities.Lookup(ctx, "findByIntRange", map[string]any{"someInt": "a..b"})
	assert.ErrorIs(t, err, errors.ErrBadRequest)
}

func TestManyToMany_AuthorsAndBooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b1 := f.create(t, bookClass, map[string]any{"title": "b1"})
	b2 := f.create(t, bookClass, map[string]any{"title": "b2"})
	b3 := f.create(t, bookClass, map[string]any{"title": "b3"})

	a1 := f.create(t, authorClass, map[string]any{"name": "a1", "books": []string{b1.ID, b2.ID}})
	a2 := f.create(t, authorClass, map[string]any{"name": "a2", "books": []string{b2.ID}})
	a3 := f.create(t, authorClass, map[string]any{"name": "a3", "books": []string{b2.ID, b3.ID}})

	a1 = f.find(t, authorClass, a1.ID)
	a1.Set("books", append(a1.IDs("books"), b3.ID))
	_, err := f.ds(t, authorClass).Update(ctx, a1)
	require.NoError(t, err)

	assert.Equal(t, []string{b1.ID, b2.ID, b3.ID}, f.find(t, authorClass, a1.ID).IDs("books"))
	assert.Equal(t, []string{b2.ID}, f.find(t, authorClass, a2.ID).IDs("books"))
	assert.Equal(t, []string{b2.ID, b3.ID}, f.find(t, authorClass, a3.ID).IDs("books"))

	assert.ElementsMatch(t, []string{a1.ID}, f.find(t, bookClass, b1.ID).IDs("authors"))
	assert.ElementsMatch(t, []string{a1.ID, a2.ID, a3.ID}, f.find(t, bookClass, b2.ID).IDs("authors"))
	assert.ElementsMatch(t, []string{a1.ID, a3.ID}, f.find(t, bookClass, b3.ID).IDs("authors"))
}

func TestManyToMany_PatientsKeepPreviousClinics(t *testing.T) {
	f := newFixture(t)

	c1 := f.create(t, clinicClass, map[string]any{"name": "clinic1"})
	c2 := f.create(t, clinicClass, map[string]any{"name": "clinic2"})
	c3 := f.create(t, clinicClass, map[string]any{"name": "clinic3"})

	p1 := f.create(t, patientClass, map[string]any{"name": "patient1", "clinics": []string{c1.ID, c2.ID}})
	assert.Len(t, f.find(t, clinicClass, c1.ID).IDs("patients"), 1)
	assert.Len(t, f.find(t, clinicClass, c2.ID).IDs("patients"), 1)

	f.create(t, patientClass, map[string]any{"name": "patient2", "clinics": []string{c1.ID, c2.ID, c3.ID}})
	assert.Len(t, f.find(t, clinicClass, c1.ID).IDs("patients"), 2)
	assert.Len(t, f.find(t, clinicClass, c2.ID).IDs("patients"), 2)
	assert.Len(t, f.find(t, clinicClass, c3.ID).IDs("patients"), 1)
	assert.Equal(t, []string{c1.ID, c2.ID}, f.find(t, patientClass, p1.ID).IDs("clinics"))
}

func TestCreate_UnknownRelatedInstance(t *testing.T) {
	f := newFixture(t)
	_, err := f.ds(t, authorClass).Create(context.Background(),
		mds.NewInstance(map[string]any{"name": "a", "books": []string{"missing"}}))
	assert.True(t, errors.IsNotFound(err))

	count, _ := f.ds(t, authorClass).Count(context.Background())
	assert.Zero(t, count)
}

func TestHistory_BacklinkSavesRecordRevisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	district := f.create(t, districtCls, map[string]any{"name": "district1"})
	state := f.create(t, stateClass, map[string]any{"name": "state1"})
	lang := f.create(t, languageCls, map[string]any{"name": "eng"})

	err := f.services.DoInTransaction(ctx, func(tx *mds.TxServices) error {
		states, err := tx.For(stateClass)
		if err != nil {
			return err
		}
		current, err := states.FindByID(ctx, state.ID)
		if err != nil {
			return err
		}
		current.Set("languages", []string{lang.ID})
		current.Set("districts", []string{district.ID})
		_, err = states.Update(ctx, current)
		return err
	})
	require.NoError(t, err)

	history := f.services.History()
	revs, err := history.GetHistoryForInstance(ctx, districtCls, district.ID)
	require.NoError(t, err)
	require.Len(t, revs, 1)

	current := f.find(t, stateClass, state.ID)
	current.Set("languages", []string{})
	_, err = f.ds(t, stateClass).Update(ctx, current)
	require.NoError(t, err)

	revs, err = history.GetHistoryForInstance(ctx, districtCls, district.ID)
	require.NoError(t, err)
	require.Len(t, revs, 2)

	assert.Equal(t, "district1", revs[0].Instance.Get("name"))
	assert.Nil(t, revs[0].Instance.Get("state"))
	assert.Nil(t, revs[0].Instance.Get("language"))

	assert.Equal(t, state.ID, revs[1].Instance.Get("state"))
	assert.Nil(t, revs[1].Instance.Get("language"))

	assert.Equal(t, state.ID, f.find(t, districtCls, district.ID).Get("state"))
	assert.NoError(t, history.VerifyHistory(ctx, districtCls, district.ID))
}

func TestOneToMany_MovingDistrictDetachesPreviousState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	district := f.create(t, districtCls, map[string]any{"name": "district1"})
	s1 := f.create(t, stateClass, map[string]any{"name": "s1", "districts": []string{district.ID}})
	s2 := f.create(t, stateClass, map[string]any{"name": "s2"})

	move := f.find(t, stateClass, s2.ID)
	move.Set("districts", []string{district.ID})
	_, err := f.ds(t, stateClass).Update(ctx, move)
	require.NoError(t, err)

	assert.Equal(t, s2.ID, f.find(t, districtCls, district.ID).Get("state"))
	assert.Empty(t, f.find(t, stateClass, s1.ID).IDs("districts"))
}

func TestDelete_RemovesBacklinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b1 := f.create(t, bookClass, map[string]any{"title": "b1"})
	b2 := f.create(t, bookClass, map[string]any{"title": "b2"})
	a1 := f.create(t, authorClass, map[string]any{"name": "a1", "books": []string{b1.ID, b2.ID}})

	require.NoError(t, f.ds(t, bookClass).Delete(ctx, b2.ID))

	assert.Equal(t, []string{b1.ID}, f.find(t, authorClass, a1.ID).IDs("books"))
	gone, err := f.ds(t, bookClass).FindByID(ctx, b2.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	err = f.ds(t, bookClass).Delete(ctx, b2.ID)
	assert.True(t, errors.IsNotFound(err))

	var deletes int
	for _, e := range f.crud.all() {
		if e.Subject == mds.CreateSubject(testModule, "", "Book", mds.CrudDelete) {
			deletes++
		}
	}
	assert.Equal(t, 1, deletes)
}

func TestDeleteAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	books := f.ds(t, bookClass)

	f.create(t, bookClass, map[string]any{"title": "b1"})
	f.create(t, bookClass, map[string]any{"title": "b2"})

	require.NoError(t, books.DeleteAll(ctx))
	count, err := books.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDoInTransaction_Commit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.services.DoInTransaction(ctx, func(tx *mds.TxServices) error {
		books, err := tx.For(bookClass)
		if err != nil {
			return err
		}
		for _, title := range []string{"txBook1", "txBook2"} {
			if _, err := books.Create(ctx, mds.NewInstance(map[string]any{"title": title})); err != nil {
				return err
			}
		}

		inside, err := books.Count(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, 2, inside)
		outside, _ := f.ds(t, bookClass).Count(ctx)
		assert.Zero(t, outside)
		assert.Empty(t, f.crud.all(), "events wait for commit")
		return nil
	})
	require.NoError(t, err)

	all, err := f.ds(t, bookClass).RetrieveAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "txBook1", all[0].Get("title"))
	assert.Equal(t, "txBook2", all[1].Get("title"))
	assert.Len(t, f.crud.all(), 2)
}

func TestDoInTransaction_Rollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := stderrors.New("boom")

	err := f.services.DoInTransaction(ctx, func(tx *mds.TxServices) error {
		books, err := tx.For(bookClass)
		if err != nil {
			return err
		}
		if _, err := books.Create(ctx, mds.NewInstance(map[string]any{"title": "txBook1"})); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	all, err := f.ds(t, bookClass).RetrieveAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, f.crud.all())
}

func TestDoInTransaction_PanicRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = f.services.DoInTransaction(ctx, func(tx *mds.TxServices) error {
			books, _ := tx.For(bookClass)
			_, _ = books.Create(ctx, mds.NewInstance(map[string]any{"title": "txBook1"}))
			panic("boom")
		})
	})

	count, err := f.ds(t, bookClass).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, f.crud.all())
}

func TestTxServices_UnusableAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var leaked *mds.DataService
	require.NoError(t, f.services.DoInTransaction(ctx, func(tx *mds.TxServices) error {
		var err error
		leaked, err = tx.For(bookClass)
		return err
	}))

	_, err := leaked.Create(ctx, mds.NewInstance(map[string]any{"title": "late"}))
	assert.ErrorIs(t, err, errors.ErrBadRequest)
}

// slowStore widens the gap between reading an instance and writing it back.
type slowStore struct {
	mds.Store
}

type slowTx struct {
	mds.Tx
}

func (s slowStore) Begin(ctx context.Context) (mds.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return slowTx{tx}, nil
}

func (t slowTx) Get(ctx context.Context, className, id string) (*mds.Instance, error) {
	time.Sleep(time.Millisecond)
	return t.Tx.Get(ctx, className, id)
}

func TestManyToMany_ConcurrentLinksKeepBacklinks(t *testing.T) {
	registry := mds.NewRegistry()
	require.NoError(t, registry.Register(testEntities()...))
	services := mds.NewServices(registry, slowStore{mds.NewMemoryStore()}, nil,
		events.NewMemoryBus(zerolog.Nop()), zerolog.Nop())
	ctx := context.Background()

	books, err := services.For(bookClass)
	require.NoError(t, err)
	authors, err := services.For(authorClass)
	require.NoError(t, err)
	book, err := books.Create(ctx, mds.NewInstance(map[string]any{"title": "b"}))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []string
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := authors.Create(ctx, mds.NewInstance(map[string]any{"name": "a", "books": []string{book.ID}}))
			if err != nil {
				assert.ErrorIs(t, err, mds.ErrConcurrentUpdate)
				return
			}
			mu.Lock()
			created = append(created, a.ID)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.NotEmpty(t, created)
	current, err := books.FindByID(ctx, book.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, created, current.IDs("authors"), "every linked author is in the backlink")

	all, err := authors.RetrieveAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, len(created), "failed creates leave nothing behind")
}
