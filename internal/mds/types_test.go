package mds

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	apperrors "github.com/motech/platform/internal/shared/errors"
	"github.com/motech/platform/internal/shared/types"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		typ  Type
		want any
	}{
		{"5", TypeInteger, int64(5)},
		{" 5 ", TypeLong, int64(5)},
		{"2.1", TypeDouble, 2.1},
		{"true", TypeBoolean, true},
		{"test", TypeString, "test"},
		{"10:54", TypeTime, types.NewTime(10, 54)},
		{"[3, 4, 5]", TypeList, []string{"3", "4", "5"}},
		{"3,4,5", TypeList, []string{"3", "4", "5"}},
		{"2024-05-10", TypeDate, time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)},
		{"2024-05-10T14:30:00Z", TypeDateTime, time.Date(2024, 5, 10, 14, 30, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ)+"/"+tt.in, func(t *testing.T) {
			got, err := Parse(tt.in, tt.typ)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		in  string
		typ Type
	}{
		{"five", TypeInteger},
		{"2.x", TypeDouble},
		{"maybe", TypeBoolean},
		{"25:00", TypeTime},
		{"10/05/2024", TypeDate},
		{"x", Type("blob")},
	}

	for _, tt := range tests {
		if _, err := Parse(tt.in, tt.typ); err == nil {
			t.Errorf("Expected error parsing %q as %s", tt.in, tt.typ)
		}
	}
}

func TestFormatRoundTrip(t *testing.T) {
	values := []struct {
		v   any
		typ Type
	}{
		{int64(5), TypeLong},
		{2.1, TypeDouble},
		{true, TypeBoolean},
		{types.NewTime(10, 54), TypeTime},
		{[]string{"a", "b"}, TypeList},
		{time.Date(2024, 5, 10, 14, 30, 0, 0, time.UTC), TypeDateTime},
	}

	for _, tt := range values {
		got, err := Parse(Format(tt.v), tt.typ)
		if err != nil {
			t.Fatalf("unexpected error for %v: %v", tt.v, err)
		}
		if !reflect.DeepEqual(got, tt.v) {
			t.Errorf("Expected %#v after round trip, got %#v", tt.v, got)
		}
	}
}

func TestCoerce_JSONNumbers(t *testing.T) {
	got, err := Coerce(float64(7), TypeInteger)
	if err != nil || got != int64(7) {
		t.Errorf("Expected int64(7), got %#v (%v)", got, err)
	}
	if _, err := Coerce(7.5, TypeInteger); err == nil {
		t.Error("Expected error for fractional integer")
	}
	got, err = Coerce([]any{"a", float64(2)}, TypeList)
	if err != nil || !reflect.DeepEqual(got, []string{"a", "2"}) {
		t.Errorf("Expected [a 2], got %#v (%v)", got, err)
	}
}

func TestBuildStringFromList(t *testing.T) {
	if got := BuildStringFromList([]string{"one", "two"}); got != "[one, two]" {
		t.Errorf("Expected [one, two], got %s", got)
	}
	if got := ParseList(BuildStringFromList([]string{"one", "two"})); !reflect.DeepEqual(got, []string{"one", "two"}) {
		t.Errorf("Expected list back, got %v", got)
	}
}

func TestCreateSubject(t *testing.T) {
	tests := []struct {
		module, namespace, entity string
		action                    CrudEventType
		want                      string
	}{
		{"MOTECH Platform Data Services Test Bundle", "", "TestMdsEntity", CrudCreate,
			"mds.crud.MOTECHPlatformDataServicesTestBundle.TestMdsEntity.CREATE"},
		{"sms", "outbox", "Message", CrudDelete, "mds.crud.sms.outbox.Message.DELETE"},
		{"", "", "Book", CrudUpdate, "mds.crud.Book.UPDATE"},
	}

	for _, tt := range tests {
		if got := CreateSubject(tt.module, tt.namespace, tt.entity, tt.action); got != tt.want {
			t.Errorf("Expected %s, got %s", tt.want, got)
		}
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	book := Entity{
		ClassName: "org.example.Book",
		Fields: []Field{
			{Name: "title", Type: TypeString, Required: true},
			{Name: "authors", Type: TypeManyToMany, Metadata: map[string]string{
				MetaRelatedClass: "org.example.Author", MetaRelatedField: "books",
			}},
		},
	}
	author := Entity{
		ClassName: "org.example.Author",
		Fields: []Field{
			{Name: "name", Type: TypeString},
			{Name: "books", Type: TypeManyToMany, Metadata: map[string]string{
				MetaRelatedClass: "org.example.Book", MetaRelatedField: "authors",
			}},
		},
	}

	if err := r.Register(book); err == nil {
		t.Fatal("Expected error for unknown related class")
	}
	if err := r.Register(book, author); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e, err := r.ByName("Book")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := e.Field(FieldCreator); !ok {
		t.Error("Expected auto field creator")
	}
	if len(r.All()) != 2 {
		t.Errorf("Expected 2 entities, got %d", len(r.All()))
	}
	if err := r.Register(author); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("Expected conflict on re-register, got %v", err)
	}
}

func TestRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		entity Entity
	}{
		{"no class", Entity{}},
		{"duplicate field", Entity{ClassName: "a.B", Fields: []Field{{Name: "x", Type: TypeString}, {Name: "x", Type: TypeString}}}},
		{"unknown type", Entity{ClassName: "a.B", Fields: []Field{{Name: "x", Type: "blob"}}}},
		{"reserved name", Entity{ClassName: "a.B", Fields: []Field{{Name: "owner", Type: TypeString}}}},
		{"bad default", Entity{ClassName: "a.B", Fields: []Field{{Name: "n", Type: TypeInteger, DefaultValue: "x"}}}},
		{"relationship without class", Entity{ClassName: "a.B", Fields: []Field{{Name: "r", Type: TypeOneToOne}}}},
		{"lookup on unknown field", Entity{ClassName: "a.B", Lookups: []Lookup{{Name: "l", Fields: []LookupField{{Name: "nope"}}}}}},
		{"unknown operator", Entity{ClassName: "a.B", Fields: []Field{{Name: "x", Type: TypeString}},
			Lookups: []Lookup{{Name: "l", Fields: []LookupField{{Name: "x", CustomOperator: "~"}}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := NewRegistry().Register(tt.entity); !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestParseSchema(t *testing.T) {
	data := []byte(`[{"className":"org.example.Patient","module":"Demo","recordHistory":true,
		"fields":[{"name":"motechId","type":"string","required":true,"exposedViaRest":true}],
		"lookups":[{"name":"byMotechId","singleObjectReturn":true,"fields":[{"name":"motechId"}]}]}]`)

	entities, err := ParseSchema(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := NewRegistry()
	if err := r.Register(entities...); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e, err := r.Get("org.example.Patient")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Name != "Patient" || !e.RecordHistory {
		t.Errorf("Unexpected entity %+v", e)
	}
	if l, ok := e.Lookup("byMotechId"); !ok || !l.SingleObjectReturn {
		t.Errorf("Expected single object lookup, got %+v", l)
	}

	if _, err := ParseSchema([]byte(`{`)); err == nil {
		t.Error("Expected error for invalid schema")
	}
}

func TestMemoryStore_Transactions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	tx, _ := store.Begin(ctx)
	_ = tx.Put(ctx, "C", &Instance{ID: "1", Values: map[string]any{"n": "one"}})
	_ = tx.Put(ctx, "C", &Instance{ID: "2", Values: map[string]any{"n": "two"}})

	other, _ := store.Begin(ctx)
	if got, _ := other.Get(ctx, "C", "1"); got != nil {
		t.Error("Expected uncommitted write to be invisible")
	}
	if got, _ := tx.Get(ctx, "C", "1"); got == nil {
		t.Error("Expected own write to be visible")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	tx2, _ := store.Begin(ctx)
	_ = tx2.Put(ctx, "C", &Instance{ID: "1", Values: map[string]any{"n": "uno"}})
	_ = tx2.Delete(ctx, "C", "2")
	_ = tx2.Rollback(ctx)

	tx3, _ := store.Begin(ctx)
	all, _ := tx3.List(ctx, "C")
	if len(all) != 2 || all[0].Values["n"] != "one" || all[1].Values["n"] != "two" {
		t.Errorf("Expected [one two] after rollback, got %v", all)
	}

	_ = tx3.Put(ctx, "C", &Instance{ID: "1", Values: map[string]any{"n": "uno"}})
	_ = tx3.Put(ctx, "C", &Instance{ID: "3", Values: map[string]any{"n": "three"}})
	all, _ = tx3.List(ctx, "C")
	if len(all) != 3 || all[0].Values["n"] != "uno" || all[2].Values["n"] != "three" {
		t.Errorf("Expected updates in place and inserts last, got %v", all)
	}
}

func TestHistory_HashChain(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	if err := registry.Register(Entity{ClassName: "a.District", Fields: []Field{{Name: "name", Type: TypeString}}}); err != nil {
		t.Fatal(err)
	}
	repo := NewMemoryHistoryRepository()
	history := NewHistoryService(repo, registry)
	e, _ := registry.Get("a.District")
	at := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

	for _, name := range []string{"district1", "district2"} {
		inst := &Instance{ID: "d1", Values: map[string]any{"name": name}}
		if err := history.record(ctx, e, inst, "motech", at); err != nil {
			t.Fatal(err)
		}
	}

	revs, err := history.GetHistoryForInstance(ctx, "a.District", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(revs) != 2 {
		t.Fatalf("Expected 2 revisions, got %d", len(revs))
	}
	if revs[1].PrevHash != revs[0].Hash || revs[1].Number != 2 {
		t.Errorf("Expected revision 2 to chain to revision 1, got %+v", revs[1])
	}
	if err := history.VerifyHistory(ctx, "a.District", "d1"); err != nil {
		t.Errorf("Expected valid chain, got %v", err)
	}

	repo.revisions[historyKey("a.District", "d1")][0].Instance.Values["name"] = "forged"
	if err := history.VerifyHistory(ctx, "a.District", "d1"); err == nil {
		t.Error("Expected altered revision to fail verification")
	}
}

func TestInstanceJSON(t *testing.T) {
	created := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	inst := &Instance{ID: "1", Creator: "motech", CreationDate: created, Values: map[string]any{"title": "b"}}

	data, err := inst.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var back Instance
	if err := back.UnmarshalJSON(data); err != nil {
		t.Fatal(err)
	}
	if back.ID != "1" || back.Creator != "motech" || !back.CreationDate.Equal(created) || back.Values["title"] != "b" {
		t.Errorf("Unexpected instance after round trip: %+v", back)
	}
}

func TestCompareValues_LargeIntegers(t *testing.T) {
	big := int64(1) << 53
	tests := []struct {
		a, b any
		want int
	}{
		{big + 1, big, 1},
		{big, big + 1, -1},
		{big + 1, big + 1, 0},
		{int(5), int64(5), 0},
		{int64(2), 2.5, -1},
	}
	for _, tt := range tests {
		got, ok := compareValues(tt.a, tt.b)
		if !ok || got != tt.want {
			t.Errorf("compareValues(%v, %v) = %d, %v, want %d", tt.a, tt.b, got, ok, tt.want)
		}
	}
	if equalValues(big+1, big) {
		t.Errorf("Expected %d and %d to differ", big+1, big)
	}
}
