package mds

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"reflect"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/motech/platform/internal/shared/auth"
	"github.com/motech/platform/internal/shared/errors"
	"github.com/motech/platform/internal/shared/events"
	"github.com/motech/platform/internal/shared/metrics"
	"github.com/motech/platform/internal/shared/types"
	"github.com/rs/zerolog"
)

// DefaultUser is recorded as creator, owner and modifier when the context
// carries no user.
const DefaultUser = "motech"

// Services hands out a DataService per registered entity. All services share
// one store, history and bus.
type Services struct {
	registry    *Registry
	store       Store
	history     *HistoryService
	bus         events.EventBus
	clock       types.Clock
	defaultUser string
	logger      zerolog.Logger
}

type Option func(*Services)

func WithClock(clock types.Clock) Option {
	return func(s *Services) { s.clock = clock }
}

func WithDefaultUser(user string) Option {
	return func(s *Services) {
		if user != "" {
			s.defaultUser = user
		}
	}
}

// NewServices wires the data services. A nil history repository keeps
// revisions in memory.
func NewServices(registry *Registry, store Store, history HistoryRepository, bus events.EventBus, logger zerolog.Logger, opts ...Option) *Services {
	if history == nil {
		history = NewMemoryHistoryRepository()
	}
	s := &Services{
		registry:    registry,
		store:       store,
		history:     NewHistoryService(history, registry),
		bus:         bus,
		clock:       types.SystemClock,
		defaultUser: DefaultUser,
		logger:      logger.With().Str("component", "mds").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Services) Registry() *Registry {
	return s.registry
}

func (s *Services) History() *HistoryService {
	return s.history
}

// For returns the data service of className.
func (s *Services) For(className string) (*DataService, error) {
	e, err := s.registry.Get(className)
	if err != nil {
		return nil, err
	}
	return &DataService{services: s, entity: e}, nil
}

// DoInTransaction runs fn against one store transaction. An error or a panic
// from fn rolls everything back and no events are published. On success the
// transaction commits, history is recorded and the buffered events are
// published in order.
func (s *Services) DoInTransaction(ctx context.Context, fn func(tx *TxServices) error) error {
	return s.inTransaction(ctx, func(sc *scope) error {
		return fn(&TxServices{scope: sc})
	})
}

func (s *Services) inTransaction(ctx context.Context, fn func(sc *scope) error) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	sc := &scope{
		services: s,
		tx:       tx,
		user:     auth.UserName(ctx, s.defaultUser),
	}

	defer func() {
		if r := recover(); r != nil {
			sc.closed = true
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.logger.Error().Err(rbErr).Msg("rollback after panic failed")
			}
			panic(r)
		}
	}()

	if err := fn(sc); err != nil {
		sc.closed = true
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	sc.closed = true
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return sc.flush(ctx)
}

// TxServices hands out data services bound to one transaction.
type TxServices struct {
	scope *scope
}

func (t *TxServices) For(className string) (*DataService, error) {
	e, err := t.scope.services.registry.Get(className)
	if err != nil {
		return nil, err
	}
	return &DataService{services: t.scope.services, entity: e, scope: t.scope}, nil
}

type pendingRevision struct {
	entity *Entity
	inst   *Instance
	at     time.Time
}

// scope collects what a transaction publishes once it commits.
type scope struct {
	services *Services
	tx       Tx
	user     string
	closed   bool
	events   []events.Event
	history  []pendingRevision
}

func (sc *scope) flush(ctx context.Context) error {
	s := sc.services
	var historyErr error
	for _, p := range sc.history {
		if err := s.history.record(ctx, p.entity, p.inst, sc.user, p.at); err != nil {
			s.logger.Error().Err(err).
				Str("entity", p.entity.ClassName).
				Str("id", p.inst.ID).
				Msg("failed to record history")
			if historyErr == nil {
				historyErr = err
			}
		}
	}

	// The store has committed; the caller's cancellation must not drop events.
	pubCtx := context.WithoutCancel(ctx)
	for _, event := range sc.events {
		if err := s.bus.Publish(pubCtx, event); err != nil {
			s.logger.Error().Err(err).Str("subject", event.Subject).Msg("failed to publish crud event")
		}
	}
	return historyErr
}

func (sc *scope) now() time.Time {
	return sc.services.clock()
}

func (sc *scope) emit(e *Entity, id string, action CrudEventType) {
	sc.events = append(sc.events, crudEvent(e, id, action))
}

func (sc *scope) remember(e *Entity, prev *Instance) {
	if e.RecordHistory {
		sc.history = append(sc.history, pendingRevision{entity: e, inst: prev.Clone(), at: sc.now()})
	}
}

func (sc *scope) get(ctx context.Context, e *Entity, id string) (*Instance, error) {
	inst, err := sc.tx.Get(ctx, e.ClassName, id)
	if err != nil || inst == nil {
		return nil, err
	}
	return decodeInstance(e, inst)
}

func (sc *scope) list(ctx context.Context, e *Entity) ([]*Instance, error) {
	raw, err := sc.tx.List(ctx, e.ClassName)
	if err != nil {
		return nil, err
	}
	out := make([]*Instance, 0, len(raw))
	for _, inst := range raw {
		decoded, err := decodeInstance(e, inst)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
	return out, nil
}

func (sc *scope) create(ctx context.Context, e *Entity, inst *Instance) (*Instance, error) {
	values, err := normalize(e, inst.Values, true)
	if err != nil {
		return nil, err
	}
	if err := checkRequired(e, values); err != nil {
		return nil, err
	}

	now := sc.now()
	out := &Instance{
		ID:               uuid.New().String(),
		Creator:          sc.user,
		Owner:            inst.Owner,
		ModifiedBy:       sc.user,
		CreationDate:     now,
		ModificationDate: now,
		Values:           values,
	}
	if out.Owner == "" {
		out.Owner = sc.user
	}

	if err := sc.tx.Put(ctx, e.ClassName, out); err != nil {
		return nil, err
	}
	if err := sc.syncRelationships(ctx, e, out, nil); err != nil {
		return nil, err
	}

	sc.emit(e, out.ID, CrudCreate)
	metrics.RecordMDSOperation(e.Name, "create")
	return out.Clone(), nil
}

func (sc *scope) update(ctx context.Context, e *Entity, inst *Instance, sync bool) (*Instance, error) {
	if inst.ID == "" {
		return nil, errors.BadRequest("instance id is required for update")
	}
	prev, err := sc.get(ctx, e, inst.ID)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, errors.NotFound(e.Name, inst.ID)
	}

	values, err := normalize(e, inst.Values, false)
	if err != nil {
		return nil, err
	}
	if err := checkReadOnly(e, prev, values); err != nil {
		return nil, err
	}
	if err := checkRequired(e, values); err != nil {
		return nil, err
	}

	out := prev.Clone()
	out.Values = values
	if inst.Owner != "" {
		out.Owner = inst.Owner
	}
	out.ModifiedBy = sc.user
	out.ModificationDate = sc.nextModification(prev.ModificationDate)

	sc.remember(e, prev)
	if err := sc.tx.Put(ctx, e.ClassName, out); err != nil {
		return nil, err
	}
	if sync {
		if err := sc.syncRelationships(ctx, e, out, prev); err != nil {
			return nil, err
		}
	}

	sc.emit(e, out.ID, CrudUpdate)
	metrics.RecordMDSOperation(e.Name, "update")
	return out.Clone(), nil
}

// nextModification returns the clock, moved past prev for coarse clocks.
func (sc *scope) nextModification(prev time.Time) time.Time {
	now := sc.now()
	if !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	return now
}

func (sc *scope) delete(ctx context.Context, e *Entity, id string) error {
	prev, err := sc.get(ctx, e, id)
	if err != nil {
		return err
	}
	if prev == nil {
		return errors.NotFound(e.Name, id)
	}

	for _, f := range e.RelationshipFields() {
		if f.Backlink() == "" {
			continue
		}
		if err := sc.syncBacklinks(ctx, f, id, prev.IDs(f.Name), nil); err != nil {
			return err
		}
	}

	sc.remember(e, prev)
	if err := sc.tx.Delete(ctx, e.ClassName, id); err != nil {
		return err
	}

	sc.emit(e, id, CrudDelete)
	metrics.RecordMDSOperation(e.Name, "delete")
	return nil
}

// syncRelationships checks that referenced instances exist and keeps backlinks
// in step with cur. prev is nil for a new instance.
func (sc *scope) syncRelationships(ctx context.Context, e *Entity, cur, prev *Instance) error {
	for _, f := range e.RelationshipFields() {
		var oldIDs []string
		if prev != nil {
			oldIDs = prev.IDs(f.Name)
		}
		newIDs := cur.IDs(f.Name)

		if f.Backlink() != "" {
			if err := sc.syncBacklinks(ctx, f, cur.ID, oldIDs, newIDs); err != nil {
				return err
			}
			continue
		}

		target, err := sc.services.registry.Get(f.RelatedClass())
		if err != nil {
			return err
		}
		for _, id := range newIDs {
			if slices.Contains(oldIDs, id) {
				continue
			}
			rel, err := sc.tx.Get(ctx, target.ClassName, id)
			if err != nil {
				return err
			}
			if rel == nil {
				return errors.NotFound(target.Name, id)
			}
		}
	}
	return nil
}

// syncBacklinks adds ownerID to the backlink of every instance in newIDs and
// removes it from the instances dropped from oldIDs. Every touched instance
// is saved, which records its history.
func (sc *scope) syncBacklinks(ctx context.Context, f Field, ownerID string, oldIDs, newIDs []string) error {
	target, err := sc.services.registry.Get(f.RelatedClass())
	if err != nil {
		return err
	}
	back, _ := target.Field(f.Backlink())

	type touch struct {
		id  string
		add bool
	}
	var touched []touch
	for _, id := range newIDs {
		touched = append(touched, touch{id: id, add: true})
	}
	for _, id := range oldIDs {
		if !slices.Contains(newIDs, id) {
			touched = append(touched, touch{id: id, add: false})
		}
	}

	for _, t := range touched {
		rel, err := sc.get(ctx, target, t.id)
		if err != nil {
			return err
		}
		if rel == nil {
			if !t.add {
				continue
			}
			return errors.NotFound(target.Name, t.id)
		}

		if t.add {
			if err := sc.link(ctx, f, back, rel, ownerID); err != nil {
				return err
			}
		} else {
			unlink(back, rel, ownerID)
		}

		if _, err := sc.update(ctx, target, rel, false); err != nil {
			return err
		}
	}
	return nil
}

// link points rel's backlink at ownerID. A to-one backlink that pointed at a
// different owner is detached from that owner first.
func (sc *scope) link(ctx context.Context, f, back Field, rel *Instance, ownerID string) error {
	if back.Type.IsToMany() {
		ids := rel.IDs(back.Name)
		if !slices.Contains(ids, ownerID) {
			ids = append(ids, ownerID)
		}
		rel.Set(back.Name, ids)
		return nil
	}

	previous := rel.String(back.Name)
	rel.Set(back.Name, ownerID)
	if previous == "" || previous == ownerID {
		return nil
	}

	ownerEntity, err := sc.services.registry.Get(back.RelatedClass())
	if err != nil {
		return err
	}
	old, err := sc.get(ctx, ownerEntity, previous)
	if err != nil || old == nil {
		return err
	}
	unlink(f, old, rel.ID)
	_, err = sc.update(ctx, ownerEntity, old, false)
	return err
}

func unlink(field Field, inst *Instance, id string) {
	if field.Type.IsToMany() {
		ids := slices.DeleteFunc(inst.IDs(field.Name), func(v string) bool { return v == id })
		inst.Set(field.Name, ids)
		return
	}
	if inst.String(field.Name) == id {
		delete(inst.Values, field.Name)
	}
}

// normalize converts raw values into the entity's field types.
func normalize(e *Entity, raw map[string]any, withDefaults bool) (map[string]any, error) {
	values := make(map[string]any, len(raw))
	details := map[string]string{}

	for name, v := range raw {
		if IsAutoField(name) {
			continue
		}
		f, ok := e.Field(name)
		if !ok {
			details[name] = "unknown field"
			continue
		}
		cv, err := f.coerce(v)
		if err != nil {
			details[name] = err.Error()
			continue
		}
		if cv != nil {
			values[name] = cv
		}
	}

	if withDefaults {
		for _, f := range e.Fields {
			if f.DefaultValue == "" || IsAutoField(f.Name) || !isEmpty(values[f.Name]) {
				continue
			}
			cv, err := f.coerce(f.DefaultValue)
			if err != nil {
				details[f.Name] = err.Error()
				continue
			}
			values[f.Name] = cv
		}
	}

	if len(details) > 0 {
		return nil, errors.Validation(fmt.Sprintf("invalid %s instance", e.Name), details)
	}
	return values, nil
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []string:
		return len(val) == 0
	}
	return false
}

func checkRequired(e *Entity, values map[string]any) error {
	details := map[string]string{}
	for _, f := range e.Fields {
		if f.Required && !IsAutoField(f.Name) && isEmpty(values[f.Name]) {
			details[f.Name] = "required"
		}
	}
	if len(details) == 0 {
		return nil
	}
	return &errors.AppError{
		Err:        ErrRequiredField,
		Message:    fmt.Sprintf("%s is missing required fields", e.Name),
		Code:       "VALIDATION_ERROR",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// checkReadOnly keeps omitted read-only values and rejects changed ones.
func checkReadOnly(e *Entity, prev *Instance, values map[string]any) error {
	details := map[string]string{}
	for _, f := range e.Fields {
		if !f.ReadOnly || IsAutoField(f.Name) {
			continue
		}
		old, had := prev.Values[f.Name]
		v, ok := values[f.Name]
		switch {
		case !ok && had:
			values[f.Name] = old
		case ok && !reflect.DeepEqual(v, old):
			details[f.Name] = "read only"
		}
	}
	if len(details) > 0 {
		return errors.Validation(fmt.Sprintf("cannot change read only fields of %s", e.Name), details)
	}
	return nil
}

// decodeInstance converts stored values back into field types.
func decodeInstance(e *Entity, inst *Instance) (*Instance, error) {
	out := inst.Clone()
	for name, v := range out.Values {
		f, ok := e.Field(name)
		if !ok {
			continue
		}
		cv, err := f.coerce(v)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("failed to decode %s.%s", e.Name, name))
		}
		if cv == nil {
			delete(out.Values, name)
			continue
		}
		out.Values[name] = cv
	}
	return out, nil
}

// DataService reads and writes the instances of one entity. A service
// obtained from TxServices joins that transaction; otherwise every call runs
// in its own.
type DataService struct {
	services *Services
	entity   *Entity
	scope    *scope
}

func (d *DataService) Entity() *Entity {
	return d.entity
}

func (d *DataService) run(ctx context.Context, fn func(sc *scope) error) error {
	if d.scope != nil {
		if d.scope.closed {
			return errors.BadRequest("transaction already finished")
		}
		return fn(d.scope)
	}
	for attempt := 1; ; attempt++ {
		err := d.services.inTransaction(ctx, fn)
		if err == nil || attempt >= maxTxAttempts || !stderrors.Is(err, ErrConcurrentUpdate) {
			return err
		}
		d.services.logger.Debug().Str("entity", d.entity.Name).Int("attempt", attempt).Msg("retrying after concurrent update")
	}
}

// maxTxAttempts bounds how often a single call reruns after a concurrent
// update.
const maxTxAttempts = 10

func (d *DataService) Create(ctx context.Context, inst *Instance) (*Instance, error) {
	var out *Instance
	err := d.run(ctx, func(sc *scope) error {
		var err error
		out, err = sc.create(ctx, d.entity, inst)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *DataService) Update(ctx context.Context, inst *Instance) (*Instance, error) {
	var out *Instance
	err := d.run(ctx, func(sc *scope) error {
		var err error
		out, err = sc.update(ctx, d.entity, inst, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *DataService) Delete(ctx context.Context, id string) error {
	return d.run(ctx, func(sc *scope) error {
		return sc.delete(ctx, d.entity, id)
	})
}

// DeleteAll deletes every instance, publishing DELETE for each.
func (d *DataService) DeleteAll(ctx context.Context) error {
	return d.run(ctx, func(sc *scope) error {
		all, err := sc.tx.List(ctx, d.entity.ClassName)
		if err != nil {
			return err
		}
		for _, inst := range all {
			if err := sc.delete(ctx, d.entity, inst.ID); err != nil && !errors.IsNotFound(err) {
				return err
			}
		}
		return nil
	})
}

// RetrieveAll returns every instance in creation order.
func (d *DataService) RetrieveAll(ctx context.Context) ([]*Instance, error) {
	var out []*Instance
	err := d.run(ctx, func(sc *scope) error {
		var err error
		out, err = sc.list(ctx, d.entity)
		return err
	})
	return out, err
}

// FindByID returns nil, nil when no instance has the id.
func (d *DataService) FindByID(ctx context.Context, id string) (*Instance, error) {
	var out *Instance
	err := d.run(ctx, func(sc *scope) error {
		var err error
		out, err = sc.get(ctx, d.entity, id)
		return err
	})
	return out, err
}

// Lookup evaluates the named lookup. params are keyed by field name.
func (d *DataService) Lookup(ctx context.Context, name string, params map[string]any) ([]*Instance, error) {
	l, ok := d.entity.Lookup(name)
	if !ok {
		return nil, errors.NotFound("lookup", name)
	}

	all, err := d.RetrieveAll(ctx)
	if err != nil {
		return nil, err
	}

	out := []*Instance{}
	for _, inst := range all {
		ok, err := matchLookup(d.entity, l, inst, params)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, inst)
		if l.SingleObjectReturn {
			break
		}
	}
	return out, nil
}

func (d *DataService) Count(ctx context.Context) (int, error) {
	all, err := d.RetrieveAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// DoInTransaction runs fn in a transaction, or in the current one when the
// service is already bound to a transaction.
func (d *DataService) DoInTransaction(ctx context.Context, fn func(tx *TxServices) error) error {
	if d.scope != nil {
		return d.run(ctx, func(sc *scope) error { return fn(&TxServices{scope: sc}) })
	}
	return d.services.DoInTransaction(ctx, fn)
}
