package scheduletracking

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/motech/platform/internal/mds"
	"github.com/motech/platform/internal/shared/errors"
)

// EnrollmentClassName is the entity enrollments are stored as.
const EnrollmentClassName = "org.motechproject.scheduletracking.domain.Enrollment"

const lookupActiveEnrollment = "findActiveByExternalIdAndSchedule"

// EnrollmentEntity describes enrollments to the data services.
func EnrollmentEntity() mds.Entity {
	return mds.Entity{
		ClassName:     EnrollmentClassName,
		Module:        "MOTECH Schedule Tracking",
		RecordHistory: true,
		Fields: []mds.Field{
			{Name: "externalId", Type: mds.TypeString, Required: true, ExposedViaRest: true},
			{Name: "scheduleName", Type: mds.TypeString, Required: true, ExposedViaRest: true},
			{Name: "currentMilestoneName", Type: mds.TypeString, ExposedViaRest: true},
			{Name: "referenceDate", Type: mds.TypeDate, Required: true, ExposedViaRest: true},
			{Name: "enrollmentDate", Type: mds.TypeDateTime, Required: true, ExposedViaRest: true},
			{Name: "status", Type: mds.TypeString, Required: true, ExposedViaRest: true},
			{Name: "fulfillments", Type: mds.TypeString},
			{Name: "alertsSent", Type: mds.TypeList},
		},
		Lookups: []mds.Lookup{
			{
				Name:               lookupActiveEnrollment,
				SingleObjectReturn: true,
				Fields: []mds.LookupField{
					{Name: "externalId"}, {Name: "scheduleName"}, {Name: "status"},
				},
			},
			{Name: "findByStatus", ExposedViaRest: true, Fields: []mds.LookupField{{Name: "status"}}},
		},
	}
}

// MDSEnrollmentRepository stores enrollments as data service instances, so
// they get CRUD events and history.
type MDSEnrollmentRepository struct {
	data *mds.DataService
}

// NewMDSEnrollmentRepository registers the enrollment entity when needed.
func NewMDSEnrollmentRepository(services *mds.Services) (*MDSEnrollmentRepository, error) {
	if _, err := services.Registry().Get(EnrollmentClassName); err != nil {
		if err := services.Registry().Register(EnrollmentEntity()); err != nil {
			return nil, err
		}
	}
	data, err := services.For(EnrollmentClassName)
	if err != nil {
		return nil, err
	}
	return &MDSEnrollmentRepository{data: data}, nil
}

func toInstance(e *Enrollment) (*mds.Instance, error) {
	values := map[string]any{
		"externalId":           e.ExternalID,
		"scheduleName":         e.ScheduleName,
		"currentMilestoneName": e.CurrentMilestoneName,
		"referenceDate":        e.ReferenceDate,
		"enrollmentDate":       e.EnrollmentDate,
		"status":               string(e.Status),
		"alertsSent":           append([]string{}, e.AlertsSent...),
	}
	if len(e.Fulfillments) > 0 {
		data, err := json.Marshal(e.Fulfillments)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode fulfillments")
		}
		values["fulfillments"] = string(data)
	}
	inst := mds.NewInstance(values)
	inst.ID = e.ID
	return inst, nil
}

func fromInstance(inst *mds.Instance) (Enrollment, error) {
	e := Enrollment{
		ID:                   inst.ID,
		ExternalID:           inst.String("externalId"),
		ScheduleName:         inst.String("scheduleName"),
		CurrentMilestoneName: inst.String("currentMilestoneName"),
		Status:               EnrollmentStatus(inst.String("status")),
	}
	e.ReferenceDate, _ = inst.Get("referenceDate").(time.Time)
	e.EnrollmentDate, _ = inst.Get("enrollmentDate").(time.Time)
	if sent, ok := inst.Get("alertsSent").([]string); ok && len(sent) > 0 {
		e.AlertsSent = sent
	}
	if raw := inst.String("fulfillments"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Fulfillments); err != nil {
			return Enrollment{}, errors.Wrap(err, "failed to decode fulfillments")
		}
	}
	return e, nil
}

func (r *MDSEnrollmentRepository) Save(ctx context.Context, e *Enrollment) error {
	inst, err := toInstance(e)
	if err != nil {
		return err
	}
	if e.ID == "" {
		created, err := r.data.Create(ctx, inst)
		if err != nil {
			return err
		}
		e.ID = created.ID
		return nil
	}
	_, err = r.data.Update(ctx, inst)
	return err
}

func (r *MDSEnrollmentRepository) FindActive(ctx context.Context, externalID, scheduleName string) (*Enrollment, error) {
	found, err := r.data.Lookup(ctx, lookupActiveEnrollment, map[string]any{
		"externalId":   externalID,
		"scheduleName": scheduleName,
		"status":       string(StatusActive),
	})
	if err != nil || len(found) == 0 {
		return nil, err
	}
	e, err := fromInstance(found[0])
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *MDSEnrollmentRepository) ListActive(ctx context.Context) ([]Enrollment, error) {
	found, err := r.data.Lookup(ctx, "findByStatus", map[string]any{"status": string(StatusActive)})
	if err != nil {
		return nil, err
	}
	out := make([]Enrollment, 0, len(found))
	for _, inst := range found {
		e, err := fromInstance(inst)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EnrollmentDate.Equal(out[j].EnrollmentDate) {
			return out[i].EnrollmentDate.Before(out[j].EnrollmentDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

var (
	_ EnrollmentRepository = (*MemoryEnrollmentRepository)(nil)
	_ EnrollmentRepository = (*MDSEnrollmentRepository)(nil)
)
