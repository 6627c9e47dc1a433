package mds

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"sync"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"
	"github.com/motech/platform/internal/shared/errors"
)

// RevisionEventType is the event type revisions are appended with.
const RevisionEventType = "MdsRevision"

// KurrentDBHistoryRepository appends revisions to one stream per instance,
// mds-history-<entity>-<id>.
type KurrentDBHistoryRepository struct {
	client *esdb.Client
	mu     sync.Mutex
}

func NewKurrentDBHistoryRepository(client *esdb.Client) *KurrentDBHistoryRepository {
	return &KurrentDBHistoryRepository{client: client}
}

// HistoryStreamName returns the stream holding an instance's revisions.
func HistoryStreamName(className, id string) string {
	return fmt.Sprintf("mds-history-%s-%s", SimpleName(className), id)
}

func isStreamNotFound(err error) bool {
	esdbErr, ok := esdb.FromError(err)
	return !ok && esdbErr != nil && esdbErr.Code() == esdb.ErrorCodeResourceNotFound
}

func (r *KurrentDBHistoryRepository) last(ctx context.Context, stream string) (*Revision, error) {
	rs, err := r.client.ReadStream(ctx, stream, esdb.ReadStreamOptions{
		Direction: esdb.Backwards,
		From:      esdb.End{},
	}, 1)
	if err != nil {
		if isStreamNotFound(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read history stream")
	}
	defer rs.Close()

	event, err := rs.Recv()
	if err != nil {
		if stderrors.Is(err, io.EOF) || isStreamNotFound(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read history stream")
	}
	return decodeRevision(event)
}

func decodeRevision(event *esdb.ResolvedEvent) (*Revision, error) {
	if event.Event == nil || event.Event.EventType != RevisionEventType {
		return nil, nil
	}
	var rev Revision
	if err := json.Unmarshal(event.Event.Data, &rev); err != nil {
		return nil, errors.Wrap(err, "failed to decode revision")
	}
	return &rev, nil
}

func (r *KurrentDBHistoryRepository) Append(ctx context.Context, rev *Revision) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream := HistoryStreamName(rev.EntityClass, rev.InstanceID)
	prev, err := r.last(ctx, stream)
	if err != nil {
		return err
	}
	rev.seal(prev)

	data, err := json.Marshal(rev)
	if err != nil {
		return errors.Wrap(err, "failed to marshal revision")
	}

	eventData := esdb.EventData{
		EventID:     uuid.New(),
		EventType:   RevisionEventType,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		Metadata:    []byte(fmt.Sprintf(`{"revision":%d,"hash":"%s"}`, rev.Number, rev.Hash)),
	}

	if _, err := r.client.AppendToStream(ctx, stream, esdb.AppendToStreamOptions{}, eventData); err != nil {
		return errors.Wrap(err, "failed to append revision")
	}
	return nil
}

func (r *KurrentDBHistoryRepository) List(ctx context.Context, className, id string) ([]*Revision, error) {
	rs, err := r.client.ReadStream(ctx, HistoryStreamName(className, id), esdb.ReadStreamOptions{
		Direction: esdb.Forwards,
		From:      esdb.Start{},
	}, 10000)
	if err != nil {
		if isStreamNotFound(err) {
			return []*Revision{}, nil
		}
		return nil, errors.Wrap(err, "failed to read history stream")
	}
	defer rs.Close()

	revs := []*Revision{}
	for {
		event, err := rs.Recv()
		if err != nil {
			if stderrors.Is(err, io.EOF) || isStreamNotFound(err) {
				break
			}
			return nil, errors.Wrap(err, "failed to read history stream")
		}
		rev, err := decodeRevision(event)
		if err != nil {
			return nil, err
		}
		if rev != nil {
			revs = append(revs, rev)
		}
	}
	return revs, nil
}

var (
	_ HistoryRepository = (*MemoryHistoryRepository)(nil)
	_ HistoryRepository = (*KurrentDBHistoryRepository)(nil)
)
