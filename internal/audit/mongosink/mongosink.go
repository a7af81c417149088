// Package mongosink persists audit events into a MongoDB collection
// via gopkg.in/mgo.v2, grounded on rsu/db.go's Tsdb Init/WriteObuEvent/
// Exit lifecycle.
package mongosink

import (
	"context"
	"fmt"

	mgo "gopkg.in/mgo.v2"

	"github.com/nullstream/spopagent/internal/audit"
)

// Sink writes one document per audit.Event into a fixed collection.
type Sink struct {
	session    *mgo.Session
	collection *mgo.Collection
}

type eventDoc struct {
	ConnID      uint64   `bson:"conn_id"`
	StreamID    uint64   `bson:"stream_id"`
	FrameID     uint64   `bson:"frame_id"`
	Messages    []string `bson:"messages"`
	ActionCount int      `bson:"action_count"`
	Timestamp   int64    `bson:"timestamp"`
}

// New dials uri and ensures the target collection has the indexes the
// audit trail is queried by: connection id and time.
func New(uri, database, collection string) (*Sink, error) {
	session, err := mgo.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("mongosink: dial %s: %w", uri, err)
	}
	session.SetMode(mgo.Monotonic, true)

	c := session.DB(database).C(collection)
	if err := c.EnsureIndex(mgo.Index{
		Key:        []string{"timestamp"},
		Background: true,
		Sparse:     true,
	}); err != nil {
		session.Close()
		return nil, fmt.Errorf("mongosink: ensure timestamp index: %w", err)
	}
	if err := c.EnsureIndexKey("conn_id"); err != nil {
		session.Close()
		return nil, fmt.Errorf("mongosink: ensure conn_id index: %w", err)
	}

	return &Sink{session: session, collection: c}, nil
}

// Record inserts ev as a new document.
func (s *Sink) Record(ctx context.Context, ev audit.Event) error {
	if err := s.collection.Insert(toDoc(ev)); err != nil {
		return fmt.Errorf("mongosink: insert: %w", err)
	}
	return nil
}

func toDoc(ev audit.Event) eventDoc {
	return eventDoc{
		ConnID:      ev.ConnID,
		StreamID:    ev.StreamID,
		FrameID:     ev.FrameID,
		Messages:    ev.Messages,
		ActionCount: ev.ActionCount,
		Timestamp:   ev.Timestamp.Unix(),
	}
}

// Close releases the underlying session.
func (s *Sink) Close() error {
	s.session.Close()
	return nil
}
