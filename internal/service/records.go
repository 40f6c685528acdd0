package service

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/webitel/im-connection-manager/internal/domain/model"
)

const defaultRecordCapacity = 1024

// Recorder keeps the most recent delivery records for diagnostics.
// Bounded by an LRU so the trail never outgrows memory; nothing here is
// persisted beyond process lifetime.
type Recorder struct {
	cache *lru.Cache[string, model.DeliveryRecord]
}

func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = defaultRecordCapacity
	}
	cache, _ := lru.New[string, model.DeliveryRecord](capacity)
	return &Recorder{cache: cache}
}

func (r *Recorder) Add(record model.DeliveryRecord) {
	r.cache.Add(record.EventID, record)
}

// Recent returns the retained records, oldest first.
func (r *Recorder) Recent() []model.DeliveryRecord {
	return r.cache.Values()
}

// ForUser filters the retained records down to one user.
func (r *Recorder) ForUser(userID string) []model.DeliveryRecord {
	out := make([]model.DeliveryRecord, 0)
	for _, rec := range r.cache.Values() {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out
}
