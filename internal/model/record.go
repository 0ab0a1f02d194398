package model

import "time"

// Fields holds the field values of a document.
// Values must be normalized with Normalize before storage.
type Fields map[string]any

// Clone returns a deep copy of the fields.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge returns a copy of f with every key of patch applied on top.
// Used by the local write path to compute whole-record overwrites from
// partial updates.
func (f Fields) Merge(patch Fields) Fields {
	out := f.Clone()
	if out == nil {
		out = make(Fields, len(patch))
	}
	for k, v := range patch {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return map[string]any(Fields(val).Clone())
	case Fields:
		return val.Clone()
	case []any:
		arr := make([]any, len(val))
		for i, elem := range val {
			arr[i] = cloneValue(elem)
		}
		return arr
	default:
		return v
	}
}

// Record is a cached copy of a remote document.
// Identity is (Collection, ID). The cache overwrites records wholesale.
type Record struct {
	Collection  string    `json:"collection"`
	ID          string    `json:"id"`
	Fields      Fields    `json:"fields"`
	LastWriteAt time.Time `json:"last_write_at"`
}

// Document is a remote document as returned by a backend read.
type Document struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

// ToRecord converts a remote document into a cache record.
func (d Document) ToRecord(collection string, at time.Time) Record {
	return Record{
		Collection:  collection,
		ID:          d.ID,
		Fields:      d.Fields,
		LastWriteAt: at,
	}
}
