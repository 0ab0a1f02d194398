package remote

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	surrealdb "github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/roach88/ferry/internal/model"
)

// SurrealFactory connects to SurrealDB instances.
//
// Descriptor mapping:
//   - Endpoint, or wss://<authDomain>/rpc when empty
//   - APIKey is used as the access token
//   - ProjectID selects the namespace, AppID the database
type SurrealFactory struct{}

// Open dials the endpoint, authenticates and selects the namespace.
func (SurrealFactory) Open(ctx context.Context, d model.Descriptor) (Store, error) {
	endpoint := SurrealEndpoint(d)

	db, err := surrealdb.FromEndpointURLString(ctx, endpoint)
	if err != nil {
		return nil, unreachable(err, "connect %s", endpoint)
	}

	if err := db.Authenticate(ctx, d.APIKey); err != nil {
		db.Close(context.Background())
		return nil, unreachable(err, "authenticate %s", endpoint)
	}

	if err := db.Use(ctx, d.ProjectID, d.AppID); err != nil {
		db.Close(context.Background())
		return nil, unreachable(err, "use %s/%s", d.ProjectID, d.AppID)
	}

	return &Surreal{db: db, endpoint: endpoint}, nil
}

// SurrealEndpoint returns the RPC URL a descriptor points at.
func SurrealEndpoint(d model.Descriptor) string {
	if d.Endpoint != "" {
		return d.Endpoint
	}
	return "wss://" + strings.TrimSuffix(d.AuthDomain, "/") + "/rpc"
}

// Surreal is a Store backed by a SurrealDB connection.
// Collections map to tables and document ids to record ids.
type Surreal struct {
	db       *surrealdb.DB
	endpoint string
}

func (s *Surreal) List(ctx context.Context, collection string) ([]model.Document, error) {
	return s.selectDocs(ctx, collection, "SELECT * FROM type::table($tb)", map[string]any{
		"tb": collection,
	})
}

func (s *Surreal) ListSince(ctx context.Context, collection, field string, cutoff time.Time) ([]model.Document, error) {
	return s.selectDocs(ctx, collection,
		"SELECT * FROM type::table($tb) WHERE <datetime> type::field($field) >= <datetime> $cutoff",
		map[string]any{
			"tb":     collection,
			"field":  field,
			"cutoff": model.FormatTime(cutoff),
		})
}

func (s *Surreal) Get(ctx context.Context, collection, id string) (model.Document, error) {
	docs, err := s.selectDocs(ctx, collection, "SELECT * FROM $rid", map[string]any{
		"rid": models.NewRecordID(collection, id),
	})
	if err != nil {
		return model.Document{}, err
	}
	if len(docs) == 0 {
		return model.Document{}, model.Errorf(model.CodeNotFound, "document %s/%s not found", collection, id)
	}
	return docs[0], nil
}

func (s *Surreal) Set(ctx context.Context, collection, id string, fields model.Fields) error {
	data, err := model.NormalizeFields(fields)
	if err != nil {
		return model.Wrap(model.CodeInvalidArgument, err, "set %s/%s", collection, id)
	}
	delete(data, "id")
	if _, err := surrealdb.Upsert[map[string]any](ctx, s.db, models.NewRecordID(collection, id), map[string]any(data)); err != nil {
		return unreachable(err, "upsert %s/%s", collection, id)
	}
	return nil
}

func (s *Surreal) Update(ctx context.Context, collection, id string, fields model.Fields) error {
	data, err := model.NormalizeFields(fields)
	if err != nil {
		return model.Wrap(model.CodeInvalidArgument, err, "update %s/%s", collection, id)
	}
	delete(data, "id")

	// UPDATE only touches existing records; an empty result means missing.
	res, err := surrealdb.Query[[]map[string]any](ctx, s.db, "UPDATE $rid MERGE $data RETURN AFTER", map[string]any{
		"rid":  models.NewRecordID(collection, id),
		"data": map[string]any(data),
	})
	if err != nil {
		return unreachable(err, "update %s/%s", collection, id)
	}
	rows, err := firstResult(res)
	if err != nil {
		return unreachable(err, "update %s/%s", collection, id)
	}
	if len(rows) == 0 {
		return model.Errorf(model.CodeNotFound, "document %s/%s not found", collection, id)
	}
	return nil
}

func (s *Surreal) Delete(ctx context.Context, collection, id string) error {
	if _, err := surrealdb.Delete[map[string]any](ctx, s.db, models.NewRecordID(collection, id)); err != nil {
		return unreachable(err, "delete %s/%s", collection, id)
	}
	return nil
}

func (s *Surreal) Probe(ctx context.Context) error {
	res, err := surrealdb.Query[bool](ctx, s.db, "RETURN true", nil)
	if err != nil {
		return unreachable(err, "probe %s", s.endpoint)
	}
	if res == nil || len(*res) == 0 || !(*res)[0].Result {
		return model.Errorf(model.CodeRemoteUnreachable, "probe %s: unexpected response", s.endpoint)
	}
	return nil
}

func (s *Surreal) Close() error {
	return s.db.Close(context.Background())
}

func (s *Surreal) selectDocs(ctx context.Context, collection, sql string, vars map[string]any) ([]model.Document, error) {
	res, err := surrealdb.Query[[]map[string]any](ctx, s.db, sql, vars)
	if err != nil {
		return nil, unreachable(err, "select %s", collection)
	}
	rows, err := firstResult(res)
	if err != nil {
		return nil, unreachable(err, "select %s", collection)
	}

	docs := make([]model.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := documentFromRow(row)
		if err != nil {
			return nil, model.Wrap(model.CodeRemoteUnreachable, err, "decode %s", collection)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func firstResult(res *[]surrealdb.QueryResult[[]map[string]any]) ([]map[string]any, error) {
	if res == nil || len(*res) == 0 {
		return nil, nil
	}
	first := (*res)[0]
	if first.Status != "" && first.Status != "OK" {
		return nil, fmt.Errorf("query status %s", first.Status)
	}
	return first.Result, nil
}

// documentFromRow splits the record id from the fields and converts
// SurrealDB value types into normalized document values.
func documentFromRow(row map[string]any) (model.Document, error) {
	doc := model.Document{Fields: make(model.Fields, len(row))}
	for k, v := range row {
		if k == "id" {
			doc.ID = recordKey(v)
			continue
		}
		n, err := model.Normalize(fromSurreal(v))
		if err != nil {
			return model.Document{}, fmt.Errorf("field %q: %w", k, err)
		}
		doc.Fields[k] = n
	}
	if doc.ID == "" {
		return model.Document{}, fmt.Errorf("row has no record id")
	}
	return doc, nil
}

func recordKey(v any) string {
	switch id := v.(type) {
	case models.RecordID:
		return fmt.Sprint(id.ID)
	case *models.RecordID:
		if id == nil {
			return ""
		}
		return fmt.Sprint(id.ID)
	case string:
		if _, key, ok := strings.Cut(id, ":"); ok {
			return key
		}
		return id
	}
	return fmt.Sprint(v)
}

var timeType = reflect.TypeOf(time.Time{})

// fromSurreal maps driver-specific values onto plain Go values.
func fromSurreal(v any) any {
	switch val := v.(type) {
	case nil, string, bool, int64, float64:
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = fromSurreal(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = fromSurreal(e)
		}
		return out
	case models.RecordID:
		return val.Table + ":" + fmt.Sprint(val.ID)
	case *models.RecordID:
		if val == nil {
			return nil
		}
		return val.Table + ":" + fmt.Sprint(val.ID)
	}

	// Datetime wrappers either convert to or embed time.Time.
	rv := reflect.ValueOf(v)
	if rv.Type().ConvertibleTo(timeType) {
		return rv.Convert(timeType).Interface()
	}
	if rv.Kind() == reflect.Struct {
		if f := rv.FieldByName("Time"); f.IsValid() && f.Type() == timeType {
			return f.Interface()
		}
		if rv.NumField() == 0 {
			// NONE and NULL markers
			return nil
		}
	}
	return v
}
