package mirror

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	firestore "google.golang.org/api/firestore/v1"
	"google.golang.org/api/option"
)

const listPageSize = 300

// FirestoreRemote writes documents through the Firestore REST API.
type FirestoreRemote struct {
	docs     *firestore.ProjectsDatabasesDocumentsService
	database string
}

// NewFirestoreRemote connects to projects/{projectID}/databases/{database}.
// Credentials, endpoint and HTTP client come from opts.
func NewFirestoreRemote(ctx context.Context, projectID, database string, opts ...option.ClientOption) (*FirestoreRemote, error) {
	if projectID == "" {
		return nil, fmt.Errorf("firestore project id is required")
	}
	if database == "" {
		database = "(default)"
	}
	svc, err := firestore.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore service: %w", err)
	}
	return &FirestoreRemote{
		docs:     svc.Projects.Databases.Documents,
		database: fmt.Sprintf("projects/%s/databases/%s", projectID, database),
	}, nil
}

func (f *FirestoreRemote) documentName(collection, id string) string {
	return f.database + "/documents/" + collection + "/" + id
}

// Put commits a full overwrite with a REQUEST_TIME transform on ServerTimeField.
func (f *FirestoreRemote) Put(ctx context.Context, collection, id string, fields map[string]any) error {
	doc, err := toDocument(f.documentName(collection, id), fields)
	if err != nil {
		return err
	}
	req := &firestore.CommitRequest{
		Writes: []*firestore.Write{{
			Update: doc,
			UpdateTransforms: []*firestore.FieldTransform{{
				FieldPath:        ServerTimeField,
				SetToServerValue: "REQUEST_TIME",
			}},
		}},
	}
	if _, err := f.docs.Commit(f.database, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to commit %s/%s: %w", collection, id, err)
	}
	return nil
}

// List pages through a collection.
func (f *FirestoreRemote) List(ctx context.Context, collection string) ([]Document, error) {
	parent, collectionID := f.database+"/documents", collection
	if i := strings.LastIndex(collection, "/"); i >= 0 {
		parent += "/" + collection[:i]
		collectionID = collection[i+1:]
	}

	var docs []Document
	err := f.docs.List(parent, collectionID).PageSize(listPageSize).Pages(ctx, func(resp *firestore.ListDocumentsResponse) error {
		for _, d := range resp.Documents {
			fields, err := fromDocument(d)
			if err != nil {
				return err
			}
			docs = append(docs, Document{ID: d.Name[strings.LastIndex(d.Name, "/")+1:], Fields: fields})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	return docs, nil
}

// toDocument encodes fields in the Firestore JSON value format and decodes
// the result into the generated type.
func toDocument(name string, fields map[string]any) (*firestore.Document, error) {
	encoded := make(map[string]any, len(fields))
	for k, v := range fields {
		encoded[k] = encodeValue(v)
	}
	data, err := json.Marshal(map[string]any{"name": name, "fields": encoded})
	if err != nil {
		return nil, fmt.Errorf("failed to encode document %s: %w", name, err)
	}
	var doc firestore.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to encode document %s: %w", name, err)
	}
	forceFields(doc.Fields, encoded)
	return &doc, nil
}

// goFieldNames maps JSON value kinds to the generated struct fields, so zero
// values (0, false, "") survive omitempty.
var goFieldNames = map[string]string{
	"stringValue":    "StringValue",
	"booleanValue":   "BooleanValue",
	"integerValue":   "IntegerValue",
	"doubleValue":    "DoubleValue",
	"timestampValue": "TimestampValue",
	"bytesValue":     "BytesValue",
}

func forceFields(fields map[string]firestore.Value, encoded map[string]any) {
	for k, v := range fields {
		enc, _ := encoded[k].(map[string]any)
		forceValue(&v, enc)
		fields[k] = v
	}
}

func forceValue(v *firestore.Value, encoded map[string]any) {
	for kind, inner := range encoded {
		switch kind {
		case "mapValue":
			nested, _ := inner.(map[string]any)["fields"].(map[string]any)
			if v.MapValue != nil {
				forceFields(v.MapValue.Fields, nested)
			}
		case "arrayValue":
			values, _ := inner.(map[string]any)["values"].([]any)
			if v.ArrayValue == nil {
				continue
			}
			for i, e := range v.ArrayValue.Values {
				if i < len(values) && e != nil {
					enc, _ := values[i].(map[string]any)
					forceValue(e, enc)
				}
			}
		default:
			if name, ok := goFieldNames[kind]; ok {
				v.ForceSendFields = append(v.ForceSendFields, name)
			}
		}
	}
}

func fromDocument(doc *firestore.Document) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", doc.Name, err)
	}
	var raw struct {
		Fields map[string]map[string]json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", doc.Name, err)
	}
	fields := make(map[string]any, len(raw.Fields))
	for k, v := range raw.Fields {
		fields[k] = decodeValue(v)
	}
	return fields, nil
}

func encodeValue(v any) map[string]any {
	switch x := v.(type) {
	case nil:
		return map[string]any{"nullValue": "NULL_VALUE"}
	case string:
		return map[string]any{"stringValue": x}
	case bool:
		return map[string]any{"booleanValue": x}
	case int:
		return map[string]any{"integerValue": strconv.Itoa(x)}
	case int64:
		return map[string]any{"integerValue": strconv.FormatInt(x, 10)}
	case float64:
		return map[string]any{"doubleValue": x}
	case time.Time:
		return map[string]any{"timestampValue": x.UTC().Format(time.RFC3339Nano)}
	case []byte:
		return map[string]any{"bytesValue": base64.StdEncoding.EncodeToString(x)}
	case []string:
		values := make([]any, len(x))
		for i, s := range x {
			values[i] = encodeValue(s)
		}
		return map[string]any{"arrayValue": map[string]any{"values": values}}
	case []any:
		values := make([]any, len(x))
		for i, e := range x {
			values[i] = encodeValue(e)
		}
		return map[string]any{"arrayValue": map[string]any{"values": values}}
	case map[string]any:
		nested := make(map[string]any, len(x))
		for k, e := range x {
			nested[k] = encodeValue(e)
		}
		return map[string]any{"mapValue": map[string]any{"fields": nested}}
	default:
		return map[string]any{"stringValue": fmt.Sprint(x)}
	}
}

func decodeValue(v map[string]json.RawMessage) any {
	for kind, raw := range v {
		switch kind {
		case "stringValue", "referenceValue":
			var s string
			_ = json.Unmarshal(raw, &s)
			return s
		case "booleanValue":
			var b bool
			_ = json.Unmarshal(raw, &b)
			return b
		case "integerValue":
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				var n int64
				_ = json.Unmarshal(raw, &n)
				return n
			}
			n, _ := strconv.ParseInt(s, 10, 64)
			return n
		case "doubleValue":
			var f float64
			_ = json.Unmarshal(raw, &f)
			return f
		case "timestampValue":
			var s string
			_ = json.Unmarshal(raw, &s)
			t, _ := time.Parse(time.RFC3339Nano, s)
			return t
		case "bytesValue":
			var s string
			_ = json.Unmarshal(raw, &s)
			b, _ := base64.StdEncoding.DecodeString(s)
			return b
		case "nullValue":
			return nil
		case "arrayValue":
			var arr struct {
				Values []map[string]json.RawMessage `json:"values"`
			}
			_ = json.Unmarshal(raw, &arr)
			out := make([]any, len(arr.Values))
			for i, e := range arr.Values {
				out[i] = decodeValue(e)
			}
			return out
		case "mapValue":
			var m struct {
				Fields map[string]map[string]json.RawMessage `json:"fields"`
			}
			_ = json.Unmarshal(raw, &m)
			out := make(map[string]any, len(m.Fields))
			for k, e := range m.Fields {
				out[k] = decodeValue(e)
			}
			return out
		}
	}
	return nil
}
