// Package mapper transforms source rows into target-store documents
// without a predefined schema: every field survives under its original
// name and only non-portable scalar types are converted.
package mapper

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// Version tags replicated documents so a future mapping change can be
// told apart from documents written by this one.
const Version = "2.0"

// MetadataField is the document field carrying sync provenance.
const MetadataField = "_sync_metadata"

// identityField stores the derived identity for rows lacking a usable
// primary key.
const identityField = "_sync_id"

// Identity-key candidates tried in order before falling back to hashing.
var pkCandidates = []string{"id", "_id", "%s_id", "uuid", "guid"}

// Mapper converts rows into documents and derives identity keys.
type Mapper struct {
	logger *zap.Logger
}

// New creates a Mapper.
func New(logger *zap.Logger) *Mapper {
	return &Mapper{logger: logger}
}

// Transform converts rows from a table into target-store documents.
// Every field is preserved under its original name; a metadata block
// records the source table, sync time and mapper version.
func (m *Mapper) Transform(rows []map[string]any, table string) []map[string]any {
	syncedAt := time.Now().UTC().Format(time.RFC3339)

	docs := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		doc := make(map[string]any, len(row)+1)
		for field, value := range row {
			doc[field] = convertValue(value)
		}
		if _, ok := doc[MetadataField]; !ok {
			doc[MetadataField] = map[string]any{
				"source_table":   table,
				"synced_at":      syncedAt,
				"mapper_version": Version,
			}
		}
		docs = append(docs, doc)
	}
	return docs
}

// convertValue maps a source value onto a type the target store can
// hold. Dates become ISO-8601 strings, decimals become floats, byte
// sequences become UTF-8 strings with invalid bytes dropped, and
// composite values are converted recursively.
func convertValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case decimal.Decimal:
		f, _ := v.Float64()
		return f
	case []byte:
		return strings.ToValidUTF8(string(v), "")
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = convertValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = convertValue(item)
		}
		return out
	default:
		return v
	}
}

// IdentityKey derives a stable identity for a row that has no usable
// primary key. It tries the common identifier field names first, then
// hashes the leading non-null fields so the same logical row maps to
// the same key across runs. A row with no usable fields at all gets a
// random identifier, accepting a small duplicate risk.
func (m *Mapper) IdentityKey(row map[string]any, table string) string {
	for _, candidate := range pkCandidates {
		name := candidate
		if strings.Contains(candidate, "%s") {
			name = fmt.Sprintf(candidate, table)
		}
		if v, ok := row[name]; ok && v != nil {
			return fmt.Sprintf("%v", v)
		}
	}

	// Deterministic short hash from the first five non-null,
	// non-metadata fields sorted by field name.
	fields := make([]string, 0, len(row))
	for k, v := range row {
		if v == nil || strings.HasPrefix(k, "_") {
			continue
		}
		fields = append(fields, k)
	}
	sort.Strings(fields)
	if len(fields) > 5 {
		fields = fields[:5]
	}

	if len(fields) > 0 {
		parts := make([]string, len(fields))
		for i, k := range fields {
			parts[i] = fmt.Sprintf("%s:%v", k, row[k])
		}
		return fmt.Sprintf("%x", md5.Sum([]byte(strings.Join(parts, "|"))))
	}

	key := uuid.NewString()
	m.logger.Warn("Row has no usable identity fields, generated random key",
		zap.String("table", table), zap.String("key", key))
	return key
}

// UpsertModels builds one replace-if-exists, insert-if-absent write
// per document. Documents are keyed by the table's primary key when
// known, otherwise by a derived identity stored on the document, so
// repeated syncs of unchanged data are idempotent.
func (m *Mapper) UpsertModels(docs []map[string]any, table, primaryKey string) []mongo.WriteModel {
	models := make([]mongo.WriteModel, 0, len(docs))
	for _, doc := range docs {
		var filter bson.D

		if primaryKey != "" {
			if v, ok := doc[primaryKey]; ok && v != nil {
				filter = bson.D{{Key: primaryKey, Value: v}}
			}
		}
		if filter == nil {
			key := m.IdentityKey(doc, table)
			doc[identityField] = key
			filter = bson.D{{Key: identityField, Value: key}}
		}

		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(filter).
			SetReplacement(doc).
			SetUpsert(true))
	}
	return models
}
