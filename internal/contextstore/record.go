package contextstore

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const RecordVersion = "1.0"

// Record is the persisted "last known tenant context". Records are replaced
// whole on every write and never mutated in place.
type Record struct {
	OrgID          int64
	CompanyID      *int64
	UpdatedAt      time.Time
	Version        string
	IntegrityStamp string
}

type recordWire struct {
	OrgID          int64   `json:"orgId"`
	CompanyID      *int64  `json:"companyId"`
	UpdatedAt      int64   `json:"updatedAt"`
	Version        string  `json:"version"`
	IntegrityStamp *string `json:"integrityStamp"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	wire := recordWire{
		OrgID:     r.OrgID,
		CompanyID: r.CompanyID,
		UpdatedAt: r.UpdatedAt.UnixMilli(),
		Version:   r.Version,
	}
	if wire.Version == "" {
		wire.Version = RecordVersion
	}
	if r.IntegrityStamp != "" {
		stamp := r.IntegrityStamp
		wire.IntegrityStamp = &stamp
	}
	return json.Marshal(wire)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var wire recordWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*r = Record{
		OrgID:     wire.OrgID,
		CompanyID: wire.CompanyID,
		UpdatedAt: time.UnixMilli(wire.UpdatedAt),
		Version:   wire.Version,
	}
	if r.Version == "" {
		r.Version = RecordVersion
	}
	if wire.IntegrityStamp != nil {
		r.IntegrityStamp = *wire.IntegrityStamp
	}
	return nil
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.CompanyID = cloneInt64(r.CompanyID)
	return &out
}

// SameContext reports whether both records point at the same org/company pair.
func (r *Record) SameContext(other *Record) bool {
	if r == nil || other == nil {
		return r == nil && other == nil
	}
	return r.OrgID == other.OrgID && equalInt64(r.CompanyID, other.CompanyID)
}

func (r *Record) equal(other *Record) bool {
	if !r.SameContext(other) {
		return false
	}
	if r == nil {
		return true
	}
	return r.UpdatedAt.Equal(other.UpdatedAt) && r.IntegrityStamp == other.IntegrityStamp
}

// IntegrityStamp binds a record to (org, company, user). It is a reproducible
// fingerprint, not a secret.
func IntegrityStamp(orgID int64, companyID *int64, userHint int64) string {
	company := "null"
	if companyID != nil {
		company = strconv.FormatInt(*companyID, 10)
	}
	user := "anonymous"
	if userHint > 0 {
		user = strconv.FormatInt(userHint, 10)
	}
	parts := []string{strconv.FormatInt(orgID, 10), company, user}
	return base64.StdEncoding.EncodeToString([]byte(strings.Join(parts, ":")))
}

func (r *Record) hasValidStamp(userHint int64) bool {
	if r == nil || r.IntegrityStamp == "" {
		return false
	}
	return r.IntegrityStamp == IntegrityStamp(r.OrgID, r.CompanyID, userHint)
}

const recordSchemaURL = "https://tenantsync.local/schemas/context-record.json"

const recordSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["orgId", "updatedAt"],
  "properties": {
    "orgId": {"type": "integer", "minimum": 1},
    "companyId": {"type": ["integer", "null"]},
    "updatedAt": {"type": "integer", "minimum": 0},
    "version": {"type": "string"},
    "integrityStamp": {"type": ["string", "null"]}
  }
}`

var recordSchema = mustCompileRecordSchema()

func mustCompileRecordSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("contextstore: parse record schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(recordSchemaURL, doc); err != nil {
		panic(fmt.Sprintf("contextstore: add record schema: %v", err))
	}
	schema, err := compiler.Compile(recordSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("contextstore: compile record schema: %v", err))
	}
	return schema
}

// DecodeRecord validates raw against the record schema and decodes it.
func DecodeRecord(raw []byte) (*Record, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty record", ErrInvalidRecord)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := recordSchema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return &record, nil
}

func encodeRecord(record *Record) ([]byte, error) {
	if record == nil {
		return nil, nil
	}
	return json.Marshal(record)
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func equalInt64(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
