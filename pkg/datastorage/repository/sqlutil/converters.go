// Package sqlutil converts between Go pointer/value types and the
// database/sql Null* wrappers the persistence layer's repositories scan
// query results into and bind query arguments from.
package sqlutil

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// ToNullString converts an optional string pointer to sql.NullString. A
// nil pointer or an empty string both produce an invalid (SQL NULL) value,
// since the persistence layer treats "" and "unset" the same way for
// every optional text column (command override, context hint, ...).
func ToNullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// ToNullStringValue is ToNullString for a value already dereferenced by
// the caller.
func ToNullStringValue(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// ToNullUUID stores id as its canonical string form, since the run's
// resume_from foreign key is optional.
func ToNullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func ToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func ToNullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

func FromNullString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

func FromNullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func FromNullInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// FromNullUUID parses a NULL-able UUID column back into a *uuid.UUID,
// returning nil rather than an error for an invalid or unparseable value
// so a corrupt optional reference degrades to "absent" instead of
// failing the whole row scan.
func FromNullUUID(n sql.NullString) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id, err := uuid.Parse(n.String)
	if err != nil {
		return nil
	}
	return &id
}
