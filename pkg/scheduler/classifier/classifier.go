// Package classifier maps a worker's result_code string onto one of a
// small set of outcome classes the Statistics Engine and Result Ingestor
// reason about. The table is loaded once into an immutable snapshot and
// swapped atomically on reload; nothing here does I/O.
package classifier

import "github.com/vcsched/scheduler-core/pkg/scheduler/domain"

// Classification is the closed set of result-code outcomes every
// component downstream of a worker report reasons about.
type Classification string

const (
	ClassSuccess   Classification = "success"
	ClassNoOp      Classification = "no-op"
	ClassTransient Classification = "transient"
	ClassPermanent Classification = "permanent"
)

// Table is an immutable result_code -> Classification mapping. The zero
// value is usable and behaves like DefaultTable.
type Table struct {
	byCode map[domain.ResultCode]Classification
}

// DefaultTable seeds the classifications observed in the janitor-style
// domain this scheduler targets. Operators extend or override it via the
// YAML classifier table; unknown codes default to
// permanent failure, a safe default rather than a panic.
func DefaultTable() *Table {
	return &Table{byCode: map[domain.ResultCode]Classification{
		"success":              ClassSuccess,
		"nothing-to-do":        ClassNoOp,
		"nothing-new-to-do":    ClassNoOp,
		"worker-timeout":       ClassTransient,
		"worker-killed":        ClassTransient,
		"build-timeout":        ClassTransient,
		"vcs-control-error":    ClassTransient,
		"subprocess-error":     ClassTransient,
		"401-unauthorized":     ClassTransient,
		"502-bad-gateway":      ClassTransient,
		"503-service-unavailable": ClassTransient,
		"codemod-error":        ClassPermanent,
		"build-failed":         ClassPermanent,
		"missing-upstream-branch": ClassPermanent,
		"patch-does-not-apply": ClassPermanent,
		"missing-deps":         ClassPermanent,
		"unsupported-vcs":      ClassPermanent,
	}}
}

// NewTable builds a Table from an explicit mapping, for config-driven
// construction; callers typically start from DefaultTable().byCode and
// overlay operator-supplied entries before calling this.
func NewTable(byCode map[domain.ResultCode]Classification) *Table {
	copied := make(map[domain.ResultCode]Classification, len(byCode))
	for k, v := range byCode {
		copied[k] = v
	}
	return &Table{byCode: copied}
}

// Classify returns code's classification, defaulting to permanent failure
// for any code the table does not recognize.
func (t *Table) Classify(code domain.ResultCode) Classification {
	if t == nil || t.byCode == nil {
		return classifyFallback(code)
	}
	if c, ok := t.byCode[code]; ok {
		return c
	}
	return ClassPermanent
}

func classifyFallback(code domain.ResultCode) Classification {
	return DefaultTable().Classify(code)
}

// TableFromConfig overlays the operator's result_codes configuration
// section onto the built-in table.
func TableFromConfig(codes map[string]string) *Table {
	overrides := make(map[domain.ResultCode]Classification, len(codes))
	for code, class := range codes {
		overrides[domain.ResultCode(code)] = Classification(class)
	}
	return DefaultTable().WithOverrides(overrides)
}

// Codes returns every result code the table knows, in no particular
// order, for callers (the change-set derivation query) that need the
// full code set of a class rather than a single lookup.
func (t *Table) Codes() []domain.ResultCode {
	if t == nil || t.byCode == nil {
		return DefaultTable().Codes()
	}
	out := make([]domain.ResultCode, 0, len(t.byCode))
	for code := range t.byCode {
		out = append(out, code)
	}
	return out
}

// WithOverrides returns a new Table equal to t with entries replaced or
// added from overrides, leaving t untouched (atomic-swap reload pattern).
func (t *Table) WithOverrides(overrides map[domain.ResultCode]Classification) *Table {
	merged := make(map[domain.ResultCode]Classification)
	if t != nil {
		for k, v := range t.byCode {
			merged[k] = v
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return &Table{byCode: merged}
}
