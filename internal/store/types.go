package store

// Table/key separators used by the different logical databases. APPL_DB keys
// are colon separated, CONFIG_DB and STATE_DB keys are pipe separated.
const (
	AppSeparator    = ":"
	ConfigSeparator = "|"
)

// Op is the operation carried by a change record.
type Op string

const (
	OpSet Op = "SET"
	OpDel Op = "DEL"
)

// FieldValue is a single field/value pair of a table row.
type FieldValue struct {
	Field string
	Value string
}

// KeyOpFieldValues is one change record from a subscriber table or a
// notification channel: a row key, the operation applied to it, and the
// row's field/value pairs.
type KeyOpFieldValues struct {
	Key         string
	Op          Op
	FieldValues []FieldValue
}

// Get returns the value of the named field and whether it was present.
func (r KeyOpFieldValues) Get(field string) (string, bool) {
	for _, fv := range r.FieldValues {
		if fv.Field == field {
			return fv.Value, true
		}
	}
	return "", false
}
