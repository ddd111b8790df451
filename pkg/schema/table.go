package schema

// Column describes one column of a source table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TableDescriptor describes one discovered source table. Descriptors
// are rebuilt on every discovery pass and never persisted.
type TableDescriptor struct {
	Name            string   `json:"name"`
	Columns         []Column `json:"columns"`
	PrimaryKey      string   `json:"primary_key,omitempty"`
	CreatedAtColumn string   `json:"created_at_column,omitempty"`
	UpdatedAtColumn string   `json:"updated_at_column,omitempty"`
}

// HasTimestamps reports whether the table carries at least one
// timestamp column and is therefore eligible for incremental sync.
func (t *TableDescriptor) HasTimestamps() bool {
	return t.CreatedAtColumn != "" || t.UpdatedAtColumn != ""
}

// ColumnNames returns the column names in declaration order.
func (t *TableDescriptor) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// ForeignKey describes a foreign-key relationship of a table.
type ForeignKey struct {
	Column           string `json:"column"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
}

// Timestamp column name variants recognized during discovery.
var (
	createdAtNames = []string{"created_at", "date_created", "create_time", "created"}
	updatedAtNames = []string{"updated_at", "date_updated", "update_time", "modified", "last_modified"}
)

func isCreatedAtName(name string) bool {
	for _, n := range createdAtNames {
		if n == name {
			return true
		}
	}
	return false
}

func isUpdatedAtName(name string) bool {
	for _, n := range updatedAtNames {
		if n == name {
			return true
		}
	}
	return false
}
