// The TableSpec types live here so config, pipeline and backend packages can all
// import them without circular deps.
package storage

type TableSpec struct {
	Name            string           `json:"name" mapstructure:"name"`
	AutoCreateTable bool             `json:"auto_create_table" mapstructure:"auto_create_table"`
	PrimaryKey      *PrimaryKeySpec  `json:"primary_key,omitempty" mapstructure:"primary_key"`
	Columns         []ColumnSpec     `json:"columns" mapstructure:"columns"`
	Constraints     []ConstraintSpec `json:"constraints,omitempty" mapstructure:"constraints"`
}

type PrimaryKeySpec struct {
	Name string `json:"name" mapstructure:"name"`
	Type string `json:"type" mapstructure:"type"` // e.g. serial / int identity, etc
}

type ColumnSpec struct {
	Name       string `json:"name" mapstructure:"name"`
	Type       string `json:"type" mapstructure:"type"`
	References string `json:"references,omitempty" mapstructure:"references"`
	Nullable   *bool  `json:"nullable,omitempty" mapstructure:"nullable"`
}

type ConstraintSpec struct {
	Kind    string   `json:"kind" mapstructure:"kind"` // "unique"
	Columns []string `json:"columns" mapstructure:"columns"`
}

// IsNullable reports the column's nullability. Backends disagree on the
// default, so each passes its own.
func (c ColumnSpec) IsNullable(def bool) bool {
	if c.Nullable == nil {
		return def
	}
	return *c.Nullable
}
