package models

// Column is the metadata of one table column.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	IsKey    bool   `json:"isKey"`
}

// TableDescriptor is derived from live schema introspection.
type TableDescriptor struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

func (t TableDescriptor) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	return names
}

func (t TableDescriptor) KeyColumns() []string {
	var keys []string
	for _, c := range t.Columns {
		if c.IsKey {
			keys = append(keys, c.Name)
		}
	}
	return keys
}

func (t TableDescriptor) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// IntersectColumns returns the columns present in both tables, in source
// order. Key flags come from the source table.
func IntersectColumns(source, target TableDescriptor) []Column {
	shared := make([]Column, 0, len(source.Columns))
	for _, c := range source.Columns {
		if _, ok := target.Column(c.Name); ok {
			shared = append(shared, c)
		}
	}
	return shared
}

// Row is one ordered tuple of values.
type Row []Value

// RowPage is a bounded window of a table's rows.
type RowPage struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// Objects renders the page as one JSON object per row, the shape the
// browser grid consumes.
func (p RowPage) Objects() []map[string]Value {
	objects := make([]map[string]Value, 0, len(p.Rows))
	for _, row := range p.Rows {
		object := make(map[string]Value, len(p.Columns))
		for i, name := range p.Columns {
			if i < len(row) {
				object[name] = row[i]
			}
		}
		objects = append(objects, object)
	}
	return objects
}
