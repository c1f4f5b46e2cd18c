package migrate

import "sort"

// SchemaCache maps a table name to the layout it was most recently
// transformed to. It lives for one engine run.
type SchemaCache struct {
	specs map[string]*TableSpec
}

// NewSchemaCache returns an empty cache.
func NewSchemaCache() *SchemaCache {
	return &SchemaCache{specs: make(map[string]*TableSpec)}
}

// Rebuild replays every transform registered strictly before version before.
// Later versions overwrite earlier ones.
func (c *SchemaCache) Rebuild(r *Registry, before int) {
	c.specs = make(map[string]*TableSpec)
	for _, v := range r.Versions() {
		if v >= before {
			break
		}
		d, _ := r.Version(v)
		for _, t := range d.Transforms {
			c.record(t)
		}
	}
}

func (c *SchemaCache) record(t TransformStep) {
	if t.Spec != nil {
		c.specs[t.Table] = t.Spec
	}
}

// Get returns the cached layout of table.
func (c *SchemaCache) Get(table string) (*TableSpec, bool) {
	spec, ok := c.specs[table]
	return spec, ok
}

// Put records the layout table was brought to. A nil spec is ignored.
func (c *SchemaCache) Put(table string, spec *TableSpec) {
	if spec != nil {
		c.specs[table] = spec
	}
}

// Tables returns the cached table names in order.
func (c *SchemaCache) Tables() []string {
	out := make([]string, 0, len(c.specs))
	for name := range c.specs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
