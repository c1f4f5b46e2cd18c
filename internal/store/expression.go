package store

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spaolacci/murmur3"

	"github.com/arkilian/oparchive/pkg/types"
)

var farmHashExpr = regexp.MustCompile(`^\s*farm_hash\((.*)\)\s*$`)

// computedColumn evaluates one computed key column of a row.
type computedColumn struct {
	name string
	args []string
}

// compileExpressions parses the computed columns of a schema. The only
// supported expression is farm_hash(c1, c2, ...) over user columns.
func compileExpressions(schema types.TableSchema) ([]computedColumn, error) {
	var out []computedColumn
	for _, col := range schema.Columns() {
		if !col.IsComputed() {
			continue
		}
		m := farmHashExpr.FindStringSubmatch(col.Expression)
		if m == nil {
			return nil, fmt.Errorf("column %q: unsupported expression %q", col.Name, col.Expression)
		}
		if col.Type != types.TypeUint64 {
			return nil, fmt.Errorf("column %q: farm_hash yields uint64, column is %s", col.Name, col.Type)
		}
		var args []string
		for _, a := range strings.Split(m[1], ",") {
			a = strings.TrimSpace(a)
			arg, ok := schema.Column(a)
			if !ok || arg.IsComputed() {
				return nil, fmt.Errorf("column %q: expression argument %q is not a user column", col.Name, a)
			}
			args = append(args, a)
		}
		out = append(out, computedColumn{name: col.Name, args: args})
	}
	return out, nil
}

// evaluate sets every computed column of row. Supplied values are overwritten.
func evaluate(exprs []computedColumn, row types.Row) error {
	for _, e := range exprs {
		data, err := types.EncodeCanonical(e.args, row)
		if err != nil {
			return err
		}
		row[e.name] = murmur3.Sum64(data)
	}
	return nil
}
