package services

import (
	"strings"

	"db-sync-service/internal/models"
)

type changeKind int

const (
	changeInsert changeKind = iota
	changeUpdate
)

type rowChange struct {
	kind changeKind
	row  models.Row
}

// syncPlan is the ordered list of writes needed to bring the written side in
// line with the read side.
type syncPlan struct {
	columns   []string
	keys      []string
	changes   []rowChange
	unchanged int
}

func (p syncPlan) counts() (inserts, updates int) {
	for _, c := range p.changes {
		if c.kind == changeInsert {
			inserts++
		} else {
			updates++
		}
	}
	return inserts, updates
}

// batches splits the changes into consecutive chunks of at most size.
func (p syncPlan) batches(size int) [][]rowChange {
	if size <= 0 {
		size = len(p.changes)
	}
	var out [][]rowChange
	for start := 0; start < len(p.changes); start += size {
		end := min(start+size, len(p.changes))
		out = append(out, p.changes[start:end])
	}
	return out
}

// diffRows compares rows read with the same column order on both sides.
// With keys, a source row is an insert when its key is missing from target
// and an update when any non-key column differs. Without keys, rows are
// compared as a multiset and only inserts are produced. A row with a NULL
// key cell cannot be addressed by an UPDATE, so it goes through the multiset
// path even when the table has keys. Target-only rows are never touched.
func diffRows(columns, keys []string, source, target []models.Row) syncPlan {
	plan := syncPlan{columns: columns, keys: keys}
	if len(keys) == 0 {
		unmatched := make(multiset, len(target))
		for _, row := range target {
			unmatched.add(row)
		}
		for _, row := range source {
			plan.addUnkeyed(unmatched, row)
		}
		return plan
	}

	keyIdx := indexes(columns, keys)
	existing := make(map[string]models.Row, len(target))
	unkeyed := make(multiset)
	for _, row := range target {
		if hasNull(row, keyIdx) {
			unkeyed.add(row)
			continue
		}
		existing[rowKey(row, keyIdx)] = row
	}
	for _, row := range source {
		if hasNull(row, keyIdx) {
			plan.addUnkeyed(unkeyed, row)
			continue
		}
		current, ok := existing[rowKey(row, keyIdx)]
		switch {
		case !ok:
			plan.changes = append(plan.changes, rowChange{kind: changeInsert, row: row})
		case !rowsEqual(row, current):
			plan.changes = append(plan.changes, rowChange{kind: changeUpdate, row: row})
		default:
			plan.unchanged++
		}
	}
	return plan
}

// multiset counts full rows that have not been matched yet.
type multiset map[string]int

func (m multiset) add(row models.Row) {
	m[rowKey(row, nil)]++
}

// take consumes one identical row, reporting whether there was one.
func (m multiset) take(row models.Row) bool {
	k := rowKey(row, nil)
	if m[k] == 0 {
		return false
	}
	m[k]--
	return true
}

// addUnkeyed plans an insert unless an identical row is still unmatched.
func (p *syncPlan) addUnkeyed(unmatched multiset, row models.Row) {
	if unmatched.take(row) {
		p.unchanged++
		return
	}
	p.changes = append(p.changes, rowChange{kind: changeInsert, row: row})
}

func hasNull(row models.Row, idx []int) bool {
	for _, i := range idx {
		if row[i].IsNull() {
			return true
		}
	}
	return false
}

func indexes(columns, names []string) []int {
	idx := make([]int, 0, len(names))
	for _, name := range names {
		for i, c := range columns {
			if c == name {
				idx = append(idx, i)
				break
			}
		}
	}
	return idx
}

// rowKey renders the selected cells (all cells when idx is nil) into a map
// key. Values are compared by their canonical text so that an integer key
// read from one engine matches the same key read as text from another.
func rowKey(row models.Row, idx []int) string {
	var b strings.Builder
	write := func(v models.Value) {
		if v.IsNull() {
			b.WriteByte(0x01)
		} else {
			b.WriteString(v.Text())
		}
		b.WriteByte(0x00)
	}
	if idx == nil {
		for _, v := range row {
			write(v)
		}
		return b.String()
	}
	for _, i := range idx {
		write(row[i])
	}
	return b.String()
}

func rowsEqual(a, b models.Row) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
