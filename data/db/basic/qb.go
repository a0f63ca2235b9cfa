package basic

import (
	"strconv"
	"strings"
)

// SelectBuilder 最小 SELECT 构建器，占位符统一为 ?，由 DB 按方言重绑定
type SelectBuilder struct {
	cols  []string
	table string
	where []string
	args   []any
	order  []string
	limit  int
	offset int
}

// isSafeIdentifier 判断标识符是否为 [A-Za-z_][A-Za-z0-9_]*（允许 table.column）
func isSafeIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ".") {
		if part == "" {
			return false
		}
		for i := 0; i < len(part); i++ {
			ch := part[i]
			letter := (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
			digit := ch >= '0' && ch <= '9'
			if !letter && (i == 0 || !digit) {
				return false
			}
		}
	}
	return true
}

func NewSelect() *SelectBuilder { return &SelectBuilder{cols: []string{"*"}} }

func (b *SelectBuilder) Select(columns ...string) *SelectBuilder {
	if len(columns) == 0 {
		return b
	}
	for _, c := range columns {
		if c != "*" && !isSafeIdentifier(c) {
			panic("SelectBuilder: unsafe column name " + c)
		}
	}
	b.cols = columns
	return b
}

func (b *SelectBuilder) From(table string) *SelectBuilder {
	if !isSafeIdentifier(table) {
		panic("SelectBuilder: unsafe table name " + table)
	}
	b.table = table
	return b
}

// FromQuoted 校验原始表名后写入按方言加引号的形式
func (b *SelectBuilder) FromQuoted(table string, quote func(string) string) *SelectBuilder {
	b.From(table)
	b.table = quote(table)
	return b
}

func (b *SelectBuilder) Where(cond string, args ...any) *SelectBuilder {
	if cond != "" {
		b.where = append(b.where, cond)
		b.args = append(b.args, args...)
	}
	return b
}

// WhereIn 追加 col IN (?, ...) 条件；values 为空时生成恒假条件
func (b *SelectBuilder) WhereIn(col string, values ...any) *SelectBuilder {
	if !isSafeIdentifier(col) {
		panic("SelectBuilder: unsafe column name " + col)
	}
	if len(values) == 0 {
		return b.Where("1 = 0")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	return b.Where(col+" IN ("+placeholders+")", values...)
}

// OrderBy 追加排序列，多次调用按调用顺序排序
func (b *SelectBuilder) OrderBy(col string, desc bool) *SelectBuilder {
	if col == "" {
		return b
	}
	if !isSafeIdentifier(col) {
		panic("SelectBuilder: unsafe order column " + col)
	}
	if desc {
		col += " DESC"
	}
	b.order = append(b.order, col)
	return b
}

// Limit n == 0 表示不限制；n < 0 视为编程错误
func (b *SelectBuilder) Limit(n int) *SelectBuilder {
	if n < 0 {
		panic("SelectBuilder: limit cannot be negative")
	}
	b.limit = n
	return b
}

// Offset 仅在 Limit > 0 时生效
func (b *SelectBuilder) Offset(n int) *SelectBuilder {
	if n < 0 {
		panic("SelectBuilder: offset cannot be negative")
	}
	b.offset = n
	return b
}

func (b *SelectBuilder) Build() (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(b.cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(b.table)
	if len(b.where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.where, " AND "))
	}
	if len(b.order) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(b.order, ", "))
	}
	if b.limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(b.limit))
		if b.offset > 0 {
			sb.WriteString(" OFFSET ")
			sb.WriteString(strconv.Itoa(b.offset))
		}
	}
	return sb.String(), b.args
}
