package db

import (
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"
)

var ErrEmptyPatch = errors.New("no fields to update")

// UnknownFieldError 表示请求里出现了不在白名单内的字段。
type UnknownFieldError struct{ Field string }

func (e *UnknownFieldError) Error() string { return fmt.Sprintf("field %q cannot be updated", e.Field) }

// Patch 是一次稀疏更新：列名只可能来自白名单，值始终作为参数传给驱动。
type Patch struct {
	cols []string
	vals map[string]any
}

// NewPatch 校验 fields 的每个键都在 allowed 中，并按列名排序固定生成顺序。
func NewPatch(fields map[string]any, allowed ...string) (Patch, error) {
	if len(fields) == 0 {
		return Patch{}, ErrEmptyPatch
	}
	allow := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		allow[a] = struct{}{}
	}
	p := Patch{cols: make([]string, 0, len(fields)), vals: make(map[string]any, len(fields))}
	for k, v := range fields {
		if _, ok := allow[k]; !ok {
			return Patch{}, &UnknownFieldError{Field: k}
		}
		p.cols = append(p.cols, k)
		p.vals[k] = v
	}
	sort.Strings(p.cols)
	return p, nil
}

func (p Patch) Columns() []string { return append([]string(nil), p.cols...) }

func (p Patch) Value(col string) (any, bool) {
	v, ok := p.vals[col]
	return v, ok
}

// Apply 把补丁写到 model 对应表中主键为 id 的行，返回受影响行数。
// gorm 会按列名排序生成 SET 子句。
func (p Patch) Apply(tx *gorm.DB, model any, id uint) (int64, error) {
	res := tx.Model(model).Where("id = ?", id).Updates(p.vals)
	return res.RowsAffected, res.Error
}
