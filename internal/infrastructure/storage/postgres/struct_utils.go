package postgres

import (
	"reflect"
	"sync"
)

// ExtractDBColumns returns the "db" tag of every field of T in declaration
// order, descending into embedded structs. Call it once at package init.
func ExtractDBColumns[T any]() []string {
	var zero T
	meta := typeMetadataFor(reflect.TypeOf(zero))
	return meta.columns
}

type fieldInfo struct {
	index    int
	column   string
	embedded bool
}

type typeMetadata struct {
	fields  []fieldInfo
	columns []string
}

var typeCache sync.Map // reflect.Type -> *typeMetadata

func typeMetadataFor(t reflect.Type) *typeMetadata {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if cached, ok := typeCache.Load(t); ok {
		return cached.(*typeMetadata)
	}

	meta := &typeMetadata{}
	if t.Kind() == reflect.Struct {
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if field.Anonymous {
				meta.fields = append(meta.fields, fieldInfo{index: i, embedded: true})
				meta.columns = append(meta.columns, typeMetadataFor(field.Type).columns...)
				continue
			}
			tag := field.Tag.Get("db")
			if tag == "" || tag == "-" {
				continue
			}
			meta.fields = append(meta.fields, fieldInfo{index: i, column: tag})
			meta.columns = append(meta.columns, tag)
		}
	}

	actual, _ := typeCache.LoadOrStore(t, meta)
	return actual.(*typeMetadata)
}

// StructToMap maps "db" tags to field values, for squirrel SetMap.
func StructToMap(v any) map[string]any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	meta := typeMetadataFor(rv.Type())
	res := make(map[string]any, len(meta.columns))
	for _, fi := range meta.fields {
		if fi.embedded {
			for k, val := range StructToMap(rv.Field(fi.index).Interface()) {
				res[k] = val
			}
			continue
		}
		res[fi.column] = rv.Field(fi.index).Interface()
	}
	return res
}
