// Package memory provides an in-memory notification store.
package memory

import "github.com/hashicorp/go-memdb"

const (
	tblRecords = "records"

	idxKey       = "id"
	idxKeyPrefix = "id_prefix"
)

// record is one stored entry.
type record struct {
	Key   string
	Value []byte
}

// schema is the schema of the memory store.
var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tblRecords: {
			Name: tblRecords,
			Indexes: map[string]*memdb.IndexSchema{
				idxKey: {
					Name:    idxKey,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Key"},
				},
			},
		},
	},
}
