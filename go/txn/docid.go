package txn

import "fmt"

// DocID is the fully-qualified identity of a document: bucket, scope,
// collection and key. It identifies both user documents and ATR documents.
// Equality is componentwise.
type DocID struct {
	Bucket     string
	Scope      string
	Collection string
	Key        string
}

func (d DocID) String() string {
	return fmt.Sprintf("%s.%s.%s/%s", d.Bucket, d.Scope, d.Collection, d.Key)
}

// Equal reports componentwise equality.
func (d DocID) Equal(o DocID) bool {
	return d.Bucket == o.Bucket &&
		d.Scope == o.Scope &&
		d.Collection == o.Collection &&
		d.Key == o.Key
}

// DocMetadata is the pre-transaction metadata snapshot of a document,
// captured the first time an attempt touches it, and later used as the
// "restore" backup recorded in the document's staged transaction links.
type DocMetadata struct {
	CAS     uint64
	RevID   string
	Expiry  uint32
	CRC32   uint32
}

// DocRecord is the (bkt, scp, col, id) shape persisted inside an ATR entry's
// inserted/replaced/removed lists
type DocRecord struct {
	Bkt string `json:"bkt"`
	Scp string `json:"scp"`
	Col string `json:"col"`
	ID  string `json:"id"`
}

// ToRecord projects a DocID into its persisted ATR-list shape.
func (d DocID) ToRecord() DocRecord {
	return DocRecord{Bkt: d.Bucket, Scp: d.Scope, Col: d.Collection, ID: d.Key}
}

// FromRecord recovers a DocID from a persisted ATR-list entry.
func FromRecord(r DocRecord) DocID {
	return DocID{Bucket: r.Bkt, Scope: r.Scp, Collection: r.Col, Key: r.ID}
}
