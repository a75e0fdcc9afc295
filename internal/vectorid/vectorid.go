package vectorid

import (
	"strconv"

	"github.com/google/uuid"
)

// Namespace is the fixed UUIDv5 namespace for chunk vector ids. Changing it
// orphans every vector already written to the index.
var Namespace = uuid.NameSpaceDNS

// Derive returns the vector id for a chunk position of a document.
// The id depends only on (documentID, index), never on chunk content, so a
// retried chunk always overwrites the same point.
func Derive(documentID uuid.UUID, index int) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte(documentID.String()+"_"+strconv.Itoa(index)))
}

// DeriveAll returns the ids for chunks 0..n-1 of a document.
func DeriveAll(documentID uuid.UUID, n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = Derive(documentID, i)
	}
	return ids
}
