package store

import "context"

// ObjectStore is the narrow contract the executor needs from result
// storage: write one text object, get back a retrievable reference.
type ObjectStore interface {
	PutText(ctx context.Context, objectName, text string) (ref string, err error)
}
