package dhash

import "github.com/chordring/chorddht/chord"

// Delegate receives the DHash-specific user-visible upcalls of §7. A
// driver implements this alongside chord.Delegate.
type Delegate interface {
	InsertSuccess(key chord.Identifier, object []byte)
	InsertFailure(key chord.Identifier)
	RetrieveSuccess(key chord.Identifier, object []byte)
	RetrieveFailure(key chord.Identifier)
}
