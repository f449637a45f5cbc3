package transform

// Hasher applies one-way hashing to inbound password values
type Hasher interface {
	Hash(plain string) (string, error)
}

// HasherFunc adapts a function to the Hasher interface
type HasherFunc func(plain string) (string, error)

// Hash calls f(plain)
func (f HasherFunc) Hash(plain string) (string, error) {
	return f(plain)
}
