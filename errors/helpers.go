package errors

// WrapOpComponent wraps err with Op and Component. It returns nil for a nil err.
func WrapOpComponent(err error, op, component string) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Component(component), err)
}

// WrapOpComponentKind is WrapOpComponent with an explicit Kind.
func WrapOpComponentKind(err error, op, component string, kind Kind) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Component(component), kind, err)
}

// Annotate records key=value in the Metadata of the outermost SyncError in
// err's chain and returns err. Errors without a SyncError are returned as is.
func Annotate(err error, key string, value interface{}) error {
	var se *SyncError
	if !As(err, &se) {
		return err
	}
	if se.Metadata == nil {
		se.Metadata = make(map[string]interface{})
	}
	se.Metadata[key] = value
	return err
}
