package xerrors

// marked attaches a sentinel kind to a cause so callers can branch with
// errors.Is on the kind while the cause chain stays intact for logging.
type marked struct {
	err  error
	kind error
}

func (m *marked) Error() string     { return m.kind.Error() + ": " + m.err.Error() }
func (m *marked) Unwrap() []error   { return []error{m.err, m.kind} }
func (m *marked) Kind() error       { return m.kind }
func (m *marked) IsXerrorsWrapper() {}

// Mark returns err tagged with kind. errors.Is(Mark(err, kind), kind) holds,
// as does errors.Is against anything err already matched.
// A nil err yields nil; a nil kind returns err unchanged.
func Mark(err, kind error) error {
	if err == nil {
		return nil
	}
	if kind == nil {
		return err
	}
	return &marked{err: err, kind: kind}
}

// KindOf returns the kind attached by the outermost Mark in err's chain, or nil.
func KindOf(err error) error {
	for e := err; e != nil; {
		if m, ok := e.(*marked); ok {
			return m.kind
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		e = u.Unwrap()
	}
	return nil
}
