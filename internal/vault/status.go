package vault

// StatusKind discriminates the sweep-status union. The sweeper switches
// exhaustively over it: adding a kind forces a matching handler.
type StatusKind int

const (
	// StatusUntracked: the file has no key in any branch.
	StatusUntracked StatusKind = iota

	// StatusTracked: the file has exactly one key; Branch holds where.
	StatusTracked

	// StatusPhysical: the path lies inside the vault's own hidden store.
	StatusPhysical

	// StatusCorrupt: classification detected an invariant violation; Err
	// carries the CorruptionError.
	StatusCorrupt
)

var statusNames = [...]string{
	StatusUntracked: "untracked",
	StatusTracked:   "tracked",
	StatusPhysical:  "physical",
	StatusCorrupt:   "corrupt",
}

func (k StatusKind) String() string {
	if int(k) < len(statusNames) {
		return statusNames[k]
	}
	return "unknown"
}

// Status is a file's classification against a vault, produced per walked
// file. It is data, not an error: corruption observed during classification
// is carried in Err rather than raised.
type Status struct {
	Kind   StatusKind
	Branch Branch // valid when Kind == StatusTracked
	Err    error  // valid when Kind == StatusCorrupt
}
