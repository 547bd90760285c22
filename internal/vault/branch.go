package vault

// Branch identifies one of the lifecycle buckets a tracked file can occupy.
type Branch int

const (
	Keep Branch = iota + 1
	Archive
	Staged
	Limbo
	Stash
)

var branchDirs = [...]string{
	Keep:    "keep",
	Archive: "archive",
	Staged:  ".staged",
	Limbo:   ".limbo",
	Stash:   ".stash",
}

var branchNames = [...]string{
	Keep:    "keep",
	Archive: "archive",
	Staged:  "staged",
	Limbo:   "limbo",
	Stash:   "stash",
}

// Branches lists every branch. Order is insignificant; membership is fixed.
func Branches() []Branch {
	return []Branch{Keep, Archive, Staged, Limbo, Stash}
}

func (b Branch) String() string {
	if b >= Keep && b <= Stash {
		return branchNames[b]
	}
	return "unknown"
}

// Dir returns the branch's directory name inside the hidden store.
func (b Branch) Dir() string {
	return branchDirs[b]
}

// ParseBranch maps a branch name (as printed by String) back to its Branch.
func ParseBranch(s string) (Branch, bool) {
	for _, b := range Branches() {
		if branchNames[b] == s {
			return b, true
		}
	}
	return 0, false
}

// branchOfDir maps a hidden-store directory name to its Branch.
func branchOfDir(dir string) (Branch, bool) {
	for _, b := range Branches() {
		if branchDirs[b] == dir {
			return b, true
		}
	}
	return 0, false
}
