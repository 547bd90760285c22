// Package identity resolves numeric uids and gids to users and groups.
// The Resolver interface is the seam between the vault core and whatever
// directory service (passwd, LDAP) an installation uses; everything in the
// core takes a Resolver rather than calling os/user directly.
package identity

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"sync"
)

// User is a resolved account that can own files and receive mail.
type User struct {
	UID   uint32
	Name  string
	Email string
}

// Group is a resolved filesystem group. Owners are the accounts responsible
// for data kept under the group (and so allowed to untrack other people's
// files); Members are everyone in the group.
type Group struct {
	GID     uint32
	Name    string
	Owners  []uint32
	Members []uint32
}

// Resolver looks up users and groups by numeric id.
type Resolver interface {
	User(uid uint32) (User, error)
	Group(gid uint32) (Group, error)
}

// ErrNotFound is returned by Resolver lookups for ids with no account.
var ErrNotFound = notFoundError("identity not found")

type notFoundError string

func (e notFoundError) Error() string { return string(e) }

// Actor is the identity performing vault operations: a uid plus its
// supplementary groups. Permission predicates evaluate against an Actor so
// tests can impersonate arbitrary users.
type Actor struct {
	UID  uint32
	GIDs []uint32
}

// CurrentActor captures the running process's identity.
func CurrentActor() (Actor, error) {
	groups, err := os.Getgroups()
	if err != nil {
		return Actor{}, fmt.Errorf("getgroups: %w", err)
	}
	gids := make([]uint32, 0, len(groups)+1)
	gids = append(gids, uint32(os.Getgid()))
	for _, g := range groups {
		gids = append(gids, uint32(g))
	}
	return Actor{UID: uint32(os.Getuid()), GIDs: gids}, nil
}

// InGroup reports whether the actor belongs to gid.
func (a Actor) InGroup(gid uint32) bool {
	for _, g := range a.GIDs {
		if g == gid {
			return true
		}
	}
	return false
}

// PasswdResolver resolves identities from the local passwd and group
// databases. Email addresses are synthesized as <name>@<domain>; group
// ownership is not expressible in POSIX groups, so owners come from an
// explicit per-group override (typically loaded from config) and default to
// the empty set.
type PasswdResolver struct {
	Domain string

	mu     sync.Mutex
	owners map[uint32][]uint32
	users  map[uint32]User
	groups map[uint32]Group
}

// NewPasswdResolver creates a resolver synthesizing emails under domain.
// owners maps gid to the uids responsible for that group's data.
func NewPasswdResolver(domain string, owners map[uint32][]uint32) *PasswdResolver {
	return &PasswdResolver{
		Domain: domain,
		owners: owners,
		users:  make(map[uint32]User),
		groups: make(map[uint32]Group),
	}
}

// User resolves uid via the passwd database. Results are cached for the
// lifetime of the resolver; a sweep run resolves the same owners repeatedly.
func (r *PasswdResolver) User(uid uint32) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.users[uid]; ok {
		return u, nil
	}

	pw, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return User{}, fmt.Errorf("uid %d: %w", uid, ErrNotFound)
	}
	u := User{
		UID:   uid,
		Name:  pw.Username,
		Email: pw.Username + "@" + r.Domain,
	}
	r.users[uid] = u
	return u, nil
}

// Group resolves gid via the group database, attaching configured owners.
func (r *PasswdResolver) Group(gid uint32) (Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.groups[gid]; ok {
		return g, nil
	}

	gr, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10))
	if err != nil {
		return Group{}, fmt.Errorf("gid %d: %w", gid, ErrNotFound)
	}

	// os/user does not expose group member lists portably; membership
	// checks use the Actor's supplementary groups instead, and an
	// LDAP-backed Resolver can fill Members in.
	g := Group{GID: gid, Name: gr.Name, Owners: r.owners[gid]}
	r.groups[gid] = g
	return g, nil
}
