// Package credential validates the identity a spawned process should run
// under and resolves it into what the launcher applies to the child.
package credential

import (
	"fmt"
	"math"
	"os"
	"strings"
	"syscall"

	"github.com/sacexec/sace/errdefs"
	"github.com/syndtr/gocapability/capability"
	"go.uber.org/zap"
)

const (
	// ParamVersion1 is the only parameter bundle format currently understood.
	ParamVersion1 = 0x01

	// UnsetUID means "inherit the daemon's identity".
	UnsetUID = -1

	// MaxID is the largest assignable uid or gid. 0xFFFFFFFF means "no change" to the kernel.
	MaxID = math.MaxUint32 - 1
)

// Param is the parameter bundle a caller submits with every request.
type Param struct {
	Version int `json:"version"`
	UID     int `json:"uid"`
	// GIDs is ordered: the first entry is the primary group, the rest are supplementary.
	GIDs []int `json:"gids,omitempty"`
	// Capabilities are capability names (e.g. "net_bind_service") raised as ambient capabilities in the child.
	Capabilities []string `json:"capabilities,omitempty"`
}

// NewParam returns a bundle with the default values: current version, uid unset and no gids.
func NewParam() *Param {
	return &Param{Version: ParamVersion1, UID: UnsetUID}
}

// Credential is the requested {uid, gids} identity of a spawned process.
type Credential struct {
	UID          int
	GIDs         []int
	Capabilities []string
}

// Inherit reports whether the credential requests no change of identity.
func (c Credential) Inherit() bool {
	return c.UID < 0 && len(c.GIDs) == 0 && len(c.Capabilities) == 0
}

func (c Credential) String() string {
	return fmt.Sprintf("uid=%d gids=%v caps=%v", c.UID, c.GIDs, c.Capabilities)
}

// Credential validates the bundle and extracts the requested credential.
// A nil bundle is an invalid argument, never a panic.
func (p *Param) Credential() (Credential, error) {
	if p == nil {
		return Credential{}, errdefs.InvalidArgument("param", "", "parameter bundle is required")
	}
	if p.Version != ParamVersion1 {
		return Credential{}, errdefs.InvalidArgument("param", "", "unknown version code %#x", p.Version)
	}
	if err := validIDs("param", "", p.UID, p.GIDs); err != nil {
		return Credential{}, err
	}
	return Credential{
		UID:          p.UID,
		GIDs:         append([]int(nil), p.GIDs...),
		Capabilities: append([]string(nil), p.Capabilities...),
	}, nil
}

// Applied is a resolved credential, ready to be attached to a child process.
type Applied struct {
	// Credential is nil when the child inherits the daemon's identity.
	Credential *syscall.Credential
	// AmbientCaps are raised in the child after the identity switch.
	AmbientCaps []uintptr
	// Source is the credential this was resolved from.
	Source Credential
}

// Inherit reports whether no identity change will be applied.
func (a *Applied) Inherit() bool {
	return a == nil || (a.Credential == nil && len(a.AmbientCaps) == 0)
}

// Identity is the effective identity of the hosting process.
type Identity struct {
	UID int
	GID int
}

// Privileges reports which capabilities the hosting process holds.
type Privileges interface {
	Has(which capability.CapType, c capability.Cap) (bool, error)
}

// ProcessPrivileges reads the capability sets of the current process.
type ProcessPrivileges struct{}

func (ProcessPrivileges) Has(which capability.CapType, c capability.Cap) (bool, error) {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return false, fmt.Errorf("reading process capabilities: %w", err)
	}
	if err := caps.Load(); err != nil {
		return false, fmt.Errorf("loading process capabilities: %w", err)
	}
	return caps.Get(which, c), nil
}

// Resolver turns requested credentials into applied ones, refusing anything
// the hosting process is not privileged to assume.
type Resolver struct {
	log   *zap.SugaredLogger
	privs Privileges
	self  Identity
}

type Option func(r *Resolver)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Resolver) {
		r.log = l.Named("credential")
	}
}

// WithPrivileges overrides how the resolver reads the host's capabilities.
func WithPrivileges(p Privileges) Option {
	return func(r *Resolver) {
		r.privs = p
	}
}

// WithIdentity overrides the host identity (defaults to the effective uid/gid).
func WithIdentity(id Identity) Option {
	return func(r *Resolver) {
		r.self = id
	}
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		log:   zap.NewNop().Sugar(),
		privs: ProcessPrivileges{},
		self:  Identity{UID: os.Geteuid(), GID: os.Getegid()},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve validates c against the host's privileges. It either returns a
// complete Applied or fails; nothing is applied partially.
func (r *Resolver) Resolve(c Credential) (*Applied, error) {
	subject := c.String()
	if err := validIDs("resolve", subject, c.UID, c.GIDs); err != nil {
		return nil, err
	}

	applied := &Applied{Source: c}
	if c.Inherit() {
		return applied, nil
	}

	ambient, err := r.resolveCaps(subject, c.Capabilities)
	if err != nil {
		return nil, err
	}
	applied.AmbientCaps = ambient

	uid, gid := r.self.UID, r.self.GID
	if c.UID >= 0 {
		uid = c.UID
	}
	var groups []uint32
	if len(c.GIDs) > 0 {
		gid = c.GIDs[0]
		for _, g := range c.GIDs[1:] {
			groups = append(groups, uint32(g))
		}
	}

	if c.UID < 0 && len(c.GIDs) == 0 {
		// only capabilities were requested
		return applied, nil
	}

	if uid != r.self.UID {
		if err := r.require(subject, capability.CAP_SETUID); err != nil {
			return nil, err
		}
	}
	// without requested gids the child keeps the daemon's gid and groups
	keepGroups := len(c.GIDs) == 0
	if !keepGroups {
		if err := r.require(subject, capability.CAP_SETGID); err != nil {
			return nil, err
		}
	}

	applied.Credential = &syscall.Credential{
		Uid:         uint32(uid),
		Gid:         uint32(gid),
		Groups:      groups,
		NoSetGroups: keepGroups,
	}
	r.log.Debugw("resolved credential", "Requested", subject, "UID", uid, "GID", gid, "Groups", groups, "KeepGroups", keepGroups)
	return applied, nil
}

// validIDs checks that uid is unset or assignable and every gid is assignable.
func validIDs(op, subject string, uid int, gids []int) error {
	if uid < UnsetUID || int64(uid) > MaxID {
		return errdefs.InvalidArgument(op, subject, "uid %d out of range", uid)
	}
	for _, gid := range gids {
		if gid < 0 || int64(gid) > MaxID {
			return errdefs.InvalidArgument(op, subject, "gid %d out of range", gid)
		}
	}
	return nil
}

func (r *Resolver) require(subject string, c capability.Cap) error {
	ok, err := r.privs.Has(capability.EFFECTIVE, c)
	if err != nil {
		return errdefs.PermissionDenied("resolve", subject, "probing %s: %s", capName(c), err)
	}
	if !ok {
		r.log.Warnw("refusing credential", "Requested", subject, "Missing", capName(c))
		return errdefs.PermissionDenied("resolve", subject, "host lacks %s", capName(c))
	}
	return nil
}

func (r *Resolver) resolveCaps(subject string, names []string) ([]uintptr, error) {
	var out []uintptr
	for _, name := range names {
		c, ok := ParseCap(name)
		if !ok {
			return nil, errdefs.InvalidArgument("resolve", subject, "unknown capability %q", name)
		}
		// raising an ambient capability needs it in both the permitted and inheritable sets
		for _, set := range []capability.CapType{capability.PERMITTED, capability.INHERITABLE} {
			held, err := r.privs.Has(set, c)
			if err != nil {
				return nil, errdefs.PermissionDenied("resolve", subject, "probing %s: %s", capName(c), err)
			}
			if !held {
				return nil, errdefs.PermissionDenied("resolve", subject, "host lacks %s in %s set", capName(c), set)
			}
		}
		out = append(out, uintptr(c))
	}
	return out, nil
}

// ParseCap parses a capability name, accepting "net_raw", "NET_RAW" and "CAP_NET_RAW".
func ParseCap(name string) (capability.Cap, bool) {
	n := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "cap_")
	for _, c := range capability.List() {
		if c.String() == n {
			return c, true
		}
	}
	return 0, false
}

func capName(c capability.Cap) string {
	return "CAP_" + strings.ToUpper(c.String())
}
