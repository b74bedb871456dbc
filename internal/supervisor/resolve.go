package supervisor

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	cctx "github.com/akfullfo/legion/internal/context"
	"github.com/akfullfo/legion/internal/legionconfig"
)

// Identity is a TaskSpec's resolved user/group, computed once per
// TaskSpec (not once per spawn, since it never depends on the slot) and
// reused across every slot and reload that doesn't change user/group.
type Identity struct {
	User, Uid, Group, Gid string
	uidN, gidN            int
}

// ResolveTaskIdentity resolves spec.User/spec.Group via ResolveIdentity
// and caches the numeric forms Runner.Start needs.
func ResolveTaskIdentity(spec legionconfig.TaskSpec) (Identity, error) {
	user, uid, group, gid, err := ResolveIdentity(spec.User, spec.Group)
	if err != nil {
		return Identity{}, err
	}
	return Identity{User: user, Uid: uid, Group: group, Gid: gid, uidN: atoiOrZero(uid), gidN: atoiOrZero(gid)}, nil
}

// hostFQDN is resolved once per process, not per spawn: Task_host and
// Task_fqdn go into every slot's context, and the CNAME lookup must not
// stall the event loop on each resolution.
var (
	hostOnce             sync.Once
	cachedHost, cachedFQ string
)

func hostFQDN() (host, fqdn string) {
	hostOnce.Do(func() {
		cachedHost = "localhost"
		if h, err := os.Hostname(); err == nil {
			cachedHost = h
		}
		cachedFQ = cachedHost
		if cname, err := net.LookupCNAME(cachedHost); err == nil {
			cachedFQ = strings.TrimSuffix(cname, ".")
		}
	})
	return cachedHost, cachedFQ
}

// Resolved is everything needed to either spawn a slot's main process or
// run one of its auxiliary (stop/check) commands.
type Resolved struct {
	Ctx      cctx.Context
	Env      []string
	Cwd      string
	Pidfile  string
	Procname string
}

// resolveSlotContext builds the slot context in two passes: the pidfile
// is itself a template that may reference the other Task_* injections
// (most commonly Task_name and Task_instance), so the context is built
// once to resolve it and again with its value folded in as
// Task_pidfile. The procname template is resolved against that second
// context and is not injected.
func resolveSlotContext(
	spec legionconfig.TaskSpec,
	identity Identity,
	base cctx.Context,
	global, task cctx.Layers,
	activeRoles []string,
	instance, pid int,
) Resolved {
	host, fqdn := hostFQDN()

	injections := map[string]string{
		"Task_name":     spec.Name,
		"Task_instance": strconv.Itoa(instance),
		"Task_cwd":      spec.Cwd,
		"Task_user":     identity.User,
		"Task_uid":      identity.Uid,
		"Task_group":    identity.Group,
		"Task_gid":      identity.Gid,
		"Task_host":     host,
		"Task_fqdn":     fqdn,
	}
	if pid > 0 {
		injections["Task_pid"] = strconv.Itoa(pid)
		injections["Task_ppid"] = strconv.Itoa(os.Getpid())
	}

	ctx := cctx.Resolve(base, global, task, activeRoles, injections)
	pidfile, _ := cctx.Substitute(spec.Pidfile, ctx)

	injections["Task_pidfile"] = pidfile
	ctx = cctx.Resolve(base, global, task, activeRoles, injections)
	procname, _ := cctx.Substitute(spec.Procname, ctx)

	return Resolved{
		Ctx:      ctx,
		Env:      ctx.Env(),
		Cwd:      spec.Cwd,
		Pidfile:  pidfile,
		Procname: procname,
	}
}

// expandCommand resolves one named command template (e.g. "start",
// "stop", "check") into the executable path to fork/exec and the argv
// to present to the child, overriding argv[0] with the resolved
// procname if one is set. execPath (what actually gets exec'd) is
// unaffected by that override.
func expandCommand(spec legionconfig.TaskSpec, name string, resolved Resolved) (execPath string, argv []string, err error) {
	template, ok := spec.Commands[name]
	if !ok {
		return "", nil, fmt.Errorf("supervisor: task %q has no %q command", spec.Name, name)
	}
	rawArgv, _, err := cctx.ExpandArgv(template, resolved.Ctx)
	if err != nil {
		return "", nil, fmt.Errorf("supervisor: task %q command %q: %w", spec.Name, name, err)
	}
	if len(rawArgv) == 0 {
		return "", nil, fmt.Errorf("supervisor: task %q command %q resolved to an empty argv", spec.Name, name)
	}
	execPath = rawArgv[0]
	argv = append([]string(nil), rawArgv...)
	if resolved.Procname != "" {
		argv[0] = resolved.Procname
	}
	return execPath, argv, nil
}
