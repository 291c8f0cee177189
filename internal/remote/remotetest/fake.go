// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/computor-org/computor-fullstack-sub002/internal/remote"
)

// Method names used for call counting and failure injection.
const (
	MethodFindGroupByPath   = "FindGroupByPath"
	MethodGetGroup          = "GetGroup"
	MethodCreateGroup       = "CreateGroup"
	MethodUpdateGroupName   = "UpdateGroupName"
	MethodTransferGroup     = "TransferGroup"
	MethodFindProjectByPath = "FindProjectByPath"
	MethodCreateProject     = "CreateProject"
	MethodPushFiles         = "PushFiles"
)

// Push records one PushFiles call.
type Push struct {
	Project remote.ProjectRef
	Branch  string
	Files   []remote.File
	Message string
}

// Dirs returns the distinct top-level directories touched by the push.
func (p Push) Dirs() []string {
	seen := map[string]bool{}
	for _, f := range p.Files {
		dir, _, found := strings.Cut(f.Path, "/")
		if found {
			seen[dir] = true
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Deleted returns the paths the push removes, sorted.
func (p Push) Deleted() []string {
	var out []string
	for _, f := range p.Files {
		if f.Delete {
			out = append(out, f.Path)
		}
	}
	sort.Strings(out)
	return out
}

// Fake is a thread-safe in-memory platform.
type Fake struct {
	mu       sync.Mutex
	nextID   int64
	groups   map[int64]*remote.GroupRef
	projects map[int64]*remote.ProjectRef
	pushes   []Push
	calls    map[string]int
	failures map[string][]error
	sticky   map[string]error
	BaseURL  string
}

var _ remote.Client = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		nextID:   1,
		groups:   make(map[int64]*remote.GroupRef),
		projects: make(map[int64]*remote.ProjectRef),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
		sticky:   make(map[string]error),
		BaseURL:  "https://gitlab.example.com",
	}
}

// FailNext makes the next call of method return err. Calls queue up.
func (f *Fake) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], err)
}

// FailAlways makes every call of method return err until cleared with nil.
func (f *Fake) FailAlways(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.sticky, method)
		return
	}
	f.sticky[method] = err
}

// Calls returns how often method was called.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// TotalCalls returns the number of calls across all methods.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// ResetCalls zeroes the call counters.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[string]int)
}

// Pushes returns the recorded pushes.
func (f *Fake) Pushes() []Push {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Push(nil), f.pushes...)
}

// Groups returns every group ordered by full path.
func (f *Fake) Groups() []remote.GroupRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]remote.GroupRef, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullPath < out[j].FullPath })
	return out
}

// SeedGroup creates a group without counting a call, simulating state created out of band.
func (f *Fake) SeedGroup(name, fullPath string) remote.GroupRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	var parentID int64
	if i := strings.LastIndex(fullPath, "/"); i >= 0 {
		if parent := f.groupByPathLocked(fullPath[:i]); parent != nil {
			parentID = parent.ID
		}
	}
	return *f.addGroupLocked(name, fullPath, parentID)
}

// DeleteGroup removes a group out of band.
func (f *Fake) DeleteGroup(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groups, id)
}

// MoveGroup changes a group's full path out of band, simulating drift.
func (f *Fake) MoveGroup(id int64, fullPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.groups[id]; ok {
		g.FullPath = fullPath
		g.WebURL = f.BaseURL + "/groups/" + fullPath
	}
}

func (f *Fake) enter(method string) error {
	f.calls[method]++
	if err, ok := f.sticky[method]; ok {
		return err
	}
	if q := f.failures[method]; len(q) > 0 {
		f.failures[method] = q[1:]
		return q[0]
	}
	return nil
}

func (f *Fake) groupByPathLocked(fullPath string) *remote.GroupRef {
	for _, g := range f.groups {
		if g.FullPath == fullPath {
			return g
		}
	}
	return nil
}

func (f *Fake) projectByPathLocked(fullPath string) *remote.ProjectRef {
	for _, p := range f.projects {
		if p.PathWithNamespace == fullPath {
			return p
		}
	}
	return nil
}

func (f *Fake) addGroupLocked(name, fullPath string, parentID int64) *remote.GroupRef {
	g := &remote.GroupRef{
		ID:       f.nextID,
		Name:     name,
		FullPath: fullPath,
		WebURL:   f.BaseURL + "/groups/" + fullPath,
		ParentID: parentID,
	}
	f.nextID++
	f.groups[g.ID] = g
	return g
}

func (f *Fake) FindGroupByPath(_ context.Context, fullPath string) (*remote.GroupRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodFindGroupByPath); err != nil {
		return nil, err
	}
	if g := f.groupByPathLocked(fullPath); g != nil {
		cp := *g
		return &cp, nil
	}
	return nil, remote.ErrNotFound
}

func (f *Fake) GetGroup(_ context.Context, id int64) (*remote.GroupRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodGetGroup); err != nil {
		return nil, err
	}
	if g, ok := f.groups[id]; ok {
		cp := *g
		return &cp, nil
	}
	return nil, remote.ErrNotFound
}

func (f *Fake) CreateGroup(_ context.Context, name, path string, parentID int64) (*remote.GroupRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodCreateGroup); err != nil {
		return nil, err
	}
	fullPath := path
	if parentID != 0 {
		parent, ok := f.groups[parentID]
		if !ok {
			return nil, &remote.RejectedError{Op: "create_group", StatusCode: 400, Err: fmt.Errorf("parent %d not found", parentID)}
		}
		fullPath = parent.FullPath + "/" + path
	}
	if f.groupByPathLocked(fullPath) != nil {
		return nil, &remote.RejectedError{Op: "create_group", StatusCode: 400, Err: fmt.Errorf("path %q has already been taken", fullPath)}
	}
	cp := *f.addGroupLocked(name, fullPath, parentID)
	return &cp, nil
}

func (f *Fake) UpdateGroupName(_ context.Context, id int64, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodUpdateGroupName); err != nil {
		return err
	}
	g, ok := f.groups[id]
	if !ok {
		return remote.ErrNotFound
	}
	g.Name = name
	return nil
}

func (f *Fake) TransferGroup(_ context.Context, id, newParentID int64) (*remote.GroupRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodTransferGroup); err != nil {
		return nil, err
	}
	g, ok := f.groups[id]
	if !ok {
		return nil, remote.ErrNotFound
	}
	parent, ok := f.groups[newParentID]
	if !ok {
		return nil, remote.ErrNotFound
	}
	oldPrefix := g.FullPath
	label := oldPrefix[strings.LastIndex(oldPrefix, "/")+1:]
	newPrefix := parent.FullPath + "/" + label
	for _, other := range f.groups {
		if other.FullPath == oldPrefix || strings.HasPrefix(other.FullPath, oldPrefix+"/") {
			other.FullPath = newPrefix + strings.TrimPrefix(other.FullPath, oldPrefix)
			other.WebURL = f.BaseURL + "/groups/" + other.FullPath
		}
	}
	for _, p := range f.projects {
		if strings.HasPrefix(p.PathWithNamespace, oldPrefix+"/") {
			p.PathWithNamespace = newPrefix + strings.TrimPrefix(p.PathWithNamespace, oldPrefix)
			p.WebURL = f.BaseURL + "/" + p.PathWithNamespace
		}
	}
	g.ParentID = newParentID
	cp := *g
	return &cp, nil
}

func (f *Fake) FindProjectByPath(_ context.Context, fullPath string) (*remote.ProjectRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodFindProjectByPath); err != nil {
		return nil, err
	}
	if p := f.projectByPathLocked(fullPath); p != nil {
		cp := *p
		return &cp, nil
	}
	return nil, remote.ErrNotFound
}

func (f *Fake) CreateProject(_ context.Context, name, path string, namespaceID int64) (*remote.ProjectRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodCreateProject); err != nil {
		return nil, err
	}
	ns, ok := f.groups[namespaceID]
	if !ok {
		return nil, &remote.RejectedError{Op: "create_project", StatusCode: 400, Err: fmt.Errorf("namespace %d not found", namespaceID)}
	}
	full := ns.FullPath + "/" + path
	if f.projectByPathLocked(full) != nil {
		return nil, &remote.RejectedError{Op: "create_project", StatusCode: 400, Err: fmt.Errorf("project %q has already been taken", full)}
	}
	p := &remote.ProjectRef{
		ID:                f.nextID,
		Name:              name,
		PathWithNamespace: full,
		WebURL:            f.BaseURL + "/" + full,
		HTTPURLToRepo:     f.BaseURL + "/" + full + ".git",
		DefaultBranch:     "main",
	}
	f.nextID++
	f.projects[p.ID] = p
	cp := *p
	return &cp, nil
}

func (f *Fake) PushFiles(_ context.Context, project remote.ProjectRef, branch string, files []remote.File, message string) (*remote.CommitRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(MethodPushFiles); err != nil {
		return nil, err
	}
	if _, ok := f.projects[project.ID]; !ok {
		return nil, remote.ErrNotFound
	}
	f.pushes = append(f.pushes, Push{
		Project: project,
		Branch:  branch,
		Files:   append([]remote.File(nil), files...),
		Message: message,
	})
	return &remote.CommitRef{SHA: fmt.Sprintf("%040d", len(f.pushes))}, nil
}
