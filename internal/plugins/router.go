package plugins

// Router picks plugins for a path by matching its filename against each
// registered plugin's compiled preview pattern.
type Router struct {
	reg *Registry
}

// NewRouter returns a router over reg.
func NewRouter(reg *Registry) *Router {
	return &Router{reg: reg}
}

// Select returns the names of live plugins whose preview pattern matches
// path's filename, in registration order. An empty result means no plugin
// preview is available for this file; callers fall back to their default
// rendering, it is not an error. A Busy plugin still counts as routable:
// refusing to overlap requests is the dispatcher's job, not the router's.
func (rt *Router) Select(path string) []string {
	var matches []string
	for _, sup := range rt.reg.Snapshot() {
		switch sup.State() {
		case StateReady, StateBusy:
		default:
			continue
		}
		caps := sup.Capabilities()
		if caps == nil || !caps.MatchesPreview(path) {
			continue
		}
		matches = append(matches, sup.Name())
	}
	return matches
}

// SelectFirst returns the first match from Select, if any.
func (rt *Router) SelectFirst(path string) (string, bool) {
	matches := rt.Select(path)
	if len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}
