package script

import "sort"

// registry holds every handler registered across all loaded script files,
// indexed by event for dispatch and kept sorted by load order so §4.4's
// "file order, then registration order within a file" rule is a plain
// sort key rather than scattered bookkeeping.
type registry struct {
	handlers  map[HookEvent][]*handler
	fileRegN  map[string]int
}

func newRegistry() *registry {
	return &registry{
		handlers: make(map[HookEvent][]*handler),
		fileRegN: make(map[string]int),
	}
}

// nextRegIdx returns the next registration index within file, starting at 0.
func (r *registry) nextRegIdx(file string) int {
	n := r.fileRegN[file]
	r.fileRegN[file] = n + 1
	return n
}

func (r *registry) add(h *handler) {
	r.handlers[h.event] = append(r.handlers[h.event], h)
}

// finalize sorts every event's handler slice by (fileIdx, regIdx). Call
// once after all files in a load pass have registered their handlers.
func (r *registry) finalize() {
	for ev := range r.handlers {
		hs := r.handlers[ev]
		sort.SliceStable(hs, func(i, j int) bool {
			if hs[i].fileIdx != hs[j].fileIdx {
				return hs[i].fileIdx < hs[j].fileIdx
			}
			return hs[i].regIdx < hs[j].regIdx
		})
	}
}

// forEvent returns the ordered handlers for ev, already filtered to files
// enabled in the caller's effective-scripts set.
func (r *registry) forEvent(ev HookEvent, enabledFiles map[string]bool) []*handler {
	all := r.handlers[ev]
	out := make([]*handler, 0, len(all))
	for _, h := range all {
		if enabledFiles == nil || enabledFiles[h.file] {
			out = append(out, h)
		}
	}
	return out
}

func (r *registry) fileCount() int {
	return len(r.fileRegN)
}
