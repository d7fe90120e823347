package stream

// Removal says why a key left a stream
type Removal int

const (
	// RemovedExplicitly means a diff deleted the key; it may animate out
	RemovedExplicitly Removal = iota + 1
	// RemovedByPolicy means the limit or a reset dropped the key
	RemovedByPolicy
)

// Removals folds changes, in the order they were applied, into the final
// removal reason per key. Keys inserted again after leaving are omitted.
func Removals(changes []Change) map[string]Removal {
	out := make(map[string]Removal)
	for _, c := range changes {
		for _, k := range c.Deleted {
			out[k] = RemovedExplicitly
		}
		for _, k := range c.Evicted {
			out[k] = RemovedByPolicy
		}
		for _, k := range c.Inserted {
			delete(out, k)
		}
	}
	return out
}
