package syncengine

import "github.com/carryzone/carrymap/internal/pins"

type mergeAction int

const (
	mergeInsert mergeAction = iota
	mergeOverwrite
	mergeKeepLocal
)

// resolveRemotePin decides how a remote copy merges into the local store.
// Last-write-wins on LastModifiedMs; strict comparison, so on an exact tie
// the local copy stands (it is already queued for upload if it is the newer
// side of an unsynced edit).
func resolveRemotePin(local *pins.Pin, remote pins.Pin) mergeAction {
	if local == nil {
		return mergeInsert
	}
	if remote.LastModifiedMs > local.LastModifiedMs {
		return mergeOverwrite
	}
	return mergeKeepLocal
}
