// Package conflict implements last-write-wins resolution between two copies
// of the same entity.
package conflict

// Winner identifies which copy survives a conflict.
type Winner int

const (
	// LocalWins keeps the local copy; the upload is retried with the
	// local state.
	LocalWins Winner = iota
	// RemoteWins discards the local edit and overwrites it with the
	// server's copy.
	RemoteWins
)

func (w Winner) String() string {
	if w == LocalWins {
		return "local"
	}
	return "remote"
}

// Resolve picks a winner from the two envelopes. Higher version wins; equal
// versions resolve by later updated_at. A full tie goes to the remote copy,
// matching the push-channel rule that applies any incoming change whose
// version is at least the local one. The result is a pure function of its
// four inputs.
func Resolve(localVersion, localUpdatedAt, remoteVersion, remoteUpdatedAt int64) Winner {
	switch {
	case localVersion > remoteVersion:
		return LocalWins
	case remoteVersion > localVersion:
		return RemoteWins
	case localUpdatedAt > remoteUpdatedAt:
		return LocalWins
	default:
		return RemoteWins
	}
}

// ShouldApplyRemote reports whether a remote change at the given version
// should overwrite the local entity, per the push-channel rule: apply when
// the incoming version is at least the local one.
func ShouldApplyRemote(localVersion, remoteVersion int64) bool {
	return remoteVersion >= localVersion
}
