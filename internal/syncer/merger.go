package syncer

import "github.com/alexjbarnes/kullo-sync/internal/store"

// mergeResult is the outcome of merging a remote modification into a local
// message.
type mergeResult struct {
	local store.Message
	// shadow is the updated baseline to save, nil when dropShadow is set or
	// there was no shadow to begin with.
	shadow     *store.Message
	dropShadow bool
	// changed reports any difference between the stored and merged local
	// row, stateChanged only a read or done flag that changed.
	changed      bool
	stateChanged bool
}

// mergeMessage merges remote into local. Without a shadow there are no
// pending local edits and the remote state is taken as it is. With a
// shadow, a flag takes the remote value only if the user did not change it
// since the last sync, and a local deletion keeps both flags. The shadow
// then moves to the remote state; once local matches it the shadow is
// dropped.
func mergeMessage(local store.Message, shadow *store.Message, remote store.Message) mergeResult {
	out := mergeResult{local: local}
	out.local.LastModified = remote.LastModified

	if shadow == nil {
		out.local.Read = remote.Read
		out.local.Done = remote.Done
	} else {
		if !local.Deleted {
			if local.Read == shadow.Read {
				out.local.Read = remote.Read
			}

			if local.Done == shadow.Done {
				out.local.Done = remote.Done
			}
		}

		base := *shadow
		base.Old = true
		base.LastModified = remote.LastModified
		base.Deleted = remote.Deleted
		base.Read = remote.Read
		base.Done = remote.Done
		base.MetaVersion = remote.MetaVersion

		if sameSyncState(&out.local, &base) {
			out.dropShadow = true
		} else {
			out.shadow = &base
		}
	}

	out.stateChanged = out.local.Read != local.Read || out.local.Done != local.Done
	out.changed = out.stateChanged || out.local.LastModified != local.LastModified

	return out
}

// sameSyncState compares the fields a message shares with the server.
func sameSyncState(a, b *store.Message) bool {
	return a.LastModified == b.LastModified &&
		a.Deleted == b.Deleted &&
		a.Read == b.Read &&
		a.Done == b.Done &&
		a.MetaVersion == b.MetaVersion
}
