package control

import (
	"context"
)

// ProcessLiveness reports whether a process is still alive. This package
// ships no implementation: the caller of Recover supplies one (for
// example a signal-0 probe, kill(pid, 0)); tests substitute a fake.
type ProcessLiveness interface {
	Alive(pid int) bool
}

// Recover walks the user table looking for entries whose owning process
// is no longer alive, releasing every lock and open-file reference that
// entry held and removing its slot. It is idempotent: running it twice
// in a row with no newly-dead process between calls is a no-op the
// second time, satisfying spec.md's recovery-idempotence property
// (Property 6).
func Recover(ctx context.Context, r *Region, live ProcessLiveness) (cleaned []int32, err error) {
	users, err := r.Users(ctx)
	if err != nil {
		return nil, err
	}

	for id, u := range users {
		if live.Alive(u.PID) {
			continue
		}
		releaseStaleUser(ctx, r, id, u)
		if err := r.removeUser(ctx, id); err != nil {
			return cleaned, err
		}
		cleaned = append(cleaned, id)
	}
	return cleaned, nil
}

func releaseStaleUser(ctx context.Context, r *Region, userID int32, u *UserEntry) {
	r.RecordLocks.ReleaseAllForOwner(userID)
	r.GroupLocks.ReleaseAllForOwner(userID)

	for fileID := range u.OpenFiles {
		_ = r.CloseFile(ctx, fileID)

		entry, ferr := r.FileEntry(ctx, fileID)
		if ferr != nil {
			continue
		}
		if clearing, owner := entry.IsClearing(); clearing && owner == userID {
			_ = r.EndClearFile(ctx, fileID, userID)
		}
	}
}
