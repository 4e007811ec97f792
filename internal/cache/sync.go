package cache

import (
	"context"
	"fmt"
)

// Remote is the diff-sync collaborator. RemoteClient implements it.
type Remote interface {
	Diff(ctx context.Context, keys []string) (DiffResponse, error)
	Push(ctx context.Context, entries []Entry) (int, error)
}

// SyncReport summarizes one sync.
type SyncReport struct {
	LocalKeys  int `json:"local_keys"`
	Downloaded int `json:"downloaded"`
	Uploaded   int `json:"uploaded"`
}

// Sync exchanges the symmetric difference between store and remote: entries
// the remote has are stored locally and entries it lacks are pushed.
func Sync(ctx context.Context, store Store, remote Remote) (SyncReport, error) {
	keys, err := store.Keys(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("listing local keys: %w", err)
	}
	rep := SyncReport{LocalKeys: len(keys)}

	diff, err := remote.Diff(ctx, keys)
	if err != nil {
		return rep, fmt.Errorf("requesting diff: %w", err)
	}

	if len(diff.ClientMissing) > 0 {
		n, err := store.PutMany(ctx, diff.ClientMissing)
		if err != nil {
			return rep, fmt.Errorf("storing %d downloaded entries: %w", len(diff.ClientMissing), err)
		}
		rep.Downloaded = n
	}

	if len(diff.ServerMissing) > 0 {
		entries, err := store.GetMany(ctx, diff.ServerMissing)
		if err != nil {
			return rep, fmt.Errorf("reading entries to upload: %w", err)
		}
		n, err := remote.Push(ctx, entries)
		if err != nil {
			return rep, fmt.Errorf("pushing %d entries: %w", len(entries), err)
		}
		rep.Uploaded = n
	}
	return rep, nil
}

// Diff computes what a client holding clientKeys lacks and which of its keys
// store lacks. It is the server side of Sync.
func Diff(ctx context.Context, store Store, clientKeys []string) (DiffResponse, error) {
	serverKeys, err := store.Keys(ctx)
	if err != nil {
		return DiffResponse{}, err
	}
	have := make(map[string]struct{}, len(clientKeys))
	for _, k := range clientKeys {
		have[k] = struct{}{}
	}
	var missing []string
	for _, k := range serverKeys {
		if _, ok := have[k]; !ok {
			missing = append(missing, k)
		} else {
			delete(have, k)
		}
	}

	out := DiffResponse{ClientMissing: []Entry{}, ServerMissing: []string{}}
	if len(missing) > 0 {
		entries, err := store.GetMany(ctx, missing)
		if err != nil {
			return DiffResponse{}, err
		}
		out.ClientMissing = append(out.ClientMissing, entries...)
	}
	for _, k := range clientKeys {
		if _, ok := have[k]; ok {
			out.ServerMissing = append(out.ServerMissing, k)
			delete(have, k)
		}
	}
	return out, nil
}
